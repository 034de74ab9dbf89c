package logger

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
)

func TestInitLogger(t *testing.T) {
	oldLevel := zerolog.GlobalLevel()
	oldLogger := log.Logger
	t.Cleanup(func() {
		zerolog.SetGlobalLevel(oldLevel)
		log.Logger = oldLogger
	})

	tests := []struct {
		name          string
		logLevel      string
		expectedLevel zerolog.Level
		expectOutput  bool
	}{
		{"Trace Level", "trace", zerolog.TraceLevel, true},
		{"Debug Level", "debug", zerolog.DebugLevel, true},
		{"Mixed case", " DEBUG ", zerolog.DebugLevel, true},
		{"Info Level", "info", zerolog.InfoLevel, false},
		{"Warn Level", "warn", zerolog.WarnLevel, false},
		{"Error Level", "error", zerolog.ErrorLevel, false},
		{"Default Level (unknown)", "verbose", zerolog.InfoLevel, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			zerolog.SetGlobalLevel(zerolog.Disabled)
			var buf bytes.Buffer

			InitLoggerTo(&buf, tt.logLevel)
			assert.Equal(t, tt.expectedLevel, zerolog.GlobalLevel())

			if tt.expectOutput {
				assert.Contains(t, buf.String(), "logger initialized")
				assert.Contains(t, buf.String(), `"global_level":"`+tt.expectedLevel.String())
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestComponent(t *testing.T) {
	oldLevel := zerolog.GlobalLevel()
	oldLogger := log.Logger
	t.Cleanup(func() {
		zerolog.SetGlobalLevel(oldLevel)
		log.Logger = oldLogger
	})

	var buf bytes.Buffer
	InitLoggerTo(&buf, "info")
	l := Component("pipeline")
	l.Info().Msg("hello")

	assert.Contains(t, buf.String(), `"component":"pipeline"`)
	assert.Contains(t, buf.String(), `"message":"hello"`)
}
