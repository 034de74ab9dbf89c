// Package cli implements the flowguard command tree.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hed1ad/flowguard/pkg/config"
	"github.com/hed1ad/flowguard/pkg/detectors"
	"github.com/hed1ad/flowguard/pkg/features"
	"github.com/hed1ad/flowguard/pkg/logger"
	"github.com/hed1ad/flowguard/pkg/metrics"
	"github.com/hed1ad/flowguard/pkg/pipeline"

	// Registers the isolation forest bundle kind.
	_ "github.com/hed1ad/flowguard/pkg/detectors/iforest"
)

// Version is set at build time.
var Version = "dev"

type app struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger zerolog.Logger

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// NewRootCommand returns the flowguard command wired to the process streams.
func NewRootCommand() *cobra.Command {
	return newRootCommand(os.Stdin, os.Stdout, os.Stderr)
}

// NewRootCommandWithIO returns the flowguard command with explicit streams.
func NewRootCommandWithIO(in io.Reader, out, errOut io.Writer) *cobra.Command {
	return newRootCommand(in, out, errOut)
}

func newRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{
		logger: zerolog.Nop(),
		stdin:  in,
		stdout: out,
		stderr: errOut,
	}

	cmd := &cobra.Command{
		Use:           "flowguard",
		Short:         "Score network flows for port scans, brute force, exfiltration and beaconing",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default ./flowguard.yaml or /etc/flowguard/flowguard.yaml)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "trace, debug, info, warn or error (overrides log_level)")

	cmd.AddCommand(
		newBatchCmd(a),
		newStreamCmd(a),
		newTrainCmd(a),
	)
	return cmd
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level := cfg.LogLevel
	if cmd.Flags().Changed("log-level") {
		level = a.logLevel
	}
	logger.InitLoggerTo(a.stderr, level)
	a.logger = logger.Component("cli")
	return nil
}

// newPipeline builds a pipeline from the loaded config, binding the model
// bundle at modelPath when one is given.
func (a *app) newPipeline(modelPath string, m *metrics.Metrics) (*pipeline.Pipeline, error) {
	opts := []pipeline.Option{
		pipeline.WithLogger(log.Logger),
		pipeline.WithMetrics(m),
	}

	if modelPath == "" {
		modelPath = a.cfg.Model.Path
	}
	if modelPath != "" {
		b, err := detectors.LoadBundleFile(modelPath)
		if err != nil {
			return nil, fmt.Errorf("load model: %w", err)
		}
		if b.SchemaVersion != features.SchemaVersion {
			a.logger.Warn().
				Str("model_schema", b.SchemaVersion).
				Str("schema", features.SchemaVersion).
				Msg("model trained on a different schema version")
		}
		c, err := b.Classifier()
		if err != nil {
			return nil, fmt.Errorf("load model: %w", err)
		}
		a.logger.Info().
			Str("model", modelPath).
			Str("kind", b.Kind).
			Float64("threshold", b.Threshold).
			Msg("model loaded")
		opts = append(opts, pipeline.WithClassifier(c, b.Schema))
	}

	return pipeline.New(a.cfg.PipelineConfig(), opts...)
}
