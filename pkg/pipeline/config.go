package pipeline

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/hed1ad/flowguard/pkg/ensemble"
	"github.com/hed1ad/flowguard/pkg/heuristics"
	"github.com/hed1ad/flowguard/pkg/window"
)

// Config sizes the window stores and holds the initial scoring policy.
type Config struct {
	// WindowSize is the number of flows kept per host key.
	WindowSize int
	// MaxHosts bounds the keys tracked by each keyspace.
	MaxHosts int
	// Shards is the lock partition count of each store.
	Shards int
	// Workers bounds scoring concurrency in Batch. 0 uses GOMAXPROCS.
	Workers int

	Heuristics heuristics.Config
	Ensemble   ensemble.Config
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		WindowSize: window.DefaultSize,
		MaxHosts:   window.DefaultMaxHosts,
		Shards:     window.DefaultShards,
		Heuristics: heuristics.DefaultConfig(),
		Ensemble:   ensemble.DefaultConfig(),
	}
}

// Validate checks the whole configuration.
func (c Config) Validate() error {
	var errs []error
	if c.WindowSize < 1 || c.WindowSize > window.MaxSize {
		errs = append(errs, fmt.Errorf("window size must be in [1, %d], got %d", window.MaxSize, c.WindowSize))
	}
	if c.MaxHosts < 1 {
		errs = append(errs, fmt.Errorf("max hosts must be >= 1, got %d", c.MaxHosts))
	}
	if c.Shards < 1 {
		errs = append(errs, fmt.Errorf("shards must be >= 1, got %d", c.Shards))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must be >= 0, got %d", c.Workers))
	}
	if err := c.Heuristics.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("heuristics: %w", err))
	}
	if err := c.Ensemble.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ensemble: %w", err))
	}
	return errors.Join(errs...)
}

func (c Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.GOMAXPROCS(0)
}
