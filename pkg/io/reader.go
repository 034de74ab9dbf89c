// Package io defines the flow sources and detection sinks used by the CLI.
package io

import (
	"context"

	"github.com/hed1ad/flowguard/pkg/flow"
	"github.com/hed1ad/flowguard/pkg/pipeline"
)

// FlowReader is the interface for reading flows from various sources.
type FlowReader interface {
	// Read returns every remaining flow.
	Read() ([]flow.Flow, error)

	// Stream returns a channel of flows for real-time processing. The
	// channel is closed at end of input or when ctx is done.
	Stream(ctx context.Context) (<-chan flow.Flow, error)

	// Close releases resources.
	Close() error
}

// DetectionWriter is the interface for writing detection results.
type DetectionWriter interface {
	// Write outputs a single detection.
	Write(d pipeline.Detection) error

	// WriteAll outputs multiple detections.
	WriteAll(ds []pipeline.Detection) error

	// Close flushes buffered output and releases resources.
	Close() error
}
