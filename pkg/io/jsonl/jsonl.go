// Package jsonl reads flows from and writes detections to JSON lines.
package jsonl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/hed1ad/flowguard/pkg/flow"
	flowio "github.com/hed1ad/flowguard/pkg/io"
	"github.com/hed1ad/flowguard/pkg/pipeline"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	_ flowio.DetectionWriter = (*Writer)(nil)
	_ flowio.FlowReader      = (*Reader)(nil)
)

const maxLine = 1 << 20

// Writer writes one detection object per line.
type Writer struct {
	buf    *bufio.Writer
	enc    *jsoniter.Encoder
	closer io.Closer
}

// NewWriter creates a writer over w. Close flushes but does not close w.
func NewWriter(w io.Writer) *Writer {
	buf := bufio.NewWriter(w)
	return &Writer{buf: buf, enc: json.NewEncoder(buf)}
}

// Create creates or truncates the named file.
func Create(filename string) (*Writer, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	w := NewWriter(file)
	w.closer = file
	return w, nil
}

// Write outputs a single detection.
func (w *Writer) Write(d pipeline.Detection) error {
	if err := w.enc.Encode(d); err != nil {
		return fmt.Errorf("encode detection %d: %w", d.RowID, err)
	}
	return nil
}

// WriteAll outputs multiple detections.
func (w *Writer) WriteAll(ds []pipeline.Detection) error {
	for _, d := range ds {
		if err := w.Write(d); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes buffered lines to the underlying writer.
func (w *Writer) Flush() error {
	return w.buf.Flush()
}

// Close flushes and releases resources.
func (w *Writer) Close() error {
	err := w.buf.Flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Reader reads one flow object per line. Lines that are not valid JSON
// yield a flow carrying only the line number, which the pipeline rejects.
type Reader struct {
	scanner *bufio.Scanner
	closer  io.Closer
	line    int64

	mu  sync.Mutex
	err error
}

// NewReader creates a reader over r. Close does not close r.
func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxLine)
	return &Reader{scanner: s}
}

// Open creates a reader for the named file.
func Open(filename string) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	r := NewReader(file)
	r.closer = file
	return r, nil
}

func (r *Reader) next() (flow.Flow, bool) {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		r.line++
		var f flow.Flow
		if err := json.Unmarshal(line, &f); err != nil {
			return flow.Flow{ID: r.line}, true
		}
		if f.ID == 0 {
			f.ID = r.line
		}
		return f, true
	}
	return flow.Flow{}, false
}

// Read returns all remaining flows.
func (r *Reader) Read() ([]flow.Flow, error) {
	var data []flow.Flow
	for {
		f, ok := r.next()
		if !ok {
			return data, r.scanner.Err()
		}
		data = append(data, f)
	}
}

// Stream returns a channel of flows. A scan error ends the stream and is
// reported by Err.
func (r *Reader) Stream(ctx context.Context) (<-chan flow.Flow, error) {
	out := make(chan flow.Flow, 100)
	go func() {
		defer close(out)
		for {
			f, ok := r.next()
			if !ok {
				if err := r.scanner.Err(); err != nil {
					r.mu.Lock()
					r.err = err
					r.mu.Unlock()
				}
				return
			}
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Err returns the error that ended Stream, if any.
func (r *Reader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
