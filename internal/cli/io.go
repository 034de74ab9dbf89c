package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	flowio "github.com/hed1ad/flowguard/pkg/io"
	"github.com/hed1ad/flowguard/pkg/io/csv"
	"github.com/hed1ad/flowguard/pkg/io/jsonl"
	"github.com/hed1ad/flowguard/pkg/io/pcap"
	"github.com/hed1ad/flowguard/pkg/io/table"
)

// Input and output formats.
const (
	formatCSV   = "csv"
	formatJSONL = "jsonl"
	formatPCAP  = "pcap"
	formatTable = "table"
)

// inputFormat infers the format from the file extension when none is given.
func inputFormat(path, format string) string {
	if format != "" {
		return strings.ToLower(format)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pcap", ".pcapng", ".cap":
		return formatPCAP
	case ".jsonl", ".ndjson", ".json":
		return formatJSONL
	default:
		return formatCSV
	}
}

// openReader opens path, or stdin for "-", as a flow source.
func (a *app) openReader(path, format string) (flowio.FlowReader, error) {
	if path == "" {
		return nil, fmt.Errorf("--input is required")
	}
	format = inputFormat(path, format)

	if path == "-" {
		switch format {
		case formatCSV:
			return csv.NewReader(a.stdin)
		case formatJSONL:
			return jsonl.NewReader(a.stdin), nil
		case formatPCAP:
			return pcap.NewReader(a.stdin)
		}
		return nil, fmt.Errorf("unknown input format %q", format)
	}

	switch format {
	case formatCSV:
		return csv.Open(path)
	case formatJSONL:
		return jsonl.Open(path)
	case formatPCAP:
		return pcap.Open(path)
	}
	return nil, fmt.Errorf("unknown input format %q", format)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// openWriter creates a detection sink on path, or stdout when empty.
func (a *app) openWriter(path, format string, onlyRisky bool) (*closingWriter, error) {
	var w io.WriteCloser = nopCloser{a.stdout}
	if path != "" && path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return nil, err
		}
		w = f
	}

	switch strings.ToLower(format) {
	case "", formatJSONL:
		return &closingWriter{DetectionWriter: jsonl.NewWriter(w), c: w}, nil
	case formatTable:
		var opts []table.Option
		if onlyRisky {
			opts = append(opts, table.WithOnlyRisky())
		}
		return &closingWriter{DetectionWriter: table.NewWriter(w, opts...), c: w}, nil
	}
	w.Close()
	return nil, fmt.Errorf("unknown output format %q", format)
}

// closingWriter closes the underlying file after the sink has flushed.
type closingWriter struct {
	flowio.DetectionWriter
	c io.Closer
}

func (w *closingWriter) Close() error {
	err := w.DetectionWriter.Close()
	if cerr := w.c.Close(); err == nil {
		err = cerr
	}
	return err
}

// Flush pushes buffered output through when the sink buffers by line.
func (w *closingWriter) Flush() error {
	if f, ok := w.DetectionWriter.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}
