// Package csv reads flow records from CSV files with a header row.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hed1ad/flowguard/pkg/flow"
	flowio "github.com/hed1ad/flowguard/pkg/io"
)

var _ flowio.FlowReader = (*Reader)(nil)

// ErrMissingColumn is returned when the header lacks a required column.
var ErrMissingColumn = errors.New("missing required column")

// Columns is the canonical column order, used when the input has no header.
var Columns = []string{
	"row_id", "ts", "src_ip", "dst_ip", "src_port", "dst_port",
	"proto", "bytes", "packets", "duration", "tcp_flags", "label",
}

var aliases = map[string]string{
	"timestamp": "ts",
	"time":      "ts",
	"id":        "row_id",
	"protocol":  "proto",
	"flags":     "tcp_flags",
}

// Reader reads flows from CSV input.
type Reader struct {
	closer    io.Closer
	reader    *csv.Reader
	hasHeader bool
	headers   []string
	cols      map[string]int
	row       int64

	mu  sync.Mutex
	err error
}

// Option configures a CSV reader.
type Option func(*Reader)

// WithHeader indicates the CSV has a header row. Without one, columns are
// expected in Columns order.
func WithHeader(has bool) Option {
	return func(r *Reader) {
		r.hasHeader = has
	}
}

// Open creates a reader for the named file.
func Open(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(file, opts...)
	if err != nil {
		file.Close()
		return nil, err
	}
	r.closer = file
	return r, nil
}

// NewReader creates a reader over src. Close does not close src.
func NewReader(src io.Reader, opts ...Option) (*Reader, error) {
	cr := csv.NewReader(src)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	r := &Reader{
		reader:    cr,
		hasHeader: true,
	}
	for _, opt := range opts {
		opt(r)
	}

	headers := Columns
	if r.hasHeader {
		rec, err := r.reader.Read()
		if err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
		headers = make([]string, len(rec))
		copy(headers, rec)
	}
	r.headers = headers

	r.cols = make(map[string]int, len(headers))
	for i, h := range headers {
		name := strings.ToLower(strings.TrimSpace(h))
		if canon, ok := aliases[name]; ok {
			name = canon
		}
		if _, dup := r.cols[name]; !dup {
			r.cols[name] = i
		}
	}
	for _, req := range []string{"ts", "src_ip", "dst_ip"} {
		if _, ok := r.cols[req]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, req)
		}
	}
	return r, nil
}

// Headers returns the column headers.
func (r *Reader) Headers() []string {
	return r.headers
}

// Read returns all remaining flows. Cells that fail to parse become zero
// values; the pipeline rejects rows left without a timestamp.
func (r *Reader) Read() ([]flow.Flow, error) {
	var data []flow.Flow
	for {
		f, err := r.next()
		if err == io.EOF {
			return data, nil
		}
		if err != nil {
			return data, err
		}
		data = append(data, f)
	}
}

// Stream returns a channel of flows for real-time processing. A read error
// stops the stream and is reported by Err.
func (r *Reader) Stream(ctx context.Context) (<-chan flow.Flow, error) {
	out := make(chan flow.Flow, 100)

	go func() {
		defer close(out)
		for {
			f, err := r.next()
			if err == io.EOF {
				return
			}
			if err != nil {
				r.setErr(err)
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

func (r *Reader) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

func (r *Reader) next() (flow.Flow, error) {
	for {
		record, err := r.reader.Read()
		if err != nil {
			return flow.Flow{}, err
		}
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}
		r.row++
		return r.parseRow(record), nil
	}
}

// parseRow maps a record to a flow, coercing unparseable cells to zero.
func (r *Reader) parseRow(record []string) flow.Flow {
	get := func(col string) string {
		i, ok := r.cols[col]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	f := flow.Flow{
		ID:        r.row,
		Timestamp: ParseTimestamp(get("ts")),
		SrcIP:     get("src_ip"),
		DstIP:     get("dst_ip"),
		SrcPort:   int(parseFloat(get("src_port"))),
		DstPort:   int(parseFloat(get("dst_port"))),
		Proto:     get("proto"),
		Bytes:     parseCount(get("bytes")),
		Packets:   parseCount(get("packets")),
		Duration:  parseFloat(get("duration")),
		TCPFlags:  get("tcp_flags"),
		Label:     get("label"),
	}
	if id, err := strconv.ParseInt(get("row_id"), 10, 64); err == nil {
		f.ID = id
	}
	return f
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006/01/02 15:04:05",
}

// ParseTimestamp accepts RFC 3339, "2006-01-02 15:04:05" (optionally with
// fractional seconds) and unix seconds. Layouts without a zone are UTC.
// Unparseable input yields the zero time.
func ParseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	sec, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(sec) || math.IsInf(sec, 0) || sec <= 0 {
		return time.Time{}
	}
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func parseCount(s string) uint64 {
	v := parseFloat(s)
	if v <= 0 {
		return 0
	}
	if v >= float64(flow.MaxCount) {
		return flow.MaxCount
	}
	return uint64(v)
}
