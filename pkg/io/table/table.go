// Package table renders detections as a text table.
package table

import (
	"io"
	"net"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/hed1ad/flowguard/pkg/ensemble"
	flowio "github.com/hed1ad/flowguard/pkg/io"
	"github.com/hed1ad/flowguard/pkg/pipeline"
)

var _ flowio.DetectionWriter = (*Writer)(nil)

// Header lists the rendered columns.
var Header = []string{
	"Row", "Time", "Source", "Destination", "Proto",
	"Heuristic", "H.Score", "ML", "ML.Conf", "Score", "Risk", "Error",
}

// Writer buffers rows and renders them on Close.
type Writer struct {
	table     *tablewriter.Table
	onlyRisky bool
}

// Option configures a Writer.
type Option func(*Writer)

// WithOnlyRisky hides LOW detections. Rejected rows are always shown.
func WithOnlyRisky() Option {
	return func(w *Writer) {
		w.onlyRisky = true
	}
}

// NewWriter creates a table writer over w.
func NewWriter(w io.Writer, opts ...Option) *Writer {
	t := tablewriter.NewWriter(w)
	t.SetHeader(Header)
	t.SetAutoWrapText(false)
	t.SetColWidth(40)

	tw := &Writer{table: t}
	for _, opt := range opts {
		opt(tw)
	}
	return tw
}

// Write adds a detection row.
func (w *Writer) Write(d pipeline.Detection) error {
	if w.onlyRisky && !d.Rejected() && d.RiskLevel == ensemble.Low {
		return nil
	}
	w.table.Append(row(d))
	return nil
}

// WriteAll adds multiple detection rows.
func (w *Writer) WriteAll(ds []pipeline.Detection) error {
	for _, d := range ds {
		if err := w.Write(d); err != nil {
			return err
		}
	}
	return nil
}

// Close renders the table.
func (w *Writer) Close() error {
	w.table.Render()
	return nil
}

func row(d pipeline.Detection) []string {
	fl := func(f float64) string {
		return strconv.FormatFloat(f, 'f', 3, 64)
	}
	ts := ""
	if !d.Timestamp.IsZero() {
		ts = d.Timestamp.UTC().Format(time.RFC3339)
	}

	ml, mlConf := "-", "-"
	if d.MLPrediction != nil {
		ml = *d.MLPrediction
	}
	if d.MLConfidence != nil {
		mlConf = fl(*d.MLConfidence)
	}

	verdict := string(d.HeuristicVerdict)
	if verdict == "" {
		verdict = "-"
	}

	if d.Rejected() {
		return []string{
			strconv.FormatInt(d.RowID, 10), ts, d.SrcIP, d.DstIP, d.Proto,
			"-", "-", "-", "-", "-", "-", d.Error,
		}
	}
	return []string{
		strconv.FormatInt(d.RowID, 10),
		ts,
		net.JoinHostPort(d.SrcIP, strconv.Itoa(d.SrcPort)),
		net.JoinHostPort(d.DstIP, strconv.Itoa(d.DstPort)),
		d.Proto,
		verdict,
		fl(d.HeuristicScore),
		ml,
		mlConf,
		fl(d.CombinedScore),
		string(d.RiskLevel),
		d.Error,
	}
}
