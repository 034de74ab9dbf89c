package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/flowguard/pkg/detectors"
	"github.com/hed1ad/flowguard/pkg/features"
	"github.com/hed1ad/flowguard/pkg/pipeline"
)

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// flowsCSV returns benign web traffic from five clients followed by one
// host sweeping 12 ports on a server. Gaps grow quadratically so no pair
// looks periodic.
func flowsCSV(benign int) string {
	at := func(offset, n int) string {
		return base.Add(time.Duration(offset+n*n) * time.Second).Format(time.RFC3339)
	}

	var b strings.Builder
	b.WriteString("row_id,ts,src_ip,dst_ip,src_port,dst_port,proto,bytes,packets,duration,tcp_flags,label\n")
	id := 1
	for i := 0; i < benign; i++ {
		fmt.Fprintf(&b, "%d,%s,10.0.1.%d,10.0.0.80,%d,443,tcp,%d,%d,0.5,SA,benign\n",
			id, at(0, i), i%5+1, 40000+i, 1000+i*10, 8+i%3)
		id++
	}
	for p := 0; p < 12; p++ {
		fmt.Fprintf(&b, "%d,%s,10.0.0.66,10.0.0.2,50000,%d,tcp,60,1,0,S,attack\n",
			id, at(benign*benign, p), 1000+p)
		id++
	}
	return b.String()
}

func writeInput(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := NewRootCommandWithIO(strings.NewReader(stdin), &out, &errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func decode(t *testing.T, out string) []pipeline.Detection {
	t.Helper()
	var ds []pipeline.Detection
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		var d pipeline.Detection
		require.NoError(t, jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal([]byte(line), &d))
		ds = append(ds, d)
	}
	return ds
}

func TestBatch(t *testing.T) {
	path := writeInput(t, "flows.csv", flowsCSV(20))

	out, logs, err := run(t, "", "batch", "--input", path)
	require.NoError(t, err)

	ds := decode(t, out)
	require.Len(t, ds, 32)
	for i, d := range ds {
		assert.Equal(t, int64(i+1), d.RowID)
		assert.Nil(t, d.MLPrediction)
	}
	assert.Empty(t, string(ds[28].HeuristicVerdict), "ninth distinct port")
	assert.Equal(t, "port_scan", string(ds[29].HeuristicVerdict), "tenth distinct port")
	assert.Equal(t, "port_scan", string(ds[31].HeuristicVerdict))

	assert.Contains(t, logs, "batch complete")
}

func TestBatchTable(t *testing.T) {
	path := writeInput(t, "flows.csv", flowsCSV(5))

	out, _, err := run(t, "", "batch", "--input", path, "--output", "table", "--only-risky")
	require.NoError(t, err)
	assert.Contains(t, out, "HEURISTIC")
	assert.Contains(t, out, "port_scan")
	assert.NotContains(t, out, "10.0.1.1:40000")
}

func TestBatchOutFile(t *testing.T) {
	path := writeInput(t, "flows.csv", flowsCSV(3))
	dest := filepath.Join(t.TempDir(), "detections.jsonl")

	out, _, err := run(t, "", "batch", "-i", path, "--out", dest)
	require.NoError(t, err)
	assert.Empty(t, out)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Len(t, decode(t, string(data)), 15)
}

func TestBatchRejectsMalformedRows(t *testing.T) {
	body := "ts,src_ip,dst_ip,dst_port\n" +
		"2024-03-01T10:00:00Z,10.0.0.1,10.0.0.2,80\n" +
		"not-a-time,10.0.0.1,10.0.0.2,80\n"
	path := writeInput(t, "flows.csv", body)

	out, _, err := run(t, "", "batch", "--input", path)
	require.NoError(t, err)

	ds := decode(t, out)
	require.Len(t, ds, 2)
	assert.False(t, ds[0].Rejected())
	assert.True(t, ds[1].Rejected())
	assert.Contains(t, ds[1].Error, "timestamp")
}

func TestTrainThenScore(t *testing.T) {
	path := writeInput(t, "flows.csv", flowsCSV(60))
	model := filepath.Join(t.TempDir(), "model.bundle")

	_, logs, err := run(t, "", "train", "--input", path, "--out", model, "--trees", "20", "--labels", "benign")
	require.NoError(t, err)
	assert.Contains(t, logs, "model saved")

	b, err := detectors.LoadBundleFile(model)
	require.NoError(t, err)
	assert.Equal(t, "iforest", b.Kind)
	assert.Equal(t, features.DefaultSchema().Names, b.Schema)
	assert.Equal(t, features.SchemaVersion, b.SchemaVersion)

	out, _, err := run(t, "", "batch", "--input", path, "--model", model)
	require.NoError(t, err)

	ds := decode(t, out)
	require.Len(t, ds, 72)
	for _, d := range ds {
		require.NotNil(t, d.MLPrediction)
		require.NotNil(t, d.MLConfidence)
		assert.Contains(t, []string{detectors.LabelBenign, detectors.LabelAnomaly}, *d.MLPrediction)
		assert.Empty(t, d.Error)
	}
}

func TestTrainErrors(t *testing.T) {
	path := writeInput(t, "flows.csv", flowsCSV(10))
	model := filepath.Join(t.TempDir(), "model.bundle")

	tests := []struct {
		name string
		args []string
	}{
		{name: "no matching labels", args: []string{"train", "-i", path, "--out", model, "--labels", "nothing"}},
		{name: "bad contamination", args: []string{"train", "-i", path, "--out", model, "--contamination", "0.7"}},
		{name: "missing out", args: []string{"train", "-i", path}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := run(t, "", tt.args...)
			assert.Error(t, err)
		})
	}
	_, err := os.Stat(model)
	assert.True(t, os.IsNotExist(err))
}

func TestStreamStdin(t *testing.T) {
	out, logs, err := run(t, flowsCSV(20), "stream", "--input", "-", "--format", "csv")
	require.NoError(t, err)

	ds := decode(t, out)
	require.Len(t, ds, 32)
	assert.Equal(t, "port_scan", string(ds[31].HeuristicVerdict))
	assert.Contains(t, logs, "stream stopped")
}

func TestStreamMatchesBatch(t *testing.T) {
	body := flowsCSV(30)
	path := writeInput(t, "flows.csv", body)

	batchOut, _, err := run(t, "", "batch", "--input", path)
	require.NoError(t, err)
	streamOut, _, err := run(t, body, "stream", "--input", "-")
	require.NoError(t, err)

	assert.Equal(t, decode(t, batchOut), decode(t, streamOut))
}

func TestInputErrors(t *testing.T) {
	path := writeInput(t, "flows.csv", flowsCSV(1))

	tests := []struct {
		name string
		args []string
	}{
		{name: "missing input", args: []string{"batch"}},
		{name: "absent file", args: []string{"batch", "-i", filepath.Join(t.TempDir(), "absent.csv")}},
		{name: "unknown format", args: []string{"batch", "-i", path, "--format", "xml"}},
		{name: "unknown output", args: []string{"batch", "-i", path, "--output", "html"}},
		{name: "absent model", args: []string{"batch", "-i", path, "--model", filepath.Join(t.TempDir(), "m")}},
		{name: "absent config", args: []string{"--config", filepath.Join(t.TempDir(), "c.yaml"), "batch", "-i", path}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := run(t, "", tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestInputFormat(t *testing.T) {
	tests := []struct {
		path, format, expect string
	}{
		{"a.csv", "", formatCSV},
		{"a.PCAP", "", formatPCAP},
		{"a.pcapng", "", formatPCAP},
		{"a.ndjson", "", formatJSONL},
		{"-", "", formatCSV},
		{"a.csv", "JSONL", formatJSONL},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expect, inputFormat(tt.path, tt.format), tt.path)
	}
}

func TestConfigFileAppliesThresholds(t *testing.T) {
	cfg := writeInput(t, "flowguard.yaml", "log_level: error\nheuristics:\n  port_scan_threshold: 12\n")
	path := writeInput(t, "flows.csv", flowsCSV(5))

	out, logs, err := run(t, "", "--config", cfg, "batch", "--input", path)
	require.NoError(t, err)
	assert.NotContains(t, logs, "batch complete")

	ds := decode(t, out)
	assert.Empty(t, string(ds[15].HeuristicVerdict), "eleventh distinct port")
	assert.Equal(t, "port_scan", string(ds[16].HeuristicVerdict), "twelfth distinct port")
}
