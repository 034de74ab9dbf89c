// Package features assembles fixed-order numeric vectors from a flow and the
// window state that preceded it.
package features

import "slices"

// SchemaVersion identifies the current feature layout.
const SchemaVersion = "flowguard/v2"

// Feature indices in SchemaVersion order.
const (
	SrcPort = iota
	DstPort
	Proto
	Bytes
	Packets
	Duration
	WindowBytes
	WindowPackets
	WindowUniqueDstIPs
	WindowUniqueDstPorts
	BytesPerPacket
	WindowDurationMean
	WindowDurationStd
	BytesZScore
	PacketsZScore
	TCPFlags
	BytesPerSec
	PacketsPerSec
	Hour
	WindowFlowCount
	WindowInboundBytes

	NumFeatures
)

var names = [NumFeatures]string{
	SrcPort:              "src_port",
	DstPort:              "dst_port",
	Proto:                "proto",
	Bytes:                "bytes",
	Packets:              "packets",
	Duration:             "duration",
	WindowBytes:          "window_bytes",
	WindowPackets:        "window_packets",
	WindowUniqueDstIPs:   "window_unique_dst_ips",
	WindowUniqueDstPorts: "window_unique_dst_ports",
	BytesPerPacket:       "bytes_per_packet",
	WindowDurationMean:   "window_duration_mean",
	WindowDurationStd:    "window_duration_std",
	BytesZScore:          "bytes_zscore",
	PacketsZScore:        "packets_zscore",
	TCPFlags:             "tcp_flags",
	BytesPerSec:          "bytes_per_sec",
	PacketsPerSec:        "packets_per_sec",
	Hour:                 "hour",
	WindowFlowCount:      "window_flow_count",
	WindowInboundBytes:   "window_inbound_bytes",
}

// Schema is the ordered list of feature names a vector follows. It is
// persisted with trained models and is authoritative for ordering.
type Schema struct {
	Version string   `json:"version"`
	Names   []string `json:"names"`
}

// DefaultSchema returns the current schema.
func DefaultSchema() Schema {
	return Schema{Version: SchemaVersion, Names: slices.Clone(names[:])}
}

// Index returns the position of name, or -1.
func (s Schema) Index(name string) int {
	return slices.Index(s.Names, name)
}

// Len returns the vector width.
func (s Schema) Len() int { return len(s.Names) }

// Vector is one assembled row.
type Vector []float64

// Get returns the value of a named feature.
func (v Vector) Get(s Schema, name string) (float64, bool) {
	i := s.Index(name)
	if i < 0 || i >= len(v) {
		return 0, false
	}
	return v[i], true
}
