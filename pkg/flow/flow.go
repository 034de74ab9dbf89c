// Package flow defines the connection summary record consumed by the engine.
package flow

import (
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"time"
)

// Categorical buckets for values that cannot be mapped.
const (
	PortUnknown  = -1
	ProtoUnknown = 256
)

// MaxCount bounds the byte and packet counts of a single flow.
const MaxCount uint64 = 1 << 40

// ErrMalformed is returned for flows missing a required field.
var ErrMalformed = errors.New("malformed flow")

// Error describes why a flow was rejected.
type Error struct {
	RowID  int64
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("flow %d: %s: %s", e.RowID, e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrMalformed.
func (e *Error) Unwrap() error {
	return ErrMalformed
}

// Flow is an immutable summary of one network connection.
type Flow struct {
	ID        int64     `json:"row_id"`
	Timestamp time.Time `json:"ts"`
	SrcIP     string    `json:"src_ip"`
	DstIP     string    `json:"dst_ip"`
	SrcPort   int       `json:"src_port"`
	DstPort   int       `json:"dst_port"`
	Proto     string    `json:"proto"`
	Bytes     uint64    `json:"bytes"`
	Packets   uint64    `json:"packets"`
	Duration  float64   `json:"duration"`
	TCPFlags  string    `json:"tcp_flags,omitempty"`
	Label     string    `json:"label,omitempty"`
}

// Validate checks the fields every component relies on.
func (f Flow) Validate() error {
	switch {
	case f.Timestamp.IsZero():
		return &Error{RowID: f.ID, Field: "ts", Reason: "missing timestamp"}
	case f.SrcIP == "":
		return &Error{RowID: f.ID, Field: "src_ip", Reason: "missing source address"}
	case f.DstIP == "":
		return &Error{RowID: f.ID, Field: "dst_ip", Reason: "missing destination address"}
	case math.IsNaN(f.Duration) || math.IsInf(f.Duration, 0):
		return &Error{RowID: f.ID, Field: "duration", Reason: "not a finite number"}
	case f.Duration < 0:
		return &Error{RowID: f.ID, Field: "duration", Reason: "negative duration"}
	case f.Bytes > MaxCount:
		return &Error{RowID: f.ID, Field: "bytes", Reason: "count out of range"}
	case f.Packets > MaxCount:
		return &Error{RowID: f.ID, Field: "packets", Reason: "count out of range"}
	}
	return nil
}

// ServiceKey identifies the (dst_ip, dst_port) pair a flow targets.
func (f Flow) ServiceKey() string {
	return net.JoinHostPort(f.DstIP, strconv.Itoa(NormalizePort(f.DstPort)))
}

// BytesPerPacket is 0 when the flow carried no packets.
func (f Flow) BytesPerPacket() float64 {
	if f.Packets == 0 {
		return 0
	}
	return float64(f.Bytes) / float64(f.Packets)
}

// BytesPerSecond is 0 for zero-duration flows.
func (f Flow) BytesPerSecond() float64 {
	if f.Duration <= 0 {
		return 0
	}
	return float64(f.Bytes) / f.Duration
}

// PacketsPerSecond is 0 for zero-duration flows.
func (f Flow) PacketsPerSecond() float64 {
	if f.Duration <= 0 {
		return 0
	}
	return float64(f.Packets) / f.Duration
}

// NormalizePort maps out-of-range ports to PortUnknown.
func NormalizePort(p int) int {
	if p < 0 || p > 65535 {
		return PortUnknown
	}
	return p
}
