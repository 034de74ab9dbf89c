package window

import (
	"time"

	"github.com/hed1ad/flowguard/pkg/flow"
)

// Aggregates are the window statistics maintained for a host key.
type Aggregates struct {
	Count       int
	SumBytes    uint64
	SumPackets  uint64
	SumDuration float64

	Bytes    Moments
	Packets  Moments
	Duration Moments

	UniqueDstIPs   int
	UniqueDstPorts int
	UniquePairs    int
	UniqueSrcIPs   int

	LastSeen time.Time
}

// Snapshot is the window state just before a flow was inserted, plus what
// the store could answer about that flow without rescanning the window.
type Snapshot struct {
	Aggregates

	Key string

	// Whether the observed flow introduced a value absent from the window.
	NewDstIP   bool
	NewDstPort bool
	NewPair    bool
	NewSrcIP   bool

	// Intervals between consecutive flows from the key to the observed
	// flow's destination IP, including the interval this flow closed.
	// Empty unless the store tracks intervals.
	Intervals Moments

	// InboundBytes is the windowed volume the key received as a
	// destination. Set by callers that keep an inbound keyspace.
	InboundBytes uint64
}

type pair struct {
	ip   string
	port int
}

// hostState is the window of one key. The list links and gen belong to the
// store's recency list and are guarded by its lock.
type hostState struct {
	key string

	ring []flow.Flow
	head int
	n    int

	sumBytes    uint64
	sumPackets  uint64
	sumDuration float64
	bytes       Moments
	packets     Moments
	duration    Moments

	dstIPs   map[string]int
	dstPorts map[int]int
	pairs    map[pair]int
	srcIPs   map[string]int

	intervals map[string]*intervalTracker

	lastSeen time.Time

	prev, next *hostState
	linked     bool
	gen        uint64
}

func newHostState(key string, size int) *hostState {
	return &hostState{
		key:       key,
		ring:      make([]flow.Flow, size),
		dstIPs:    make(map[string]int),
		dstPorts:  make(map[int]int),
		pairs:     make(map[pair]int),
		srcIPs:    make(map[string]int),
		intervals: make(map[string]*intervalTracker),
	}
}

func (h *hostState) aggregates() Aggregates {
	return Aggregates{
		Count:          h.n,
		SumBytes:       h.sumBytes,
		SumPackets:     h.sumPackets,
		SumDuration:    h.sumDuration,
		Bytes:          h.bytes,
		Packets:        h.packets,
		Duration:       h.duration,
		UniqueDstIPs:   len(h.dstIPs),
		UniqueDstPorts: len(h.dstPorts),
		UniquePairs:    len(h.pairs),
		UniqueSrcIPs:   len(h.srcIPs),
		LastSeen:       h.lastSeen,
	}
}

// snapshot answers membership questions about f against the current window.
func (h *hostState) snapshot(f flow.Flow) Snapshot {
	port := flow.NormalizePort(f.DstPort)
	_, seenIP := h.dstIPs[f.DstIP]
	_, seenPort := h.dstPorts[port]
	_, seenPair := h.pairs[pair{f.DstIP, port}]
	_, seenSrc := h.srcIPs[f.SrcIP]

	return Snapshot{
		Aggregates: h.aggregates(),
		Key:        h.key,
		NewDstIP:   !seenIP,
		NewDstPort: !seenPort,
		NewPair:    !seenPair,
		NewSrcIP:   !seenSrc,
	}
}

// insert appends f, evicting the oldest entry when the ring is full. The
// new flow is counted before the old one is discounted so per-destination
// state shared by both survives.
func (h *hostState) insert(f flow.Flow) {
	h.add(f)
	if f.Timestamp.After(h.lastSeen) {
		h.lastSeen = f.Timestamp
	}

	if h.n < len(h.ring) {
		h.ring[(h.head+h.n)%len(h.ring)] = f
		h.n++
		return
	}
	old := h.ring[h.head]
	h.ring[h.head] = f
	h.head = (h.head + 1) % len(h.ring)
	h.remove(old)
}

func (h *hostState) add(f flow.Flow) {
	port := flow.NormalizePort(f.DstPort)

	h.sumBytes += f.Bytes
	h.sumPackets += f.Packets
	h.sumDuration += f.Duration
	h.bytes.Add(float64(f.Bytes))
	h.packets.Add(float64(f.Packets))
	h.duration.Add(f.Duration)

	h.dstIPs[f.DstIP]++
	h.dstPorts[port]++
	h.pairs[pair{f.DstIP, port}]++
	h.srcIPs[f.SrcIP]++
}

func (h *hostState) remove(f flow.Flow) {
	port := flow.NormalizePort(f.DstPort)

	h.sumBytes -= f.Bytes
	h.sumPackets -= f.Packets
	h.sumDuration -= f.Duration
	if h.sumDuration < 0 {
		h.sumDuration = 0
	}
	h.bytes.Remove(float64(f.Bytes))
	h.packets.Remove(float64(f.Packets))
	h.duration.Remove(f.Duration)

	if decrement(h.dstIPs, f.DstIP) {
		delete(h.intervals, f.DstIP)
	}
	decrement(h.dstPorts, port)
	decrement(h.pairs, pair{f.DstIP, port})
	decrement(h.srcIPs, f.SrcIP)
}

// decrement drops one reference and reports whether the key is gone.
func decrement[K comparable](m map[K]int, k K) bool {
	m[k]--
	if m[k] <= 0 {
		delete(m, k)
		return true
	}
	return false
}

func (h *hostState) flows() []flow.Flow {
	out := make([]flow.Flow, h.n)
	for i := 0; i < h.n; i++ {
		out[i] = h.ring[(h.head+i)%len(h.ring)]
	}
	return out
}

// intervalTracker keeps the last inter-arrival intervals from one host to
// one destination.
type intervalTracker struct {
	last  time.Time
	vals  []float64
	ends  []time.Time
	head  int
	n     int
	stats Moments
}

func newIntervalTracker(history int, first time.Time) *intervalTracker {
	return &intervalTracker{
		last: first,
		vals: make([]float64, history),
		ends: make([]time.Time, history),
	}
}

// advance records the interval closed by a flow at ts, drops intervals that
// ended before ts-span, and returns the resulting statistics.
func (t *intervalTracker) advance(ts time.Time, span time.Duration) Moments {
	iv := ts.Sub(t.last).Seconds()
	if iv < 0 {
		iv = 0
	}
	if ts.After(t.last) {
		t.last = ts
	}

	if t.n == len(t.vals) {
		t.popOldest()
	}
	pos := (t.head + t.n) % len(t.vals)
	t.vals[pos] = iv
	t.ends[pos] = ts
	t.n++
	t.stats.Add(iv)

	if span > 0 {
		cutoff := ts.Add(-span)
		for t.n > 0 && t.ends[t.head].Before(cutoff) {
			t.popOldest()
		}
	}
	return t.stats
}

func (t *intervalTracker) popOldest() {
	t.stats.Remove(t.vals[t.head])
	t.head = (t.head + 1) % len(t.vals)
	t.n--
}

func (h *hostState) advanceIntervals(f flow.Flow, history int, span time.Duration) Moments {
	tr, ok := h.intervals[f.DstIP]
	if !ok {
		h.intervals[f.DstIP] = newIntervalTracker(history, f.Timestamp)
		return Moments{}
	}
	return tr.advance(f.Timestamp, span)
}
