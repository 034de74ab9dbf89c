package pcap

import (
	"cmp"
	"slices"
	"strconv"
	"time"

	"github.com/hed1ad/flowguard/pkg/flow"
)

type activeFlow struct {
	id      int64
	first   time.Time
	last    time.Time
	bytes   uint64
	packets uint64
	flags   uint8
}

// aggregator groups packets into unidirectional flows keyed by 5-tuple.
// IDs follow first-packet order.
type aggregator struct {
	idle      time.Duration
	active    map[flowKey]*activeFlow
	nextID    int64
	lastSweep time.Time
}

func newAggregator(idle time.Duration) *aggregator {
	return &aggregator{
		idle:   idle,
		active: make(map[flowKey]*activeFlow),
	}
}

// add accounts p and returns the flows it closed: the previous flow of the
// same key if it had gone idle, and any others found idle by a sweep.
func (a *aggregator) add(p packetInfo) []flow.Flow {
	var closed []flow.Flow

	if af, ok := a.active[p.key]; ok && p.ts.Sub(af.last) > a.idle {
		closed = append(closed, af.flow(p.key))
		delete(a.active, p.key)
	}

	af, ok := a.active[p.key]
	if !ok {
		a.nextID++
		af = &activeFlow{id: a.nextID, first: p.ts, last: p.ts}
		a.active[p.key] = af
	}
	if p.ts.After(af.last) {
		af.last = p.ts
	}
	af.bytes += uint64(p.length)
	af.packets++
	af.flags |= p.flags

	if a.lastSweep.IsZero() {
		a.lastSweep = p.ts
	} else if p.ts.Sub(a.lastSweep) >= a.idle {
		closed = append(closed, a.sweep(p.ts)...)
		a.lastSweep = p.ts
	}
	return closed
}

// sweep closes every flow silent for longer than idle at now.
func (a *aggregator) sweep(now time.Time) []flow.Flow {
	var closed []flow.Flow
	for k, af := range a.active {
		if now.Sub(af.last) > a.idle {
			closed = append(closed, af.flow(k))
			delete(a.active, k)
		}
	}
	sortByID(closed)
	return closed
}

// flush closes every remaining flow.
func (a *aggregator) flush() []flow.Flow {
	closed := make([]flow.Flow, 0, len(a.active))
	for k, af := range a.active {
		closed = append(closed, af.flow(k))
	}
	clear(a.active)
	sortByID(closed)
	return closed
}

func (af *activeFlow) flow(k flowKey) flow.Flow {
	f := flow.Flow{
		ID:        af.id,
		Timestamp: af.first,
		SrcIP:     k.srcIP,
		DstIP:     k.dstIP,
		SrcPort:   k.srcPort,
		DstPort:   k.dstPort,
		Proto:     k.proto,
		Bytes:     af.bytes,
		Packets:   af.packets,
		Duration:  af.last.Sub(af.first).Seconds(),
	}
	if k.proto == "tcp" {
		f.TCPFlags = strconv.Itoa(int(af.flags))
	}
	return f
}

func sortByID(fs []flow.Flow) {
	slices.SortFunc(fs, func(a, b flow.Flow) int { return cmp.Compare(a.ID, b.ID) })
}
