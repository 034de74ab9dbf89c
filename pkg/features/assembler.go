package features

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/hed1ad/flowguard/pkg/flow"
	"github.com/hed1ad/flowguard/pkg/window"
)

// Assembler builds vectors in DefaultSchema order. It holds no mutable state
// and may be shared.
type Assembler struct {
	schema Schema
}

// NewAssembler creates an Assembler for the current schema.
func NewAssembler() *Assembler {
	return &Assembler{schema: DefaultSchema()}
}

// Schema returns the schema the assembler produces.
func (a *Assembler) Schema() Schema {
	return a.schema
}

// FeatureNames returns the names of extracted features.
func (a *Assembler) FeatureNames() []string {
	return a.schema.Names
}

// Assemble builds the vector for f given the snapshot of its source host
// taken before f was inserted.
func (a *Assembler) Assemble(f flow.Flow, s window.Snapshot) Vector {
	v := make(Vector, NumFeatures)

	v[SrcPort] = float64(flow.NormalizePort(f.SrcPort))
	v[DstPort] = float64(flow.NormalizePort(f.DstPort))
	v[Proto] = float64(flow.ProtoCode(f.Proto))
	v[Bytes] = float64(f.Bytes)
	v[Packets] = float64(f.Packets)
	v[Duration] = f.Duration

	v[WindowBytes] = float64(s.SumBytes)
	v[WindowPackets] = float64(s.SumPackets)
	v[WindowUniqueDstIPs] = float64(s.UniqueDstIPs)
	v[WindowUniqueDstPorts] = float64(s.UniqueDstPorts)
	v[BytesPerPacket] = f.BytesPerPacket()
	v[WindowDurationMean] = s.Duration.Mean()
	v[WindowDurationStd] = s.Duration.Std()
	v[BytesZScore] = s.Bytes.ZScore(float64(f.Bytes))
	v[PacketsZScore] = s.Packets.ZScore(float64(f.Packets))

	v[TCPFlags] = float64(flow.FlagsCode(f.TCPFlags))
	v[BytesPerSec] = f.BytesPerSecond()
	v[PacketsPerSec] = f.PacketsPerSecond()
	v[Hour] = float64(f.Timestamp.UTC().Hour())
	v[WindowFlowCount] = float64(s.Count)
	v[WindowInboundBytes] = float64(s.InboundBytes)

	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			v[i] = 0
		}
	}
	return v
}

// SourceKey keys flows by source address.
func SourceKey(f flow.Flow) string { return f.SrcIP }

// Receive returns the bytes the source of f has received so far, then
// records f as received by its destination. inbound is keyed by destination
// address.
func Receive(inbound *window.Store, f flow.Flow) uint64 {
	got := inbound.Received(f.SrcIP)
	inbound.Observe(f.DstIP, f)
	return got
}

// AssembleBatch assembles a vector for every flow in one pass. Flows are
// replayed in timestamp order (ties keep input order) through a fresh store
// built from opts and a fresh inbound store keyed by destination, so each
// row equals what Assemble yields when the same flows are observed one at a
// time. Rows are returned at their input
// positions. Rejected flows get a nil row and their errors are joined into
// the returned error.
func (a *Assembler) AssembleBatch(flows []flow.Flow, key func(flow.Flow) string, opts ...window.Option) ([]Vector, error) {
	if key == nil {
		return nil, fmt.Errorf("assemble batch: nil key function")
	}

	out := make([]Vector, len(flows))
	var errs []error

	order := make([]int, 0, len(flows))
	for i, f := range flows {
		if err := f.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		order = append(order, i)
	}
	sort.SliceStable(order, func(x, y int) bool {
		return flows[order[x]].Timestamp.Before(flows[order[y]].Timestamp)
	})

	store := window.New("batch", opts...)
	inbound := window.New("batch-inbound", opts...)
	for _, i := range order {
		f := flows[i]
		snap := store.Observe(key(f), f)
		snap.InboundBytes = Receive(inbound, f)
		out[i] = a.Assemble(f, snap)
	}
	return out, errors.Join(errs...)
}
