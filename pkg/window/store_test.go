package window

import (
	"bytes"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/flowguard/pkg/flow"
)

var epoch = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func testFlow(i int, src, dst string, port int) flow.Flow {
	return flow.Flow{
		ID:        int64(i),
		Timestamp: epoch.Add(time.Duration(i) * time.Second),
		SrcIP:     src,
		DstIP:     dst,
		SrcPort:   40000 + i,
		DstPort:   port,
		Proto:     "tcp",
		Bytes:     uint64(100 * (i + 1)),
		Packets:   uint64(i%7 + 1),
		Duration:  float64(i%5) * 0.5,
	}
}

// recompute derives aggregates from scratch for comparison.
func recompute(flows []flow.Flow) Aggregates {
	var a Aggregates
	ips := map[string]bool{}
	ports := map[int]bool{}
	pairs := map[pair]bool{}
	srcs := map[string]bool{}
	for _, f := range flows {
		a.Count++
		a.SumBytes += f.Bytes
		a.SumPackets += f.Packets
		a.SumDuration += f.Duration
		a.Bytes.Add(float64(f.Bytes))
		a.Packets.Add(float64(f.Packets))
		a.Duration.Add(f.Duration)
		port := flow.NormalizePort(f.DstPort)
		ips[f.DstIP] = true
		ports[port] = true
		pairs[pair{f.DstIP, port}] = true
		srcs[f.SrcIP] = true
	}
	a.UniqueDstIPs = len(ips)
	a.UniqueDstPorts = len(ports)
	a.UniquePairs = len(pairs)
	a.UniqueSrcIPs = len(srcs)
	return a
}

func assertAggregates(t *testing.T, want, got Aggregates) {
	t.Helper()
	assert.Equal(t, want.Count, got.Count)
	assert.Equal(t, want.SumBytes, got.SumBytes)
	assert.Equal(t, want.SumPackets, got.SumPackets)
	assert.InDelta(t, want.SumDuration, got.SumDuration, 1e-9)
	assert.InDelta(t, want.Bytes.Mean(), got.Bytes.Mean(), 1e-6)
	assert.InDelta(t, want.Bytes.Std(), got.Bytes.Std(), 1e-6)
	assert.InDelta(t, want.Packets.Mean(), got.Packets.Mean(), 1e-9)
	assert.InDelta(t, want.Packets.Std(), got.Packets.Std(), 1e-9)
	assert.InDelta(t, want.Duration.Mean(), got.Duration.Mean(), 1e-9)
	assert.InDelta(t, want.Duration.Std(), got.Duration.Std(), 1e-9)
	assert.Equal(t, want.UniqueDstIPs, got.UniqueDstIPs)
	assert.Equal(t, want.UniqueDstPorts, got.UniqueDstPorts)
	assert.Equal(t, want.UniquePairs, got.UniquePairs)
	assert.Equal(t, want.UniqueSrcIPs, got.UniqueSrcIPs)
}

func TestObserveColdStart(t *testing.T) {
	s := New("src", WithLogger(zerolog.Nop()))

	snap := s.Observe("10.0.0.1", testFlow(0, "10.0.0.1", "10.0.0.2", 80))
	assert.Equal(t, 0, snap.Count)
	assert.Equal(t, "10.0.0.1", snap.Key)
	assert.True(t, snap.NewDstIP)
	assert.True(t, snap.NewDstPort)
	assert.True(t, snap.NewPair)
	assert.Equal(t, 0.0, snap.Bytes.Std())

	snap = s.Observe("10.0.0.1", testFlow(1, "10.0.0.1", "10.0.0.2", 80))
	assert.Equal(t, 1, snap.Count)
	assert.False(t, snap.NewDstIP)
	assert.False(t, snap.NewPair)
	assert.Equal(t, uint64(100), snap.SumBytes)
}

func TestWindowBound(t *testing.T) {
	tests := []struct {
		name string
		size int
		n    int
	}{
		{name: "under capacity", size: 10, n: 4},
		{name: "exactly full", size: 10, n: 10},
		{name: "wrapped", size: 10, n: 37},
		{name: "size one", size: 1, n: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New("src", WithSize(tt.size), WithLogger(zerolog.Nop()))
			var all []flow.Flow
			for i := 0; i < tt.n; i++ {
				f := testFlow(i, "10.0.0.1", fmt.Sprintf("10.0.1.%d", i%4), 1000+i%3)
				all = append(all, f)
				s.Observe("k", f)
			}

			want := all
			if len(want) > tt.size {
				want = want[len(want)-tt.size:]
			}
			got := s.Window("k")
			require.Len(t, got, len(want))
			assert.Equal(t, want, got)

			agg, ok := s.Aggregates("k")
			require.True(t, ok)
			assertAggregates(t, recompute(want), agg)
			assert.Equal(t, all[len(all)-1].Timestamp, agg.LastSeen)
		})
	}
}

func TestAggregatesMatchRecompute(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	s := New("src", WithSize(8), WithLogger(zerolog.Nop()))

	for i := 0; i < 2000; i++ {
		f := flow.Flow{
			ID:        int64(i),
			Timestamp: epoch.Add(time.Duration(i) * time.Second),
			SrcIP:     "10.0.0.1",
			DstIP:     fmt.Sprintf("192.168.0.%d", rng.Intn(6)),
			DstPort:   []int{22, 80, 443, 8080, -5}[rng.Intn(5)],
			Bytes:     uint64(rng.Intn(1 << 20)),
			Packets:   uint64(rng.Intn(500)),
			Duration:  rng.Float64() * 30,
		}

		before := s.Window("k")
		snap := s.Observe("k", f)

		assertAggregates(t, recompute(before), snap.Aggregates)
		port := flow.NormalizePort(f.DstPort)
		var seenIP, seenPort, seenPair bool
		for _, b := range before {
			seenIP = seenIP || b.DstIP == f.DstIP
			seenPort = seenPort || flow.NormalizePort(b.DstPort) == port
			seenPair = seenPair || (b.DstIP == f.DstIP && flow.NormalizePort(b.DstPort) == port)
		}
		assert.Equal(t, !seenIP, snap.NewDstIP)
		assert.Equal(t, !seenPort, snap.NewDstPort)
		assert.Equal(t, !seenPair, snap.NewPair)
	}
}

func TestIntervals(t *testing.T) {
	s := New("src", WithIntervals(4, 10*time.Minute), WithLogger(zerolog.Nop()))

	at := func(sec int) flow.Flow {
		f := testFlow(0, "10.0.0.1", "203.0.113.9", 443)
		f.Timestamp = epoch.Add(time.Duration(sec) * time.Second)
		return f
	}

	snap := s.Observe("10.0.0.1", at(0))
	assert.Equal(t, 0, snap.Intervals.Count())

	snap = s.Observe("10.0.0.1", at(60))
	assert.Equal(t, 1, snap.Intervals.Count())
	assert.InDelta(t, 60.0, snap.Intervals.Mean(), 1e-9)

	for _, sec := range []int{120, 180, 240, 300} {
		snap = s.Observe("10.0.0.1", at(sec))
	}
	// History keeps the last four intervals.
	assert.Equal(t, 4, snap.Intervals.Count())
	assert.InDelta(t, 0.0, snap.Intervals.CV(), 1e-12)

	// A long gap expires everything but the interval it closes.
	snap = s.Observe("10.0.0.1", at(300+3600))
	assert.Equal(t, 1, snap.Intervals.Count())
	assert.InDelta(t, 3600.0, snap.Intervals.Mean(), 1e-9)

	// Other destinations are tracked separately.
	other := at(4000)
	other.DstIP = "198.51.100.1"
	snap = s.Observe("10.0.0.1", other)
	assert.Equal(t, 0, snap.Intervals.Count())
}

func TestIntervalsDroppedWithDestination(t *testing.T) {
	s := New("src", WithSize(2), WithIntervals(8, 0), WithLogger(zerolog.Nop()))

	s.Observe("h", testFlow(0, "h", "a", 1))
	s.Observe("h", testFlow(1, "h", "b", 1))
	s.Observe("h", testFlow(2, "h", "c", 1))

	// "a" left the window, so its interval history starts over.
	snap := s.Observe("h", testFlow(3, "h", "a", 1))
	assert.Equal(t, 0, snap.Intervals.Count())

	// "c" is still in the window.
	snap = s.Observe("h", testFlow(4, "h", "c", 1))
	assert.Equal(t, 1, snap.Intervals.Count())
	assert.InDelta(t, 2.0, snap.Intervals.Mean(), 1e-9)
}

func TestLRUEviction(t *testing.T) {
	var buf bytes.Buffer
	var evicted []string
	s := New("src",
		WithMaxHosts(2),
		WithShards(1),
		WithLogger(zerolog.New(&buf)),
		WithEvictHook(func(key string) { evicted = append(evicted, key) }),
	)

	s.Observe("a", testFlow(0, "a", "x", 1))
	s.Observe("b", testFlow(1, "b", "x", 1))
	s.Observe("a", testFlow(2, "a", "x", 1))
	s.Observe("c", testFlow(3, "c", "x", 1))

	assert.Equal(t, []string{"b"}, evicted)
	assert.Equal(t, 2, s.Len())
	assert.Len(t, s.Window("a"), 2)
	assert.Nil(t, s.Window("b"))
	assert.Contains(t, buf.String(), "host state evicted")
	assert.Contains(t, buf.String(), `"evicted":"b"`)

	// An evicted key comes back with a fresh window.
	snap := s.Observe("b", testFlow(4, "b", "x", 1))
	assert.Equal(t, 0, snap.Count)
	assert.Equal(t, []string{"b", "a"}, evicted)
}

func TestHostBoundIsStoreWide(t *testing.T) {
	s := New("svc", WithMaxHosts(5), WithShards(16), WithLogger(zerolog.Nop()))
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("10.0.0.%d:22", i)
		s.Observe(key, testFlow(i, "1.1.1.1", "10.0.0.1", 22))
		assert.Equal(t, min(i+1, 5), s.Len())
	}
	assert.Equal(t, 5, s.MaxHosts())
}

func TestEvictsLeastRecentlyObservedAcrossShards(t *testing.T) {
	var evicted []string
	s := New("src",
		WithMaxHosts(100),
		WithLogger(zerolog.Nop()),
		WithEvictHook(func(key string) { evicted = append(evicted, key) }),
	)
	host := func(i int) string { return fmt.Sprintf("10.0.%d.%d", i/256, i%256) }

	for i := 0; i < 100; i++ {
		s.Observe(host(i), testFlow(i, host(i), "10.9.9.9", 443))
	}
	assert.Empty(t, evicted)
	assert.Equal(t, 100, s.Len())

	s.Observe(host(100), testFlow(100, host(100), "10.9.9.9", 443))
	assert.Equal(t, []string{host(0)}, evicted)
	assert.Equal(t, 100, s.Len())

	// Observing a host refreshes it, so the next oldest goes instead.
	s.Observe(host(1), testFlow(101, host(1), "10.9.9.9", 443))
	s.Observe(host(101), testFlow(102, host(101), "10.9.9.9", 443))
	assert.Equal(t, []string{host(0), host(2)}, evicted)
	assert.Len(t, s.Window(host(1)), 2)
}

func TestEvictionSkipsReobservedVictim(t *testing.T) {
	var evicted []string
	s := New("src",
		WithMaxHosts(1),
		WithLogger(zerolog.Nop()),
		WithEvictHook(func(key string) { evicted = append(evicted, key) }),
	)
	s.Observe("a", testFlow(0, "a", "x", 1))

	// Admit "b" by hand so "a" is unlinked but still held.
	b := newHostState("b", s.size)
	s.shardFor("b").index["b"] = b
	v, full := s.lru.use(b)
	require.True(t, full)
	require.Equal(t, "a", v.key)

	// "a" comes back before its removal lands and pushes "b" out.
	s.Observe("a", testFlow(1, "a", "x", 1))
	s.evict(v)

	assert.Equal(t, []string{"b"}, evicted)
	assert.Len(t, s.Window("a"), 2)
	assert.Nil(t, s.Window("b"))
	assert.Equal(t, 1, s.Len())
}

func TestLargestCountsDoNotWrap(t *testing.T) {
	s := New("src", WithLogger(zerolog.Nop()))
	for i := 0; i < 3; i++ {
		f := testFlow(i, "a", "b", 443)
		f.Bytes, f.Packets = flow.MaxCount, flow.MaxCount
		s.Observe("a", f)
	}
	agg, ok := s.Aggregates("a")
	require.True(t, ok)
	assert.Equal(t, 3*flow.MaxCount, agg.SumBytes)
	assert.Equal(t, 3*flow.MaxCount, agg.SumPackets)
}

func TestSizeIsBounded(t *testing.T) {
	assert.Equal(t, MaxSize, New("src", WithSize(MaxSize+1)).Size())
	assert.Equal(t, 1, New("src", WithSize(0)).Size())
}

func TestIntervalHistory(t *testing.T) {
	assert.Equal(t, 0, New("svc").IntervalHistory())
	assert.Equal(t, 8, New("src", WithIntervals(8, time.Minute)).IntervalHistory())
}

func TestReceived(t *testing.T) {
	s := New("inbound", WithSize(2), WithLogger(zerolog.Nop()))
	assert.Zero(t, s.Received("10.0.0.1"))

	for i := 0; i < 3; i++ {
		s.Observe("10.0.0.1", testFlow(i, "203.0.113.1", "10.0.0.1", 443))
	}
	// Only the last two flows are in the window.
	assert.Equal(t, uint64(200+300), s.Received("10.0.0.1"))
}

func TestConcurrentObserve(t *testing.T) {
	s := New("src", WithSize(16), WithLogger(zerolog.Nop()))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			key := fmt.Sprintf("10.0.%d.1", g)
			for i := 0; i < 500; i++ {
				s.Observe(key, testFlow(i, key, "10.9.9.9", 1+i%40))
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 8, s.Len())
	for g := 0; g < 8; g++ {
		key := fmt.Sprintf("10.0.%d.1", g)
		agg, ok := s.Aggregates(key)
		require.True(t, ok)
		assertAggregates(t, recompute(s.Window(key)), agg)
	}
}

func BenchmarkObserve(b *testing.B) {
	s := New("src", WithIntervals(16, 10*time.Minute), WithLogger(zerolog.Nop()))
	flows := make([]flow.Flow, 1024)
	for i := range flows {
		flows[i] = testFlow(i, fmt.Sprintf("10.0.%d.%d", i%8, i%32), fmt.Sprintf("10.1.0.%d", i%50), i%100)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f := flows[i%len(flows)]
		s.Observe(f.SrcIP, f)
	}
}
