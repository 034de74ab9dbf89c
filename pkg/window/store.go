// Package window keeps bounded per-host sliding windows of recent flows with
// incrementally maintained aggregates.
package window

import (
	"hash/fnv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hed1ad/flowguard/pkg/flow"
)

// Defaults.
const (
	DefaultSize            = 100
	DefaultMaxHosts        = 100000
	DefaultShards          = 16
	DefaultIntervalHistory = 16
	DefaultIntervalSpan    = 10 * time.Minute

	// MaxSize bounds the per-key window so sums of flow.MaxCount values
	// cannot overflow.
	MaxSize = 1 << 20
)

// Store maps host keys to sliding windows. It is safe for concurrent use;
// observations of the same key are serialized by that key's shard lock.
// The host bound and the eviction order are store-wide.
type Store struct {
	name     string
	size     int
	maxHosts int
	nShards  int

	trackIntervals  bool
	intervalHistory int
	intervalSpan    time.Duration

	shards  []*shard
	lru     recency
	logger  zerolog.Logger
	onEvict func(key string)
}

// Option configures a Store.
type Option func(*Store)

// WithSize sets the number of flows kept per key.
func WithSize(w int) Option {
	return func(s *Store) {
		s.size = w
	}
}

// WithMaxHosts bounds the number of keys held at once.
func WithMaxHosts(n int) Option {
	return func(s *Store) {
		s.maxHosts = n
	}
}

// WithShards sets the number of independently locked partitions.
func WithShards(n int) Option {
	return func(s *Store) {
		s.nShards = n
	}
}

// WithIntervals enables inter-arrival tracking per (key, destination IP),
// keeping up to history intervals no older than span. A zero span keeps
// intervals until they fall out of history.
func WithIntervals(history int, span time.Duration) Option {
	return func(s *Store) {
		s.trackIntervals = true
		s.intervalHistory = history
		s.intervalSpan = span
	}
}

// WithLogger sets the logger used for capacity events.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithEvictHook registers a callback run for every evicted key. It runs on
// the observing goroutine after the shard locks are released.
func WithEvictHook(fn func(key string)) Option {
	return func(s *Store) {
		s.onEvict = fn
	}
}

// New creates a store. name identifies the keyspace in logs.
func New(name string, opts ...Option) *Store {
	s := &Store{
		name:            name,
		size:            DefaultSize,
		maxHosts:        DefaultMaxHosts,
		nShards:         DefaultShards,
		intervalHistory: DefaultIntervalHistory,
		intervalSpan:    DefaultIntervalSpan,
		logger:          log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.size = min(max(s.size, 1), MaxSize)
	if s.maxHosts < 1 {
		s.maxHosts = 1
	}
	if s.nShards < 1 {
		s.nShards = 1
	}
	if s.intervalHistory < 1 {
		s.intervalHistory = 1
	}

	s.shards = make([]*shard, s.nShards)
	for i := range s.shards {
		s.shards[i] = newShard()
	}
	s.lru.limit = s.maxHosts
	return s
}

// Name returns the keyspace name.
func (s *Store) Name() string { return s.name }

// Size returns the per-key window length.
func (s *Store) Size() int { return s.size }

// IntervalHistory returns the intervals kept per destination, 0 when the
// store does not track them.
func (s *Store) IntervalHistory() int {
	if !s.trackIntervals {
		return 0
	}
	return s.intervalHistory
}

// MaxHosts returns the key capacity.
func (s *Store) MaxHosts() int { return s.maxHosts }

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Observe returns the window state of key as it was before f, then inserts
// f. A key not present starts from an empty window; once the store holds
// more than maxHosts keys the least recently observed one is evicted.
func (s *Store) Observe(key string, f flow.Flow) Snapshot {
	sh := s.shardFor(key)
	sh.mu.Lock()
	h, ok := sh.index[key]
	if !ok {
		h = newHostState(key, s.size)
		sh.index[key] = h
	}
	v, full := s.lru.use(h)

	snap := h.snapshot(f)
	if s.trackIntervals {
		snap.Intervals = h.advanceIntervals(f, s.intervalHistory, s.intervalSpan)
	}
	h.insert(f)
	sh.mu.Unlock()

	if full {
		s.evict(v)
	}
	return snap
}

// evict drops a victim unless it was observed again after being unlinked.
func (s *Store) evict(v victim) {
	sh := s.shardFor(v.key)
	sh.mu.Lock()
	h, ok := sh.index[v.key]
	gone := ok && h == v.h && s.lru.stale(h, v.gen)
	if gone {
		delete(sh.index, v.key)
	}
	sh.mu.Unlock()
	if !gone {
		return
	}

	s.logger.Info().
		Str("keyspace", s.name).
		Str("evicted", v.key).
		Int("max_hosts", s.maxHosts).
		Msg("host state evicted")
	if s.onEvict != nil {
		s.onEvict(v.key)
	}
}

// Aggregates returns the current aggregates for key.
func (s *Store) Aggregates(key string) (Aggregates, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	h, ok := sh.index[key]
	if !ok {
		return Aggregates{}, false
	}
	return h.aggregates(), true
}

// Window returns a copy of the flows held for key, oldest first.
func (s *Store) Window(key string) []flow.Flow {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	h, ok := sh.index[key]
	if !ok {
		return nil
	}
	return h.flows()
}

// Received returns the bytes key has received, for stores keyed by
// destination. It does not affect recency.
func (s *Store) Received(key string) uint64 {
	agg, _ := s.Aggregates(key)
	return agg.SumBytes
}

// Len returns the number of keys held.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.index)
		sh.mu.Unlock()
	}
	return n
}
