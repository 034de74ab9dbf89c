package window

import "sync"

// shard holds the host states whose keys hash to it.
type shard struct {
	mu    sync.Mutex
	index map[string]*hostState
}

func newShard() *shard {
	return &shard{index: make(map[string]*hostState)}
}

// recency orders every host of a store, most recently observed at head, and
// enforces the store-wide host bound. Its lock is taken inside a shard lock
// and is never held while acquiring one.
type recency struct {
	mu    sync.Mutex
	limit int
	n     int
	head  *hostState
	tail  *hostState
}

// victim is a host unlinked to make room for another. gen is the admission
// it was unlinked from; a host observed again before removal is relinked
// under a newer gen and survives.
type victim struct {
	h   *hostState
	key string
	gen uint64
}

// use marks h most recently observed, linking it if it is new or was
// unlinked for eviction. When that pushes the store over its bound the
// least recently observed host is unlinked and returned.
// Callers must hold the shard lock of h.
func (r *recency) use(h *hostState) (victim, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h.linked {
		r.moveToFront(h)
		return victim{}, false
	}
	h.gen++
	r.pushFront(h)
	r.n++
	if r.n <= r.limit {
		return victim{}, false
	}

	v := r.tail
	r.unlink(v)
	r.n--
	return victim{h: v, key: v.key, gen: v.gen}, true
}

// stale reports whether h is still unlinked from the admission gen.
// Callers must hold the shard lock of h.
func (r *recency) stale(h *hostState, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !h.linked && h.gen == gen
}

func (r *recency) pushFront(h *hostState) {
	h.prev = nil
	h.next = r.head
	if r.head != nil {
		r.head.prev = h
	}
	r.head = h
	if r.tail == nil {
		r.tail = h
	}
	h.linked = true
}

func (r *recency) unlink(h *hostState) {
	if h.prev != nil {
		h.prev.next = h.next
	} else {
		r.head = h.next
	}
	if h.next != nil {
		h.next.prev = h.prev
	} else {
		r.tail = h.prev
	}
	h.prev, h.next = nil, nil
	h.linked = false
}

func (r *recency) moveToFront(h *hostState) {
	if r.head == h {
		return
	}
	r.unlink(h)
	r.pushFront(h)
}
