package cache

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// evictionSegment is a CLOCK list of resident entries, head is the most recently inserted.
//
// Reads mark entries as referenced without locking, the hand sweeping from the tail
// grants referenced entries a second chance by moving them to the head.
type evictionSegment[K comparable, V any] struct {
	mu    sync.Mutex
	head  *entry[K, V]
	tail  *entry[K, V]
	count int64
}

func (s *evictionSegment[K, V]) pushFront(e *entry[K, V], seq uint64) {
	e.prev = nil
	e.next = s.head
	e.seq = seq

	if s.head != nil {
		s.head.prev = e
	}

	s.head = e

	if s.tail == nil {
		s.tail = e
	}
}

func (s *evictionSegment[K, V]) unlink(e *entry[K, V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		s.head = e.next
	}

	if e.next != nil {
		e.next.prev = e.prev
	} else {
		s.tail = e.prev
	}

	e.prev = nil
	e.next = nil
}

// evictor is the eviction engine, it tracks entry count or total weight against a single budget.
//
// Entries are spread over segments to reduce lock contention, victims are taken from the
// segment with the oldest tail.
type evictor[K comparable, V any] struct {
	segments []evictionSegment[K, V]
	mask     uint64
	budget   int64
	weigher  Weigher[K, V]
	strict   bool
	slack    float64

	// count and total are sums over segments, updated under segment locks.
	count atomic.Int64
	total atomic.Int64
	// seq orders insertions across segments.
	seq atomic.Uint64

	// mu serializes victim selection so that concurrent inserts do not evict below budget.
	mu sync.Mutex

	evictedWeight atomic.Int64

	// signal wakes background eviction in non-strict mode.
	signal chan struct{}
}

func newEvictor[K comparable, V any](cfg Config[K, V]) *evictor[K, V] {
	budget := cfg.EntryCapacity
	if cfg.MaximumWeight > 0 {
		budget = cfg.MaximumWeight
	}

	n := 1
	if budget >= 1000 {
		n = nextPowerOfTwo(runtime.GOMAXPROCS(0))
		if n > 16 {
			n = 16
		}
	}

	return &evictor[K, V]{
		segments: make([]evictionSegment[K, V], n),
		mask:     uint64(n - 1),
		budget:   budget,
		weigher:  cfg.Weigher,
		strict:   cfg.StrictEviction,
		slack:    cfg.EvictionSlack,
		signal:   make(chan struct{}, 1),
	}
}

func (ev *evictor[K, V]) segment(e *entry[K, V]) *evictionSegment[K, V] {
	return &ev.segments[(e.hash>>32)&ev.mask]
}

func (ev *evictor[K, V]) weigh(e *entry[K, V], p *payload[V]) int64 {
	if ev.weigher == nil {
		return 1
	}

	if !p.hasValue {
		return 0
	}

	w := ev.weigher(e.key, p.value)
	if w < 0 {
		w = 0
	}

	return w
}

// recordAccess marks entry as recently used.
func (ev *evictor[K, V]) recordAccess(e *entry[K, V]) {
	if !e.referenced.Load() {
		e.referenced.Store(true)
	}
}

// recordInsert links entry or updates its weight and returns victims to evict synchronously.
//
// Must be called with entry lock held, victims must be evicted after the lock is released.
func (ev *evictor[K, V]) recordInsert(e *entry[K, V], p *payload[V]) []*entry[K, V] {
	w := ev.weigh(e, p)
	s := ev.segment(e)

	s.mu.Lock()
	if e.linked {
		ev.total.Add(w - e.weight)
		e.weight = w
		e.referenced.Store(true)
	} else {
		e.linked = true
		e.weight = w
		e.referenced.Store(false)
		s.count++
		ev.count.Add(1)
		ev.total.Add(w)
		s.pushFront(e, ev.seq.Add(1))
	}
	s.mu.Unlock()

	total := ev.total.Load()
	if total <= ev.budget {
		return nil
	}

	if !ev.strict && float64(total) <= float64(ev.budget)*(1+ev.slack) {
		select {
		case ev.signal <- struct{}{}:
		default:
		}

		return nil
	}

	return ev.selectVictims(e)
}

// selectVictims detaches entries until total fits budget, keep is never selected.
func (ev *evictor[K, V]) selectVictims(keep *entry[K, V]) []*entry[K, V] {
	ev.mu.Lock()
	defer ev.mu.Unlock()

	var (
		victims   []*entry[K, V]
		exhausted uint32
	)

	for ev.total.Load() > ev.budget {
		i := ev.oldestSegment(exhausted)
		if i < 0 {
			break
		}

		e := ev.evictOne(&ev.segments[i], keep)
		if e == nil {
			exhausted |= 1 << i

			continue
		}

		victims = append(victims, e)
	}

	return victims
}

// oldestSegment returns index of a non-empty segment with the oldest tail or -1.
func (ev *evictor[K, V]) oldestSegment(exhausted uint32) int {
	idx := -1

	var oldest uint64

	for i := range ev.segments {
		if exhausted&(1<<i) != 0 {
			continue
		}

		s := &ev.segments[i]

		s.mu.Lock()
		if s.tail != nil && (idx < 0 || s.tail.seq < oldest) {
			idx = i
			oldest = s.tail.seq
		}
		s.mu.Unlock()
	}

	return idx
}

// evictOne detaches a single victim from segment tail, busy and referenced entries are moved to head.
func (ev *evictor[K, V]) evictOne(s *evictionSegment[K, V], keep *entry[K, V]) *entry[K, V] {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Every entry may get a second chance once, so two laps bound the sweep.
	for steps := 2 * s.count; s.tail != nil && steps > 0; steps-- {
		e := s.tail

		if e == keep || e.busy.Load() || e.referenced.Swap(false) {
			if s.head != e {
				s.unlink(e)
				s.pushFront(e, ev.seq.Add(1))
			} else {
				e.seq = ev.seq.Add(1)
			}

			continue
		}

		s.unlink(e)
		e.linked = false
		s.count--
		ev.count.Add(-1)
		ev.total.Add(-e.weight)

		return e
	}

	return nil
}

// remove unlinks entry on explicit removal or expiry.
func (ev *evictor[K, V]) remove(e *entry[K, V]) {
	s := ev.segment(e)

	s.mu.Lock()
	if e.linked {
		s.unlink(e)
		e.linked = false
		s.count--
		ev.count.Add(-1)
		ev.total.Add(-e.weight)
	}
	s.mu.Unlock()
}

// pollVictims detaches entries over budget.
func (ev *evictor[K, V]) pollVictims() []*entry[K, V] {
	if ev.total.Load() <= ev.budget {
		return nil
	}

	return ev.selectVictims(nil)
}

// totals returns resident entries count and weight.
func (ev *evictor[K, V]) totals() (count, weight int64) {
	return ev.count.Load(), ev.total.Load()
}
