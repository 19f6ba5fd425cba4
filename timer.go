package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

type timerKind int

const (
	timerExpire timerKind = iota + 1
	timerRefresh
)

const wheelSlots = 512

type timerSlot[K comparable, V any] struct {
	mu    sync.Mutex
	tasks map[*entry[K, V]]int64
}

type timerTask[K comparable, V any] struct {
	e  *entry[K, V]
	at int64
}

// timerWheel is a hashed wheel of pending expiry and refresh events with millisecond deadlines.
//
// Slot width is the timer lag, deadlines further than one rotation stay in their slot
// until they are due.
type timerWheel[K comparable, V any] struct {
	lag    int64
	slots  [wheelSlots]timerSlot[K, V]
	pollMu sync.Mutex
	cursor atomic.Int64
}

func newTimerWheel[K comparable, V any](lag time.Duration, now int64) *timerWheel[K, V] {
	w := &timerWheel[K, V]{lag: lag.Milliseconds()}
	if w.lag <= 0 {
		w.lag = 1
	}

	for i := range w.slots {
		w.slots[i].tasks = make(map[*entry[K, V]]int64)
	}

	w.cursor.Store(now / w.lag)

	return w
}

// schedule sets entry timer replacing the previous one, must be called with entry lock held.
func (w *timerWheel[K, V]) schedule(e *entry[K, V], at int64, kind timerKind) {
	w.cancel(e)

	if at == Eternal {
		return
	}

	tick := at / w.lag
	if c := w.cursor.Load(); tick < c {
		tick = c
	}

	slot := int(tick % wheelSlots)
	s := &w.slots[slot]

	s.mu.Lock()
	s.tasks[e] = at
	s.mu.Unlock()

	e.timerSlot = slot
	e.timerAt = at
	e.timerKind = kind
}

// cancel drops entry timer, must be called with entry lock held.
func (w *timerWheel[K, V]) cancel(e *entry[K, V]) {
	if e.timerSlot < 0 {
		return
	}

	s := &w.slots[e.timerSlot]

	s.mu.Lock()
	delete(s.tasks, e)
	s.mu.Unlock()

	e.timerSlot = -1
	e.timerAt = 0
	e.timerKind = 0
}

// pollDue detaches tasks with deadlines not after now.
//
// Kind of a task is read later under entry lock together with deadline check.
func (w *timerWheel[K, V]) pollDue(now int64) []timerTask[K, V] {
	w.pollMu.Lock()
	defer w.pollMu.Unlock()

	from := w.cursor.Load()
	to := now / w.lag

	if to < from {
		return nil
	}

	// Previous tick is revisited to catch tasks scheduled while it was polled.
	if from > 0 {
		from--
	}

	if to-from >= wheelSlots {
		from = to - wheelSlots + 1
	}

	var due []timerTask[K, V]

	for tick := from; tick <= to; tick++ {
		s := &w.slots[tick%wheelSlots]

		s.mu.Lock()
		for e, at := range s.tasks {
			if at <= now {
				due = append(due, timerTask[K, V]{e: e, at: at})

				delete(s.tasks, e)
			}
		}
		s.mu.Unlock()
	}

	w.cursor.Store(to)

	return due
}

// pending returns number of scheduled tasks.
func (w *timerWheel[K, V]) pending() int {
	n := 0

	for i := range w.slots {
		s := &w.slots[i]

		s.mu.Lock()
		n += len(s.tasks)
		s.mu.Unlock()
	}

	return n
}

// clear cancels all scheduled tasks.
func (w *timerWheel[K, V]) clear() {
	for i := range w.slots {
		s := &w.slots[i]

		s.mu.Lock()
		s.tasks = make(map[*entry[K, V]]int64)
		s.mu.Unlock()
	}
}
