package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/bool64/ctxd"
)

// EventKind enumerates entry events.
type EventKind int

// Entry events.
const (
	EventCreated EventKind = iota + 1
	EventUpdated
	EventRemoved
	EventExpired
	EventEvicted
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventUpdated:
		return "updated"
	case EventRemoved:
		return "removed"
	case EventExpired:
		return "expired"
	case EventEvicted:
		return "evicted"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event describes entry change.
type Event[K comparable, V any] struct {
	Kind EventKind
	Key  K

	// Value is a new value for created and updated events and the last value otherwise.
	Value V

	// OldValue is a replaced value of updated event.
	OldValue V

	// TimeMillis is clock time of the change.
	TimeMillis int64
}

// Listener receives entry events.
type Listener[K comparable, V any] interface {
	OnEvent(ctx context.Context, ev Event[K, V]) error
}

// ListenerFunc implements Listener.
type ListenerFunc[K comparable, V any] func(ctx context.Context, ev Event[K, V]) error

// OnEvent calls function.
func (f ListenerFunc[K, V]) OnEvent(ctx context.Context, ev Event[K, V]) error {
	return f(ctx, ev)
}

type queuedEvent[K comparable, V any] struct {
	ctx context.Context //nolint:containedctx
	ev  Event[K, V]
}

// eventStripe is an ordered queue of async events served by a single worker.
type eventStripe[K comparable, V any] struct {
	mu     sync.Mutex
	queue  []queuedEvent[K, V]
	signal chan struct{}
}

// dispatcher fans out events to listeners.
type dispatcher[K comparable, V any] struct {
	name    string
	log     ctxd.Logger
	sync    []Listener[K, V]
	async   []Listener[K, V]
	stripes []*eventStripe[K, V]
	stop    chan struct{}
	wg      sync.WaitGroup
}

func newDispatcher[K comparable, V any](cfg Config[K, V], log ctxd.Logger) *dispatcher[K, V] {
	d := &dispatcher[K, V]{
		name:  cfg.Name,
		log:   log,
		sync:  cfg.Listeners,
		async: cfg.AsyncListeners,
		stop:  make(chan struct{}),
	}

	if len(d.async) == 0 {
		return d
	}

	d.stripes = make([]*eventStripe[K, V], cfg.AsyncListenerWorkers)

	for i := range d.stripes {
		s := &eventStripe[K, V]{signal: make(chan struct{}, 1)}
		d.stripes[i] = s

		d.wg.Add(1)

		go d.work(s)
	}

	return d
}

func (d *dispatcher[K, V]) enabled() bool {
	return len(d.sync) > 0 || len(d.async) > 0
}

// enqueue schedules async delivery, it must be called under entry lock to keep per key order.
func (d *dispatcher[K, V]) enqueue(ctx context.Context, hash uint64, ev Event[K, V]) {
	if len(d.stripes) == 0 {
		return
	}

	s := d.stripes[hash%uint64(len(d.stripes))]

	s.mu.Lock()
	s.queue = append(s.queue, queuedEvent[K, V]{ctx: detachedContext{ctx: ctx}, ev: ev})
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// fire delivers event to sync listeners on the calling goroutine.
func (d *dispatcher[K, V]) fire(ctx context.Context, ev Event[K, V]) {
	for _, l := range d.sync {
		d.deliver(ctx, l, ev)
	}
}

func (d *dispatcher[K, V]) deliver(ctx context.Context, l Listener[K, V], ev Event[K, V]) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error(ctx, "cache listener panicked",
				"name", d.name,
				"event", ev.Kind.String(),
				"key", ev.Key,
				"panic", r)
		}
	}()

	if err := l.OnEvent(ctx, ev); err != nil {
		d.log.Error(ctx, "cache listener failed",
			"name", d.name,
			"event", ev.Kind.String(),
			"key", ev.Key,
			"error", err)
	}
}

func (d *dispatcher[K, V]) work(s *eventStripe[K, V]) {
	defer d.wg.Done()

	for {
		select {
		case <-s.signal:
			d.drain(s)
		case <-d.stop:
			d.drain(s)

			return
		}
	}
}

func (d *dispatcher[K, V]) drain(s *eventStripe[K, V]) {
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		if len(batch) == 0 {
			return
		}

		for _, qe := range batch {
			for _, l := range d.async {
				d.deliver(qe.ctx, l, qe.ev)
			}
		}
	}
}

// close delivers pending async events and stops workers.
func (d *dispatcher[K, V]) close() {
	close(d.stop)
	d.wg.Wait()
}
