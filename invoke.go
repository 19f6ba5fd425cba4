package cache

import (
	"context"

	"github.com/bool64/ctxd"
)

// MutableEntry is a view of an entry inside Invoke.
//
// Changes are applied atomically when the processor returns without error.
type MutableEntry[K comparable, V any] interface {
	Key() K

	// Exists is true if entry holds a valid value, it reflects SetValue and Remove made so far.
	Exists() bool

	// Value returns current value or zero.
	Value() V

	// SetValue schedules value update.
	SetValue(v V)

	// Remove schedules entry removal.
	Remove()
}

// InvokeResult describes the outcome of Invoke.
type InvokeResult struct {
	// Existed is true if key had a valid value before the processor was called.
	Existed bool

	// Exists is true if key has a valid value after Invoke.
	Exists bool
}

type mutableEntry[K comparable, V any] struct {
	key     K
	exists  bool
	value   V
	set     bool
	removed bool
}

func (m *mutableEntry[K, V]) Key() K {
	return m.key
}

func (m *mutableEntry[K, V]) Exists() bool {
	return m.exists
}

func (m *mutableEntry[K, V]) Value() V {
	return m.value
}

func (m *mutableEntry[K, V]) SetValue(v V) {
	m.value = v
	m.exists = true
	m.set = true
	m.removed = false
}

func (m *mutableEntry[K, V]) Remove() {
	var zero V

	m.value = zero
	m.exists = false
	m.set = false
	m.removed = true
}

// Invoke runs processor on entry of a key as a single atomic read-modify-write.
//
// Processor must not call cache methods for the same key. In-flight load of the key is awaited
// before processor is called. If processor fails, no changes are applied.
func (c *Cache[K, V]) Invoke(ctx context.Context, key K, processor func(e MutableEntry[K, V]) error) (InvokeResult, error) {
	for {
		e, err := c.lockEntry(key)
		if err != nil {
			return InvokeResult{}, err
		}

		if call := e.load; call != nil {
			e.mu.Unlock()

			select {
			case <-call.done:
				continue
			case <-ctx.Done():
				return InvokeResult{}, ctxd.WrapError(ctx, ctx.Err(), "waiting for cache value", "name", c.config.Name, "key", key)
			}
		}

		return c.invokeLocked(ctx, e, processor)
	}
}

// invokeLocked applies processor and releases entry lock.
func (c *Cache[K, V]) invokeLocked(ctx context.Context, e *entry[K, V], processor func(e MutableEntry[K, V]) error) (InvokeResult, error) {
	var (
		au  afterUnlock[K, V]
		res InvokeResult
	)

	now := c.clock.Millis()
	p := c.servable(e, now)
	me := &mutableEntry[K, V]{key: e.key}

	if p != nil && p.hasValue && p.err == nil {
		me.exists = true
		me.value = p.value
	}

	res.Existed = me.exists
	res.Exists = me.exists

	err := processor(me)

	switch {
	case err != nil:
		err = ctxd.WrapError(ctx, err, "processing cache entry", "name", c.config.Name, "key", e.key)
	case me.set:
		if err = c.putLocked(ctx, e, me.value, now, &au); err == nil {
			res.Exists = e.getState() == stateValid
		}
	case me.removed && e.getState() != stateEmpty:
		if c.config.Writer != nil {
			if err = c.config.Writer.Delete(ctx, e.key); err != nil {
				err = ctxd.WrapError(ctx, err, "deleting cache value through", "name", c.config.Name, "key", e.key)

				break
			}
		}

		c.removeLocked(ctx, e)

		res.Exists = false

		if res.Existed {
			c.count(ctx, c.ctr.removes, MetricRemove)
			c.emitLocked(ctx, e, Event[K, V]{Kind: EventRemoved, Key: e.key, Value: p.value, TimeMillis: now}, &au)
		}
	}

	c.dropEmptyLocked(ctx, e)
	e.mu.Unlock()

	c.finish(ctx, au)

	return res, err
}
