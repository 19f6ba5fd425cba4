package cache

import (
	"context"
	"iter"

	"github.com/bool64/ctxd"
)

// lockEntry returns locked live entry of a key, inserting an empty one if needed.
func (c *Cache[K, V]) lockEntry(key K) (*entry[K, V], error) {
	for {
		if c.closed.Load() {
			return nil, ErrClosed
		}

		e, _ := c.table.lookupOrInsertEmpty(key)

		e.mu.Lock()

		if e.getState() != stateRemoved {
			return e, nil
		}

		e.mu.Unlock()
	}
}

// supersedeLocked marks in-flight load so that its result is not stored.
//
// The call stays attached to entry until it completes, so forced loads of the key keep joining it.
func (c *Cache[K, V]) supersedeLocked(e *entry[K, V]) {
	if e.load == nil {
		return
	}

	e.load.superseded = true
}

// putLocked writes value through and stores it, must be called with entry lock held.
func (c *Cache[K, V]) putLocked(ctx context.Context, e *entry[K, V], v V, now int64, au *afterUnlock[K, V]) error {
	if !c.config.PermitNilValues && isNil(any(v)) {
		return ErrNilValue
	}

	if c.config.Writer != nil {
		if err := c.config.Writer.Write(ctx, e.key, v); err != nil {
			return ctxd.WrapError(ctx, err, "writing cache value through", "name", c.config.Name, "key", e.key)
		}
	}

	p := c.servable(e, now)
	replaced := p != nil && p.hasValue && p.err == nil

	c.supersedeLocked(e)
	c.installLocked(ctx, e, v, now, replaced, au)
	c.count(ctx, c.ctr.puts, MetricWrite)

	c.log.Debug(ctx, "wrote to cache", "name", c.config.Name, "key", e.key)

	return nil
}

// Put stores value, an in-flight load of the key is superseded.
//
// Time to live can be set with WithTTL context.
func (c *Cache[K, V]) Put(ctx context.Context, key K, v V) error {
	var au afterUnlock[K, V]

	e, err := c.lockEntry(key)
	if err != nil {
		return err
	}

	err = c.putLocked(ctx, e, v, c.clock.Millis(), &au)
	if err != nil {
		c.dropEmptyLocked(ctx, e)
	}

	e.mu.Unlock()

	c.finish(ctx, au)

	return err
}

// PutIfAbsent stores value if key has no valid value and reports whether it was stored.
func (c *Cache[K, V]) PutIfAbsent(ctx context.Context, key K, v V) (bool, error) {
	var au afterUnlock[K, V]

	e, err := c.lockEntry(key)
	if err != nil {
		return false, err
	}

	now := c.clock.Millis()

	if p := c.servable(e, now); p != nil && p.hasValue && p.err == nil {
		e.mu.Unlock()

		return false, nil
	}

	err = c.putLocked(ctx, e, v, now, &au)
	if err != nil {
		c.dropEmptyLocked(ctx, e)
	}

	e.mu.Unlock()

	c.finish(ctx, au)

	return err == nil, err
}

// Replace stores value if key currently maps to a value equal to old.
func (c *Cache[K, V]) Replace(ctx context.Context, key K, old, v V) (bool, error) {
	if c.closed.Load() {
		return false, ErrClosed
	}

	e := c.table.lookup(key)
	if e == nil {
		return false, nil
	}

	var au afterUnlock[K, V]

	e.mu.Lock()

	now := c.clock.Millis()

	p := c.servable(e, now)
	if p == nil || !p.hasValue || p.err != nil || !c.config.Equal(p.value, old) {
		e.mu.Unlock()

		return false, nil
	}

	err := c.putLocked(ctx, e, v, now, &au)

	e.mu.Unlock()

	c.finish(ctx, au)

	return err == nil, err
}

// Remove deletes key and reports whether a valid value was removed.
//
// Removing a missing key is a no-op without events. An in-flight load of the key is awaited
// before removal, so that a key never has two loads running at once.
func (c *Cache[K, V]) Remove(ctx context.Context, key K) (bool, error) {
	for {
		if c.closed.Load() {
			return false, ErrClosed
		}

		e := c.table.lookup(key)
		if e == nil {
			if c.config.Writer != nil {
				if err := c.config.Writer.Delete(ctx, key); err != nil {
					return false, ctxd.WrapError(ctx, err, "deleting cache value through", "name", c.config.Name, "key", key)
				}
			}

			return false, nil
		}

		e.mu.Lock()

		if call := e.load; call != nil {
			e.mu.Unlock()

			select {
			case <-call.done:
				continue
			case <-ctx.Done():
				return false, ctxd.WrapError(ctx, ctx.Err(), "waiting for cache value", "name", c.config.Name, "key", key)
			}
		}

		switch e.getState() { //nolint:exhaustive // Other states are removable.
		case stateRemoved:
			e.mu.Unlock()

			continue
		case stateEmpty:
			e.mu.Unlock()

			return false, nil
		}

		return c.removeKeyLocked(ctx, e)
	}
}

// removeKeyLocked removes entry on behalf of Remove and releases entry lock.
func (c *Cache[K, V]) removeKeyLocked(ctx context.Context, e *entry[K, V]) (bool, error) {
	var au afterUnlock[K, V]

	if c.config.Writer != nil {
		if err := c.config.Writer.Delete(ctx, e.key); err != nil {
			e.mu.Unlock()

			return false, ctxd.WrapError(ctx, err, "deleting cache value through", "name", c.config.Name, "key", e.key)
		}
	}

	now := c.clock.Millis()
	p := c.servable(e, now)
	present := p != nil && p.hasValue && p.err == nil

	c.removeLocked(ctx, e)

	if present {
		c.count(ctx, c.ctr.removes, MetricRemove)
		c.emitLocked(ctx, e, Event[K, V]{Kind: EventRemoved, Key: e.key, Value: p.value, TimeMillis: now}, &au)
	}

	e.mu.Unlock()

	c.finish(ctx, au)

	return present, nil
}

// Peek returns cached value without loading, missing or expired key results in ErrNotFound.
func (c *Cache[K, V]) Peek(ctx context.Context, key K) (V, error) {
	var zero V

	if c.closed.Load() {
		return zero, ErrClosed
	}

	if e := c.table.lookup(key); e != nil {
		if p := c.servable(e, c.clock.Millis()); p != nil {
			return c.hit(ctx, e, p)
		}
	}

	c.count(ctx, c.ctr.misses, MetricMiss)

	return zero, ErrNotFound
}

// PeekStale returns cached value without loading, including data retained after expiry.
//
// Expired value is returned together with an error that matches ErrExpired.
// Expired data is only retained with KeepDataAfterExpired or for resilience of a loading cache.
func (c *Cache[K, V]) PeekStale(ctx context.Context, key K) (V, error) {
	var zero V

	if c.closed.Load() {
		return zero, ErrClosed
	}

	e := c.table.lookup(key)
	if e == nil {
		c.count(ctx, c.ctr.misses, MetricMiss)

		return zero, ErrNotFound
	}

	if p := c.servable(e, c.clock.Millis()); p != nil {
		return c.hit(ctx, e, p)
	}

	c.count(ctx, c.ctr.misses, MetricMiss)

	switch e.getState() { //nolint:exhaustive // Other states hold no data.
	case stateValid, stateExpired, stateLoading:
		if p := e.data.Load(); p != nil && p.hasValue {
			return p.value, errExpired{expiredAt: p.expiresAt}
		}
	}

	return zero, ErrNotFound
}

// PeekEntry returns a snapshot of key entry without loading.
//
// Snapshot of an entry holding propagated load failure has Err set.
func (c *Cache[K, V]) PeekEntry(key K) (Entry[K, V], bool) {
	if c.closed.Load() {
		return Entry[K, V]{}, false
	}

	e := c.table.lookup(key)
	if e == nil {
		return Entry[K, V]{}, false
	}

	if c.servable(e, c.clock.Millis()) == nil {
		return Entry[K, V]{}, false
	}

	return e.snapshot(), true
}

// All iterates valid values, iteration is weakly consistent with concurrent updates.
func (c *Cache[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		now := c.clock.Millis()

		c.table.forEach(func(e *entry[K, V]) bool {
			p := c.servable(e, now)
			if p == nil || p.err != nil {
				return true
			}

			return yield(e.key, p.value)
		})
	}
}

// Walk calls function for every valid entry until it fails and returns number of visited entries.
func (c *Cache[K, V]) Walk(walkFn func(e Entry[K, V]) error) (int, error) {
	var (
		n   int
		err error
	)

	now := c.clock.Millis()

	c.table.forEach(func(e *entry[K, V]) bool {
		p := c.servable(e, now)
		if p == nil || p.err != nil {
			return true
		}

		if err = walkFn(e.snapshot()); err != nil {
			return false
		}

		n++

		return true
	})

	return n, err
}

// ExpireAll marks all valid entries as expired.
//
// Expired data stays available to PeekStale and loaders if it is retained.
func (c *Cache[K, V]) ExpireAll(ctx context.Context) {
	now := c.clock.Millis()
	cnt := 0

	c.table.forEach(func(e *entry[K, V]) bool {
		var au afterUnlock[K, V]

		e.mu.Lock()
		if e.getState() == stateValid {
			c.expireLocked(ctx, e, now, &au)
			cnt++
		}
		e.mu.Unlock()

		c.finish(ctx, au)

		return true
	})

	c.log.Important(ctx, "expired all entries in cache",
		"name", c.config.Name,
		"count", cnt,
	)
}

// RemoveAll deletes all entries without notifying listeners.
//
// In-flight loads are awaited before their entries are removed, entries still loading
// when ctx is done are kept.
func (c *Cache[K, V]) RemoveAll(ctx context.Context) {
	cnt, kept := 0, 0

	c.table.forEach(func(e *entry[K, V]) bool {
		e.mu.Lock()

		for e.load != nil {
			call := e.load
			e.mu.Unlock()

			select {
			case <-call.done:
			case <-ctx.Done():
				kept++

				return true
			}

			e.mu.Lock()
		}

		if e.getState() != stateRemoved {
			c.removeLocked(ctx, e)
			cnt++
		}
		e.mu.Unlock()

		return true
	})

	c.log.Important(ctx, "deleted all entries in cache",
		"name", c.config.Name,
		"count", cnt,
		"kept", kept,
	)
}
