package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bool64/ctxd"
	"golang.org/x/sync/errgroup"
)

// loadCall is a single-flight load shared by all callers of a key.
//
// Fields except done are guarded by entry lock until done is closed, then they are read-only.
type loadCall[V any] struct {
	done    chan struct{}
	val     V
	err     error
	started int64

	// refresh is set for refresh ahead loads that keep entry servable.
	refresh bool
	// replaces is set when load overwrites a valid value.
	replaces bool
	// superseded is set when a write happened during load, the result is not stored then.
	superseded bool
	finished   bool

	// release is called once after completion.
	release func()
}

type loadResult[V any] struct {
	val V
	err error
}

// Get returns cached value or loads it.
//
// Without a loader, missing key results in ErrNotFound.
// Concurrent calls for the same key share a single load.
func (c *Cache[K, V]) Get(ctx context.Context, key K) (V, error) {
	var zero V

	if c.closed.Load() {
		return zero, ErrClosed
	}

	skip := SkipRead(ctx)

	if !skip {
		if e := c.table.lookup(key); e != nil {
			if p := c.servable(e, c.clock.Millis()); p != nil {
				return c.hit(ctx, e, p)
			}
		}
	}

	c.count(ctx, c.ctr.misses, MetricMiss)

	if c.kind == noLoader {
		c.log.Debug(ctx, "cache miss", "name", c.config.Name, "key", key)

		return zero, ErrNotFound
	}

	return c.load(ctx, key, skip)
}

// hit serves payload of a valid entry.
func (c *Cache[K, V]) hit(ctx context.Context, e *entry[K, V], p *payload[V]) (V, error) {
	c.evict.recordAccess(e)
	c.count(ctx, c.ctr.hits, MetricHit)

	if p.err != nil {
		return p.value, c.propagate(e.key, p.err)
	}

	return p.value, nil
}

// propagate maps load failure to caller error.
func (c *Cache[K, V]) propagate(key K, err error) error {
	le, ok := err.(*LoadError) //nolint:errorlint // Only direct load errors are propagated.
	if !ok || c.config.ExceptionPropagator == nil {
		return err
	}

	return c.config.ExceptionPropagator(key, le)
}

// load joins in-flight load of a key or starts a new one.
func (c *Cache[K, V]) load(ctx context.Context, key K, force bool) (V, error) {
	var zero V

	for {
		if c.closed.Load() {
			return zero, ErrClosed
		}

		e, _ := c.table.lookupOrInsertEmpty(key)

		e.mu.Lock()

		if e.getState() == stateRemoved {
			e.mu.Unlock()

			continue
		}

		now := c.clock.Millis()

		if !force {
			if p := c.servable(e, now); p != nil {
				e.mu.Unlock()

				return c.hit(ctx, e, p)
			}
		}

		call := e.load

		if call != nil {
			e.mu.Unlock()

			c.log.Debug(ctx, "waiting for cache value", "name", c.config.Name, "key", key)

			return c.await(ctx, key, call)
		}

		call, old, err := c.startLoadLocked(e, now, false)
		if err != nil {
			c.dropEmptyLocked(ctx, e)
			e.mu.Unlock()

			return zero, err
		}

		e.mu.Unlock()

		c.log.Debug(ctx, "building cache value", "name", c.config.Name, "key", key)

		c.runLoad(ctx, e, call, old)

		return c.await(ctx, key, call)
	}
}

// await blocks until load completes or ctx is done, the load itself is not cancelled with ctx.
func (c *Cache[K, V]) await(ctx context.Context, key K, call *loadCall[V]) (V, error) {
	select {
	case <-call.done:
		if call.err != nil {
			return call.val, c.propagate(key, call.err)
		}

		return call.val, nil
	case <-ctx.Done():
		var zero V

		return zero, ctxd.WrapError(ctx, ctx.Err(), "waiting for cache value", "name", c.config.Name, "key", key)
	}
}

// startLoadLocked registers a new single-flight call, must be called with entry lock held.
func (c *Cache[K, V]) startLoadLocked(e *entry[K, V], now int64, refresh bool) (*loadCall[V], Entry[K, V], error) {
	if err := c.register(); err != nil {
		return nil, Entry[K, V]{}, err
	}

	st := e.getState()
	p := e.data.Load()

	call := &loadCall[V]{
		done:     make(chan struct{}),
		started:  now,
		refresh:  refresh,
		replaces: st == stateValid && p != nil && p.hasValue && p.err == nil,
	}

	old := Entry[K, V]{Key: e.key}
	if st != stateEmpty {
		old = e.snapshot()
	}

	e.load = call
	e.busy.Store(true)

	if refresh {
		np := *p
		np.refreshProbation = true
		e.data.Store(&np)
	} else {
		e.setState(stateLoading)
	}

	return call, old, nil
}

// runLoad invokes configured loader, sync loaders complete before return.
func (c *Cache[K, V]) runLoad(ctx context.Context, e *entry[K, V], call *loadCall[V], old Entry[K, V]) {
	lctx := context.Context(detachedContext{ctx: ctx})
	timeout := c.config.LoaderTimeout

	if c.kind == asyncLoader {
		c.runAsyncLoad(ctx, lctx, e, call, old)

		return
	}

	if timeout <= 0 {
		v, err := c.invokeLoader(lctx, e.key, old)
		c.complete(ctx, e, call, v, err)

		return
	}

	lctx, cancel := context.WithTimeout(lctx, timeout)
	defer cancel()

	res := make(chan loadResult[V], 1)

	go func() {
		v, err := c.invokeLoader(lctx, e.key, old)
		res <- loadResult[V]{val: v, err: err}
	}()

	select {
	case r := <-res:
		c.complete(ctx, e, call, r.val, r.err)
	case <-lctx.Done():
		var zero V

		c.complete(ctx, e, call, zero, ErrLoadTimeout)
	}
}

// runAsyncLoad starts callback based load, first of callback, timeout or panic completes the call.
func (c *Cache[K, V]) runAsyncLoad(ctx, lctx context.Context, e *entry[K, V], call *loadCall[V], old Entry[K, V]) {
	var (
		once  sync.Once
		timer atomic.Pointer[time.Timer]
	)

	done := func(v V, err error) {
		once.Do(func() {
			if t := timer.Load(); t != nil {
				t.Stop()
			}

			c.complete(ctx, e, call, v, err)
		})
	}

	if timeout := c.config.LoaderTimeout; timeout > 0 {
		timer.Store(time.AfterFunc(timeout, func() {
			var zero V

			done(zero, ErrLoadTimeout)
		}))
	}

	defer func() {
		if r := recover(); r != nil {
			var zero V

			done(zero, fmt.Errorf("loader panicked: %v", r)) //nolint:goerr113
		}
	}()

	c.config.AsyncLoader(lctx, e.key, old, done)
}

// invokeLoader calls sync loader converting panic to error.
func (c *Cache[K, V]) invokeLoader(ctx context.Context, key K, old Entry[K, V]) (v V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("loader panicked: %v", r) //nolint:goerr113
		}
	}()

	if c.kind == advancedLoader {
		return c.config.AdvancedLoader(ctx, key, old)
	}

	return c.config.Loader(ctx, key)
}

// complete applies load result and releases waiters, repeated completion of a call is ignored.
func (c *Cache[K, V]) complete(ctx context.Context, e *entry[K, V], call *loadCall[V], v V, err error) {
	now := c.clock.Millis()

	if err == nil && !c.config.PermitNilValues && isNil(any(v)) {
		err = ErrNilValue
	}

	var au afterUnlock[K, V]

	e.mu.Lock()

	if call.finished {
		e.mu.Unlock()

		return
	}

	call.finished = true

	c.ctr.loadMillis.Add(now - call.started)
	c.count(ctx, c.ctr.loads, MetricLoad)

	if e.load == call {
		e.load = nil
		e.busy.Store(false)
	}

	switch {
	case e.getState() == stateRemoved || call.superseded:
		// Entry was removed or overwritten while loading, result is only handed to waiters.
		call.val, call.err = v, err
		if err != nil {
			call.err = &LoadError{Key: e.key, Cause: err, Attempt: 1, RetryAtMillis: now}
		}

		// A write that must not be stored left the entry without data.
		if call.superseded && e.getState() == stateLoading {
			c.removeLocked(ctx, e)
		}
	case err == nil:
		call.val = v

		if call.refresh {
			c.count(ctx, c.ctr.refreshes, MetricRefresh)
		}

		c.installLocked(ctx, e, v, now, call.replaces, &au)
	default:
		call.val, call.err = c.failLocked(ctx, e, call, err, now, &au)
	}

	release := call.release

	e.mu.Unlock()

	close(call.done)
	c.finish(ctx, au)

	if release != nil {
		release()
	}

	c.loads.Done()
}

// failLocked applies resilience policy to a failed load, must be called with entry lock held.
func (c *Cache[K, V]) failLocked(
	ctx context.Context,
	e *entry[K, V],
	call *loadCall[V],
	err error,
	now int64,
	au *afterUnlock[K, V],
) (V, error) {
	var zero V

	ep := &e.episode
	if ep.attempts == 0 {
		ep.since = now
	}

	ep.attempts++

	c.count(ctx, c.ctr.loadExceptions, MetricLoadException)

	if call.refresh {
		c.count(ctx, c.ctr.refreshFailures, MetricRefreshFailed)
	}

	old := e.data.Load()
	hasValue := old != nil && old.hasValue && e.getState() != stateEmpty

	info := LoadExceptionInfo[K]{
		Key:         e.key,
		Err:         err,
		Attempt:     ep.attempts,
		NowMillis:   now,
		SinceMillis: ep.since,
		HasValue:    hasValue,
	}

	// Suppressed failures keep modification time of the value they serve.
	if hasValue {
		info.ModifiedMillis = old.modifiedAt
	}

	dec := c.resilience.OnLoadException(info)

	retryAt := addMillis(now, dec.RetryAfter)

	if dec.Suppress && hasValue && !ep.propagating && !c.config.DisableExceptionSuppression {
		c.count(ctx, c.ctr.suppressedExceptions, MetricLoadExceptionSuppressed)

		p := *old
		p.err = nil
		p.refreshProbation = false
		p.expiresAt = retryAt

		e.data.Store(&p)
		e.setState(stateValid)
		c.timer.schedule(e, retryAt, timerExpire)
		au.victims = append(au.victims, c.evict.recordInsert(e, &p)...)

		c.log.Warn(ctx, "failed to update stale cache value",
			"name", c.config.Name,
			"key", e.key,
			"attempt", ep.attempts,
			"retryAfter", dec.RetryAfter.String(),
			"error", err,
		)

		return p.value, nil
	}

	ep.propagating = true

	le := &LoadError{Key: e.key, Cause: err, Attempt: ep.attempts, RetryAtMillis: retryAt}

	p := &payload[V]{
		err:        le,
		createdAt:  now,
		modifiedAt: now,
		expiresAt:  retryAt,
	}

	if old != nil && old.createdAt != 0 {
		p.createdAt = old.createdAt
	}

	e.data.Store(p)
	e.setState(stateValid)
	c.timer.schedule(e, retryAt, timerExpire)
	au.victims = append(au.victims, c.evict.recordInsert(e, p)...)

	c.log.Warn(ctx, "failed to load cache value",
		"name", c.config.Name,
		"key", e.key,
		"attempt", ep.attempts,
		"retryAfter", dec.RetryAfter.String(),
		"error", err,
	)

	return zero, le
}

// onTimer handles due expiry or refresh of an entry.
func (c *Cache[K, V]) onTimer(ctx context.Context, t timerTask[K, V], now int64) {
	var au afterUnlock[K, V]

	e := t.e

	e.mu.Lock()

	// Timer was rescheduled or cancelled after it was polled.
	if e.timerSlot < 0 || e.timerAt != t.at || e.getState() != stateValid {
		e.mu.Unlock()

		return
	}

	kind := e.timerKind
	e.timerSlot = -1
	e.timerAt = 0
	e.timerKind = 0

	if kind == timerRefresh && e.load == nil && c.refreshLocked(ctx, e, now) {
		return
	}

	if kind == timerRefresh {
		c.timer.schedule(e, e.data.Load().expiresAt, timerExpire)
	} else {
		c.expireLocked(ctx, e, now, &au)
	}

	e.mu.Unlock()

	c.finish(ctx, au)
}

// refreshLocked starts refresh ahead load and releases entry lock, it returns false with the
// lock still held if no loader thread is available.
func (c *Cache[K, V]) refreshLocked(ctx context.Context, e *entry[K, V], now int64) bool {
	if !c.loaders.TryAcquire(1) {
		c.log.Debug(ctx, "skipping cache refresh, no loader thread available",
			"name", c.config.Name,
			"key", e.key,
		)

		return false
	}

	call, old, err := c.startLoadLocked(e, now, true)
	if err != nil {
		c.loaders.Release(1)

		return false
	}

	// Loader thread is held until the call completes, async loaders complete after runLoad returns.
	call.release = func() { c.loaders.Release(1) }

	// Refreshed value is served until expiry, entry expires if refresh is late.
	c.timer.schedule(e, e.data.Load().expiresAt, timerExpire)

	e.mu.Unlock()

	c.log.Debug(ctx, "refreshing expired value", "name", c.config.Name, "key", e.key)

	go c.runLoad(ctx, e, call, old)

	return true
}

// GetAll returns values of keys, missing values are loaded concurrently within LoaderThreadCount.
//
// Without a loader, missing keys are omitted from result. A load failure fails the whole call.
func (c *Cache[K, V]) GetAll(ctx context.Context, keys []K) (map[K]V, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	var (
		mu      sync.Mutex
		missing []K
	)

	res := make(map[K]V, len(keys))
	now := c.clock.Millis()

	for _, k := range keys {
		if _, ok := res[k]; ok {
			continue
		}

		if e := c.table.lookup(k); e != nil {
			if p := c.servable(e, now); p != nil && p.err == nil {
				v, _ := c.hit(ctx, e, p)
				res[k] = v

				continue
			}
		}

		missing = append(missing, k)
	}

	if len(missing) == 0 {
		return res, nil
	}

	if c.kind == noLoader {
		for range missing {
			c.count(ctx, c.ctr.misses, MetricMiss)
		}

		return res, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	seen := make(map[K]struct{}, len(missing))

	for _, k := range missing {
		if _, ok := seen[k]; ok {
			continue
		}

		seen[k] = struct{}{}

		if err := c.loaders.Acquire(gctx, 1); err != nil {
			break
		}

		g.Go(func() error {
			defer c.loaders.Release(1)

			v, err := c.Get(gctx, k)
			if err != nil {
				return err
			}

			mu.Lock()
			res[k] = v
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, ctxd.WrapError(ctx, err, "loading cache values", "name", c.config.Name)
	}

	return res, nil
}
