package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
	"golang.org/x/sync/semaphore"
)

// Cache is an in-process key-value cache with loading, expiry and bounded capacity.
//
// Cache is safe for concurrent use, it must be created with New and released with Close.
type Cache[K comparable, V any] struct {
	config Config[K, V]
	kind   loaderKind

	log   ctxd.Logger
	stat  stats.Tracker
	clock Clock
	ctr   counters

	table      *entryTable[K, V]
	evict      *evictor[K, V]
	timer      *timerWheel[K, V]
	events     *dispatcher[K, V]
	resilience ResiliencePolicy[K]
	loaders    *semaphore.Weighted

	// keepData retains data of expired entries for PeekStale, resilience and advanced loaders.
	keepData bool

	closed  atomic.Bool
	closeMu sync.RWMutex
	done    chan struct{}
	loads   sync.WaitGroup
	workers sync.WaitGroup
}

// New creates cache instance.
func New[K comparable, V any](cfg Config[K, V]) (*Cache[K, V], error) {
	kind, err := cfg.prepare()
	if err != nil {
		return nil, err
	}

	c := &Cache[K, V]{
		config: cfg,
		kind:   kind,
		log:    cfg.Logger,
		stat:   cfg.Stats,
		clock:  cfg.Clock,
		ctr:    newCounters(),
		done:   make(chan struct{}),
	}

	if c.log == nil {
		c.log = ctxd.NoOpLogger{}
	}

	if c.stat == nil {
		c.stat = stats.NoOp{}
	}

	if c.clock == nil {
		c.clock = newRealClock()
	}

	c.table = newEntryTable[K, V](cfg.Shards, cfg.KeyHasher)
	c.evict = newEvictor(cfg)
	c.timer = newTimerWheel[K, V](cfg.TimerLag, c.clock.Millis())
	c.events = newDispatcher(cfg, c.log)
	c.loaders = semaphore.NewWeighted(int64(cfg.LoaderThreadCount))
	c.keepData = cfg.KeepDataAfterExpired || (kind != noLoader && !cfg.DisableExceptionSuppression)

	c.resilience = cfg.ResiliencePolicy
	if c.resilience == nil {
		c.resilience = NewResiliencePolicy[K](ResilienceConfig{
			RetryInterval:      cfg.RetryInterval,
			MaxRetryInterval:   cfg.MaxRetryInterval,
			ResilienceDuration: cfg.ResilienceDuration,
			SuppressExceptions: !cfg.DisableExceptionSuppression,
		})
	}

	c.workers.Add(1)

	go c.sweeper()

	if !cfg.StrictEviction {
		c.workers.Add(1)

		go c.evictLoop()
	}

	if cfg.Stats != nil {
		c.workers.Add(1)

		go c.reportItemsCount()
	}

	return c, nil
}

// Name returns cache instance name.
func (c *Cache[K, V]) Name() string {
	return c.config.Name
}

// Len returns number of entries held by cache, including entries being loaded.
func (c *Cache[K, V]) Len() int {
	return c.table.len()
}

// Close stops background jobs, waits for in-flight loads and releases all entries.
//
// Operations on a closed cache fail with ErrClosed.
func (c *Cache[K, V]) Close() error {
	c.closeMu.Lock()
	if c.closed.Load() {
		c.closeMu.Unlock()

		return nil
	}

	c.closed.Store(true)
	close(c.done)
	c.closeMu.Unlock()

	c.loads.Wait()
	c.workers.Wait()
	c.timer.clear()

	released := c.table.drain()

	for _, e := range released {
		e.mu.Lock()
		if e.getState() != stateRemoved {
			c.evict.remove(e)
			e.timerSlot = -1
			e.setState(stateRemoved)
		}
		e.mu.Unlock()
	}

	c.events.close()

	c.log.Important(context.Background(), "cache closed",
		"name", c.config.Name,
		"released", len(released),
	)

	return nil
}

// register accounts an in-flight load, it fails once cache is closed.
func (c *Cache[K, V]) register() error {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()

	if c.closed.Load() {
		return ErrClosed
	}

	c.loads.Add(1)

	return nil
}

// fresh checks if payload can be served at clock time now.
func (c *Cache[K, V]) fresh(p *payload[V], now int64) bool {
	if p == nil || p.expiresAt == Eternal {
		return p != nil
	}

	if c.config.SharpExpiry {
		return now < p.expiresAt
	}

	return now < addMillis(p.expiresAt, c.config.TimerLag)
}

// servable returns fresh payload of a valid entry or nil.
func (c *Cache[K, V]) servable(e *entry[K, V], now int64) *payload[V] {
	if e.getState() != stateValid {
		return nil
	}

	p := e.data.Load()
	if !p.exists() || !c.fresh(p, now) {
		return nil
	}

	return p
}

// afterUnlock collects work that must happen once entry lock is released.
type afterUnlock[K comparable, V any] struct {
	events  []Event[K, V]
	victims []*entry[K, V]
}

// emitLocked queues async event and collects sync one, must be called with entry lock held.
func (c *Cache[K, V]) emitLocked(ctx context.Context, e *entry[K, V], ev Event[K, V], au *afterUnlock[K, V]) {
	if !c.events.enabled() {
		return
	}

	c.events.enqueue(ctx, e.hash, ev)

	if len(c.events.sync) > 0 {
		au.events = append(au.events, ev)
	}
}

// finish evicts collected victims and notifies sync listeners.
func (c *Cache[K, V]) finish(ctx context.Context, au afterUnlock[K, V]) {
	for _, v := range au.victims {
		c.evictEntry(ctx, v)
	}

	for _, ev := range au.events {
		c.events.fire(ctx, ev)
	}
}

// expiryAt computes expiry time of a new value, store is false if value must not be kept.
func (c *Cache[K, V]) expiryAt(ctx context.Context, e *entry[K, V], v V, now int64) (at int64, store bool) {
	ttl := DefaultTTL

	if t, ok := TTL(ctx); ok {
		ttl = t
	} else if c.config.ExpiryPolicy != nil {
		ttl = c.config.ExpiryPolicy(e.key, v, e.snapshot())
	}

	switch {
	case ttl < 0:
		return 0, false
	case ttl == EternalTTL:
		return Eternal, true
	case ttl == DefaultTTL && c.config.eternal():
		return Eternal, true
	case ttl == DefaultTTL:
		return addMillis(now, c.config.ExpireAfterWrite), true
	default:
		return addMillis(now, ttl), true
	}
}

// installLocked stores a good value in entry, must be called with entry lock held.
//
// Value is not stored and entry is removed if expiry says so, replaced tells if a valid value is overwritten.
func (c *Cache[K, V]) installLocked(ctx context.Context, e *entry[K, V], v V, now int64, replaced bool, au *afterUnlock[K, V]) {
	old := e.data.Load()
	hadValue := replaced && old != nil && old.hasValue

	expiresAt, store := c.expiryAt(ctx, e, v, now)
	if !store {
		if hadValue {
			c.emitLocked(ctx, e, Event[K, V]{Kind: EventRemoved, Key: e.key, Value: old.value, TimeMillis: now}, au)
		}

		if e.load != nil {
			// Entry stays attached to in-flight load without data, the load removes it on completion.
			c.evict.remove(e)
			c.timer.cancel(e)
			e.data.Store(nil)
			e.setState(stateLoading)

			return
		}

		c.removeLocked(ctx, e)

		return
	}

	p := &payload[V]{
		value:      v,
		hasValue:   true,
		createdAt:  now,
		modifiedAt: now,
		expiresAt:  expiresAt,
	}

	if old != nil && old.createdAt != 0 {
		p.createdAt = old.createdAt
	}

	e.episode = failureEpisode{}
	e.data.Store(p)
	e.setState(stateValid)

	c.scheduleLocked(e, p, now)
	au.victims = append(au.victims, c.evict.recordInsert(e, p)...)

	ev := Event[K, V]{Kind: EventCreated, Key: e.key, Value: v, TimeMillis: now}
	if hadValue {
		ev.Kind = EventUpdated
		ev.OldValue = old.value
	}

	c.emitLocked(ctx, e, ev, au)
}

// scheduleLocked sets expiry or refresh timer of a payload, must be called with entry lock held.
func (c *Cache[K, V]) scheduleLocked(e *entry[K, V], p *payload[V], now int64) {
	if p.expiresAt == Eternal {
		c.timer.cancel(e)

		return
	}

	if c.config.RefreshAhead && p.hasValue && p.err == nil {
		lead := (p.expiresAt - p.modifiedAt) / 10
		if lag := c.config.TimerLag.Milliseconds(); lead < lag {
			lead = lag
		}

		if at := p.expiresAt - lead; at > now {
			c.timer.schedule(e, at, timerRefresh)

			return
		}
	}

	c.timer.schedule(e, p.expiresAt, timerExpire)
}

// removeLocked detaches entry from all structures, must be called with entry lock held.
func (c *Cache[K, V]) removeLocked(ctx context.Context, e *entry[K, V]) {
	e.setState(stateRemoving)

	if _, mutated := c.table.remove(e); mutated {
		c.count(ctx, c.ctr.keyMutations, MetricKeyMutation)
		c.log.Warn(ctx, "cache key mutation detected",
			"name", c.config.Name,
			"key", e.key,
			"error", ErrKeyMutation,
		)
	}

	c.evict.remove(e)
	c.timer.cancel(e)
	e.setState(stateRemoved)
}

// dropEmptyLocked removes entry that was inserted but never got data.
func (c *Cache[K, V]) dropEmptyLocked(ctx context.Context, e *entry[K, V]) {
	if e.getState() == stateEmpty && e.load == nil {
		c.removeLocked(ctx, e)
	}
}

// expireLocked expires valid entry, must be called with entry lock held.
func (c *Cache[K, V]) expireLocked(ctx context.Context, e *entry[K, V], now int64, au *afterUnlock[K, V]) {
	p := e.data.Load()

	c.timer.cancel(e)

	if p.hasValue && p.err == nil {
		c.count(ctx, c.ctr.expirations, MetricExpired)
		c.emitLocked(ctx, e, Event[K, V]{Kind: EventExpired, Key: e.key, Value: p.value, TimeMillis: now}, au)
	}

	if e.load != nil || c.keepData {
		e.setState(stateExpired)

		return
	}

	c.removeLocked(ctx, e)
}

// evictEntry removes a victim selected by eviction.
func (c *Cache[K, V]) evictEntry(ctx context.Context, e *entry[K, V]) {
	var au afterUnlock[K, V]

	e.mu.Lock()

	st := e.getState()

	// Loading entries are linked again when load completes.
	if st == stateRemoved || e.load != nil || (st != stateValid && st != stateExpired) {
		e.mu.Unlock()

		return
	}

	p := e.data.Load()

	c.removeLocked(ctx, e)
	c.evict.evictedWeight.Add(e.weight)
	c.count(ctx, c.ctr.evictions, MetricEvict)

	if st == stateValid && p.hasValue {
		c.emitLocked(ctx, e, Event[K, V]{Kind: EventEvicted, Key: e.key, Value: p.value, TimeMillis: c.clock.Millis()}, &au)
	}

	e.mu.Unlock()

	c.finish(ctx, au)
}

// sweeper fires due timers.
func (c *Cache[K, V]) sweeper() {
	defer c.workers.Done()

	ticker := time.NewTicker(c.config.TimerLag)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep(context.Background())
		case <-c.done:
			return
		}
	}
}

func (c *Cache[K, V]) sweep(ctx context.Context) {
	now := c.clock.Millis()

	for _, t := range c.timer.pollDue(now) {
		c.onTimer(ctx, t, now)
	}
}

// evictLoop brings segments over budget back within capacity in non-strict mode.
func (c *Cache[K, V]) evictLoop() {
	defer c.workers.Done()

	ctx := context.Background()

	for {
		select {
		case <-c.evict.signal:
			victims := c.evict.pollVictims()

			if len(victims) > 0 {
				c.log.Debug(ctx, "evicting cache entries",
					"name", c.config.Name,
					"count", len(victims),
				)
			}

			for _, v := range victims {
				c.evictEntry(ctx, v)
			}
		case <-c.done:
			return
		}
	}
}

func (c *Cache[K, V]) reportItemsCount() {
	defer c.workers.Done()

	ticker := time.NewTicker(c.config.ItemsCountReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			count := c.Len()

			c.log.Debug(context.Background(), "cache items count",
				"name", c.config.Name,
				"count", count,
			)

			c.stat.Set(context.Background(), MetricItems, float64(count), "name", c.config.Name)
		case <-c.done:
			return
		}
	}
}
