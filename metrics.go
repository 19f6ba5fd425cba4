package cache

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
)

// Metric names reported to stats.Tracker with "name" label.
const (
	MetricHit                     = "cache_hit"
	MetricMiss                    = "cache_miss"
	MetricWrite                   = "cache_write"
	MetricRemove                  = "cache_remove"
	MetricExpired                 = "cache_expired"
	MetricEvict                   = "cache_evict"
	MetricItems                   = "cache_items"
	MetricLoad                    = "cache_load"
	MetricLoadException           = "cache_load_exception"
	MetricLoadExceptionSuppressed = "cache_load_exception_suppressed"
	MetricRefresh                 = "cache_refresh"
	MetricRefreshFailed           = "cache_refresh_failed"
	MetricKeyMutation             = "cache_key_mutation"
)

// Statistics is a snapshot of cache counters.
type Statistics struct {
	Hits                     int64
	Misses                   int64
	Puts                     int64
	Removes                  int64
	Evictions                int64
	EvictedWeight            int64
	Expirations              int64
	Loads                    int64
	LoadExceptions           int64
	SuppressedLoadExceptions int64
	Refreshes                int64
	RefreshFailures          int64
	KeyMutations             int64
	TotalLoadMillis          int64
	Size                     int64
	TotalWeight              int64
}

// HitRate returns a fraction of reads served from cache.
func (s Statistics) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}

	return float64(s.Hits) / float64(total)
}

// MillisPerLoad returns average load duration.
func (s Statistics) MillisPerLoad() float64 {
	if s.Loads == 0 {
		return 0
	}

	return float64(s.TotalLoadMillis) / float64(s.Loads)
}

type counters struct {
	hits, misses, puts, removes          *xsync.Counter
	evictions, expirations, loads        *xsync.Counter
	loadExceptions, suppressedExceptions *xsync.Counter
	refreshes, refreshFailures           *xsync.Counter
	keyMutations, loadMillis             *xsync.Counter
}

func newCounters() counters {
	return counters{
		hits:                 xsync.NewCounter(),
		misses:               xsync.NewCounter(),
		puts:                 xsync.NewCounter(),
		removes:              xsync.NewCounter(),
		evictions:            xsync.NewCounter(),
		expirations:          xsync.NewCounter(),
		loads:                xsync.NewCounter(),
		loadExceptions:       xsync.NewCounter(),
		suppressedExceptions: xsync.NewCounter(),
		refreshes:            xsync.NewCounter(),
		refreshFailures:      xsync.NewCounter(),
		keyMutations:         xsync.NewCounter(),
		loadMillis:           xsync.NewCounter(),
	}
}

// count increments internal counter and reports metric.
func (c *Cache[K, V]) count(ctx context.Context, ctr *xsync.Counter, metric string) {
	ctr.Inc()
	c.stat.Add(ctx, metric, 1, "name", c.config.Name)
}

// Stats returns a snapshot of counters.
func (c *Cache[K, V]) Stats() Statistics {
	size, weight := c.evict.totals()

	return Statistics{
		Hits:                     c.ctr.hits.Value(),
		Misses:                   c.ctr.misses.Value(),
		Puts:                     c.ctr.puts.Value(),
		Removes:                  c.ctr.removes.Value(),
		Evictions:                c.ctr.evictions.Value(),
		EvictedWeight:            c.evict.evictedWeight.Load(),
		Expirations:              c.ctr.expirations.Value(),
		Loads:                    c.ctr.loads.Value(),
		LoadExceptions:           c.ctr.loadExceptions.Value(),
		SuppressedLoadExceptions: c.ctr.suppressedExceptions.Value(),
		Refreshes:                c.ctr.refreshes.Value(),
		RefreshFailures:          c.ctr.refreshFailures.Value(),
		KeyMutations:             c.ctr.keyMutations.Value(),
		TotalLoadMillis:          c.ctr.loadMillis.Value(),
		Size:                     size,
		TotalWeight:              weight,
	}
}
