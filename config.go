package cache

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"runtime"
	"time"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
)

const (
	// DefaultTTL indicates configured expiry should be used for the value.
	DefaultTTL = time.Duration(0)

	// SkipWriteTTL is a ttl value to indicate that value must not be stored.
	SkipWriteTTL = time.Duration(-1)

	// EternalTTL is a ttl value to indicate that value never expires.
	EternalTTL = time.Duration(math.MaxInt64)

	// DefaultEntryCapacity is used when neither EntryCapacity nor MaximumWeight is configured.
	DefaultEntryCapacity = 2000
)

// Loader loads a value for a missing or expired key.
type Loader[K comparable, V any] func(ctx context.Context, key K) (V, error)

// AdvancedLoader loads a value having access to previous entry state.
//
// Previous entry can be used for incremental or conditional reload, old.Exists is false for
// the first load of a key.
type AdvancedLoader[K comparable, V any] func(ctx context.Context, key K, old Entry[K, V]) (V, error)

// AsyncLoader starts loading of a value and reports result with done callback.
//
// The callback must be called exactly once, it may be called from any goroutine.
type AsyncLoader[K comparable, V any] func(ctx context.Context, key K, old Entry[K, V], done func(V, error))

// Weigher computes entry cost for weight based capacity accounting.
type Weigher[K comparable, V any] func(key K, value V) int64

// ExpiryPolicy computes time to live of a freshly loaded or written value.
//
// DefaultTTL falls back to Config.ExpireAfterWrite, SkipWriteTTL drops the value,
// EternalTTL disables expiration.
type ExpiryPolicy[K comparable, V any] func(key K, value V, old Entry[K, V]) time.Duration

// Writer receives writes and deletions before they are applied to the cache.
//
// An error returned by Writer aborts the cache operation.
type Writer[K comparable, V any] interface {
	Write(ctx context.Context, key K, value V) error
	Delete(ctx context.Context, key K) error
}

// Config controls cache instance.
type Config[K comparable, V any] struct {
	// Name is cache instance name, used in stats and logging.
	Name string

	// Logger is an instance of contextualized logger, can be nil.
	Logger ctxd.Logger

	// Stats is metrics collector, can be nil.
	Stats stats.Tracker

	// Clock is a time source, monotonic real time by default.
	Clock Clock

	// EntryCapacity is a maximum number of entries, default 2000 unless MaximumWeight is set.
	EntryCapacity int64

	// MaximumWeight is a maximum total weight of entries computed with Weigher.
	MaximumWeight int64

	// Weigher computes entry weight, required with MaximumWeight.
	Weigher Weigher[K, V]

	// StrictEviction makes eviction synchronous within the operation that exceeds capacity.
	StrictEviction bool

	// EvictionSlack is a fraction of capacity that can be exceeded transiently
	// while background eviction catches up, default 0.1, ignored with StrictEviction.
	EvictionSlack float64

	// Shards is a number of entry table buckets, rounded up to power of two, default 64.
	Shards int

	// KeyHasher overrides default key hashing.
	KeyHasher func(key K) uint64

	// ExpireAfterWrite is a time to live of a value since it was loaded or written,
	// zero means eternal.
	ExpireAfterWrite time.Duration

	// Eternal explicitly disables expiry, conflicts with ExpireAfterWrite.
	Eternal bool

	// SharpExpiry guarantees a value is never served at or after its expiry time.
	// Without it reads may lag up to TimerLag behind expiry.
	SharpExpiry bool

	// TimerLag is a resolution of expiry timer, default 1s.
	TimerLag time.Duration

	// RefreshAhead enables reload of values shortly before they expire.
	RefreshAhead bool

	// KeepDataAfterExpired retains expired values to be available with PeekStale.
	KeepDataAfterExpired bool

	// ExpiryPolicy computes per-value time to live, ExpireAfterWrite is used when nil.
	ExpiryPolicy ExpiryPolicy[K, V]

	// Loader is a synchronous loader, only one of loaders can be configured.
	Loader Loader[K, V]

	// AdvancedLoader is a synchronous loader with access to previous entry.
	AdvancedLoader AdvancedLoader[K, V]

	// AsyncLoader is a callback based loader.
	AsyncLoader AsyncLoader[K, V]

	// LoaderThreadCount limits concurrent loads started by GetAll and refresh ahead, default 2 * GOMAXPROCS.
	LoaderThreadCount int

	// LoaderTimeout bounds duration of a load, on timeout load fails with ErrLoadTimeout.
	LoaderTimeout time.Duration

	// RetryInterval is an initial delay before a failed load is retried,
	// default 10% of ExpireAfterWrite, but not less than 1s.
	RetryInterval time.Duration

	// MaxRetryInterval is a maximum delay between retries, default ExpireAfterWrite or 5m for eternal cache.
	MaxRetryInterval time.Duration

	// ResilienceDuration is a maximum age of a value, counted from its load or write, while loader
	// failures are suppressed with it, default twice ExpireAfterWrite or 10m for eternal cache.
	ResilienceDuration time.Duration

	// DisableExceptionSuppression makes every load failure propagate to callers.
	DisableExceptionSuppression bool

	// ResiliencePolicy overrides default resilience policy.
	ResiliencePolicy ResiliencePolicy[K]

	// ExceptionPropagator maps propagated load failure to an error returned to caller.
	ExceptionPropagator func(key K, err *LoadError) error

	// Listeners are notified synchronously before operation returns.
	Listeners []Listener[K, V]

	// AsyncListeners are notified in background, events of a key are delivered in order.
	AsyncListeners []Listener[K, V]

	// AsyncListenerWorkers is a number of goroutines delivering async events, default GOMAXPROCS.
	AsyncListenerWorkers int

	// PermitNilValues allows storing nil values.
	PermitNilValues bool

	// Equal compares values in Replace, reflect.DeepEqual by default.
	Equal func(a, b V) bool

	// Writer receives write-through updates.
	Writer Writer[K, V]

	// ItemsCountReportInterval is items count metric report interval, default 1m.
	ItemsCountReportInterval time.Duration
}

type loaderKind int

const (
	noLoader loaderKind = iota
	syncLoader
	advancedLoader
	asyncLoader
)

// prepare validates configuration and fills defaults.
func (cfg *Config[K, V]) prepare() (loaderKind, error) {
	if cfg.EntryCapacity < 0 || cfg.MaximumWeight < 0 {
		return noLoader, fmt.Errorf("%w: negative capacity", ErrCapacityMisconfiguration)
	}

	if cfg.EntryCapacity > 0 && cfg.MaximumWeight > 0 {
		return noLoader, fmt.Errorf("%w: EntryCapacity and MaximumWeight are mutually exclusive", ErrCapacityMisconfiguration)
	}

	if (cfg.MaximumWeight > 0) != (cfg.Weigher != nil) {
		return noLoader, fmt.Errorf("%w: MaximumWeight requires Weigher", ErrCapacityMisconfiguration)
	}

	if cfg.Eternal && cfg.ExpireAfterWrite > 0 {
		return noLoader, fmt.Errorf("%w: Eternal conflicts with ExpireAfterWrite", ErrInvalidConfig)
	}

	if cfg.ExpireAfterWrite < 0 || cfg.TimerLag < 0 || cfg.LoaderTimeout < 0 {
		return noLoader, fmt.Errorf("%w: negative duration", ErrInvalidConfig)
	}

	kind := noLoader
	cnt := 0

	if cfg.Loader != nil {
		kind = syncLoader
		cnt++
	}

	if cfg.AdvancedLoader != nil {
		kind = advancedLoader
		cnt++
	}

	if cfg.AsyncLoader != nil {
		kind = asyncLoader
		cnt++
	}

	if cnt > 1 {
		return noLoader, fmt.Errorf("%w: only one loader can be configured", ErrInvalidConfig)
	}

	if cfg.RefreshAhead && kind == noLoader {
		return noLoader, fmt.Errorf("%w: RefreshAhead requires a loader", ErrInvalidConfig)
	}

	if cfg.EntryCapacity == 0 && cfg.MaximumWeight == 0 {
		cfg.EntryCapacity = DefaultEntryCapacity
	}

	if cfg.EvictionSlack <= 0 {
		cfg.EvictionSlack = 0.1
	}

	if cfg.Shards <= 0 {
		cfg.Shards = 64
	}

	if cfg.TimerLag == 0 {
		cfg.TimerLag = time.Second
	}

	if cfg.LoaderThreadCount <= 0 {
		cfg.LoaderThreadCount = 2 * runtime.GOMAXPROCS(0)
	}

	if cfg.AsyncListenerWorkers <= 0 {
		cfg.AsyncListenerWorkers = runtime.GOMAXPROCS(0)
	}

	if cfg.ItemsCountReportInterval == 0 {
		cfg.ItemsCountReportInterval = time.Minute
	}

	cfg.prepareResilience()

	if cfg.Equal == nil {
		cfg.Equal = func(a, b V) bool {
			return reflect.DeepEqual(a, b)
		}
	}

	return kind, nil
}

func (cfg *Config[K, V]) prepareResilience() {
	lifetime := cfg.ExpireAfterWrite
	if lifetime == 0 {
		lifetime = 5 * time.Minute
	}

	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = lifetime / 10
		if cfg.RetryInterval < time.Second {
			cfg.RetryInterval = time.Second
		}
	}

	if cfg.MaxRetryInterval == 0 {
		cfg.MaxRetryInterval = lifetime
	}

	if cfg.MaxRetryInterval < cfg.RetryInterval {
		cfg.MaxRetryInterval = cfg.RetryInterval
	}

	// Value is served stale for at most one more lifetime after expiry.
	if cfg.ResilienceDuration == 0 {
		cfg.ResilienceDuration = 2 * lifetime
	}
}

func (cfg *Config[K, V]) eternal() bool {
	return cfg.ExpireAfterWrite == 0
}
