package cache

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
)

type entryState int32

const (
	stateEmpty entryState = iota
	stateLoading
	stateValid
	stateExpired
	stateRemoving
	stateRemoved
)

func (s entryState) String() string {
	switch s {
	case stateEmpty:
		return "empty"
	case stateLoading:
		return "loading"
	case stateValid:
		return "valid"
	case stateExpired:
		return "expired"
	case stateRemoving:
		return "removing"
	case stateRemoved:
		return "removed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Entry is a read-only snapshot of cache entry.
type Entry[K comparable, V any] struct {
	Key K

	// Value is the cached value, zero if entry holds an error.
	Value V

	// Err is a propagated load failure held by entry.
	Err error

	// Exists is true when entry holds a value or an error.
	Exists bool

	// ModifiedMillis is clock time of last load or write.
	ModifiedMillis int64

	// ExpiresMillis is clock time of expiration, Eternal for entries that never expire.
	ExpiresMillis int64
}

// payload is an immutable snapshot of entry data, replaced as a whole under entry lock.
type payload[V any] struct {
	value    V
	err      *LoadError
	hasValue bool

	createdAt  int64
	modifiedAt int64
	expiresAt  int64

	// refreshProbation is set while refresh ahead is in flight and value is still servable.
	refreshProbation bool
}

func (p *payload[V]) exists() bool {
	return p != nil && (p.hasValue || p.err != nil)
}

// failureEpisode tracks consecutive load failures of an entry.
type failureEpisode struct {
	attempts    int
	since       int64
	propagating bool
}

// entry is a unit of storage.
//
// State transitions and payload replacement happen under mu, reads are lock-free with atomic loads.
type entry[K comparable, V any] struct {
	key  K
	hash uint64

	mu    sync.Mutex
	state atomic.Int32
	data  atomic.Pointer[payload[V]]

	// load is an in-flight single-flight call, guarded by mu.
	load *loadCall[V]
	// busy mirrors load != nil for lock-free checks in eviction.
	busy atomic.Bool
	// episode is guarded by mu.
	episode failureEpisode

	// Timer fields are guarded by mu.
	timerSlot int
	timerAt   int64
	timerKind timerKind

	// Eviction fields are owned by eviction segment and guarded by its lock.
	prev, next *entry[K, V]
	linked     bool
	weight     int64
	seq        uint64
	referenced atomic.Bool
}

func newEntry[K comparable, V any](key K, hash uint64) *entry[K, V] {
	return &entry[K, V]{
		key:       key,
		hash:      hash,
		timerSlot: -1,
	}
}

func (e *entry[K, V]) getState() entryState {
	return entryState(e.state.Load())
}

// setState performs state transition, must be called with mu held.
func (e *entry[K, V]) setState(s entryState) {
	prev := e.getState()
	if prev == stateRemoved {
		panic(fmt.Sprintf("cache: illegal transition of removed entry %v to %s", e.key, s))
	}

	e.state.Store(int32(s))
}

// snapshot returns public view of entry data.
func (e *entry[K, V]) snapshot() Entry[K, V] {
	p := e.data.Load()
	res := Entry[K, V]{Key: e.key}

	if p == nil {
		return res
	}

	res.Exists = p.exists()
	res.Value = p.value
	res.ModifiedMillis = p.modifiedAt
	res.ExpiresMillis = p.expiresAt

	if p.err != nil {
		res.Err = p.err
	}

	return res
}

// isNil checks for nil values of nillable kinds.
func isNil(v interface{}) bool {
	if v == nil {
		return true
	}

	rv := reflect.ValueOf(v)

	switch rv.Kind() { //nolint:exhaustive // Other kinds are not nillable.
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}
