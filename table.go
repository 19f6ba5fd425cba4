package cache

import (
	"encoding/binary"
	"hash/maphash"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

type bucket[K comparable, V any] struct {
	sync.RWMutex
	data map[K]*entry[K, V]
}

// entryTable is a concurrent map of keys to entries split in independently locked buckets.
//
// Each bucket map grows on its own, so rehashing a bucket never blocks other buckets.
type entryTable[K comparable, V any] struct {
	buckets []bucket[K, V]
	mask    uint64
	hasher  func(K) uint64
	size    atomic.Int64
}

func newEntryTable[K comparable, V any](shards int, hasher func(K) uint64) *entryTable[K, V] {
	n := nextPowerOfTwo(shards)

	t := &entryTable[K, V]{
		buckets: make([]bucket[K, V], n),
		mask:    uint64(n - 1),
		hasher:  hasher,
	}

	if t.hasher == nil {
		t.hasher = defaultHasher[K]()
	}

	for i := range t.buckets {
		t.buckets[i].data = make(map[K]*entry[K, V])
	}

	return t
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}

	return 1 << bits.Len(uint(n-1))
}

// defaultHasher hashes strings and integers with xxhash and other comparable keys with maphash.
func defaultHasher[K comparable]() func(K) uint64 {
	seed := maphash.MakeSeed()

	return func(key K) uint64 {
		switch k := any(key).(type) {
		case string:
			return xxhash.Sum64String(k)
		case int:
			return hashUint64(uint64(k))
		case int64:
			return hashUint64(uint64(k))
		case int32:
			return hashUint64(uint64(k))
		case uint:
			return hashUint64(uint64(k))
		case uint64:
			return hashUint64(k)
		case uint32:
			return hashUint64(uint64(k))
		default:
			return maphash.Comparable(seed, key)
		}
	}
}

func hashUint64(v uint64) uint64 {
	var b [8]byte

	binary.LittleEndian.PutUint64(b[:], v)

	return xxhash.Sum64(b[:])
}

func (t *entryTable[K, V]) bucket(h uint64) *bucket[K, V] {
	return &t.buckets[h&t.mask]
}

// lookup returns entry of a key or nil.
func (t *entryTable[K, V]) lookup(key K) *entry[K, V] {
	b := t.bucket(t.hasher(key))

	b.RLock()
	e := b.data[key]
	b.RUnlock()

	return e
}

// lookupOrInsertEmpty returns existing entry or atomically installs a new empty one.
func (t *entryTable[K, V]) lookupOrInsertEmpty(key K) (*entry[K, V], bool) {
	h := t.hasher(key)
	b := t.bucket(h)

	b.RLock()
	e := b.data[key]
	b.RUnlock()

	if e != nil {
		return e, false
	}

	b.Lock()
	defer b.Unlock()

	if e = b.data[key]; e != nil {
		return e, false
	}

	e = newEntry[K, V](key, h)
	b.data[key] = e
	t.size.Add(1)

	return e, true
}

// remove deletes entry if the table still maps its key to it.
//
// Removal uses the hash stored at insertion, mutated is true if key hash has changed since then.
func (t *entryTable[K, V]) remove(e *entry[K, V]) (removed bool, mutated bool) {
	b := t.bucket(e.hash)

	b.Lock()
	if cur, ok := b.data[e.key]; ok && cur == e {
		delete(b.data, e.key)
		t.size.Add(-1)

		removed = true
	}
	b.Unlock()

	return removed, t.hasher(e.key) != e.hash
}

// snapshot copies entries of a bucket, the copy is iterated outside of the lock.
func (t *entryTable[K, V]) snapshot(i int, buf []*entry[K, V]) []*entry[K, V] {
	b := &t.buckets[i]

	b.RLock()
	for _, e := range b.data {
		buf = append(buf, e)
	}
	b.RUnlock()

	return buf
}

// forEach calls fn for entries bucket by bucket until fn returns false.
//
// Iteration is weakly consistent: entries added or removed concurrently may or may not be visited.
func (t *entryTable[K, V]) forEach(fn func(e *entry[K, V]) bool) {
	var buf []*entry[K, V]

	for i := range t.buckets {
		buf = t.snapshot(i, buf[:0])

		for _, e := range buf {
			if !fn(e) {
				return
			}
		}
	}
}

// drain detaches all entries from the table.
func (t *entryTable[K, V]) drain() []*entry[K, V] {
	var res []*entry[K, V]

	for i := range t.buckets {
		b := &t.buckets[i]

		b.Lock()
		for _, e := range b.data {
			res = append(res, e)
		}

		t.size.Add(-int64(len(b.data)))
		b.data = make(map[K]*entry[K, V])
		b.Unlock()
	}

	return res
}

func (t *entryTable[K, V]) len() int {
	return int(t.size.Load())
}
