package cache_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/bool64/ctxd"
	"github.com/bool64/stats"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cache "github.com/vearutop/heapcache"
)

func newCache[K comparable, V any](t *testing.T, cfg cache.Config[K, V]) *cache.Cache[K, V] {
	t.Helper()

	c, err := cache.New(cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, c.Close())
	})

	return c
}

type eventLog[K comparable, V any] struct {
	mu     sync.Mutex
	events []cache.Event[K, V]
}

func (l *eventLog[K, V]) OnEvent(_ context.Context, ev cache.Event[K, V]) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev.TimeMillis = 0
	l.events = append(l.events, ev)

	return nil
}

func (l *eventLog[K, V]) kinds() []cache.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()

	res := make([]cache.EventKind, 0, len(l.events))
	for _, ev := range l.events {
		res = append(res, ev.Kind)
	}

	return res
}

func TestCache_Put(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, cache.Config[string, int]{Name: "test"})

	_, err := c.Get(ctx, "key")
	assert.ErrorIs(t, err, cache.ErrNotFound)

	require.NoError(t, c.Put(ctx, "key", 123))

	v, err := c.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, 123, v)

	stored, err := c.PutIfAbsent(ctx, "key", 456)
	require.NoError(t, err)
	assert.False(t, stored)

	stored, err = c.PutIfAbsent(ctx, "other", 456)
	require.NoError(t, err)
	assert.True(t, stored)

	replaced, err := c.Replace(ctx, "key", 1, 2)
	require.NoError(t, err)
	assert.False(t, replaced)

	replaced, err = c.Replace(ctx, "key", 123, 124)
	require.NoError(t, err)
	assert.True(t, replaced)

	replaced, err = c.Replace(ctx, "missing", 0, 1)
	require.NoError(t, err)
	assert.False(t, replaced)

	v, err = c.Peek(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, 124, v)

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, "test", c.Name())
}

func TestCache_Remove(t *testing.T) {
	ctx := context.Background()
	events := &eventLog[string, int]{}

	c := newCache(t, cache.Config[string, int]{
		Listeners: []cache.Listener[string, int]{events},
	})

	require.NoError(t, c.Put(ctx, "key", 1))

	removed, err := c.Remove(ctx, "key")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = c.Remove(ctx, "key")
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = c.Remove(ctx, "never")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = c.Peek(ctx, "key")
	assert.ErrorIs(t, err, cache.ErrNotFound)

	assert.Equal(t, []cache.EventKind{cache.EventCreated, cache.EventRemoved}, events.kinds())
	assert.Equal(t, int64(1), c.Stats().Removes)
	assert.Equal(t, 0, c.Len())
}

func TestCache_Invoke(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, cache.Config[string, int]{})

	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := c.Invoke(ctx, "counter", func(e cache.MutableEntry[string, int]) error {
				e.SetValue(e.Value() + 1)

				return nil
			})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	v, err := c.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, 100, v)

	res, err := c.Invoke(ctx, "counter", func(e cache.MutableEntry[string, int]) error {
		assert.True(t, e.Exists())
		assert.Equal(t, "counter", e.Key())

		e.Remove()

		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, cache.InvokeResult{Existed: true, Exists: false}, res)

	_, err = c.Peek(ctx, "counter")
	assert.ErrorIs(t, err, cache.ErrNotFound)

	// Failed processor applies nothing.
	procErr := errors.New("failed")

	res, err = c.Invoke(ctx, "counter", func(e cache.MutableEntry[string, int]) error {
		e.SetValue(1)

		return procErr
	})
	assert.ErrorIs(t, err, procErr)
	assert.False(t, res.Exists)
	assert.Equal(t, 0, c.Len())

	// Read only processor does not create entry.
	res, err = c.Invoke(ctx, "missing", func(e cache.MutableEntry[string, int]) error {
		assert.False(t, e.Exists())

		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, cache.InvokeResult{}, res)
	assert.Equal(t, 0, c.Len())
}

func TestCache_asyncListeners(t *testing.T) {
	ctx := context.Background()
	events := &eventLog[string, int]{}

	c, err := cache.New(cache.Config[string, int]{
		AsyncListeners: []cache.Listener[string, int]{events},
	})
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, "key", 1))
	require.NoError(t, c.Put(ctx, "key", 2))
	require.NoError(t, c.Put(ctx, "key", 3))

	_, err = c.Remove(ctx, "key")
	require.NoError(t, err)

	require.NoError(t, c.Close())

	assert.Equal(t, []cache.Event[string, int]{
		{Kind: cache.EventCreated, Key: "key", Value: 1},
		{Kind: cache.EventUpdated, Key: "key", Value: 2, OldValue: 1},
		{Kind: cache.EventUpdated, Key: "key", Value: 3, OldValue: 2},
		{Kind: cache.EventRemoved, Key: "key", Value: 3},
	}, events.events)
}

func TestCache_listenerFailure(t *testing.T) {
	ctx := context.Background()
	logger := &ctxd.LoggerMock{}

	c := newCache(t, cache.Config[string, int]{
		Name:   "failing",
		Logger: logger,
		Listeners: []cache.Listener[string, int]{
			cache.ListenerFunc[string, int](func(_ context.Context, _ cache.Event[string, int]) error {
				return errors.New("listener failed")
			}),
			cache.ListenerFunc[string, int](func(_ context.Context, _ cache.Event[string, int]) error {
				panic("listener panicked")
			}),
		},
	})

	require.NoError(t, c.Put(ctx, "key", 1))

	v, err := c.Peek(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	assert.Contains(t, logger.String(), "cache listener failed")
	assert.Contains(t, logger.String(), "cache listener panicked")
}

func TestCache_Stats(t *testing.T) {
	ctx := context.Background()
	st := &stats.TrackerMock{}

	c := newCache(t, cache.Config[string, int]{
		Name:  "test",
		Stats: st,
	})

	require.NoError(t, c.Put(ctx, "key", 1))

	_, err := c.Get(ctx, "key")
	require.NoError(t, err)

	_, err = c.Get(ctx, "missing")
	assert.ErrorIs(t, err, cache.ErrNotFound)

	assert.Equal(t, map[string]float64{"cache_write": 1, "cache_hit": 1, "cache_miss": 1}, st.Values())

	s := c.Stats()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, int64(1), s.Puts)
	assert.Equal(t, int64(1), s.Size)
	assert.InDelta(t, 0.5, s.HitRate(), 1e-9)
}

func TestCache_Close(t *testing.T) {
	ctx := context.Background()

	c, err := cache.New(cache.Config[string, int]{})
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, "key", 1))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.Get(ctx, "key")
	assert.ErrorIs(t, err, cache.ErrClosed)

	_, err = c.Peek(ctx, "key")
	assert.ErrorIs(t, err, cache.ErrClosed)

	_, found := c.PeekEntry("key")
	assert.False(t, found)

	_, err = c.Remove(ctx, "key")
	assert.ErrorIs(t, err, cache.ErrClosed)

	_, err = c.Invoke(ctx, "key", func(_ cache.MutableEntry[string, int]) error { return nil })
	assert.ErrorIs(t, err, cache.ErrClosed)

	assert.Equal(t, 0, c.Len())
}

type recordingWriter struct {
	mu      sync.Mutex
	written map[string]int
	deleted []string
	err     error
}

func (w *recordingWriter) Write(_ context.Context, key string, value int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return w.err
	}

	if w.written == nil {
		w.written = map[string]int{}
	}

	w.written[key] = value

	return nil
}

func (w *recordingWriter) Delete(_ context.Context, key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return w.err
	}

	w.deleted = append(w.deleted, key)

	return nil
}

func TestCache_Writer(t *testing.T) {
	ctx := context.Background()
	w := &recordingWriter{}

	c := newCache(t, cache.Config[string, int]{Writer: w})

	require.NoError(t, c.Put(ctx, "a", 1))
	require.NoError(t, c.Put(ctx, "b", 2))

	_, err := c.Remove(ctx, "a")
	require.NoError(t, err)

	_, err = c.Remove(ctx, "missing")
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"a": 1, "b": 2}, w.written)
	assert.Equal(t, []string{"a", "missing"}, w.deleted)

	w.err = errors.New("storage unavailable")

	err = c.Put(ctx, "b", 3)
	assert.ErrorIs(t, err, w.err)

	removed, err := c.Remove(ctx, "b")
	assert.ErrorIs(t, err, w.err)
	assert.False(t, removed)

	// Failed write leaves cache unchanged.
	v, err := c.Peek(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	err = c.Put(ctx, "c", 3)
	assert.ErrorIs(t, err, w.err)
	assert.Equal(t, 1, c.Len())
}

func TestCache_iteration(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, cache.Config[int, string]{})

	for i := 0; i < 10; i++ {
		require.NoError(t, c.Put(ctx, i, "v"))
	}

	var keys []int

	for k, v := range c.All() {
		assert.Equal(t, "v", v)

		keys = append(keys, k)
	}

	sort.Ints(keys)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, keys)

	n, err := c.Walk(func(e cache.Entry[int, string]) error {
		assert.True(t, e.Exists)

		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	stop := errors.New("stop")

	n, err = c.Walk(func(_ cache.Entry[int, string]) error {
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 0, n)

	cnt := 0

	for range c.All() {
		cnt++

		if cnt == 3 {
			break
		}
	}

	assert.Equal(t, 3, cnt)
}

func TestCache_ExpireAll(t *testing.T) {
	ctx := context.Background()

	c := newCache(t, cache.Config[string, int]{
		ExpireAfterWrite:     time.Hour,
		KeepDataAfterExpired: true,
	})

	require.NoError(t, c.Put(ctx, "key", 1))

	c.ExpireAll(ctx)

	_, err := c.Peek(ctx, "key")
	assert.ErrorIs(t, err, cache.ErrNotFound)

	v, err := c.PeekStale(ctx, "key")
	assert.ErrorIs(t, err, cache.ErrExpired)
	assert.Equal(t, 1, v)

	c.RemoveAll(ctx)

	_, err = c.PeekStale(ctx, "key")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestBreakerLoader(t *testing.T) {
	ctx := context.Background()
	upstreamErr := errors.New("upstream failed")

	var calls int

	loader := cache.BreakerLoader[string, int](cache.BreakerConfig{
		Name:                "upstream",
		ConsecutiveFailures: 2,
		Timeout:             time.Hour,
	}, func(_ context.Context, _ string) (int, error) {
		calls++

		return 0, upstreamErr
	})

	_, err := loader(ctx, "a")
	assert.ErrorIs(t, err, upstreamErr)

	_, err = loader(ctx, "b")
	assert.ErrorIs(t, err, upstreamErr)

	_, err = loader(ctx, "c")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, calls)

	c := newCache(t, cache.Config[string, int]{
		Loader:                      loader,
		DisableExceptionSuppression: true,
	})

	_, err = c.Get(ctx, "d")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.ErrorIs(t, err, cache.ErrLoadFailed)
	assert.Equal(t, 2, calls)
}

func TestBreakerLoader_success(t *testing.T) {
	loader := cache.BreakerLoader[string, int](cache.BreakerConfig{}, func(_ context.Context, key string) (int, error) {
		return len(key), nil
	})

	c := newCache(t, cache.Config[string, int]{Loader: loader})

	v, err := c.Get(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}
