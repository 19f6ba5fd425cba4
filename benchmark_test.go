package cache_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	bcache "github.com/bool64/cache"
	pca "github.com/patrickmn/go-cache"
	cache "github.com/vearutop/heapcache"
)

func Benchmark_Cache(b *testing.B) {
	c, err := cache.New(cache.Config[string, int]{EntryCapacity: 20000})
	if err != nil {
		b.Fatal(err)
	}

	defer c.Close() //nolint:errcheck

	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		k := "oneone" + strconv.Itoa(i%10000)
		// nolint
		if i < 10000 {
			_ = c.Put(ctx, k, 123)
		}
		// nolint
		_, _ = c.Get(ctx, k)
	}
}

func Benchmark_CacheLoader(b *testing.B) {
	c, err := cache.New(cache.Config[string, int]{
		EntryCapacity:    20000,
		ExpireAfterWrite: time.Minute,
		Loader: func(_ context.Context, _ string) (int, error) {
			return 123, nil
		},
	})
	if err != nil {
		b.Fatal(err)
	}

	defer c.Close() //nolint:errcheck

	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		k := "oneone" + strconv.Itoa(i%10000)
		// nolint
		_, _ = c.Get(ctx, k)
	}
}

func Benchmark_CacheAlwaysLoad(b *testing.B) {
	c, err := cache.New(cache.Config[string, int]{
		EntryCapacity: 10000,
		Loader: func(_ context.Context, _ string) (int, error) {
			return 123, nil
		},
	})
	if err != nil {
		b.Fatal(err)
	}

	defer c.Close() //nolint:errcheck

	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		k := "oneone" + strconv.Itoa(i)
		// nolint
		_, _ = c.Get(ctx, k)
	}
}

func Benchmark_Failover(b *testing.B) {
	c := bcache.NewFailover(func(cfg *bcache.FailoverConfig) { cfg.Backend = bcache.NewShardedMap() })
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		k := "oneone" + strconv.Itoa(i%10000)
		// nolint
		_, _ = c.Get(ctx, []byte(k), func(ctx context.Context) (interface{}, error) {
			return 123, nil
		})
	}
}

func Benchmark_Patrickmn(b *testing.B) {
	c := pca.New(5*time.Minute, 10*time.Minute)

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		k := "oneone" + strconv.Itoa(i%10000)

		if i < 10000 {
			c.Set(k, 123, time.Minute)
		}

		_, _ = c.Get(k)
	}
}
