package cache

import (
	"context"
	"time"
)

type (
	skipReadCtxKey struct{}
	ttlCtxKey      struct{}
)

// WithTTL returns context with time to live for the value written with Put or Invoke.
//
// DefaultTTL falls back to configured expiry, SkipWriteTTL discards the write.
func WithTTL(ctx context.Context, ttl time.Duration) context.Context {
	return context.WithValue(ctx, ttlCtxKey{}, ttl)
}

// TTL returns ttl from context and whether it was set.
func TTL(ctx context.Context) (time.Duration, bool) {
	ttl, ok := ctx.Value(ttlCtxKey{}).(time.Duration)

	return ttl, ok
}

// WithSkipRead returns context with cache read ignored.
//
// With such context Get discards cached value and loads a new one.
func WithSkipRead(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipReadCtxKey{}, true)
}

// SkipRead returns true if cache read is ignored in context.
func SkipRead(ctx context.Context) bool {
	_, ok := ctx.Value(skipReadCtxKey{}).(bool)

	return ok
}

// detachedContext keeps values of parent context but drops its deadline and cancellation,
// loads outlive the caller that initiated them.
type detachedContext struct {
	ctx context.Context //nolint:containedctx
}

func (dctx detachedContext) Deadline() (deadline time.Time, ok bool) {
	return time.Time{}, false
}

func (dctx detachedContext) Done() <-chan struct{} {
	return nil
}

func (dctx detachedContext) Err() error {
	return nil
}

func (dctx detachedContext) Value(key interface{}) interface{} {
	return dctx.ctx.Value(key)
}
