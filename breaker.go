package cache

import (
	"context"
	"time"

	"github.com/bool64/ctxd"
	"github.com/sony/gobreaker"
)

// BreakerConfig controls circuit breaker of a loader.
type BreakerConfig struct {
	// Name is added to logs.
	Name string

	// MaxRequests is a number of trial loads in half-open state, default 1.
	MaxRequests uint32

	// Interval is a period of clearing failure counts in closed state, zero never clears.
	Interval time.Duration

	// Timeout is a duration of open state before trial loads, default 60s.
	Timeout time.Duration

	// ConsecutiveFailures opens the breaker, default 5.
	ConsecutiveFailures uint32

	// Logger receives state changes, can be nil.
	Logger ctxd.Logger
}

// BreakerLoader wraps loader with a circuit breaker.
//
// While breaker is open, loads fail immediately with gobreaker.ErrOpenState without calling
// the upstream, such failures are handled by resilience policy as any other load failure.
func BreakerLoader[K comparable, V any](cfg BreakerConfig, loader Loader[K, V]) Loader[K, V] {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}

	logger := cfg.Logger
	if logger == nil {
		logger = ctxd.NoOpLogger{}
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn(context.Background(), "loader circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return func(ctx context.Context, key K) (V, error) {
		res, err := cb.Execute(func() (interface{}, error) {
			return loader(ctx, key)
		})
		if err != nil {
			var zero V

			return zero, err
		}

		v, _ := res.(V)

		return v, nil
	}
}
