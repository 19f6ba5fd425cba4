package cache

import (
	"time"
)

// LoadExceptionInfo describes a loader failure.
type LoadExceptionInfo[K comparable] struct {
	Key K
	Err error

	// Attempt is a number of consecutive failures including this one.
	Attempt int

	// NowMillis is clock time of the failure.
	NowMillis int64

	// SinceMillis is clock time of the first failure in the episode.
	SinceMillis int64

	// HasValue is true when entry holds a good value that can be served instead of the error.
	HasValue bool

	// ModifiedMillis is clock time the good value was loaded or written, zero without HasValue.
	ModifiedMillis int64
}

// ResilienceDecision is the outcome of a load failure.
type ResilienceDecision struct {
	// RetryAfter is a delay before next load attempt, entry is served from cache until then.
	RetryAfter time.Duration

	// Suppress serves previous value instead of the error.
	Suppress bool
}

// ResiliencePolicy decides on suppression and retry of failed loads.
type ResiliencePolicy[K comparable] interface {
	OnLoadException(info LoadExceptionInfo[K]) ResilienceDecision
}

// ResilienceConfig controls default resilience policy.
type ResilienceConfig struct {
	// RetryInterval is a delay after the first failure, it doubles with every next failure.
	RetryInterval time.Duration

	// MaxRetryInterval caps the delay.
	MaxRetryInterval time.Duration

	// ResilienceDuration is a maximum age of the last good value, measured from its load or write,
	// while errors are suppressed.
	ResilienceDuration time.Duration

	// SuppressExceptions enables serving of previous value on failure.
	SuppressExceptions bool
}

// NewResiliencePolicy creates default exponential backoff resilience policy.
func NewResiliencePolicy[K comparable](cfg ResilienceConfig) ResiliencePolicy[K] {
	if cfg.MaxRetryInterval < cfg.RetryInterval {
		cfg.MaxRetryInterval = cfg.RetryInterval
	}

	return backoffPolicy[K]{cfg: cfg}
}

type backoffPolicy[K comparable] struct {
	cfg ResilienceConfig
}

func (p backoffPolicy[K]) OnLoadException(info LoadExceptionInfo[K]) ResilienceDecision {
	delay := p.backoff(info.Attempt)

	if !p.cfg.SuppressExceptions || !info.HasValue {
		return ResilienceDecision{RetryAfter: delay}
	}

	windowEnd := info.ModifiedMillis + p.cfg.ResilienceDuration.Milliseconds()
	if info.NowMillis >= windowEnd {
		return ResilienceDecision{RetryAfter: p.cfg.MaxRetryInterval}
	}

	if left := time.Duration(windowEnd-info.NowMillis) * time.Millisecond; delay > left {
		delay = left
	}

	return ResilienceDecision{RetryAfter: delay, Suppress: true}
}

func (p backoffPolicy[K]) backoff(attempt int) time.Duration {
	delay := p.cfg.RetryInterval

	for i := 1; i < attempt; i++ {
		delay *= 2

		if delay >= p.cfg.MaxRetryInterval || delay <= 0 {
			return p.cfg.MaxRetryInterval
		}
	}

	if delay > p.cfg.MaxRetryInterval {
		delay = p.cfg.MaxRetryInterval
	}

	return delay
}
