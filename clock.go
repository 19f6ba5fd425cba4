package cache

import (
	"math"
	"time"
)

// Eternal is the expiry time of entries that never expire.
const Eternal = int64(math.MaxInt64)

// Clock is a monotonic millisecond time source, all expiry and retry math is relative to it.
type Clock interface {
	Millis() int64
}

// realClock counts monotonic time from its creation, offset by the wall clock of that moment.
type realClock struct {
	start       time.Time
	startMillis int64
}

func newRealClock() *realClock {
	now := time.Now()

	return &realClock{start: now, startMillis: now.UnixMilli()}
}

func (c *realClock) Millis() int64 {
	return c.startMillis + time.Since(c.start).Milliseconds()
}

// addMillis adds duration to clock time saturating at Eternal.
func addMillis(now int64, d time.Duration) int64 {
	ms := d.Milliseconds()
	if d > 0 && ms == 0 {
		ms = 1
	}

	if ms >= Eternal-now {
		return Eternal
	}

	return now + ms
}
