package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scheduleLocked(w *timerWheel[string, int], e *entry[string, int], at int64, kind timerKind) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w.schedule(e, at, kind)
}

func TestTimerWheel_pollDue(t *testing.T) {
	w := newTimerWheel[string, int](10*time.Millisecond, 0)
	e := newEntry[string, int]("a", 1)

	scheduleLocked(w, e, 25, timerExpire)
	assert.Equal(t, 1, w.pending())

	assert.Empty(t, w.pollDue(20))

	due := w.pollDue(30)
	require.Len(t, due, 1)
	assert.Equal(t, e, due[0].e)
	assert.Equal(t, int64(25), due[0].at)
	assert.Equal(t, timerExpire, e.timerKind)
	assert.Equal(t, 0, w.pending())
}

func TestTimerWheel_schedule_replaces(t *testing.T) {
	w := newTimerWheel[string, int](10*time.Millisecond, 0)
	e := newEntry[string, int]("a", 1)

	scheduleLocked(w, e, 25, timerRefresh)
	scheduleLocked(w, e, 500, timerExpire)

	assert.Equal(t, 1, w.pending())
	assert.Empty(t, w.pollDue(30))
	assert.Equal(t, timerExpire, e.timerKind)

	e.mu.Lock()
	w.cancel(e)
	e.mu.Unlock()

	assert.Equal(t, 0, w.pending())
	assert.Equal(t, -1, e.timerSlot)

	scheduleLocked(w, e, Eternal, timerExpire)
	assert.Equal(t, 0, w.pending())
}

func TestTimerWheel_farDeadline(t *testing.T) {
	w := newTimerWheel[string, int](10*time.Millisecond, 0)
	e := newEntry[string, int]("a", 1)

	// More than a wheel rotation ahead.
	scheduleLocked(w, e, 6000, timerExpire)

	assert.Empty(t, w.pollDue(1000))
	assert.Equal(t, 1, w.pending())

	due := w.pollDue(6000)
	require.Len(t, due, 1)
	assert.Equal(t, int64(6000), due[0].at)
}

func TestTimerWheel_pastDeadline(t *testing.T) {
	w := newTimerWheel[string, int](10*time.Millisecond, 1000)
	e := newEntry[string, int]("a", 1)

	scheduleLocked(w, e, 500, timerExpire)

	due := w.pollDue(1000)
	require.Len(t, due, 1)
	assert.Equal(t, int64(500), due[0].at)
}

func TestTimerWheel_clear(t *testing.T) {
	w := newTimerWheel[string, int](10*time.Millisecond, 0)

	for i, k := range []string{"a", "b", "c"} {
		scheduleLocked(w, newEntry[string, int](k, uint64(i)), int64(100*(i+1)), timerExpire)
	}

	assert.Equal(t, 3, w.pending())

	w.clear()

	assert.Equal(t, 0, w.pending())
	assert.Empty(t, w.pollDue(1000))
}
