package logging

import (
	"sync/atomic"
	"time"
)

// Throttle admits at most one event per interval and counts the ones it
// suppresses. It is safe for concurrent use and never blocks, so it can
// guard log calls on hot paths.
type Throttle struct {
	interval   time.Duration
	next       atomic.Int64
	suppressed atomic.Uint64
}

// NewThrottle returns a throttle that admits one event per interval.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{interval: interval}
}

// Allow reports whether an event at now may be logged. When it may, it
// also returns how many events were suppressed since the last admitted
// one.
func (t *Throttle) Allow(now time.Time) (bool, uint64) {
	ts := now.UnixNano()
	next := t.next.Load()
	if ts < next || !t.next.CompareAndSwap(next, ts+int64(t.interval)) {
		t.suppressed.Add(1)
		return false, 0
	}
	return true, t.suppressed.Swap(0)
}
