// Package ratelimit throttles repetitive log lines while keeping an exact
// count of the events behind them.
package ratelimit

import (
	"sync/atomic"
	"time"
)

// Counter counts events and allows a log line at most once per interval.
// It is safe for concurrent use.
type Counter struct {
	interval time.Duration
	now      func() time.Time
	lastLog  atomic.Int64
	total    atomic.Uint64
	sinceLog atomic.Uint64
}

// NewCounter returns a Counter. A non-positive interval allows every line.
func NewCounter(interval time.Duration) *Counter {
	return &Counter{interval: interval, now: time.Now}
}

// Inc records one event. It returns the running total, the number of events
// since the last allowed line (this one included) and whether a line may be
// logged now.
func (c *Counter) Inc() (total, pending uint64, ok bool) {
	if c == nil {
		return 0, 0, false
	}
	total = c.total.Add(1)
	pending = c.sinceLog.Add(1)
	if c.interval > 0 {
		now := c.now().UnixNano()
		last := c.lastLog.Load()
		if last != 0 && now-last < c.interval.Nanoseconds() {
			return total, pending, false
		}
		if !c.lastLog.CompareAndSwap(last, now) {
			return total, pending, false
		}
	}
	c.sinceLog.Add(^(pending - 1))
	return total, pending, true
}

// Total returns the number of recorded events.
func (c *Counter) Total() uint64 {
	if c == nil {
		return 0
	}
	return c.total.Load()
}
