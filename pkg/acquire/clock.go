package acquire

import (
	"context"
	"sync/atomic"
	"time"
)

// Clock produces ticks at a fixed interval. Ticks the runtime could not
// deliver on time are counted, never replayed.
type Clock struct {
	interval time.Duration
	missed   atomic.Uint64
	ticks    atomic.Uint64
}

// NewClock returns a clock ticking every interval.
func NewClock(interval time.Duration) *Clock {
	return &Clock{interval: interval}
}

// Interval returns the tick interval.
func (c *Clock) Interval() time.Duration { return c.interval }

// Missed returns the number of ticks that were skipped.
func (c *Clock) Missed() uint64 { return c.missed.Load() }

// Ticks returns the number of ticks delivered.
func (c *Clock) Ticks() uint64 { return c.ticks.Load() }

// Run calls fn on every tick until ctx is done.
func (c *Clock) Run(ctx context.Context, fn func(now time.Time)) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.observe(last, now)
			last = now
			c.ticks.Add(1)
			fn(now)
		}
	}
}

// observe counts the ticks lost between last and now.
func (c *Clock) observe(last, now time.Time) {
	if last.IsZero() {
		return
	}
	gap := now.Sub(last)
	if gap > 2*c.interval {
		c.missed.Add(uint64(gap/c.interval) - 1)
	}
}
