// Package ratelimit spaces outgoing requests in time.
package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/fetchengine/internal/metrics"
)

// DefaultInterval is the pause inserted before every request but the first.
const DefaultInterval = time.Second

// Interval enforces a fixed delay before each request after the first one.
// Concurrent callers each sleep independently; there is no shared queue.
type Interval struct {
	delay  time.Duration
	count  atomic.Int64
	pauser Pauser
}

// NewInterval returns a limiter that waits delay between requests.
// A non-positive delay disables waiting but still counts requests.
func NewInterval(delay time.Duration) *Interval {
	return &Interval{delay: delay, pauser: TimerPauser{}}
}

// WithPauser swaps the waiting strategy, mainly for tests.
func (i *Interval) WithPauser(p Pauser) *Interval {
	if p != nil {
		i.pauser = p
	}
	return i
}

// Acquire records a request and waits the interval unless it is the first.
func (i *Interval) Acquire(ctx context.Context) error {
	prior := i.count.Add(1) - 1
	if prior == 0 || i.delay <= 0 {
		return nil
	}
	start := time.Now()
	if err := i.pauser.Pause(ctx, i.delay); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	metrics.ObserveRateLimitDelay("global", time.Since(start))
	return nil
}

// Count returns the number of requests acquired so far.
func (i *Interval) Count() int64 {
	return i.count.Load()
}

// Delay returns the configured interval.
func (i *Interval) Delay() time.Duration {
	return i.delay
}
