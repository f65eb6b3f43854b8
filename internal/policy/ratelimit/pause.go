package ratelimit

import (
	"context"
	"time"
)

// Pauser abstracts how callers wait before the next attempt.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration) error
}

// TimerPauser waits on a timer and returns early when ctx is done.
type TimerPauser struct{}

// Pause blocks for delay or until ctx is cancelled, whichever is first.
func (TimerPauser) Pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
