package usecase

import (
	"context"
	"sync"
	"time"
)

// Waiter is the scheduler's only suspension primitive.
type Waiter interface {
	Wait(ctx context.Context, d time.Duration) error
}

// Clock supplies timestamps for records and cooldown bookkeeping.
type Clock interface {
	Now() time.Time
}

type RealtimeWaiter struct{}

func (RealtimeWaiter) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ReplayClock never sleeps. Each Wait moves virtual time forward, so a replay
// over recorded prices keeps realistic timestamps and cooldown arithmetic.
type ReplayClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewReplayClock(start time.Time) *ReplayClock {
	return &ReplayClock{now: start}
}

func (c *ReplayClock) Wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d > 0 {
		c.mu.Lock()
		c.now = c.now.Add(d)
		c.mu.Unlock()
	}
	return nil
}

func (c *ReplayClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}
