package gateway

import (
	"context"
	"sync"
	"time"
)

// rateLimiter spaces direct requests by a minimum interval so a fanout burst
// doesn't hammer the origin straight into rate-limit territory.
type rateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

func newRateLimiter(interval time.Duration) *rateLimiter {
	return &rateLimiter{interval: interval}
}

// wait blocks until the interval since the previous release has elapsed or
// the context is cancelled. A nil or zero-interval limiter never blocks.
func (rl *rateLimiter) wait(ctx context.Context) error {
	if rl == nil || rl.interval <= 0 {
		return nil
	}

	rl.mu.Lock()
	now := time.Now()
	next := rl.last.Add(rl.interval)
	if next.Before(now) {
		next = now
	}
	rl.last = next
	rl.mu.Unlock()

	delay := time.Until(next)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
