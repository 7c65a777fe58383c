package agent

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket for throttling generation calls.
type RateLimiter struct {
	mu       sync.Mutex
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastTime time.Time
}

func NewRateLimiter(maxBurst int, ratePerMinute float64) *RateLimiter {
	if maxBurst <= 0 {
		maxBurst = 10
	}
	if ratePerMinute <= 0 {
		ratePerMinute = 30
	}
	return &RateLimiter{
		tokens:   float64(maxBurst),
		max:      float64(maxBurst),
		rate:     ratePerMinute / 60.0,
		lastTime: time.Now(),
	}
}

func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(rl.lastTime).Seconds()
		rl.tokens += elapsed * rl.rate
		if rl.tokens > rl.max {
			rl.tokens = rl.max
		}
		rl.lastTime = now

		if rl.tokens >= 1.0 {
			rl.tokens -= 1.0
			rl.mu.Unlock()
			return nil
		}

		waitSec := (1.0 - rl.tokens) / rl.rate
		rl.mu.Unlock()

		timer := time.NewTimer(time.Duration(waitSec * float64(time.Second)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// accountLimiters keeps one bucket per channel account so a noisy chat
// cannot starve the others.
type accountLimiters struct {
	mu        sync.Mutex
	burst     int
	perMinute float64
	buckets   map[string]*RateLimiter
}

func newAccountLimiters(burst int, perMinute float64) *accountLimiters {
	return &accountLimiters{burst: burst, perMinute: perMinute, buckets: make(map[string]*RateLimiter)}
}

func (a *accountLimiters) Wait(ctx context.Context, accountID string) error {
	a.mu.Lock()
	rl, ok := a.buckets[accountID]
	if !ok {
		rl = NewRateLimiter(a.burst, a.perMinute)
		a.buckets[accountID] = rl
	}
	a.mu.Unlock()
	return rl.Wait(ctx)
}
