// ratelimit.go implements token-bucket rate limiting for the venue API.
//
// The venue weights requests per address per rolling window. This file
// provides a smooth token-bucket implementation that refills continuously
// (rather than in window-sized bursts) to stay under hard limits.
//
// Three buckets are maintained:
//   - Info:     100 burst / 10 per sec — read-only info queries
//   - Order:    60 burst / 6 per sec   — order placement
//   - Cancel:   60 burst / 10 per sec  — cancels and leverage updates
package venue

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by venue endpoint category. Each
// operation must call the appropriate bucket's Wait() before making the
// HTTP request.
type RateLimiter struct {
	Info   *TokenBucket // POST /info — markets, user state, positions, orders
	Order  *TokenBucket // POST /exchange order actions
	Cancel *TokenBucket // POST /exchange cancel + leverage actions
}

// NewRateLimiter creates rate limiters tuned to the venue's published
// weights, with capacities at the burst allowance and smooth refill rates.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Info:   NewTokenBucket(100, 10),
		Order:  NewTokenBucket(60, 6),
		Cancel: NewTokenBucket(60, 10),
	}
}
