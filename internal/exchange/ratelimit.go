// ratelimit.go implements token-bucket rate limiting for the Upbit REST API.
//
// Upbit enforces per-group request limits. Each group gets a smooth token
// bucket that refills continuously (rather than in whole-second bursts) so a
// steady caller never trips the hard limit.
//
// Five buckets are maintained:
//   - Default: 10 burst / 10 per sec - order status and other private reads
//   - Order:    8 burst /  8 per sec - order submissions
//   - Cancel:   8 burst /  8 per sec - order cancellations
//   - Account: 30 burst / 30 per sec - balance queries
//   - Market: 100 burst / 100 per sec - public market data
package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// acquireTimeout bounds how long a blocking Acquire may wait before giving up.
const acquireTimeout = 30 * time.Second

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Acquire() until enough tokens are available, the timeout
// elapses, or the context is cancelled.
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

// refill advances the bucket to now. Caller must hold mu.
func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastTime).Seconds()
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastTime = now
}

// TryAcquire takes n tokens if they are immediately available.
func (tb *TokenBucket) TryAcquire(n float64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}
	return false
}

// Acquire blocks until n tokens are available, the 30s acquire timeout
// elapses, or ctx is cancelled.
func (tb *TokenBucket) Acquire(ctx context.Context, n float64) error {
	deadline := time.Now().Add(acquireTimeout)
	for {
		tb.mu.Lock()
		tb.refill()
		if tb.tokens >= n {
			tb.tokens -= n
			tb.mu.Unlock()
			return nil
		}

		// Time until the shortfall refills.
		wait := time.Duration((n - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("rate limit: timed out waiting for %.0f tokens", n)
		}
		if wait > remaining {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// Wait blocks until a single token is available. Shorthand for Acquire(ctx, 1).
func (tb *TokenBucket) Wait(ctx context.Context) error {
	return tb.Acquire(ctx, 1)
}

// RateLimiter groups token buckets by Upbit API endpoint group. Every call
// through the REST client must pass the appropriate bucket before the HTTP
// request goes out.
type RateLimiter struct {
	Default *TokenBucket // order status, misc private reads
	Order   *TokenBucket // POST /orders
	Cancel  *TokenBucket // DELETE /order
	Account *TokenBucket // GET /accounts
	Market  *TokenBucket // GET /market/all, /ticker, /candles
}

// NewRateLimiter creates rate limiters tuned to Upbit's published limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Default: NewTokenBucket(10, 10),
		Order:   NewTokenBucket(8, 8),
		Cancel:  NewTokenBucket(8, 8),
		Account: NewTokenBucket(30, 30),
		Market:  NewTokenBucket(100, 100),
	}
}
