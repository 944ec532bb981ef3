package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket refills at a constant rate and allows bursts up to capacity.
type TokenBucket struct {
	capacity   float64 // burst size
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time
	mu         sync.Mutex
}

// NewTokenBucket returns a full bucket. capacity=5, refillRate=0.1 allows
// five requests at once and then one every ten seconds.
func NewTokenBucket(capacity, refillRate float64, now time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		lastRefill: now,
	}
}

// Take consumes one token if available and reports what is left.
func (tb *TokenBucket) Take(now time.Time) (bool, float64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	if tb.tokens >= 1 {
		tb.tokens--
		return true, tb.tokens
	}
	return false, tb.tokens
}

// Remaining returns the tokens available at now.
func (tb *TokenBucket) Remaining(now time.Time) float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	return tb.tokens
}

// Reset refills the bucket to capacity.
func (tb *TokenBucket) Reset(now time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.tokens = tb.capacity
	tb.lastRefill = now
}

// refill must be called with the lock held.
func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now
}

// WaitTime is how long until one token is available given remaining tokens.
func WaitTime(remaining, refillRate float64) time.Duration {
	if remaining >= 1 || refillRate <= 0 {
		return 0
	}
	return time.Duration((1 - remaining) / refillRate * float64(time.Second))
}
