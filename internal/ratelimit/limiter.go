// Package ratelimit throttles expensive requests with per-key token buckets:
// explanation requests per account, account creation per client address.
package ratelimit

import (
	"context"
	"log"
	"time"
)

// Store holds bucket state. MemoryStore is the only implementation.
type Store interface {
	Allow(ctx context.Context, key string, capacity, refillRate float64) (allowed bool, remaining float64, err error)
	Remaining(ctx context.Context, key string, capacity, refillRate float64) (float64, error)
	Reset(ctx context.Context, key string) error
	Close() error
}

// Rule is a sustained rate plus a burst allowance.
type Rule struct {
	PerMinute float64
	Burst     float64
}

func (r Rule) refillPerSecond() float64 { return r.PerMinute / 60 }

// Decision is the result of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      float64
	Remaining  float64
	RetryAfter time.Duration
}

// Limiter applies one Rule to any number of keys.
type Limiter struct {
	scope  string
	rule   Rule
	store  Store
	logger *log.Logger
}

// Config wires a Limiter. Store defaults to a new MemoryStore.
type Config struct {
	Scope  string
	Rule   Rule
	Store  Store
	Logger *log.Logger
}

// NewLimiter returns nil when the rule allows no sustained rate, which
// callers treat as "no limit".
func NewLimiter(cfg Config) *Limiter {
	if cfg.Rule.PerMinute <= 0 {
		return nil
	}
	if cfg.Rule.Burst < 1 {
		cfg.Rule.Burst = 1
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	return &Limiter{scope: cfg.Scope, rule: cfg.Rule, store: store, logger: cfg.Logger}
}

// Scope names what the limiter protects, e.g. "explain".
func (l *Limiter) Scope() string { return l.scope }

// Allow consumes one token for key. Store errors fail open; an empty key is
// never limited.
func (l *Limiter) Allow(ctx context.Context, key string) Decision {
	d := Decision{Allowed: true, Limit: l.rule.Burst, Remaining: l.rule.Burst}
	if key == "" {
		return d
	}
	allowed, remaining, err := l.store.Allow(ctx, key, l.rule.Burst, l.rule.refillPerSecond())
	if err != nil {
		if l.logger != nil {
			l.logger.Printf("ratelimit %s: store error, allowing: %v", l.scope, err)
		}
		return d
	}
	d.Allowed = allowed
	d.Remaining = remaining
	if !allowed {
		d.RetryAfter = WaitTime(remaining, l.rule.refillPerSecond())
	}
	return d
}

// Reset refills key's bucket.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Reset(ctx, key)
}

func (l *Limiter) Close() error {
	if l == nil {
		return nil
	}
	return l.store.Close()
}
