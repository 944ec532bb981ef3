package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, rule Rule) (*Limiter, *MemoryStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := NewMemoryStoreWithCleanup(0, clock.Now)
	l := NewLimiter(Config{Scope: "explain", Rule: rule, Store: store})
	t.Cleanup(func() { _ = l.Close() })
	return l, store, clock
}

func TestNewLimiterDisabled(t *testing.T) {
	if l := NewLimiter(Config{Rule: Rule{PerMinute: 0, Burst: 10}}); l != nil {
		t.Fatalf("zero rate should disable the limiter")
	}
	var l *Limiter
	if err := l.Close(); err != nil {
		t.Fatalf("nil Close: %v", err)
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l, _, clock := newTestLimiter(t, Rule{PerMinute: 6, Burst: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if d := l.Allow(ctx, "account:1"); !d.Allowed {
			t.Fatalf("burst request %d denied", i)
		}
	}
	d := l.Allow(ctx, "account:1")
	if d.Allowed {
		t.Fatalf("third request should be limited")
	}
	if d.RetryAfter != 10*time.Second {
		t.Fatalf("retry after = %v, want 10s at 6/min", d.RetryAfter)
	}
	if d := l.Allow(ctx, "account:2"); !d.Allowed {
		t.Fatalf("other account must not share the bucket")
	}
	if d := l.Allow(ctx, ""); !d.Allowed {
		t.Fatalf("empty key is never limited")
	}

	clock.Advance(10 * time.Second)
	if d := l.Allow(ctx, "account:1"); !d.Allowed {
		t.Fatalf("token should refill after 10s")
	}
}

func TestLimiterReset(t *testing.T) {
	l, _, _ := newTestLimiter(t, Rule{PerMinute: 1, Burst: 1})
	ctx := context.Background()
	l.Allow(ctx, "k")
	if l.Allow(ctx, "k").Allowed {
		t.Fatalf("expected limit")
	}
	if err := l.Reset(ctx, "k"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if !l.Allow(ctx, "k").Allowed {
		t.Fatalf("reset should refill")
	}
}

func TestMemoryStoreSweepDropsFullBuckets(t *testing.T) {
	l, store, clock := newTestLimiter(t, Rule{PerMinute: 60, Burst: 5})
	ctx := context.Background()
	l.Allow(ctx, "busy")
	l.Allow(ctx, "idle")
	if store.Len() != 2 {
		t.Fatalf("expected 2 buckets, got %d", store.Len())
	}
	clock.Advance(time.Minute)
	store.Sweep()
	if store.Len() != 0 {
		t.Fatalf("refilled buckets should be swept, %d left", store.Len())
	}
}

func TestMiddleware(t *testing.T) {
	l, _, _ := newTestLimiter(t, Rule{PerMinute: 1, Burst: 1})
	var denied int
	h := Middleware(l, ClientAddress, func(w http.ResponseWriter, r *http.Request, d Decision) {
		denied++
		w.WriteHeader(http.StatusTooManyRequests)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/accounts", nil)
	req.RemoteAddr = "203.0.113.7:5123"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("X-RateLimit-Limit") != "1" {
		t.Fatalf("first request: %d %v", rec.Code, rec.Header())
	}

	req.RemoteAddr = "203.0.113.7:6000"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests || denied != 1 {
		t.Fatalf("same host on a new port should be limited: %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
}

func TestMiddlewareNilLimiter(t *testing.T) {
	h := Middleware(nil, ClientAddress, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("nil limiter should pass through, got %d", rec.Code)
	}
}
