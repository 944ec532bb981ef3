package fallback

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/papertutor/papertutor/internal/adapter"
)

// mockProducer fails failCount times (or always when failCount < 0) before
// succeeding.
type mockProducer struct {
	name      string
	failCount int32
	calls     int32
	err       error
}

func (m *mockProducer) Produce(ctx context.Context, req adapter.Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n := atomic.AddInt32(&m.calls, 1)
	if m.failCount < 0 || n <= m.failCount {
		return "", m.err
	}
	return "explanation from " + m.name, nil
}

var testRequest = adapter.Request{Image: []byte("png"), Subject: "physics"}

func TestNew(t *testing.T) {
	if _, err := New(Config{}); err == nil || !strings.Contains(err.Error(), "at least one producer required") {
		t.Fatalf("expected error for empty config, got %v", err)
	}
	p, err := New(Config{Producers: []adapter.Producer{&mockProducer{name: "a"}}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.retryCount != 2 || p.retryDelay != time.Second {
		t.Fatalf("defaults not applied: %d %v", p.retryCount, p.retryDelay)
	}
	p, _ = New(Config{Producers: []adapter.Producer{&mockProducer{name: "a"}}, RetryCount: -1})
	if p.retryCount != 0 {
		t.Fatalf("negative retry count should disable retries, got %d", p.retryCount)
	}
}

func TestProduceRetriesTransientErrors(t *testing.T) {
	primary := &mockProducer{name: "primary", failCount: 2, err: errors.New("openai: http 503: service unavailable")}
	p, err := New(Config{Producers: []adapter.Producer{primary}, RetryCount: 2, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	text, err := p.Produce(context.Background(), testRequest)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if text != "explanation from primary" || atomic.LoadInt32(&primary.calls) != 3 {
		t.Fatalf("unexpected text %q after %d calls", text, primary.calls)
	}
}

func TestProduceFallsBackOnPermanentError(t *testing.T) {
	primary := &mockProducer{name: "primary", failCount: -1, err: errors.New("openai: http 401: invalid api key")}
	secondary := &mockProducer{name: "secondary"}
	p, err := New(Config{Producers: []adapter.Producer{primary, secondary}, RetryCount: 3, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	text, err := p.Produce(context.Background(), testRequest)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if text != "explanation from secondary" {
		t.Fatalf("unexpected text %q", text)
	}
	if atomic.LoadInt32(&primary.calls) != 1 {
		t.Fatalf("permanent error should not be retried, got %d calls", primary.calls)
	}
}

func TestProduceAllFail(t *testing.T) {
	rateLimited := errors.New("openai: http 429: rate limit reached")
	a := &mockProducer{name: "a", failCount: -1, err: rateLimited}
	b := &mockProducer{name: "b", failCount: -1, err: rateLimited}
	p, err := New(Config{Producers: []adapter.Producer{a, b}, RetryCount: 1, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Produce(context.Background(), testRequest)
	if !errors.Is(err, rateLimited) || !strings.Contains(err.Error(), "attempts: 4") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestProduceStopsOnEmptyImage(t *testing.T) {
	a := &mockProducer{name: "a", failCount: -1, err: adapter.ErrEmptyImage}
	b := &mockProducer{name: "b"}
	p, _ := New(Config{Producers: []adapter.Producer{a, b}, RetryDelay: time.Millisecond})
	if _, err := p.Produce(context.Background(), testRequest); !errors.Is(err, adapter.ErrEmptyImage) {
		t.Fatalf("expected ErrEmptyImage, got %v", err)
	}
	if atomic.LoadInt32(&b.calls) != 0 {
		t.Fatalf("second producer should not run")
	}
}

func TestProduceHonoursCancellation(t *testing.T) {
	a := &mockProducer{name: "a", failCount: -1, err: errors.New("connection reset by peer")}
	p, _ := New(Config{Producers: []adapter.Producer{a}, RetryCount: 5, RetryDelay: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Produce(ctx, testRequest); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("openai: http 502: bad gateway"), true},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("Too Many Requests"), true},
		{errors.New("openai: http 400: bad request"), false},
		{errors.New("openai: empty completion"), false},
		{context.Canceled, false},
		{context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %t, want %t", tt.err, got, tt.want)
		}
	}
}
