package fallback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/papertutor/papertutor/internal/adapter"
)

// Ensure Producer implements adapter.Producer.
var _ adapter.Producer = (*Producer)(nil)

// Producer wraps multiple producers and retries transient failures before
// moving on to the next one.
type Producer struct {
	producers  []adapter.Producer
	retryCount int
	retryDelay time.Duration
}

// Config holds configuration for the fallback Producer.
type Config struct {
	Producers  []adapter.Producer
	RetryCount int           // retries per producer; 0 means 2, negative disables retries
	RetryDelay time.Duration // delay between retries (default: 1s)
}

// New creates a fallback Producer.
func New(cfg Config) (*Producer, error) {
	if len(cfg.Producers) == 0 {
		return nil, errors.New("fallback: at least one producer required")
	}

	retryCount := cfg.RetryCount
	switch {
	case retryCount < 0:
		retryCount = 0
	case retryCount == 0:
		retryCount = 2
	}

	retryDelay := cfg.RetryDelay
	if retryDelay == 0 {
		retryDelay = 1 * time.Second
	}

	return &Producer{
		producers:  cfg.Producers,
		retryCount: retryCount,
		retryDelay: retryDelay,
	}, nil
}

// Produce tries each producer in order. Transient errors are retried on the
// same producer; anything else moves straight to the next one.
func (f *Producer) Produce(ctx context.Context, req adapter.Request) (string, error) {
	var lastErr error
	attempts := 0

	for _, p := range f.producers {
		for attempt := 0; attempt <= f.retryCount; attempt++ {
			if err := ctx.Err(); err != nil {
				return "", err
			}

			text, err := p.Produce(ctx, req)
			attempts++
			if err == nil {
				return text, nil
			}
			lastErr = err

			// An empty image fails the same way everywhere.
			if errors.Is(err, adapter.ErrEmptyImage) {
				return "", err
			}
			if !IsRetryable(err) || attempt == f.retryCount {
				break
			}

			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(f.retryDelay):
			}
		}
	}

	return "", fmt.Errorf("fallback: all producers failed: %w (attempts: %d)", lastErr, attempts)
}

var retryableMarkers = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"no such host",
	"temporary failure",
	"rate limit",
	"http 429",
	"too many requests",
	"http 500",
	"http 502",
	"http 503",
	"http 504",
	"internal server error",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
}

// IsRetryable reports whether err looks transient: network trouble, rate
// limiting or an upstream 5xx. Cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range retryableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
