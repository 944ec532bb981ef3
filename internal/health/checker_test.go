package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/papertutor/papertutor/internal/testutil"
)

type fakeStore struct {
	err   error
	delay time.Duration
}

func (f fakeStore) Ping(ctx context.Context) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func TestCheckAllHealthy(t *testing.T) {
	upstream := testutil.NewIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	c := New(Config{
		Stores:      map[string]Pinger{"ledger": fakeStore{}, "identity": fakeStore{}, "unused": nil},
		UpstreamURL: upstream.URL,
	})
	status := c.Check(context.Background())
	if status.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %#v", status)
	}
	if len(status.Components) != 3 {
		t.Fatalf("expected 3 components, got %d", len(status.Components))
	}
	if status.Components[0].Name != "identity" || status.Components[2].Name != "upstream" {
		t.Fatalf("components not sorted: %#v", status.Components)
	}
	if upstream.Hits() != 1 {
		t.Fatalf("expected one upstream probe, got %d", upstream.Hits())
	}
	if last := c.GetLastStatus(); last.Status != StatusHealthy || len(last.Components) != 3 {
		t.Fatalf("unexpected last status %#v", last)
	}
}

func TestCheckStatuses(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		expect Status
	}{
		{"store down", Config{Stores: map[string]Pinger{"ledger": fakeStore{err: errors.New("disk gone")}}}, StatusUnhealthy},
		{"store slow", Config{Stores: map[string]Pinger{"ledger": fakeStore{delay: 20 * time.Millisecond}}, MaxDatabaseLatency: time.Millisecond}, StatusDegraded},
		{"store timeout", Config{Stores: map[string]Pinger{"ledger": fakeStore{delay: time.Second}}, DBTimeout: 10 * time.Millisecond}, StatusUnhealthy},
		{"upstream down", Config{Stores: map[string]Pinger{"ledger": fakeStore{}}, UpstreamURL: "http://127.0.0.1:1", HTTPTimeout: 200 * time.Millisecond}, StatusDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := New(tt.cfg).Check(context.Background())
			if status.Status != tt.expect {
				t.Fatalf("expected %s, got %#v", tt.expect, status)
			}
		})
	}
}

func TestHandlerStatusCodes(t *testing.T) {
	healthy := New(Config{Stores: map[string]Pinger{"ledger": fakeStore{}}})
	rec := httptest.NewRecorder()
	healthy.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != StatusHealthy {
		t.Fatalf("unexpected body %#v", body)
	}

	broken := New(Config{Stores: map[string]Pinger{"ledger": fakeStore{err: errors.New("closed")}}})
	rec = httptest.NewRecorder()
	broken.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
