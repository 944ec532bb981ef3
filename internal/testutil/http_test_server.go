package testutil

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
)

// IPv4Server is an upstream fake (OpenAI, Stripe, a health probe target)
// bound to 127.0.0.1. It closes itself when the test ends.
type IPv4Server struct {
	URL       string
	listener  net.Listener
	server    *http.Server
	transport *http.Transport
	client    *http.Client
	hits      atomic.Int64
	closeOnce sync.Once
}

// NewIPv4Server skips the test when tcp4 loopback is unavailable.
func NewIPv4Server(t *testing.T, handler http.Handler) *IPv4Server {
	t.Helper()
	if handler == nil {
		handler = http.NewServeMux()
	}
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test: tcp4 loopback unavailable (%v)", err)
	}
	transport := &http.Transport{}
	s := &IPv4Server{
		URL:       "http://" + l.Addr().String(),
		listener:  l,
		transport: transport,
		client:    &http.Client{Transport: transport},
	}
	s.server = &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		handler.ServeHTTP(w, r)
	})}
	go func() {
		if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("IPv4Server serve error: %v", err)
		}
	}()
	t.Cleanup(s.Close)
	return s
}

func (s *IPv4Server) Client() *http.Client {
	return s.client
}

// Hits counts requests served so far.
func (s *IPv4Server) Hits() int64 {
	return s.hits.Load()
}

// Close is safe to call more than once.
func (s *IPv4Server) Close() {
	s.closeOnce.Do(func() {
		_ = s.server.Shutdown(context.Background())
		s.transport.CloseIdleConnections()
	})
}
