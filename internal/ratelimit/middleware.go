package ratelimit

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
)

// KeyFunc extracts the bucket key from a request; "" skips limiting.
type KeyFunc func(r *http.Request) string

// DenyFunc writes the response for a limited request.
type DenyFunc func(w http.ResponseWriter, r *http.Request, d Decision)

// Middleware limits requests per key. A nil limiter passes everything
// through. Retry-After is set before deny runs.
func Middleware(l *Limiter, key KeyFunc, deny DenyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.Allow(r.Context(), key(r))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%.0f", d.Limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%.0f", math.Floor(d.Remaining)))
			if !d.Allowed {
				secs := int64(math.Ceil(d.RetryAfter.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
				if l.logger != nil {
					l.logger.Printf("rate limit exceeded: scope=%s path=%s", l.scope, r.URL.Path)
				}
				deny(w, r, d)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientAddress keys by the request's remote host. Run it behind
// middleware.RealIP when the service sits behind a proxy.
func ClientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
