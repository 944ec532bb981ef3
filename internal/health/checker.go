// Package health reports the reachability of papertutor's stores and its
// explanation upstream.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Pinger is satisfied by every store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckResult holds the result of a health check.
type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Component represents a system component that can be health-checked.
type Component struct {
	Name string `json:"name"`
	Type string `json:"type"` // database or http
	CheckResult
}

// Config holds health checker configuration.
type Config struct {
	// Stores maps a component name (ledger, identity, explanations) to its
	// store.
	Stores map[string]Pinger

	// UpstreamURL is probed for reachability only; failures degrade.
	UpstreamURL string

	DBTimeout          time.Duration
	HTTPTimeout        time.Duration
	MaxDatabaseLatency time.Duration
}

// Checker performs health checks on system components.
type Checker struct {
	mu         sync.RWMutex
	components []Component

	stores      map[string]Pinger
	upstreamURL string
	client      *http.Client

	dbTimeout          time.Duration
	maxDatabaseLatency time.Duration
}

// New creates a new health checker.
func New(cfg Config) *Checker {
	if cfg.DBTimeout == 0 {
		cfg.DBTimeout = 2 * time.Second
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	if cfg.MaxDatabaseLatency == 0 {
		cfg.MaxDatabaseLatency = 100 * time.Millisecond
	}
	stores := make(map[string]Pinger, len(cfg.Stores))
	for name, p := range cfg.Stores {
		if p != nil {
			stores[name] = p
		}
	}
	return &Checker{
		stores:             stores,
		upstreamURL:        cfg.UpstreamURL,
		client:             &http.Client{Timeout: cfg.HTTPTimeout},
		dbTimeout:          cfg.DBTimeout,
		maxDatabaseLatency: cfg.MaxDatabaseLatency,
	}
}

// Check runs every probe concurrently and returns the overall status.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	var wg sync.WaitGroup
	results := make(chan Component, len(c.stores)+1)

	for name, store := range c.stores {
		wg.Add(1)
		go func(name string, store Pinger) {
			defer wg.Done()
			results <- c.checkStore(ctx, name, store)
		}(name, store)
	}
	if c.upstreamURL != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.checkHTTPEndpoint(ctx, "upstream", c.upstreamURL)
		}()
	}
	wg.Wait()
	close(results)

	components := make([]Component, 0, len(c.stores)+1)
	for comp := range results {
		components = append(components, comp)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	c.mu.Lock()
	c.components = components
	c.mu.Unlock()

	return calculateOverallStatus(components)
}

func (c *Checker) checkStore(ctx context.Context, name string, store Pinger) Component {
	comp := Component{
		Name:        name,
		Type:        "database",
		CheckResult: CheckResult{Timestamp: time.Now()},
	}

	start := time.Now()
	dbCtx, cancel := context.WithTimeout(ctx, c.dbTimeout)
	defer cancel()

	err := store.Ping(dbCtx)
	comp.Latency = time.Since(start)
	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "Database unreachable"
		return comp
	}
	if comp.Latency > c.maxDatabaseLatency {
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("High latency: %v", comp.Latency)
	} else {
		comp.Status = StatusHealthy
		comp.Message = "Connected"
	}
	return comp
}

func (c *Checker) checkHTTPEndpoint(ctx context.Context, name, baseURL string) Component {
	comp := Component{
		Name:        name,
		Type:        "http",
		CheckResult: CheckResult{Timestamp: time.Now()},
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Latency = time.Since(start)
		return comp
	}
	resp, err := c.client.Do(req)
	comp.Latency = time.Since(start)
	if err != nil {
		comp.Status = StatusDegraded
		comp.Error = err.Error()
		comp.Message = "Endpoint unreachable"
		return comp
	}
	defer resp.Body.Close()

	// Any response, even 4xx/5xx, proves reachability.
	comp.Status = StatusHealthy
	comp.Message = fmt.Sprintf("Reachable (HTTP %d)", resp.StatusCode)
	return comp
}

// calculateOverallStatus: any unhealthy store makes the whole service
// unhealthy; anything else short of healthy degrades it.
func calculateOverallStatus(components []Component) HealthStatus {
	overall := StatusHealthy
	for _, comp := range components {
		switch {
		case comp.Status == StatusUnhealthy && comp.Type == "database":
			overall = StatusUnhealthy
		case comp.Status != StatusHealthy && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}
	return HealthStatus{
		Status:     overall,
		Timestamp:  time.Now(),
		Components: components,
	}
}

// HealthStatus represents the overall health of the system.
type HealthStatus struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// GetLastStatus returns the last health check result.
func (c *Checker) GetLastStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.components) == 0 {
		return HealthStatus{Status: StatusHealthy, Timestamp: time.Now()}
	}
	return calculateOverallStatus(c.components)
}

// Handler serves a fresh check; unhealthy maps to 503.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := c.Check(r.Context())
		code := http.StatusOK
		if status.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
}
