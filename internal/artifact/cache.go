package artifact

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/papertutor/papertutor/internal/hooks"
	"github.com/papertutor/papertutor/internal/metrics"
)

const (
	defaultProduceTimeout = 90 * time.Second
	defaultMemoryTTL      = time.Hour
)

// Config tunes the cache. MemorySize <= 0 disables the in-memory tier.
type Config struct {
	ProduceTimeout time.Duration
	MemorySize     int
	MemoryTTL      time.Duration
	Events         hooks.Emitter
	Metrics        *metrics.Metrics
	Logger         *log.Logger
}

// Cache answers from memory, then the store, and otherwise runs the producer.
// Concurrent misses on one fingerprint share a single producer call; across
// processes the store's insert-if-absent keeps one stored entry.
type Cache struct {
	store   Store
	memory  *expirable.LRU[string, Entry]
	group   singleflight.Group
	timeout time.Duration
	events  hooks.Emitter
	metrics *metrics.Metrics
	logger  *log.Logger
}

type produced struct {
	entry Entry
	fresh bool
}

// NewCache builds a cache over store.
func NewCache(store Store, cfg Config) *Cache {
	if cfg.ProduceTimeout <= 0 {
		cfg.ProduceTimeout = defaultProduceTimeout
	}
	if cfg.MemoryTTL <= 0 {
		cfg.MemoryTTL = defaultMemoryTTL
	}
	c := &Cache{
		store:   store,
		timeout: cfg.ProduceTimeout,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
	if cfg.MemorySize > 0 {
		c.memory = expirable.NewLRU[string, Entry](cfg.MemorySize, nil, cfg.MemoryTTL)
	}
	return c
}

// Peek returns the stored entry without producing. It returns nil, nil on a
// miss.
func (c *Cache) Peek(ctx context.Context, fingerprint string) (*Entry, error) {
	if err := ValidateFingerprint(fingerprint); err != nil {
		return nil, err
	}
	if c.memory != nil {
		if e, ok := c.memory.Get(fingerprint); ok {
			c.metrics.ArtifactLookup("memory")
			return &e, nil
		}
	}
	e, err := c.store.GetArtifact(ctx, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("load artifact: %w", err)
	}
	if e == nil {
		c.metrics.ArtifactLookup("miss")
		return nil, nil
	}
	c.metrics.ArtifactLookup("store")
	c.remember(*e)
	return e, nil
}

// GetOrProduce returns the entry for fingerprint, invoking produce at most
// once per process when it is missing. The bool reports whether the entry
// was generated during this call. A caller whose ctx ends while waiting gets
// ErrProductionFailed; the shared production keeps running for the others
// under its own deadline.
func (c *Cache) GetOrProduce(ctx context.Context, fingerprint string, produce ProduceFunc) (Entry, bool, error) {
	hit, err := c.Peek(ctx, fingerprint)
	if err != nil {
		return Entry{}, false, err
	}
	if hit != nil {
		return *hit, false, nil
	}

	ch := c.group.DoChan(fingerprint, func() (any, error) {
		return c.produce(context.WithoutCancel(ctx), fingerprint, produce)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Entry{}, false, res.Err
		}
		p := res.Val.(produced)
		return p.entry, p.fresh, nil
	case <-ctx.Done():
		return Entry{}, false, fmt.Errorf("%w: %w", ErrProductionFailed, ctx.Err())
	}
}

func (c *Cache) produce(ctx context.Context, fingerprint string, produce ProduceFunc) (produced, error) {
	// A previous flight may have stored the entry after our Peek.
	existing, err := c.store.GetArtifact(ctx, fingerprint)
	if err != nil {
		return produced{}, fmt.Errorf("load artifact: %w", err)
	}
	if existing != nil {
		c.remember(*existing)
		return produced{entry: *existing}, nil
	}

	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		text, err := produce(pctx)
		done <- outcome{text, err}
	}()
	var text string
	select {
	case out := <-done:
		text, err = out.text, out.err
	case <-pctx.Done():
		err = pctx.Err()
	}
	elapsed := time.Since(start)
	if err == nil && strings.TrimSpace(text) == "" {
		err = fmt.Errorf("producer returned empty text")
	}
	if err != nil {
		c.metrics.ArtifactProduction("failure", elapsed.Seconds())
		c.logf("fingerprint=%s production failed after %v: %v", fingerprint, elapsed, err)
		return produced{}, fmt.Errorf("%w: %w", ErrProductionFailed, err)
	}
	c.metrics.ArtifactProduction("success", elapsed.Seconds())

	stored, fresh, err := c.store.PutArtifact(ctx, Entry{
		Fingerprint: fingerprint,
		Text:        text,
		ProducedAt:  time.Now().UTC(),
	})
	if err != nil {
		return produced{}, fmt.Errorf("store artifact: %w", err)
	}
	c.remember(stored)

	if fresh && c.events != nil {
		evt := hooks.NewEvent(hooks.EventArtifactProduced, 0, map[string]any{
			"fingerprint": fingerprint,
			"duration_ms": elapsed.Milliseconds(),
		})
		if err := c.events.Emit(ctx, evt); err != nil {
			c.logf("emit %s: %v", evt.Type, err)
		}
	}
	c.logf("fingerprint=%s produced in %v", fingerprint, elapsed)
	return produced{entry: stored, fresh: fresh}, nil
}

func (c *Cache) remember(e Entry) {
	if c.memory != nil {
		c.memory.Add(e.Fingerprint, e)
	}
}

func (c *Cache) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}
