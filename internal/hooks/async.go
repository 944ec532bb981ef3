package hooks

import (
	"context"
	"log"
	"sync"
	"time"
)

// Async wraps an Emitter with a bounded in-memory queue drained by worker
// goroutines, so hook scripts never add latency to request paths.
// Events still queued when the process crashes are lost; hooks are
// notifications, not the system of record.
type Async struct {
	next     Emitter
	events   chan Event
	timeout  time.Duration
	wg       sync.WaitGroup
	stopOnce sync.Once
	logger   *log.Logger

	mu      sync.RWMutex
	stopped bool
}

// AsyncConfig configures the delivery queue.
type AsyncConfig struct {
	QueueSize int           // pending events before Emit starts dropping (default 1024)
	Workers   int           // parallel deliveries (default 1)
	Timeout   time.Duration // per-delivery deadline (default 30s)
	Logger    *log.Logger
}

// NewAsync starts the workers.
func NewAsync(next Emitter, cfg AsyncConfig) *Async {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	a := &Async{
		next:    next,
		events:  make(chan Event, cfg.QueueSize),
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
	for i := 0; i < cfg.Workers; i++ {
		a.wg.Add(1)
		go a.worker(i)
	}
	a.logf("started %d worker(s), queue=%d", cfg.Workers, cfg.QueueSize)
	return a
}

func (a *Async) worker(id int) {
	defer a.wg.Done()
	for evt := range a.events {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Emit(ctx, evt); err != nil {
			a.logf("worker-%d deliver %s %s: %v", id, evt.Type, evt.ID, err)
		}
		cancel()
	}
}

// Emit queues the event without blocking. A full queue drops the event and
// logs it; the returned error is always nil.
func (a *Async) Emit(_ context.Context, event Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.stopped {
		a.logf("WARNING: emit after close, dropping %s %s", event.Type, event.ID)
		return nil
	}
	select {
	case a.events <- event:
	default:
		a.logf("WARNING: queue full, dropping %s %s", event.Type, event.ID)
	}
	return nil
}

// Close stops accepting events and waits for queued ones to be delivered.
func (a *Async) Close() error {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.stopped = true
		close(a.events)
		a.mu.Unlock()
	})
	a.wg.Wait()
	return nil
}

func (a *Async) logf(format string, args ...any) {
	if a.logger != nil {
		a.logger.Printf("[hooks-async] "+format, args...)
	}
}
