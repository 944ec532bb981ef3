package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps one token bucket per key in process memory. Limits are
// per instance; a multi-instance deployment enforces them per replica.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]*TokenBucket
	now     func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	closeOnce       sync.Once
}

// NewMemoryStore sweeps idle buckets every five minutes.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanup(5*time.Minute, time.Now)
}

// NewMemoryStoreWithCleanup takes the sweep interval and a clock. An interval
// <= 0 disables the background sweep.
func NewMemoryStoreWithCleanup(cleanupInterval time.Duration, now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	s := &MemoryStore{
		buckets:         make(map[string]*TokenBucket),
		now:             now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *MemoryStore) Allow(ctx context.Context, key string, capacity, refillRate float64) (bool, float64, error) {
	now := s.now()
	allowed, remaining := s.bucket(key, capacity, refillRate, now).Take(now)
	return allowed, remaining, nil
}

func (s *MemoryStore) Remaining(ctx context.Context, key string, capacity, refillRate float64) (float64, error) {
	now := s.now()
	return s.bucket(key, capacity, refillRate, now).Remaining(now), nil
}

func (s *MemoryStore) Reset(ctx context.Context, key string) error {
	s.mu.RLock()
	bucket, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		bucket.Reset(s.now())
	}
	return nil
}

// Close stops the background sweep.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.stopCleanup) })
	return nil
}

// Len reports how many keys currently hold a bucket.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets)
}

func (s *MemoryStore) bucket(key string, capacity, refillRate float64, now time.Time) *TokenBucket {
	s.mu.RLock()
	bucket, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return bucket
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Double-check after acquiring write lock
	if bucket, ok = s.buckets[key]; ok {
		return bucket
	}
	bucket = NewTokenBucket(capacity, refillRate, now)
	s.buckets[key] = bucket
	return bucket
}

func (s *MemoryStore) cleanupLoop() {
	if s.cleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCleanup:
			return
		}
	}
}

// Sweep drops buckets that have refilled to capacity; recreating one later
// starts full, so nothing is lost.
func (s *MemoryStore) Sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, bucket := range s.buckets {
		if bucket.Remaining(now) >= bucket.capacity {
			delete(s.buckets, key)
		}
	}
}
