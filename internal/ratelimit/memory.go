package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	staleThreshold  = 10 * time.Minute
	cleanupInterval = time.Minute
)

type bucket struct {
	tokens     float64
	lastAccess time.Time
}

// MemoryLimiter keeps one token bucket per key. Each bucket refills at rate
// tokens per second up to burst. Keys idle for staleThreshold are evicted by
// a background goroutine that runs until Close.
type MemoryLimiter struct {
	rate  float64
	burst float64
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a token bucket limiter allowing rate requests per
// second per key with bursts of up to burst requests.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(max(burst, 1)),
		now:     time.Now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Allow consumes one token from the bucket for key.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		m.buckets[key] = &bucket{tokens: m.burst - 1, lastAccess: now}
		return true, nil
	}

	b.tokens = min(m.burst, b.tokens+now.Sub(b.lastAccess).Seconds()*m.rate)
	b.lastAccess = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Keys returns the number of tracked buckets.
func (m *MemoryLimiter) Keys() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-staleThreshold)
	for key, b := range m.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
