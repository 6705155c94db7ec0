// Package ratelimit suppresses repeated work per key for a fixed window.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

const (
	// DefaultCapacity bounds the number of keys tracked at once
	DefaultCapacity = 10000

	// DefaultWindow matches the one day margin of the query text TTL
	DefaultWindow = 24 * time.Hour
)

// Limiter grants at most one acquire per key per window. Total entries are
// bounded by capacity; when full, the cache's admission policy evicts keys,
// which only ever lets a suppressed key through early.
type Limiter struct {
	mu     sync.Mutex
	cache  *ristretto.Cache[string, struct{}]
	window time.Duration
}

// New creates a Limiter tracking up to capacity keys, each suppressed for window
func New(capacity int64, window time.Duration) (*Limiter, error) {
	return build(capacity, window, false)
}

func build(capacity int64, window time.Duration, metrics bool) (*Limiter, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if window <= 0 {
		window = DefaultWindow
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, struct{}]{
		NumCounters:        capacity * 10,
		MaxCost:            capacity,
		BufferItems:        64,
		IgnoreInternalCost: true,
		Metrics:            metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create limiter cache: %w", err)
	}
	return &Limiter{cache: cache, window: window}, nil
}

// TryAcquire returns true if key has not been acquired within the window
func (l *Limiter) TryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.cache.Get(key); ok {
		return false
	}
	l.cache.SetWithTTL(key, struct{}{}, 1, l.window)
	l.cache.Wait()
	return true
}

// Invalidate clears the suppression of key immediately
func (l *Limiter) Invalidate(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cache.Del(key)
	l.cache.Wait()
}

// entries returns the number of tracked keys. It needs a limiter built with
// metrics enabled.
func (l *Limiter) entries() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	m := l.cache.Metrics
	return int64(m.CostAdded()) - int64(m.CostEvicted())
}

// Window returns the suppression window
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Close stops the cache's background goroutines
func (l *Limiter) Close() {
	l.cache.Close()
}
