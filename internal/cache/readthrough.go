package cache

import (
	"context"
	"sync"
	"time"
)

// ReadThrough caches a single value behind a fetch function. The staleness
// decision is NeedsRefresh, a pure function of (now, lastFetch, ttl); the
// holder itself only serializes fetches.
type ReadThrough[V any] struct {
	mu        sync.Mutex
	value     V
	lastFetch time.Time
	ttl       time.Duration
	fetch     func(ctx context.Context) (V, error)
}

func NewReadThrough[V any](ttl time.Duration, fetch func(ctx context.Context) (V, error)) *ReadThrough[V] {
	return &ReadThrough[V]{ttl: ttl, fetch: fetch}
}

// NeedsRefresh reports whether a value fetched at lastFetch is stale at now.
func NeedsRefresh(now, lastFetch time.Time, ttl time.Duration) bool {
	if lastFetch.IsZero() {
		return true
	}
	return now.Sub(lastFetch) >= ttl
}

// Get returns the cached value, refreshing it first when stale. A failed
// refresh falls back to the previous value if one exists.
func (r *ReadThrough[V]) Get(ctx context.Context, now time.Time) (V, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !NeedsRefresh(now, r.lastFetch, r.ttl) {
		return r.value, nil
	}

	fresh, err := r.fetch(ctx)
	if err != nil {
		if !r.lastFetch.IsZero() {
			return r.value, nil
		}
		var zero V
		return zero, err
	}
	r.value = fresh
	r.lastFetch = now
	return r.value, nil
}

// Invalidate forces the next Get to refetch.
func (r *ReadThrough[V]) Invalidate() {
	r.mu.Lock()
	r.lastFetch = time.Time{}
	r.mu.Unlock()
}
