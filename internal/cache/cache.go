// Package cache provides the in-process TTL caches shared by the import
// pipeline, plus a registry of named instances consumed by the cache
// admin API.
package cache

import (
	"sync"
	"time"
)

// Entry stores a value with explicit timestamp and TTL so expiry is a pure
// function of the clock, never of ambient package state.
type Entry[V any] struct {
	Value    V
	StoredAt time.Time
	TTL      time.Duration
}

func (e Entry[V]) ExpiresAt() time.Time {
	return e.StoredAt.Add(e.TTL)
}

func (e Entry[V]) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return !now.Before(e.ExpiresAt())
}

// Cache is a bounded-TTL key/value store. Reads of expired entries miss;
// the entry is physically removed on the next Cleanup.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	GetEntry(key K) (Entry[V], bool)
	Set(key K, value V, ttl time.Duration)
	Delete(key K) bool
	Len() int
	Cleanup(now time.Time) int
}

type ttlCache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]Entry[V]
	now     func() time.Time
}

// NewTTLCache returns an in-memory TTL cache.
func NewTTLCache[K comparable, V any]() Cache[K, V] {
	return &ttlCache[K, V]{
		entries: make(map[K]Entry[V]),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// NewTTLCacheWithClock is NewTTLCache with an injected clock, for tests.
func NewTTLCacheWithClock[K comparable, V any](now func() time.Time) Cache[K, V] {
	return &ttlCache[K, V]{
		entries: make(map[K]Entry[V]),
		now:     now,
	}
}

func (c *ttlCache[K, V]) Get(key K) (V, bool) {
	entry, ok := c.GetEntry(key)
	if !ok {
		var zero V
		return zero, false
	}
	return entry.Value, true
}

func (c *ttlCache[K, V]) GetEntry(key K) (Entry[V], bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || entry.Expired(c.now()) {
		return Entry[V]{}, false
	}
	return entry, true
}

func (c *ttlCache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = Entry[V]{Value: value, StoredAt: c.now(), TTL: ttl}
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()
	return ok
}

func (c *ttlCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *ttlCache[K, V]) Cleanup(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, entry := range c.entries {
		if entry.Expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}
