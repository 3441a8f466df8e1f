package cache

import (
	"context"
	"errors"
	"path"
	"sort"
	"sync"
	"time"
)

// EntryView is the admin-facing shape of a cached value.
type EntryView struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	StoredAt  time.Time `json:"stored_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Instance is what a named cache exposes to the admin API. Backing stores
// differ (in-memory maps, the geocode table), so all methods take a context
// even when the in-memory adapters ignore it.
type Instance interface {
	GetEntry(ctx context.Context, key string) (*EntryView, error)
	SetEntry(ctx context.Context, key string, value any, ttl time.Duration) error
	DeleteEntry(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context, pattern string, limit, offset int) ([]string, int, error)
	Cleanup(ctx context.Context, now time.Time) (int, error)
	DefaultTTL() time.Duration
}

var (
	ErrUnknownCache  = errors.New("unknown cache")
	ErrEntryNotFound = errors.New("cache entry not found")
)

// Registry holds the named cache instances reachable through the admin API.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]Instance
}

func NewRegistry() *Registry {
	return &Registry{instances: make(map[string]Instance)}
}

func (r *Registry) Register(name string, instance Instance) {
	r.mu.Lock()
	r.instances[name] = instance
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	instance, ok := r.instances[name]
	if !ok {
		return nil, ErrUnknownCache
	}
	return instance, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.instances))
	for name := range r.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CleanupAll purges expired entries from every registered instance and
// returns the total removed. A failing instance does not stop the sweep.
func (r *Registry) CleanupAll(ctx context.Context, now time.Time) (int, error) {
	var total int
	var errs error
	for _, name := range r.Names() {
		instance, err := r.Get(name)
		if err != nil {
			continue
		}
		removed, err := instance.Cleanup(ctx, now)
		total += removed
		if err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return total, errs
}

// MemoryInstance adapts a string-keyed TTL cache to the admin Instance.
type MemoryInstance[V any] struct {
	cache      Cache[string, V]
	defaultTTL time.Duration
}

func NewMemoryInstance[V any](cache Cache[string, V], defaultTTL time.Duration) *MemoryInstance[V] {
	return &MemoryInstance[V]{cache: cache, defaultTTL: defaultTTL}
}

func (m *MemoryInstance[V]) Unwrap() Cache[string, V] { return m.cache }

func (m *MemoryInstance[V]) GetEntry(_ context.Context, key string) (*EntryView, error) {
	entry, ok := m.cache.GetEntry(key)
	if !ok {
		return nil, nil
	}
	return &EntryView{
		Key:       key,
		Value:     entry.Value,
		StoredAt:  entry.StoredAt,
		ExpiresAt: entry.ExpiresAt(),
	}, nil
}

func (m *MemoryInstance[V]) SetEntry(_ context.Context, key string, value any, ttl time.Duration) error {
	typed, ok := value.(V)
	if !ok {
		return errors.New("value has the wrong type for this cache")
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	m.cache.Set(key, typed, ttl)
	return nil
}

func (m *MemoryInstance[V]) DeleteEntry(_ context.Context, key string) (bool, error) {
	return m.cache.Delete(key), nil
}

func (m *MemoryInstance[V]) Keys(_ context.Context, pattern string, limit, offset int) ([]string, int, error) {
	all := collectKeys(m.cache)
	matched := filterKeys(all, pattern)
	return pageKeys(matched, limit, offset), len(matched), nil
}

func (m *MemoryInstance[V]) Cleanup(_ context.Context, now time.Time) (int, error) {
	return m.cache.Cleanup(now), nil
}

func (m *MemoryInstance[V]) DefaultTTL() time.Duration { return m.defaultTTL }

func collectKeys[V any](c Cache[string, V]) []string {
	keyed, ok := c.(*ttlCache[string, V])
	if !ok {
		return nil
	}
	keyed.mu.RLock()
	defer keyed.mu.RUnlock()
	now := keyed.now()
	keys := make([]string, 0, len(keyed.entries))
	for key, entry := range keyed.entries {
		if entry.Expired(now) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func filterKeys(keys []string, pattern string) []string {
	if pattern == "" {
		return keys
	}
	matched := keys[:0:0]
	for _, key := range keys {
		if ok, err := path.Match(pattern, key); err == nil && ok {
			matched = append(matched, key)
		}
	}
	return matched
}

func pageKeys(keys []string, limit, offset int) []string {
	if offset >= len(keys) {
		return nil
	}
	keys = keys[offset:]
	if limit > 0 && limit < len(keys) {
		keys = keys[:limit]
	}
	return keys
}
