package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/plotline/plotline/internal/cache"
	"github.com/plotline/plotline/internal/config"
	geocodedomain "github.com/plotline/plotline/internal/geocode/domain"
	geocoderepo "github.com/plotline/plotline/internal/geocode/repository"
)

// CacheName is how the geocode cache registers with the admin API.
const CacheName = "geocode"

// CacheInstance adapts the persistent geocode cache to the admin cache
// surface shared with the in-memory instances.
type CacheInstance struct {
	repo   *geocoderepo.CacheRepository
	holder *config.ImportConfigHolder
}

func NewCacheInstance(repo *geocoderepo.CacheRepository, holder *config.ImportConfigHolder) *CacheInstance {
	return &CacheInstance{repo: repo, holder: holder}
}

func (c *CacheInstance) GetEntry(ctx context.Context, key string) (*cache.EntryView, error) {
	entry, err := c.repo.Lookup(ctx, key)
	if err != nil || entry == nil {
		return nil, err
	}
	return &cache.EntryView{
		Key:       entry.NormalizedAddress,
		Value:     entry.Result(),
		StoredAt:  entry.CreatedAt,
		ExpiresAt: entry.ExpiresAt,
	}, nil
}

func (c *CacheInstance) SetEntry(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	var result geocodedomain.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.DefaultTTL()
	}
	_, err = c.repo.Store(ctx, NormalizeAddress(key), result, ttl)
	return err
}

func (c *CacheInstance) DeleteEntry(ctx context.Context, key string) (bool, error) {
	return c.repo.Delete(ctx, key)
}

func (c *CacheInstance) Keys(ctx context.Context, pattern string, limit, offset int) ([]string, int, error) {
	return c.repo.Keys(ctx, pattern, limit, offset)
}

func (c *CacheInstance) Cleanup(ctx context.Context, now time.Time) (int, error) {
	removed, err := c.repo.PurgeExpired(ctx, now)
	return int(removed), err
}

func (c *CacheInstance) DefaultTTL() time.Duration {
	return c.holder.Get().Geocoding.CacheTTL()
}
