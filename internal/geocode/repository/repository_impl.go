package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/plotline/plotline/internal/clock"
	geocodedomain "github.com/plotline/plotline/internal/geocode/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	GenID *snowflake.Node
	Clock clock.Clock
}

// CacheRepository is the persistent geocode cache. Writes are idempotent
// upserts keyed by normalized address; concurrent writers race harmlessly
// because the same address resolves to the same coordinates.
type CacheRepository struct {
	db    *gorm.DB
	genID *snowflake.Node
	clock clock.Clock
}

func New(p Params) *CacheRepository {
	return &CacheRepository{db: p.DB, genID: p.GenID, clock: p.Clock}
}

// Lookup returns the live entry for a normalized address, or nil when the
// address is unknown or the entry has expired.
func (r *CacheRepository) Lookup(ctx context.Context, normalized string) (*geocodedomain.CacheEntry, error) {
	var entry geocodedomain.CacheEntry
	err := r.db.WithContext(ctx).
		Where("normalized_address = ? AND expires_at > ?", normalized, r.clock.Now()).
		First(&entry).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Store upserts a resolution, last write wins.
func (r *CacheRepository) Store(ctx context.Context, normalized string, result geocodedomain.Result, ttl time.Duration) (*geocodedomain.CacheEntry, error) {
	now := r.clock.Now()
	entry := geocodedomain.CacheEntry{
		ID:                r.genID.Generate(),
		NormalizedAddress: normalized,
		Latitude:          result.Latitude,
		Longitude:         result.Longitude,
		Confidence:        result.Confidence,
		ProviderID:        result.ProviderID,
		FormattedAddress:  result.FormattedAddress,
		CreatedAt:         now,
		ExpiresAt:         now.Add(ttl),
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "normalized_address"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"latitude", "longitude", "confidence",
				"provider_id", "formatted_address", "expires_at",
			}),
		}).
		Create(&entry).Error
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Delete removes one entry; reports whether it existed.
func (r *CacheRepository) Delete(ctx context.Context, normalized string) (bool, error) {
	result := r.db.WithContext(ctx).
		Where("normalized_address = ?", normalized).
		Delete(&geocodedomain.CacheEntry{})
	return result.RowsAffected > 0, result.Error
}

// Keys lists live normalized addresses, glob pattern and paging applied.
func (r *CacheRepository) Keys(ctx context.Context, pattern string, limit, offset int) ([]string, int, error) {
	query := r.db.WithContext(ctx).
		Model(&geocodedomain.CacheEntry{}).
		Where("expires_at > ?", r.clock.Now())
	if pattern != "" {
		query = query.Where("normalized_address LIKE ?", globToLike(pattern))
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if limit <= 0 {
		limit = -1
	}
	if offset <= 0 {
		offset = -1
	}
	var keys []string
	err := query.Order("normalized_address ASC").
		Limit(limit).Offset(offset).
		Pluck("normalized_address", &keys).Error
	return keys, int(total), err
}

// PurgeExpired removes entries whose TTL has passed.
func (r *CacheRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&geocodedomain.CacheEntry{})
	return result.RowsAffected, result.Error
}

func globToLike(pattern string) string {
	replacer := strings.NewReplacer("%", `\%`, "_", `\_`, "*", "%", "?", "_")
	return replacer.Replace(pattern)
}
