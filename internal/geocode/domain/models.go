// Package domain models address resolution: the shared cache table, the
// provider abstraction, and the per-row coordinate decision.
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Result is a successful address resolution.
type Result struct {
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	Confidence       float64 `json:"confidence"`
	ProviderID       string  `json:"provider_id"`
	FormattedAddress string  `json:"formatted_address"`
}

// Provider resolves one normalized address. Implementations must honor the
// context deadline; the chain owns retries and fallback.
type Provider interface {
	ID() string
	Tags() []string
	Geocode(ctx context.Context, address string) (*Result, error)
}

// CacheEntry is one row of the shared geocode cache, keyed by the
// normalized address.
type CacheEntry struct {
	ID                snowflake.ID `gorm:"primaryKey"`
	NormalizedAddress string       `gorm:"type:text;not null;uniqueIndex"`
	Latitude          float64      `gorm:"not null"`
	Longitude         float64      `gorm:"not null"`
	Confidence        float64      `gorm:"not null"`
	ProviderID        string       `gorm:"type:text;not null"`
	FormattedAddress  string       `gorm:"type:text;not null"`
	CreatedAt         time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	ExpiresAt         time.Time    `gorm:"not null;index"`
}

func (CacheEntry) TableName() string { return "geocode_cache_entries" }

func (e CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

func (e CacheEntry) Result() Result {
	return Result{
		Latitude:         e.Latitude,
		Longitude:        e.Longitude,
		Confidence:       e.Confidence,
		ProviderID:       e.ProviderID,
		FormattedAddress: e.FormattedAddress,
	}
}

var (
	// ErrNoResult means the chain ran out of candidates without an answer.
	ErrNoResult = errors.New("geocode_no_result")
	// ErrDisabled short-circuits lookups when geocoding is switched off.
	ErrDisabled = errors.New("geocoding_disabled")
)

// ProviderError wraps one provider's failure. Recoverable: the chain falls
// back to the next candidate when fallback is enabled.
type ProviderError struct {
	ProviderID string
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.ProviderID, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
