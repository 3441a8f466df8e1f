package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// FindOrCreate loads the ledger row, creating it with defaults when the
	// user has none yet.
	FindOrCreate(ctx context.Context, db *gorm.DB, userID snowflake.ID, today time.Time) (*Ledger, error)
	// AddUsage applies a single atomic counter update. Negative amounts
	// clamp at zero.
	AddUsage(ctx context.Context, db *gorm.DB, userID snowflake.ID, quota Type, amount int64, now time.Time) error
	// ResetDaily zeroes per-day counters for every ledger whose
	// last_reset_date is behind today; returns rows touched.
	ResetDaily(ctx context.Context, db *gorm.DB, today time.Time) (int64, error)
	// ResetDailyFor resets one user's daily counters when stale.
	ResetDailyFor(ctx context.Context, db *gorm.DB, userID snowflake.ID, today time.Time) error
}
