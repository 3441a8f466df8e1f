package repository

import (
	"context"
	"fmt"
	"time"

	quotadomain "github.com/plotline/plotline/internal/quota/domain"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repository struct{}

func New() quotadomain.Repository {
	return &repository{}
}

// usageColumn maps a countable quota type to its ledger column. Stateless
// types have no column and must be rejected by the caller.
func usageColumn(quota quotadomain.Type) (string, bool) {
	switch quota {
	case quotadomain.TypeActiveSchedules:
		return "used_active_schedules", true
	case quotadomain.TypeURLFetchesPerDay:
		return "used_url_fetches_today", true
	case quotadomain.TypeUploadsPerDay:
		return "used_uploads_today", true
	case quotadomain.TypeJobsPerDay:
		return "used_jobs_today", true
	case quotadomain.TypeTotalEvents:
		return "used_total_events", true
	default:
		return "", false
	}
}

func (r *repository) FindOrCreate(ctx context.Context, db *gorm.DB, userID snowflake.ID, today time.Time) (*quotadomain.Ledger, error) {
	ledger := quotadomain.Ledger{
		UserID:        userID,
		LastResetDate: today,
	}
	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&ledger).Error
	if err != nil {
		return nil, err
	}

	var current quotadomain.Ledger
	if err := db.WithContext(ctx).First(&current, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &current, nil
}

func (r *repository) AddUsage(ctx context.Context, db *gorm.DB, userID snowflake.ID, quota quotadomain.Type, amount int64, now time.Time) error {
	column, ok := usageColumn(quota)
	if !ok {
		return quotadomain.ErrUnknownQuota
	}

	// Single conditional UPDATE; never read-modify-write in application
	// code. Decrements clamp at zero.
	query := fmt.Sprintf(
		`UPDATE quota_ledgers
		 SET %[1]s = CASE WHEN %[1]s + ? < 0 THEN 0 ELSE %[1]s + ? END,
		     updated_at = ?
		 WHERE user_id = ?`,
		column,
	)
	result := db.WithContext(ctx).Exec(query, amount, amount, now, userID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.FindOrCreate(ctx, db, userID, dateOnly(now)); err != nil {
			return err
		}
		return db.WithContext(ctx).Exec(query, amount, amount, now, userID).Error
	}
	return nil
}

func (r *repository) ResetDaily(ctx context.Context, db *gorm.DB, today time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE quota_ledgers
		 SET used_url_fetches_today = 0,
		     used_uploads_today = 0,
		     used_jobs_today = 0,
		     last_reset_date = ?,
		     updated_at = ?
		 WHERE last_reset_date < ?`,
		today, today, today,
	)
	return result.RowsAffected, result.Error
}

func (r *repository) ResetDailyFor(ctx context.Context, db *gorm.DB, userID snowflake.ID, today time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE quota_ledgers
		 SET used_url_fetches_today = 0,
		     used_uploads_today = 0,
		     used_jobs_today = 0,
		     last_reset_date = ?,
		     updated_at = ?
		 WHERE user_id = ? AND last_reset_date < ?`,
		today, today, userID, today,
	).Error
}

func dateOnly(t time.Time) time.Time {
	year, month, day := t.UTC().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
