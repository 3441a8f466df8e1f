// Package domain contains the per-user quota ledger: limits and usage for
// every resource-creating operation in the import pipeline.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Type names one quota-gated resource.
type Type string

const (
	TypeActiveSchedules Type = "active_schedules"
	TypeURLFetchesPerDay Type = "url_fetches_per_day"
	TypeUploadsPerDay    Type = "uploads_per_day"
	TypeJobsPerDay       Type = "jobs_per_day"
	TypeEventsPerImport  Type = "events_per_import"
	TypeTotalEvents      Type = "total_events"
	TypeMaxFileSizeBytes Type = "max_file_size_bytes"
)

// Unlimited is the sentinel limit that always passes checks.
const Unlimited int64 = -1

// Ledger is one user's row: limits beside usage. Daily counters are zeroed
// when last_reset_date falls behind the current UTC day.
type Ledger struct {
	UserID snowflake.ID `gorm:"primaryKey;column:user_id"`

	LimitActiveSchedules  int64 `gorm:"not null;default:10"`
	LimitURLFetchesPerDay int64 `gorm:"column:limit_url_fetches_per_day;not null;default:50"`
	LimitUploadsPerDay    int64 `gorm:"not null;default:20"`
	LimitJobsPerDay       int64 `gorm:"not null;default:100"`
	LimitEventsPerImport  int64 `gorm:"not null;default:50000"`
	LimitTotalEvents      int64 `gorm:"not null;default:1000000"`
	LimitMaxFileSizeBytes int64 `gorm:"not null;default:26214400"`

	UsedActiveSchedules int64 `gorm:"not null;default:0"`
	UsedURLFetchesToday int64 `gorm:"column:used_url_fetches_today;not null;default:0"`
	UsedUploadsToday    int64 `gorm:"not null;default:0"`
	UsedJobsToday       int64 `gorm:"not null;default:0"`
	UsedTotalEvents     int64 `gorm:"not null;default:0"`

	LastResetDate time.Time `gorm:"type:date;not null"`
	UpdatedAt     time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Ledger) TableName() string { return "quota_ledgers" }

// Limit returns the configured limit for a quota type.
func (l Ledger) Limit(t Type) int64 {
	switch t {
	case TypeActiveSchedules:
		return l.LimitActiveSchedules
	case TypeURLFetchesPerDay:
		return l.LimitURLFetchesPerDay
	case TypeUploadsPerDay:
		return l.LimitUploadsPerDay
	case TypeJobsPerDay:
		return l.LimitJobsPerDay
	case TypeEventsPerImport:
		return l.LimitEventsPerImport
	case TypeTotalEvents:
		return l.LimitTotalEvents
	case TypeMaxFileSizeBytes:
		return l.LimitMaxFileSizeBytes
	default:
		return 0
	}
}

// Used returns the current usage for a quota type. Per-import and file-size
// quotas are stateless: the caller supplies the candidate amount instead.
func (l Ledger) Used(t Type) int64 {
	switch t {
	case TypeActiveSchedules:
		return l.UsedActiveSchedules
	case TypeURLFetchesPerDay:
		return l.UsedURLFetchesToday
	case TypeUploadsPerDay:
		return l.UsedUploadsToday
	case TypeJobsPerDay:
		return l.UsedJobsToday
	case TypeTotalEvents:
		return l.UsedTotalEvents
	default:
		return 0
	}
}

// DailyTypes are the counters zeroed by the daily reset sweep.
var DailyTypes = []Type{TypeURLFetchesPerDay, TypeUploadsPerDay, TypeJobsPerDay}

// Stateless reports whether a type carries no running counter: the check
// compares the requested amount against the limit directly.
func Stateless(t Type) bool {
	return t == TypeEventsPerImport || t == TypeMaxFileSizeBytes
}
