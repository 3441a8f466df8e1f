// Package domain models recurring URL imports: where to fetch, how often,
// and what the last run did.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	datasetdomain "github.com/plotline/plotline/internal/dataset/domain"
)

type Schedule struct {
	ID              snowflake.ID         `gorm:"primaryKey"`
	OwnerID         snowflake.ID         `gorm:"not null;index"`
	Name            string               `gorm:"type:text;not null"`
	URL             string               `gorm:"type:text;not null"`
	Format          datasetdomain.Format `gorm:"type:text;not null"`
	MappingID       snowflake.ID         `gorm:"not null"`
	IntervalMinutes int                  `gorm:"not null"`
	Enabled         bool                 `gorm:"not null;default:true"`
	NextRunAt       *time.Time           `gorm:""`
	LastRunAt       *time.Time           `gorm:""`
	LastStatus      string               `gorm:"type:text"`
	CreatedAt       time.Time            `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time            `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Schedule) TableName() string { return "import_schedules" }

func (s Schedule) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}

// Due reports whether the sweep should trigger this schedule.
func (s Schedule) Due(now time.Time) bool {
	return s.Enabled && s.NextRunAt != nil && !now.Before(*s.NextRunAt)
}

var (
	ErrScheduleNotFound = errors.New("schedule_not_found")
	ErrScheduleDisabled = errors.New("schedule_disabled")
)
