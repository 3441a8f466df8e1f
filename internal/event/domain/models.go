// Package domain defines the materialized output record. Events are
// append-only; corrections arrive as new schema versions, never as updates.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// CoordinateSource records where an event's location came from.
type CoordinateSource string

const (
	SourceImport   CoordinateSource = "import"
	SourceGeocoded CoordinateSource = "geocoded"
	SourceNone     CoordinateSource = "none"
)

type ValidationStatus string

const (
	ValidationValid   ValidationStatus = "valid"
	ValidationInvalid ValidationStatus = "invalid"
)

type Event struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	OwnerID       snowflake.ID `gorm:"not null;index"`
	JobID         snowflake.ID `gorm:"not null;uniqueIndex:idx_events_job_row"`
	RowIndex      int64        `gorm:"not null;uniqueIndex:idx_events_job_row"`
	SchemaVersion int          `gorm:"not null;default:1"`

	OccurredAt  *time.Time     `gorm:""`
	Title       string         `gorm:"type:text"`
	Description string         `gorm:"type:text"`
	Payload     datatypes.JSON `gorm:""`

	Latitude          *float64         `gorm:""`
	Longitude         *float64         `gorm:""`
	CoordinateSource  CoordinateSource `gorm:"type:text;not null;default:none"`
	Confidence        *float64         `gorm:""`
	NormalizedAddress string           `gorm:"type:text"`

	ValidationStatus ValidationStatus `gorm:"type:text;not null;default:valid"`
	ValidationErrors datatypes.JSON   `gorm:""`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Event) TableName() string { return "events" }
