// Package domain defines the import job record and its stage machine. A job
// is one staged execution turning a raw dataset into events; only the worker
// mutates it after claim.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Stage is the worker-observed truth about a job's progress.
type Stage string

const (
	StagePending         Stage = "pending"
	StageFetching        Stage = "fetching"
	StageParsing         Stage = "parsing"
	StageDetectingSchema Stage = "detecting_schema"
	StageMapping         Stage = "mapping"
	StageGeocoding       Stage = "geocoding"
	StageValidating      Stage = "validating"
	StageMaterializing   Stage = "materializing"
	StageCompleted       Stage = "completed"
	StageFailed          Stage = "failed"
)

// pipeline is the one-directional stage order; failed branches off from
// anywhere.
var pipeline = []Stage{
	StagePending,
	StageFetching,
	StageParsing,
	StageDetectingSchema,
	StageMapping,
	StageGeocoding,
	StageValidating,
	StageMaterializing,
	StageCompleted,
}

// Next returns the stage after s, or failed when s has no successor.
func Next(s Stage) (Stage, bool) {
	for i, stage := range pipeline {
		if stage == s && i+1 < len(pipeline) {
			return pipeline[i+1], true
		}
	}
	return StageFailed, false
}

func Terminal(s Stage) bool {
	return s == StageCompleted || s == StageFailed
}

// RequestedStatus carries user intent, written by the API before the worker
// touches the job. The stage column stays authoritative.
type RequestedStatus string

const (
	RequestedRunning   RequestedStatus = "running"
	RequestedCancelled RequestedStatus = "cancelled"
)

// ErrorLogEntry is one persisted failure, kept for operator visibility.
type ErrorLogEntry struct {
	Stage   Stage     `json:"stage"`
	Attempt int       `json:"attempt"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type Job struct {
	ID         snowflake.ID  `gorm:"primaryKey"`
	OwnerID    snowflake.ID  `gorm:"not null;index"`
	DatasetID  *snowflake.ID `gorm:""`
	MappingID  snowflake.ID  `gorm:"not null"`
	ScheduleID *snowflake.ID `gorm:""`

	Stage           Stage           `gorm:"type:text;not null;default:pending;index"`
	RequestedStatus RequestedStatus `gorm:"type:text"`
	Attempts        int             `gorm:"not null;default:0"`

	RowsSeen      int64 `gorm:"not null;default:0"`
	RowsSucceeded int64 `gorm:"not null;default:0"`
	RowsFailed    int64 `gorm:"not null;default:0"`
	Checkpoint    int64 `gorm:"not null;default:0"`

	LastError string         `gorm:"type:text"`
	ErrorLog  datatypes.JSON `gorm:""`
	RunID     string         `gorm:"type:text"`

	ClaimedAt  *time.Time `gorm:""`
	FinishedAt *time.Time `gorm:""`
	CreatedAt  time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Job) TableName() string { return "import_jobs" }

func (j Job) Cancelled() bool {
	return j.RequestedStatus == RequestedCancelled
}
