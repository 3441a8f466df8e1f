// Package domain models an ingested tabular source: where its bytes live,
// what columns were detected, and how parsing went.
package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	mappingdomain "github.com/plotline/plotline/internal/mapping/domain"
	"gorm.io/datatypes"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

type Source string

const (
	SourceUpload Source = "upload"
	SourceURL    Source = "url"
)

type ParseStatus string

const (
	ParsePending ParseStatus = "pending"
	ParseParsing ParseStatus = "parsing"
	ParseReady   ParseStatus = "ready"
	ParseFailed  ParseStatus = "failed"
)

// Dataset is one raw source file. Columns and sample rows are filled when
// parsing succeeds; the record is immutable once ready.
type Dataset struct {
	ID          snowflake.ID   `gorm:"primaryKey"`
	OwnerID     snowflake.ID   `gorm:"not null;index"`
	Name        string         `gorm:"type:text;not null"`
	Source      Source         `gorm:"type:text;not null"`
	SourceURL   string         `gorm:"type:text"`
	StorageKey  string         `gorm:"type:text;not null"`
	Format      Format         `gorm:"type:text;not null"`
	SizeBytes   int64          `gorm:"not null;default:0"`
	Columns     datatypes.JSON `gorm:""`
	SampleRows  datatypes.JSON `gorm:""`
	ParseStatus ParseStatus    `gorm:"type:text;not null;default:pending"`
	ParseError  string         `gorm:"type:text"`
	CreatedAt   time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Dataset) TableName() string { return "datasets" }

// SourceColumns decodes the detected column list. Empty until parse
// completes.
func (d Dataset) SourceColumns() ([]mappingdomain.SourceColumn, error) {
	if len(d.Columns) == 0 {
		return nil, nil
	}
	var cols []mappingdomain.SourceColumn
	if err := json.Unmarshal(d.Columns, &cols); err != nil {
		return nil, err
	}
	return cols, nil
}

func ParseFormat(s string) (Format, bool) {
	switch Format(s) {
	case FormatCSV:
		return FormatCSV, true
	case FormatXLSX:
		return FormatXLSX, true
	default:
		return "", false
	}
}
