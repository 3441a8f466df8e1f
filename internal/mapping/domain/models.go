// Package domain models the column-to-field mapping graph built by the
// visual editor and the fixed target event schema it binds onto.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// InferredType classifies a source column from its sampled values.
type InferredType string

const (
	TypeString  InferredType = "string"
	TypeNumber  InferredType = "number"
	TypeDate    InferredType = "date"
	TypeBoolean InferredType = "boolean"
	TypeMixed   InferredType = "mixed"
)

// SourceColumn is one column of the parsed dataset with its inferred type.
type SourceColumn struct {
	Name         string       `json:"name"`
	InferredType InferredType `json:"inferred_type"`
}

// TransformKind names a per-value transform applied at materialize time.
type TransformKind string

const (
	TransformTrim      TransformKind = "trim"
	TransformLowercase TransformKind = "lowercase"
	TransformUppercase TransformKind = "uppercase"
	TransformPrefix    TransformKind = "prefix"
	TransformSuffix    TransformKind = "suffix"
)

type Transform struct {
	Kind TransformKind `json:"kind"`
	Arg  string        `json:"arg,omitempty"`
}

// Edge connects one source column through zero or more transforms to one
// target field.
type Edge struct {
	SourceColumn string      `json:"source_column"`
	Transforms   []Transform `json:"transforms,omitempty"`
	TargetField  string      `json:"target_field"`
}

// Graph is the directed bipartite mapping the editor produces.
type Graph struct {
	Edges []Edge `json:"edges"`
}

// TargetField is one field of the fixed event schema.
type TargetField struct {
	Name     string
	Type     InferredType
	Required bool
}

// Event schema v1. Latitude and longitude are bound together or not at all;
// the coordinate resolver decides per row which location source wins.
const SchemaVersion = 1

const (
	FieldTitle     = "title"
	FieldTimestamp = "timestamp"
	FieldLatitude  = "latitude"
	FieldLongitude = "longitude"
	FieldAddress   = "address"
	FieldCategory  = "category"
	FieldNotes     = "notes"
)

// TargetSchema returns the event schema in binding order.
func TargetSchema() []TargetField {
	return []TargetField{
		{Name: FieldTitle, Type: TypeString, Required: true},
		{Name: FieldTimestamp, Type: TypeDate, Required: true},
		{Name: FieldLatitude, Type: TypeNumber},
		{Name: FieldLongitude, Type: TypeNumber},
		{Name: FieldAddress, Type: TypeString},
		{Name: FieldCategory, Type: TypeString},
		{Name: FieldNotes, Type: TypeString},
	}
}

// ResolvedBinding is one validated edge, ordered by schema position.
type ResolvedBinding struct {
	SourceColumn string      `json:"source_column"`
	Transforms   []Transform `json:"transforms,omitempty"`
	Target       TargetField `json:"-"`
	TargetField  string      `json:"target_field"`
}

// Warning is a non-fatal finding attached to a resolved mapping.
type Warning struct {
	TargetField string `json:"target_field"`
	Message     string `json:"message"`
}

// FieldMapping persists a graph for reuse across jobs.
type FieldMapping struct {
	ID        snowflake.ID   `gorm:"primaryKey"`
	OwnerID   snowflake.ID   `gorm:"not null;index"`
	DatasetID snowflake.ID   `gorm:"index"`
	Name      string         `gorm:"type:text"`
	Graph     datatypes.JSON `gorm:"not null"`
	Reusable  bool           `gorm:"not null;default:false"`
	CreatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (FieldMapping) TableName() string { return "field_mappings" }
