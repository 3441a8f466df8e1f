package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMappingInvalid  = errors.New("mapping_invalid")
	ErrMappingNotFound = errors.New("mapping_not_found")
)

// ValidationError rejects a graph before any row is processed. Duplicates
// are reported ahead of missing fields so the editor shows the stricter
// problem first.
type ValidationError struct {
	DuplicateTargets []string
	MissingRequired  []string
	UnknownTargets   []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.DuplicateTargets) > 0 {
		parts = append(parts, fmt.Sprintf("duplicate bindings for %s", strings.Join(e.DuplicateTargets, ", ")))
	}
	if len(e.MissingRequired) > 0 {
		parts = append(parts, fmt.Sprintf("missing required fields %s", strings.Join(e.MissingRequired, ", ")))
	}
	if len(e.UnknownTargets) > 0 {
		parts = append(parts, fmt.Sprintf("unknown target fields %s", strings.Join(e.UnknownTargets, ", ")))
	}
	return "mapping validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrMappingInvalid }
