package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDatasetNotFound   = errors.New("dataset_not_found")
	ErrDatasetNotReady   = errors.New("dataset_not_ready")
	ErrUnsupportedFormat = errors.New("unsupported_format")
	ErrFileTooLarge      = errors.New("file_too_large")

	// ErrParse marks a malformed or unreadable source file. Jobs fail
	// immediately on it, no retry.
	ErrParse = errors.New("parse_failed")

	// ErrFetch marks a failed URL download. Treated as transient.
	ErrFetch = errors.New("fetch_failed")
)

type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse failed: %s", e.Reason) }

func (e *ParseError) Unwrap() error { return ErrParse }
