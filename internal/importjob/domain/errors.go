package domain

import (
	"context"
	"errors"
	"net"

	datasetdomain "github.com/plotline/plotline/internal/dataset/domain"
	geocodedomain "github.com/plotline/plotline/internal/geocode/domain"
	mappingdomain "github.com/plotline/plotline/internal/mapping/domain"
	quotadomain "github.com/plotline/plotline/internal/quota/domain"
)

var (
	ErrJobNotFound = errors.New("job_not_found")
	// ErrAlreadyClaimed is the silent outcome of losing a claim race.
	ErrAlreadyClaimed = errors.New("job_already_claimed")
	// ErrStageConflict means the job moved underneath us, usually an
	// external cancel.
	ErrStageConflict = errors.New("stage_conflict")
	ErrJobCancelled  = errors.New("job_cancelled")
)

// Transient reports whether a stage failure is worth a same-stage retry.
// Network and provider trouble is; malformed input, invalid mappings, and
// quota denials are not.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, datasetdomain.ErrParse),
		errors.Is(err, mappingdomain.ErrMappingInvalid),
		errors.Is(err, quotadomain.ErrQuotaExceeded),
		errors.Is(err, ErrJobCancelled),
		errors.Is(err, ErrStageConflict),
		errors.Is(err, context.Canceled):
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, datasetdomain.ErrFetch) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var provErr *geocodedomain.ProviderError
	if errors.As(err, &provErr) {
		return !errors.Is(provErr.Err, geocodedomain.ErrNoResult)
	}
	return false
}
