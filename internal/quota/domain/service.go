package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed bool  `json:"allowed"`
	Current int64 `json:"current"`
	Limit   int64 `json:"limit"`
}

// Service gates resource creation. Check never mutates; Increment is a
// single atomic update performed only after the resource actually exists.
// The two are deliberately not combined: the worst case of the race between
// them is a brief overshoot, never corruption.
type Service interface {
	Check(ctx context.Context, userID snowflake.ID, quota Type, amount int64) (Decision, error)
	Increment(ctx context.Context, userID snowflake.ID, quota Type, amount int64) error
	Release(ctx context.Context, userID snowflake.ID, quota Type, amount int64) error
	ResetDailyCounters(ctx context.Context) (int64, error)
}

var (
	ErrQuotaExceeded = errors.New("quota_exceeded")
	ErrUnknownQuota  = errors.New("unknown_quota_type")
	ErrInvalidAmount = errors.New("invalid_quota_amount")
)

// ExceededError carries the denied decision for operator-facing messages.
type ExceededError struct {
	Quota   Type
	Current int64
	Limit   int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota %s exceeded: %d of %d used", e.Quota, e.Current, e.Limit)
}

func (e *ExceededError) Unwrap() error { return ErrQuotaExceeded }
