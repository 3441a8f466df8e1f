package repository

import (
	"context"

	"gorm.io/gorm"
)

// QueryOption mutates the statement before execution (ordering, limits).
type QueryOption func(*gorm.DB) *gorm.DB

func WithOrder(order string) QueryOption {
	return func(stmt *gorm.DB) *gorm.DB { return stmt.Order(order) }
}

func WithLimit(limit int) QueryOption {
	return func(stmt *gorm.DB) *gorm.DB { return stmt.Limit(limit) }
}

func WithOffset(offset int) QueryOption {
	return func(stmt *gorm.DB) *gorm.DB { return stmt.Offset(offset) }
}

// Repository is the minimal generic store shared by services for simple
// lookups; anything needing locking or raw SQL lives in the feature
// repositories.
type Repository[T any] interface {
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, query *T, opts ...QueryOption) ([]*T, error)
	FindOne(ctx context.Context, query *T, opts ...QueryOption) (*T, error)
	Create(ctx context.Context, resource *T) error
	Update(ctx context.Context, resourceID string, resource any) error
	Delete(ctx context.Context, resourceID string) error
	Count(ctx context.Context, query *T) (int64, error)
	BatchCreate(ctx context.Context, resources []*T) error
}
