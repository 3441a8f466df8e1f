package repository

import (
	"context"

	eventdomain "github.com/plotline/plotline/internal/event/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository persists materialized events. Inserts are keyed on
// (job_id, row_index), so a resumed materialize batch may overlap rows a
// crashed worker already committed.
type Repository struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTrx binds the repository to tx so event writes can share a
// transaction with the job's checkpoint update.
func (r *Repository) WithTrx(tx *gorm.DB) *Repository {
	return &Repository{db: tx}
}

// BatchInsert writes a batch of events, silently skipping rows whose
// (job_id, row_index) already exists.
func (r *Repository) BatchInsert(ctx context.Context, events []*eventdomain.Event) error {
	if len(events) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}, {Name: "row_index"}},
			DoNothing: true,
		}).
		Create(events).Error
}
