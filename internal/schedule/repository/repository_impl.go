package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/plotline/plotline/internal/clock"
	scheduledomain "github.com/plotline/plotline/internal/schedule/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Clock clock.Clock
}

type Repository struct {
	db    *gorm.DB
	clock clock.Clock
}

func New(p Params) *Repository {
	return &Repository{db: p.DB, clock: p.Clock}
}

func (r *Repository) Create(ctx context.Context, sched *scheduledomain.Schedule) error {
	return r.db.WithContext(ctx).Create(sched).Error
}

func (r *Repository) Get(ctx context.Context, id snowflake.ID) (*scheduledomain.Schedule, error) {
	var sched scheduledomain.Schedule
	err := r.db.WithContext(ctx).First(&sched, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, scheduledomain.ErrScheduleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sched, nil
}

func (r *Repository) Delete(ctx context.Context, id snowflake.ID) error {
	return r.db.WithContext(ctx).Delete(&scheduledomain.Schedule{}, "id = ?", id).Error
}

// Due lists enabled schedules whose next run has arrived, oldest first.
func (r *Repository) Due(ctx context.Context, now time.Time, limit int) ([]*scheduledomain.Schedule, error) {
	var scheds []*scheduledomain.Schedule
	err := r.db.WithContext(ctx).
		Where("enabled = ? AND next_run_at IS NOT NULL AND next_run_at <= ?", true, now).
		Order("next_run_at ASC").
		Limit(limit).
		Find(&scheds).Error
	return scheds, err
}

// MarkTriggered claims one due schedule by advancing next_run_at. The
// equality guard on the old value means exactly one sweeping process wins;
// losers skip the schedule silently.
func (r *Repository) MarkTriggered(ctx context.Context, sched *scheduledomain.Schedule, next time.Time) (bool, error) {
	now := r.clock.Now()
	result := r.db.WithContext(ctx).Exec(
		`UPDATE import_schedules
		 SET next_run_at = ?, last_run_at = ?, last_status = ?, updated_at = ?
		 WHERE id = ? AND next_run_at = ?`,
		next, now, "running", now,
		sched.ID, sched.NextRunAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Touch records a manual trigger: optimistic running status, run timestamps
// advanced unconditionally.
func (r *Repository) Touch(ctx context.Context, id snowflake.ID, next time.Time) error {
	now := r.clock.Now()
	return r.db.WithContext(ctx).Exec(
		`UPDATE import_schedules
		 SET next_run_at = ?, last_run_at = ?, last_status = ?, updated_at = ?
		 WHERE id = ?`,
		next, now, "running", now, id,
	).Error
}

// SetLastStatus reports the terminal outcome of the schedule's latest job.
func (r *Repository) SetLastStatus(ctx context.Context, id snowflake.ID, status string) error {
	return r.db.WithContext(ctx).Exec(
		`UPDATE import_schedules SET last_status = ?, updated_at = ? WHERE id = ?`,
		status, r.clock.Now(), id,
	).Error
}
