package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/plotline/plotline/internal/clock"
	jobdomain "github.com/plotline/plotline/internal/importjob/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Clock clock.Clock
}

// Repository mutates import jobs through conditional UPDATEs so that two
// workers can never advance the same job. RowsAffected carries the verdict.
type Repository struct {
	db    *gorm.DB
	clock clock.Clock
}

func New(p Params) *Repository {
	return &Repository{db: p.DB, clock: p.Clock}
}

// WithTrx binds the repository to tx, so a caller can commit a job update
// atomically with its own writes.
func (r *Repository) WithTrx(tx *gorm.DB) *Repository {
	return &Repository{db: tx, clock: r.clock}
}

func (r *Repository) Create(ctx context.Context, job *jobdomain.Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repository) Get(ctx context.Context, id snowflake.ID) (*jobdomain.Job, error) {
	var job jobdomain.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, jobdomain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// FindClaimable lists pending job ids, oldest first.
func (r *Repository) FindClaimable(ctx context.Context, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := r.db.WithContext(ctx).
		Model(&jobdomain.Job{}).
		Where("stage = ?", jobdomain.StagePending).
		Order("created_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

// Claim takes exclusive ownership of a pending job by moving it into
// fetching. Losing the race returns ErrAlreadyClaimed and touches nothing.
func (r *Repository) Claim(ctx context.Context, id snowflake.ID, runID string) (*jobdomain.Job, error) {
	now := r.clock.Now()
	result := r.db.WithContext(ctx).Exec(
		`UPDATE import_jobs
		 SET stage = ?, run_id = ?, claimed_at = ?, attempts = 0, updated_at = ?
		 WHERE id = ? AND stage = ?`,
		jobdomain.StageFetching, runID, now, now,
		id, jobdomain.StagePending,
	)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, jobdomain.ErrAlreadyClaimed
	}
	return r.Get(ctx, id)
}

// Transition advances a job one stage. The from-stage guard turns external
// interference into ErrStageConflict instead of a silent overwrite.
func (r *Repository) Transition(ctx context.Context, id snowflake.ID, from, to jobdomain.Stage) error {
	now := r.clock.Now()
	result := r.db.WithContext(ctx).Exec(
		`UPDATE import_jobs
		 SET stage = ?, attempts = 0, updated_at = ?
		 WHERE id = ? AND stage = ?`,
		to, now, id, from,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return jobdomain.ErrStageConflict
	}
	return nil
}

// RecordRetry bumps the attempt counter ahead of a same-stage retry.
func (r *Repository) RecordRetry(ctx context.Context, id snowflake.ID, attempts int) error {
	return r.db.WithContext(ctx).Exec(
		`UPDATE import_jobs SET attempts = ?, updated_at = ? WHERE id = ?`,
		attempts, r.clock.Now(), id,
	).Error
}

// AddProgress accumulates row counters and moves the checkpoint to the last
// fully committed row offset.
func (r *Repository) AddProgress(ctx context.Context, id snowflake.ID, seen, succeeded, failed, checkpoint int64) error {
	return r.db.WithContext(ctx).Exec(
		`UPDATE import_jobs
		 SET rows_seen = rows_seen + ?,
		     rows_succeeded = rows_succeeded + ?,
		     rows_failed = rows_failed + ?,
		     checkpoint = ?,
		     updated_at = ?
		 WHERE id = ?`,
		seen, succeeded, failed, checkpoint, r.clock.Now(), id,
	).Error
}

// SetDataset attaches the dataset fetched for a scheduled job.
func (r *Repository) SetDataset(ctx context.Context, id, datasetID snowflake.ID) error {
	return r.db.WithContext(ctx).Exec(
		`UPDATE import_jobs SET dataset_id = ?, updated_at = ? WHERE id = ?`,
		datasetID, r.clock.Now(), id,
	).Error
}

// Complete moves a materializing job to its terminal success state.
func (r *Repository) Complete(ctx context.Context, id snowflake.ID, from jobdomain.Stage) error {
	now := r.clock.Now()
	result := r.db.WithContext(ctx).Exec(
		`UPDATE import_jobs
		 SET stage = ?, finished_at = ?, updated_at = ?
		 WHERE id = ? AND stage = ?`,
		jobdomain.StageCompleted, now, now, id, from,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return jobdomain.ErrStageConflict
	}
	return nil
}

// Fail records the causing error and moves the job to failed. The error log
// append is a plain read-modify-write; the claiming worker owns the job, so
// nobody else writes it concurrently.
func (r *Repository) Fail(ctx context.Context, job *jobdomain.Job, stage jobdomain.Stage, attempt int, cause error) error {
	now := r.clock.Now()

	var entries []jobdomain.ErrorLogEntry
	if len(job.ErrorLog) > 0 {
		if err := json.Unmarshal(job.ErrorLog, &entries); err != nil {
			entries = nil
		}
	}
	entries = append(entries, jobdomain.ErrorLogEntry{
		Stage:   stage,
		Attempt: attempt,
		Message: cause.Error(),
		At:      now,
	})
	log, err := json.Marshal(entries)
	if err != nil {
		return err
	}

	return r.db.WithContext(ctx).Exec(
		`UPDATE import_jobs
		 SET stage = ?, last_error = ?, error_log = ?, finished_at = ?, updated_at = ?
		 WHERE id = ?`,
		jobdomain.StageFailed, cause.Error(), log, now, now, job.ID,
	).Error
}

// FindAbandoned lists mid-pipeline jobs nobody has touched since before
// the cutoff, candidates for reclaim after a worker crash.
func (r *Repository) FindAbandoned(ctx context.Context, before time.Time, limit int) ([]*jobdomain.Job, error) {
	var jobs []*jobdomain.Job
	err := r.db.WithContext(ctx).
		Where("stage NOT IN (?, ?, ?) AND updated_at < ?",
			jobdomain.StagePending, jobdomain.StageCompleted, jobdomain.StageFailed, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// Reclaim takes over an abandoned job. The run_id guard makes sure only one
// worker wins when several spot the same stale job.
func (r *Repository) Reclaim(ctx context.Context, id snowflake.ID, oldRunID, newRunID string) (*jobdomain.Job, error) {
	now := r.clock.Now()
	result := r.db.WithContext(ctx).Exec(
		`UPDATE import_jobs
		 SET run_id = ?, claimed_at = ?, updated_at = ?
		 WHERE id = ? AND run_id = ?`,
		newRunID, now, now, id, oldRunID,
	)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, jobdomain.ErrAlreadyClaimed
	}
	return r.Get(ctx, id)
}

// Cancel writes the user's intent; the worker observes it between stages.
func (r *Repository) Cancel(ctx context.Context, id snowflake.ID) error {
	result := r.db.WithContext(ctx).Exec(
		`UPDATE import_jobs
		 SET requested_status = ?, updated_at = ?
		 WHERE id = ? AND stage NOT IN (?, ?)`,
		jobdomain.RequestedCancelled, r.clock.Now(),
		id, jobdomain.StageCompleted, jobdomain.StageFailed,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return jobdomain.ErrJobNotFound
	}
	return nil
}

// CountByStage snapshots the job table for the run-jobs API.
func (r *Repository) CountByStage(ctx context.Context) (map[jobdomain.Stage]int64, error) {
	type row struct {
		Stage jobdomain.Stage
		N     int64
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Model(&jobdomain.Job{}).
		Select("stage, COUNT(*) AS n").
		Group("stage").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[jobdomain.Stage]int64, len(rows))
	for _, r := range rows {
		counts[r.Stage] = r.N
	}
	return counts, nil
}

// DeleteFinishedBefore trims completed and failed jobs past retention.
func (r *Repository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("stage IN (?, ?) AND finished_at < ?",
			jobdomain.StageCompleted, jobdomain.StageFailed, cutoff).
		Delete(&jobdomain.Job{})
	return result.RowsAffected, result.Error
}
