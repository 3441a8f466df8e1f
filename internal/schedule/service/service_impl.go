package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/plotline/plotline/internal/clock"
	datasetdomain "github.com/plotline/plotline/internal/dataset/domain"
	jobdomain "github.com/plotline/plotline/internal/importjob/domain"
	jobservice "github.com/plotline/plotline/internal/importjob/service"
	quotadomain "github.com/plotline/plotline/internal/quota/domain"
	quotaservice "github.com/plotline/plotline/internal/quota/service"
	scheduledomain "github.com/plotline/plotline/internal/schedule/domain"
	schedulerepo "github.com/plotline/plotline/internal/schedule/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  *schedulerepo.Repository
	Jobs  *jobservice.Service
	Quota quotadomain.Service
}

type Service struct {
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  *schedulerepo.Repository
	jobs  *jobservice.Service
	quota quotadomain.Service
}

func New(p Params) *Service {
	return &Service{
		log:   p.Log.Named("schedule.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
		jobs:  p.Jobs,
		quota: p.Quota,
	}
}

// Create registers a recurring URL import. The first run is due one
// interval from now; manual triggers can run it sooner.
func (s *Service) Create(ctx context.Context, ownerID snowflake.ID, name, url string, format datasetdomain.Format, mappingID snowflake.ID, interval time.Duration) (*scheduledomain.Schedule, error) {
	if err := quotaservice.CheckAndExplain(ctx, s.quota, ownerID, quotadomain.TypeActiveSchedules, 1); err != nil {
		return nil, err
	}

	next := s.clock.Now().Add(interval)
	sched := &scheduledomain.Schedule{
		ID:              s.genID.Generate(),
		OwnerID:         ownerID,
		Name:            name,
		URL:             url,
		Format:          format,
		MappingID:       mappingID,
		IntervalMinutes: int(interval / time.Minute),
		Enabled:         true,
		NextRunAt:       &next,
	}
	if err := s.repo.Create(ctx, sched); err != nil {
		return nil, err
	}
	if err := s.quota.Increment(ctx, ownerID, quotadomain.TypeActiveSchedules, 1); err != nil {
		s.log.Warn("schedule counter increment failed", zap.Error(err))
	}
	return sched, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*scheduledomain.Schedule, error) {
	return s.repo.Get(ctx, id)
}

// Delete removes a schedule and frees its active-schedules quota slot.
// Jobs it already produced are untouched.
func (s *Service) Delete(ctx context.Context, sched *scheduledomain.Schedule) error {
	if err := s.repo.Delete(ctx, sched.ID); err != nil {
		return err
	}
	if err := s.quota.Release(ctx, sched.OwnerID, quotadomain.TypeActiveSchedules, 1); err != nil {
		s.log.Warn("schedule counter release failed", zap.Error(err))
	}
	return nil
}

// Trigger runs a schedule now. The running status is written before the
// job exists, so user-facing state reflects intent immediately; the
// worker's stage transitions become authoritative once it claims the job.
func (s *Service) Trigger(ctx context.Context, sched *scheduledomain.Schedule) (*jobdomain.Job, error) {
	if !sched.Enabled {
		return nil, scheduledomain.ErrScheduleDisabled
	}
	next := s.clock.Now().Add(sched.Interval())
	if err := s.repo.Touch(ctx, sched.ID, next); err != nil {
		return nil, err
	}
	job, err := s.jobs.CreateForSchedule(ctx, sched)
	if err != nil {
		s.repo.SetLastStatus(ctx, sched.ID, "failed")
		return nil, err
	}
	return job, nil
}

// Sweep enqueues jobs for every due schedule. Concurrent sweeps race on
// the next_run_at guard, so each due schedule produces exactly one job.
func (s *Service) Sweep(ctx context.Context, limit int) (int, error) {
	now := s.clock.Now()
	due, err := s.repo.Due(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	var triggered int
	for _, sched := range due {
		won, err := s.repo.MarkTriggered(ctx, sched, now.Add(sched.Interval()))
		if err != nil {
			return triggered, err
		}
		if !won {
			continue
		}
		if _, err := s.jobs.CreateForSchedule(ctx, sched); err != nil {
			// Quota denial or storage trouble; surface on the schedule
			// and keep sweeping.
			s.repo.SetLastStatus(ctx, sched.ID, "failed")
			s.log.Warn("scheduled trigger failed",
				zap.String("schedule_id", sched.ID.String()),
				zap.Error(err),
			)
			continue
		}
		triggered++
	}
	return triggered, nil
}

// ReportOutcome lets the worker write the job's terminal state back onto
// its schedule.
func (s *Service) ReportOutcome(ctx context.Context, scheduleID snowflake.ID, stage jobdomain.Stage) error {
	status := "completed"
	if stage == jobdomain.StageFailed {
		status = "failed"
	}
	return s.repo.SetLastStatus(ctx, scheduleID, status)
}
