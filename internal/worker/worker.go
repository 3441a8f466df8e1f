// Package worker polls for pending import jobs and runs the housekeeping
// sweeps that keep the pipeline healthy: due schedules, abandoned jobs,
// daily quota resets, retention and cache cleanup.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/plotline/plotline/internal/cache"
	"github.com/plotline/plotline/internal/clock"
	"github.com/plotline/plotline/internal/config"
	datasetservice "github.com/plotline/plotline/internal/dataset/service"
	jobdomain "github.com/plotline/plotline/internal/importjob/domain"
	jobrepo "github.com/plotline/plotline/internal/importjob/repository"
	"github.com/plotline/plotline/internal/importjob/runner"
	obsmetrics "github.com/plotline/plotline/internal/observability/metrics"
	quotadomain "github.com/plotline/plotline/internal/quota/domain"
	"github.com/plotline/plotline/internal/ratelimit"
	scheduleservice "github.com/plotline/plotline/internal/schedule/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// abandonedAfter is how long a mid-pipeline job may sit untouched before
// another worker is allowed to take it over.
const abandonedAfter = 15 * time.Minute

// housekeepingLockKey serializes the sweeps across worker processes. Job
// claiming needs no lock; the conditional UPDATE already arbitrates.
const housekeepingLockKey = "plotline:worker:housekeeping"

type Params struct {
	fx.In

	Log       *zap.Logger
	Holder    *config.ImportConfigHolder
	Clock     clock.Clock
	Jobs      *jobrepo.Repository
	Runner    *runner.Runner
	Schedules *scheduleservice.Service
	Datasets  *datasetservice.Service
	Quota     quotadomain.Service
	Caches    *cache.Registry
	Locker    *ratelimit.Locker `optional:"true"`
}

type Worker struct {
	log       *zap.Logger
	holder    *config.ImportConfigHolder
	clock     clock.Clock
	jobs      *jobrepo.Repository
	runner    *runner.Runner
	schedules *scheduleservice.Service
	datasets  *datasetservice.Service
	quota     quotadomain.Service
	caches    *cache.Registry
	locker    *ratelimit.Locker
}

func New(p Params) *Worker {
	return &Worker{
		log:       p.Log.Named("worker"),
		holder:    p.Holder,
		clock:     p.Clock,
		jobs:      p.Jobs,
		runner:    p.Runner,
		schedules: p.Schedules,
		datasets:  p.Datasets,
		quota:     p.Quota,
		caches:    p.Caches,
		locker:    p.Locker,
	}
}

// RunOnce performs one poll round: housekeeping sweeps first so freshly due
// schedules produce jobs this round, then claiming and running. Each part
// keeps going when another fails; the joined error reports all of them.
func (w *Worker) RunOnce(ctx context.Context) error {
	err := errors.Join(
		w.housekeeping(ctx),
		w.reclaimAbandoned(ctx),
		w.claimJobs(ctx),
	)

	metrics := obsmetrics.Worker()
	if err != nil {
		metrics.IncPollRun("error")
		metrics.IncPollError(err)
	} else {
		metrics.IncPollRun("ok")
	}
	return err
}

// RunForever polls on the configured interval until the context ends.
func (w *Worker) RunForever(ctx context.Context) {
	interval := w.holder.Get().Worker.PollInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := w.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("poll round finished with errors", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// claimJobs takes a batch of pending jobs and runs each to a terminal
// stage. Lost claims are normal under multiple workers and only counted.
func (w *Worker) claimJobs(ctx context.Context) error {
	_, err := w.drainBatch(ctx, w.holder.Get().Worker.BatchLimit)
	return err
}

// DrainJobs claims and runs pending jobs synchronously for the run-jobs
// API: up to limit per iteration, stopping early once the queue is empty.
// Returns the number of jobs run.
func (w *Worker) DrainJobs(ctx context.Context, limit, iterations int) (int, error) {
	if limit <= 0 {
		limit = w.holder.Get().Worker.BatchLimit
	}
	if iterations <= 0 {
		iterations = 1
	}

	var total int
	for i := 0; i < iterations; i++ {
		ran, err := w.drainBatch(ctx, limit)
		total += ran
		if err != nil {
			return total, err
		}
		if ran == 0 {
			break
		}
	}
	return total, nil
}

func (w *Worker) drainBatch(ctx context.Context, limit int) (int, error) {
	ids, err := w.jobs.FindClaimable(ctx, limit)
	if err != nil {
		return 0, err
	}

	metrics := obsmetrics.Worker()
	var ran int
	for _, id := range ids {
		job, err := w.jobs.Claim(ctx, id, ulid.Make().String())
		if errors.Is(err, jobdomain.ErrAlreadyClaimed) {
			metrics.IncClaimConflict()
			continue
		}
		if err != nil {
			return ran, err
		}
		metrics.IncJobClaimed("poll")
		if err := w.runAndReport(ctx, job); err != nil {
			return ran, err
		}
		ran++
	}
	return ran, nil
}

// reclaimAbandoned resumes jobs whose worker died mid-pipeline. The run_id
// guard in Reclaim makes the takeover exclusive; the stage machine and the
// materialize checkpoint make the resume safe.
func (w *Worker) reclaimAbandoned(ctx context.Context) error {
	limit := w.holder.Get().Worker.BatchLimit
	cutoff := w.clock.Now().Add(-abandonedAfter)
	stale, err := w.jobs.FindAbandoned(ctx, cutoff, limit)
	if err != nil {
		return err
	}

	metrics := obsmetrics.Worker()
	for _, candidate := range stale {
		job, err := w.jobs.Reclaim(ctx, candidate.ID, candidate.RunID, ulid.Make().String())
		if errors.Is(err, jobdomain.ErrAlreadyClaimed) {
			metrics.IncClaimConflict()
			continue
		}
		if err != nil {
			return err
		}
		metrics.IncJobClaimed("reclaim")
		w.log.Info("reclaimed abandoned job",
			zap.String("job_id", job.ID.String()),
			zap.String("stage", string(job.Stage)),
		)
		if err := w.runAndReport(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) runAndReport(ctx context.Context, job *jobdomain.Job) error {
	if err := w.runner.Run(ctx, job); err != nil {
		return err
	}
	if job.ScheduleID == nil {
		return nil
	}

	final, err := w.jobs.Get(ctx, job.ID)
	if err != nil {
		return err
	}
	if !jobdomain.Terminal(final.Stage) {
		return nil
	}
	return w.schedules.ReportOutcome(ctx, *job.ScheduleID, final.Stage)
}

// housekeeping runs the shared sweeps under a best-effort lease so only one
// process per round pays for them. Without redis every process sweeps; the
// conditional UPDATEs keep that correct, just noisier.
func (w *Worker) housekeeping(ctx context.Context) error {
	interval := w.holder.Get().Worker.PollInterval()
	token, ok, err := w.locker.TryLock(ctx, housekeepingLockKey, interval)
	if err != nil {
		w.log.Warn("housekeeping lock unavailable, sweeping anyway", zap.Error(err))
	} else if !ok {
		return nil
	} else {
		defer w.locker.Release(ctx, housekeepingLockKey, token)
	}

	return errors.Join(
		w.sweepSchedules(ctx),
		w.resetQuotas(ctx),
		w.enforceRetention(ctx),
		w.cleanupCaches(ctx),
	)
}

func (w *Worker) sweepSchedules(ctx context.Context) error {
	limit := w.holder.Get().Worker.BatchLimit
	triggered, err := w.schedules.Sweep(ctx, limit)
	if err != nil {
		return err
	}
	if triggered > 0 {
		w.log.Info("schedules triggered", zap.Int("count", triggered))
	}
	return nil
}

func (w *Worker) resetQuotas(ctx context.Context) error {
	touched, err := w.quota.ResetDailyCounters(ctx)
	if err != nil {
		return err
	}
	if touched > 0 {
		w.log.Info("daily quota counters reset", zap.Int64("count", touched))
	}
	return nil
}

func (w *Worker) enforceRetention(ctx context.Context) error {
	days := w.holder.Get().Worker.RetentionDays
	cutoff := w.clock.Now().AddDate(0, 0, -days)

	removedJobs, err := w.jobs.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	removedDatasets, derr := w.datasets.DeleteOlderThan(ctx, cutoff)
	if removedJobs > 0 || removedDatasets > 0 {
		w.log.Info("retention sweep",
			zap.Int64("jobs_removed", removedJobs),
			zap.Int64("datasets_removed", removedDatasets),
		)
	}
	return derr
}

func (w *Worker) cleanupCaches(ctx context.Context) error {
	removed, err := w.caches.CleanupAll(ctx, w.clock.Now())
	if removed > 0 {
		w.log.Debug("cache cleanup", zap.Int("entries_removed", removed))
	}
	return err
}
