// Package runner drives one claimed import job through its stages: fetch,
// parse, detect schema, map, geocode, validate, materialize.
package runner

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/plotline/plotline/internal/clock"
	"github.com/plotline/plotline/internal/config"
	datasetdomain "github.com/plotline/plotline/internal/dataset/domain"
	datasetservice "github.com/plotline/plotline/internal/dataset/service"
	eventrepo "github.com/plotline/plotline/internal/event/repository"
	geocodeservice "github.com/plotline/plotline/internal/geocode/service"
	jobdomain "github.com/plotline/plotline/internal/importjob/domain"
	jobrepo "github.com/plotline/plotline/internal/importjob/repository"
	mappingdomain "github.com/plotline/plotline/internal/mapping/domain"
	mappingservice "github.com/plotline/plotline/internal/mapping/service"
	obsmetrics "github.com/plotline/plotline/internal/observability/metrics"
	quotadomain "github.com/plotline/plotline/internal/quota/domain"
	scheduledomain "github.com/plotline/plotline/internal/schedule/domain"
	"github.com/plotline/plotline/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultRetryDelay = 2 * time.Second

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Holder   *config.ImportConfigHolder
	Clock    clock.Clock
	GenID    *snowflake.Node
	Jobs     *jobrepo.Repository
	Datasets *datasetservice.Service
	Mappings *mappingservice.Service
	Geo      *geocodeservice.Service
	Quota    quotadomain.Service
}

type Runner struct {
	db        *gorm.DB
	log       *zap.Logger
	holder    *config.ImportConfigHolder
	clock     clock.Clock
	genID     *snowflake.Node
	jobs      *jobrepo.Repository
	datasets  *datasetservice.Service
	mappings  *mappingservice.Service
	geo       *geocodeservice.Service
	quota     quotadomain.Service
	schedules repository.Repository[scheduledomain.Schedule]
	events    *eventrepo.Repository

	// retryDelay is the linear backoff unit; tests shrink it.
	retryDelay time.Duration
}

func New(p Params) *Runner {
	return &Runner{
		db:         p.DB,
		log:        p.Log.Named("import.runner"),
		holder:     p.Holder,
		clock:      p.Clock,
		genID:      p.GenID,
		jobs:       p.Jobs,
		datasets:   p.Datasets,
		mappings:   p.Mappings,
		geo:        p.Geo,
		quota:      p.Quota,
		schedules:  repository.ProvideStore[scheduledomain.Schedule](p.DB),
		events:     eventrepo.New(p.DB),
		retryDelay: defaultRetryDelay,
	}
}

// runState accumulates what later stages need from earlier ones. It lives
// only for one Run call; a retried or resumed job rebuilds it.
type runState struct {
	job      *jobdomain.Job
	dataset  *datasetdomain.Dataset
	columns  []mappingdomain.SourceColumn
	bindings []mappingdomain.ResolvedBinding
	rowCount int64
}

// Run advances a freshly claimed job until it completes or fails. A failed
// job is a normal outcome, not an error; the returned error only reports
// infrastructure trouble (context cancel, unreachable database).
func (r *Runner) Run(ctx context.Context, job *jobdomain.Job) error {
	state := &runState{job: job}
	log := r.log.With(
		zap.String("job_id", job.ID.String()),
		zap.String("run_id", job.RunID),
	)

	for !jobdomain.Terminal(job.Stage) {
		fresh, err := r.jobs.Get(ctx, job.ID)
		if err != nil {
			return err
		}
		if fresh.Stage != job.Stage {
			// Someone moved the job externally; stop without touching it.
			log.Warn("job moved externally", zap.String("stage", string(fresh.Stage)))
			return nil
		}
		if fresh.Cancelled() {
			log.Info("job cancelled by owner", zap.String("stage", string(job.Stage)))
			return r.jobs.Fail(ctx, fresh, job.Stage, fresh.Attempts, jobdomain.ErrJobCancelled)
		}
		state.job = fresh

		stageErr := r.runStage(ctx, state, job.Stage)
		if stageErr != nil {
			if ctx.Err() != nil {
				// Shutdown mid-stage: leave the job where it is, the
				// checkpoint lets the next claim resume.
				return ctx.Err()
			}
			log.Warn("stage failed",
				zap.String("stage", string(job.Stage)),
				zap.Error(stageErr),
			)
			obsmetrics.Worker().IncStageTransition(string(job.Stage), string(jobdomain.StageFailed))
			return r.jobs.Fail(ctx, state.job, job.Stage, state.job.Attempts, stageErr)
		}

		next, _ := jobdomain.Next(job.Stage)
		if next == jobdomain.StageCompleted {
			if err := r.jobs.Complete(ctx, job.ID, job.Stage); err != nil {
				return err
			}
		} else if err := r.jobs.Transition(ctx, job.ID, job.Stage, next); err != nil {
			if errors.Is(err, jobdomain.ErrStageConflict) {
				log.Warn("stage transition lost", zap.String("stage", string(job.Stage)))
				return nil
			}
			return err
		}
		obsmetrics.Worker().IncStageTransition(string(job.Stage), string(next))
		job.Stage = next
	}

	if job.Stage == jobdomain.StageCompleted {
		log.Info("job completed",
			zap.Int64("rows_succeeded", state.job.RowsSucceeded),
			zap.Int64("rows_failed", state.job.RowsFailed),
		)
	}
	return nil
}

// runStage executes one stage with the same-stage retry budget: linear
// backoff, transient errors only.
func (r *Runner) runStage(ctx context.Context, state *runState, stage jobdomain.Stage) error {
	maxRetries := r.holder.Get().Worker.MaxStageRetries

	for attempt := 1; ; attempt++ {
		started := time.Now()
		err := r.execute(ctx, state, stage)
		obsmetrics.Worker().ObserveStageDuration(string(stage), time.Since(started))
		if err == nil {
			return nil
		}
		if !jobdomain.Transient(err) || attempt > maxRetries {
			return err
		}

		state.job.Attempts = attempt
		if rerr := r.jobs.RecordRetry(ctx, state.job.ID, attempt); rerr != nil {
			return rerr
		}
		obsmetrics.Worker().IncStageRetry(string(stage))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * r.retryDelay):
		}
	}
}

func (r *Runner) execute(ctx context.Context, state *runState, stage jobdomain.Stage) error {
	switch stage {
	case jobdomain.StageFetching:
		return r.fetch(ctx, state)
	case jobdomain.StageParsing:
		return r.parse(ctx, state)
	case jobdomain.StageDetectingSchema:
		return r.detectSchema(ctx, state)
	case jobdomain.StageMapping:
		return r.resolveMapping(ctx, state)
	case jobdomain.StageGeocoding:
		return r.warmGeocodeCache(ctx, state)
	case jobdomain.StageValidating:
		return r.validate(ctx, state)
	case jobdomain.StageMaterializing:
		return r.materialize(ctx, state)
	default:
		return jobdomain.ErrStageConflict
	}
}
