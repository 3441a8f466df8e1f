package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	datasetdomain "github.com/plotline/plotline/internal/dataset/domain"
	jobdomain "github.com/plotline/plotline/internal/importjob/domain"
	jobrepo "github.com/plotline/plotline/internal/importjob/repository"
	mappingdomain "github.com/plotline/plotline/internal/mapping/domain"
	quotadomain "github.com/plotline/plotline/internal/quota/domain"
	quotaservice "github.com/plotline/plotline/internal/quota/service"
	scheduledomain "github.com/plotline/plotline/internal/schedule/domain"
	"github.com/plotline/plotline/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  *jobrepo.Repository
	Quota quotadomain.Service
}

// Service creates and inspects jobs on behalf of the API; only the worker
// advances them.
type Service struct {
	log      *zap.Logger
	genID    *snowflake.Node
	repo     *jobrepo.Repository
	quota    quotadomain.Service
	datasets repository.Repository[datasetdomain.Dataset]
	mappings repository.Repository[mappingdomain.FieldMapping]
}

func New(p Params) *Service {
	return &Service{
		log:      p.Log.Named("importjob.service"),
		genID:    p.GenID,
		repo:     p.Repo,
		quota:    p.Quota,
		datasets: repository.ProvideStore[datasetdomain.Dataset](p.DB),
		mappings: repository.ProvideStore[mappingdomain.FieldMapping](p.DB),
	}
}

// CreateForDataset enqueues a job for an uploaded dataset. The job starts
// pending with user intent recorded; the worker takes it from there.
func (s *Service) CreateForDataset(ctx context.Context, ownerID, datasetID, mappingID snowflake.ID) (*jobdomain.Job, error) {
	if err := quotaservice.CheckAndExplain(ctx, s.quota, ownerID, quotadomain.TypeJobsPerDay, 1); err != nil {
		return nil, err
	}

	dataset, err := s.datasets.FindOne(ctx, &datasetdomain.Dataset{ID: datasetID})
	if err != nil {
		return nil, err
	}
	if dataset == nil || dataset.OwnerID != ownerID {
		return nil, datasetdomain.ErrDatasetNotFound
	}
	mapping, err := s.mappings.FindOne(ctx, &mappingdomain.FieldMapping{ID: mappingID})
	if err != nil {
		return nil, err
	}
	if mapping == nil {
		return nil, mappingdomain.ErrMappingNotFound
	}

	job := &jobdomain.Job{
		ID:              s.genID.Generate(),
		OwnerID:         ownerID,
		DatasetID:       &datasetID,
		MappingID:       mappingID,
		Stage:           jobdomain.StagePending,
		RequestedStatus: jobdomain.RequestedRunning,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, err
	}
	if err := s.quota.Increment(ctx, ownerID, quotadomain.TypeJobsPerDay, 1); err != nil {
		s.log.Warn("jobs counter increment failed", zap.Error(err))
	}
	s.log.Info("job enqueued",
		zap.String("job_id", job.ID.String()),
		zap.String("dataset_id", datasetID.String()),
	)
	return job, nil
}

// CreateForSchedule enqueues a job whose dataset the worker will fetch.
func (s *Service) CreateForSchedule(ctx context.Context, sched *scheduledomain.Schedule) (*jobdomain.Job, error) {
	if err := quotaservice.CheckAndExplain(ctx, s.quota, sched.OwnerID, quotadomain.TypeJobsPerDay, 1); err != nil {
		return nil, err
	}

	scheduleID := sched.ID
	job := &jobdomain.Job{
		ID:              s.genID.Generate(),
		OwnerID:         sched.OwnerID,
		MappingID:       sched.MappingID,
		ScheduleID:      &scheduleID,
		Stage:           jobdomain.StagePending,
		RequestedStatus: jobdomain.RequestedRunning,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, err
	}
	if err := s.quota.Increment(ctx, sched.OwnerID, quotadomain.TypeJobsPerDay, 1); err != nil {
		s.log.Warn("jobs counter increment failed", zap.Error(err))
	}
	s.log.Info("scheduled job enqueued",
		zap.String("job_id", job.ID.String()),
		zap.String("schedule_id", scheduleID.String()),
	)
	return job, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*jobdomain.Job, error) {
	return s.repo.Get(ctx, id)
}

// Cancel records the owner's intent to stop the job. The worker honors it
// at the next stage boundary.
func (s *Service) Cancel(ctx context.Context, id snowflake.ID) error {
	return s.repo.Cancel(ctx, id)
}

func (s *Service) CountByStage(ctx context.Context) (map[jobdomain.Stage]int64, error) {
	return s.repo.CountByStage(ctx)
}
