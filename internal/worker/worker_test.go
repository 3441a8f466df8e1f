package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/plotline/plotline/internal/cache"
	"github.com/plotline/plotline/internal/clock"
	"github.com/plotline/plotline/internal/config"
	datasetdomain "github.com/plotline/plotline/internal/dataset/domain"
	datasetservice "github.com/plotline/plotline/internal/dataset/service"
	"github.com/plotline/plotline/internal/dataset/storage"
	eventdomain "github.com/plotline/plotline/internal/event/domain"
	geocodedomain "github.com/plotline/plotline/internal/geocode/domain"
	"github.com/plotline/plotline/internal/geocode/provider"
	geocoderepo "github.com/plotline/plotline/internal/geocode/repository"
	geocodeservice "github.com/plotline/plotline/internal/geocode/service"
	jobdomain "github.com/plotline/plotline/internal/importjob/domain"
	jobrepo "github.com/plotline/plotline/internal/importjob/repository"
	"github.com/plotline/plotline/internal/importjob/runner"
	jobservice "github.com/plotline/plotline/internal/importjob/service"
	mappingdomain "github.com/plotline/plotline/internal/mapping/domain"
	mappingservice "github.com/plotline/plotline/internal/mapping/service"
	quotadomain "github.com/plotline/plotline/internal/quota/domain"
	quotarepo "github.com/plotline/plotline/internal/quota/repository"
	quotaservice "github.com/plotline/plotline/internal/quota/service"
	"github.com/plotline/plotline/internal/ratelimit"
	scheduledomain "github.com/plotline/plotline/internal/schedule/domain"
	schedulerepo "github.com/plotline/plotline/internal/schedule/repository"
	scheduleservice "github.com/plotline/plotline/internal/schedule/service"
	userdomain "github.com/plotline/plotline/internal/user/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db        *gorm.DB
	fc        *clock.FakeClock
	node      *snowflake.Node
	worker    *Worker
	jobs      *jobrepo.Repository
	jobSvc    *jobservice.Service
	schedules *scheduleservice.Service
	datasets  *datasetservice.Service
	mappings  *mappingservice.Service
	quota     quotadomain.Service
	owner     snowflake.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&userdomain.User{},
		&quotadomain.Ledger{},
		&datasetdomain.Dataset{},
		&mappingdomain.FieldMapping{},
		&jobdomain.Job{},
		&scheduledomain.Schedule{},
		&eventdomain.Event{},
		&geocodedomain.CacheEntry{},
	))

	fc := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	log := zap.NewNop()

	cfg := config.DefaultImportConfig()
	cfg.Geocoding.Enabled = false
	holder := config.NewStaticImportConfigHolder(cfg)

	store, err := storage.New(storage.Params{
		Config: config.Config{DataDir: t.TempDir()},
		Log:    log,
	})
	require.NoError(t, err)

	quota := quotaservice.New(quotaservice.Params{
		DB: db, Log: log, Repo: quotarepo.New(), Clock: fc,
	})
	datasets := datasetservice.New(datasetservice.Params{
		DB: db, Log: log, GenID: node, Store: store, Holder: holder, Quota: quota,
	})
	mappings := mappingservice.New(mappingservice.Params{DB: db, Log: log, GenID: node})
	geoRepo := geocoderepo.New(geocoderepo.Params{DB: db, GenID: node, Clock: fc})
	geo := geocodeservice.New(geocodeservice.Params{
		Log:    log,
		Holder: holder,
		Cache:  geoRepo,
		Chain:  provider.NewChain(log, ratelimit.NewProviderLimiter(nil)),
	})
	jobs := jobrepo.New(jobrepo.Params{DB: db, Clock: fc})
	jobSvc := jobservice.New(jobservice.Params{
		DB: db, Log: log, GenID: node, Repo: jobs, Quota: quota,
	})
	run := runner.New(runner.Params{
		DB: db, Log: log, Holder: holder, Clock: fc, GenID: node,
		Jobs: jobs, Datasets: datasets, Mappings: mappings, Geo: geo, Quota: quota,
	})
	scheds := scheduleservice.New(scheduleservice.Params{
		Log: log, GenID: node, Clock: fc,
		Repo: schedulerepo.New(schedulerepo.Params{DB: db, Clock: fc}),
		Jobs: jobSvc, Quota: quota,
	})

	w := New(Params{
		Log: log, Holder: holder, Clock: fc,
		Jobs: jobs, Runner: run, Schedules: scheds, Datasets: datasets,
		Quota: quota, Caches: cache.NewRegistry(),
	})

	owner := node.Generate()
	require.NoError(t, db.Create(&userdomain.User{
		ID:    owner,
		Email: fmt.Sprintf("owner-%d@example.com", owner),
		Role:  userdomain.RoleMember,
	}).Error)

	return &fixture{
		db: db, fc: fc, node: node, worker: w,
		jobs: jobs, jobSvc: jobSvc, schedules: scheds,
		datasets: datasets, mappings: mappings, quota: quota,
		owner: owner,
	}
}

const feedCSV = "title,when,lat,lon\n" +
	"Concert,2026-03-01 19:00:00,52.52,13.405\n" +
	"Reading,2026-03-02 18:00:00,48.137,11.575\n"

func (f *fixture) readyDatasetAndMapping(t *testing.T) (*datasetdomain.Dataset, *mappingdomain.FieldMapping) {
	t.Helper()
	dataset, err := f.datasets.Upload(context.Background(), f.owner, "feed.csv",
		datasetdomain.FormatCSV, strings.NewReader(feedCSV))
	require.NoError(t, err)

	fm, _, err := f.mappings.Create(context.Background(), f.owner, dataset.ID, "feed",
		mappingdomain.Graph{Edges: []mappingdomain.Edge{
			{SourceColumn: "title", TargetField: mappingdomain.FieldTitle},
			{SourceColumn: "when", TargetField: mappingdomain.FieldTimestamp},
			{SourceColumn: "lat", TargetField: mappingdomain.FieldLatitude},
			{SourceColumn: "lon", TargetField: mappingdomain.FieldLongitude},
		}}, false)
	require.NoError(t, err)
	return dataset, fm
}

func TestRunOnceDrainsPendingJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dataset, fm := f.readyDatasetAndMapping(t)

	first, err := f.jobSvc.CreateForDataset(ctx, f.owner, dataset.ID, fm.ID)
	require.NoError(t, err)
	second, err := f.jobSvc.CreateForDataset(ctx, f.owner, dataset.ID, fm.ID)
	require.NoError(t, err)

	require.NoError(t, f.worker.RunOnce(ctx))

	for _, id := range []snowflake.ID{first.ID, second.ID} {
		job, err := f.jobs.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, jobdomain.StageCompleted, job.Stage)
		assert.NotEmpty(t, job.RunID)
	}
	var events int64
	require.NoError(t, f.db.Model(&eventdomain.Event{}).Count(&events).Error)
	assert.Equal(t, int64(4), events)
}

func TestRunOnceTriggersAndRunsDueSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, fm := f.readyDatasetAndMapping(t)

	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, feedCSV)
	}))
	t.Cleanup(feed.Close)

	sched, err := f.schedules.Create(ctx, f.owner, "nightly", feed.URL,
		datasetdomain.FormatCSV, fm.ID, 30*time.Minute)
	require.NoError(t, err)

	f.fc.Advance(31 * time.Minute)
	require.NoError(t, f.worker.RunOnce(ctx))

	var jobs []*jobdomain.Job
	require.NoError(t, f.db.Find(&jobs).Error)
	require.Len(t, jobs, 1)
	assert.Equal(t, jobdomain.StageCompleted, jobs[0].Stage)
	require.NotNil(t, jobs[0].DatasetID, "fetch stage attaches the downloaded dataset")

	fresh, err := f.schedules.Get(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", fresh.LastStatus)
}

func TestRunOnceReclaimsAbandonedJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dataset, fm := f.readyDatasetAndMapping(t)

	// A crashed worker left this job mid-pipeline with a stale heartbeat.
	job := &jobdomain.Job{
		ID:              f.node.Generate(),
		OwnerID:         f.owner,
		DatasetID:       &dataset.ID,
		MappingID:       fm.ID,
		Stage:           jobdomain.StageParsing,
		RequestedStatus: jobdomain.RequestedRunning,
		RunID:           "run-dead",
	}
	require.NoError(t, f.jobs.Create(ctx, job))
	require.NoError(t, f.db.Exec(
		"UPDATE import_jobs SET updated_at = ? WHERE id = ?",
		f.fc.Now().Add(-time.Hour), job.ID,
	).Error)

	require.NoError(t, f.worker.RunOnce(ctx))

	final, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.StageCompleted, final.Stage)
	assert.NotEqual(t, "run-dead", final.RunID)
}

func TestRunOnceResetsDailyQuotaCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.quota.Increment(ctx, f.owner, quotadomain.TypeJobsPerDay, 7))
	f.fc.Advance(24 * time.Hour)

	require.NoError(t, f.worker.RunOnce(ctx))

	decision, err := f.quota.Check(ctx, f.owner, quotadomain.TypeJobsPerDay, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), decision.Current)
}

func TestRunOnceEnforcesJobRetention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dataset, fm := f.readyDatasetAndMapping(t)

	job, err := f.jobSvc.CreateForDataset(ctx, f.owner, dataset.ID, fm.ID)
	require.NoError(t, err)
	loaded, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, f.jobs.Fail(ctx, loaded, jobdomain.StagePending, 0, fmt.Errorf("ancient failure")))

	f.fc.Advance(91 * 24 * time.Hour)
	require.NoError(t, f.worker.RunOnce(ctx))

	_, err = f.jobs.Get(ctx, job.ID)
	assert.ErrorIs(t, err, jobdomain.ErrJobNotFound)
}
