package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/plotline/plotline/internal/clock"
	jobdomain "github.com/plotline/plotline/internal/importjob/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newRepo(t *testing.T) (*Repository, *clock.FakeClock) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// One connection serializes concurrent claims the way a real pool of
	// postgres connections would serialize the row update.
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&jobdomain.Job{}))
	fc := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return New(Params{DB: db, Clock: fc}), fc
}

func newPendingJob(t *testing.T, repo *Repository, id snowflake.ID) *jobdomain.Job {
	t.Helper()
	datasetID := snowflake.ID(900)
	job := &jobdomain.Job{
		ID:              id,
		OwnerID:         1,
		DatasetID:       &datasetID,
		MappingID:       2,
		Stage:           jobdomain.StagePending,
		RequestedStatus: jobdomain.RequestedRunning,
	}
	require.NoError(t, repo.Create(context.Background(), job))
	return job
}

func TestClaimIsExclusive(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()
	newPendingJob(t, repo, 10)

	job, err := repo.Claim(ctx, 10, "run-a")
	require.NoError(t, err)
	assert.Equal(t, jobdomain.StageFetching, job.Stage)
	assert.Equal(t, "run-a", job.RunID)
	require.NotNil(t, job.ClaimedAt)

	_, err = repo.Claim(ctx, 10, "run-b")
	assert.ErrorIs(t, err, jobdomain.ErrAlreadyClaimed)
}

func TestClaimConcurrentSingleWinner(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()
	newPendingJob(t, repo, 11)

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := repo.Claim(ctx, 11, fmt.Sprintf("run-%d", n))
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, jobdomain.ErrAlreadyClaimed) {
				t.Errorf("unexpected claim error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestTransitionGuardsFromStage(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()
	newPendingJob(t, repo, 12)
	_, err := repo.Claim(ctx, 12, "run-a")
	require.NoError(t, err)

	require.NoError(t, repo.Transition(ctx, 12, jobdomain.StageFetching, jobdomain.StageParsing))
	err = repo.Transition(ctx, 12, jobdomain.StageFetching, jobdomain.StageParsing)
	assert.ErrorIs(t, err, jobdomain.ErrStageConflict)
}

func TestAddProgressAccumulates(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()
	newPendingJob(t, repo, 13)

	require.NoError(t, repo.AddProgress(ctx, 13, 5, 4, 1, 5))
	require.NoError(t, repo.AddProgress(ctx, 13, 3, 3, 0, 8))

	job, err := repo.Get(ctx, 13)
	require.NoError(t, err)
	assert.Equal(t, int64(8), job.RowsSeen)
	assert.Equal(t, int64(7), job.RowsSucceeded)
	assert.Equal(t, int64(1), job.RowsFailed)
	assert.Equal(t, int64(8), job.Checkpoint)
}

func TestFailAppendsErrorLog(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()
	job := newPendingJob(t, repo, 14)

	require.NoError(t, repo.Fail(ctx, job, jobdomain.StageParsing, 1, errors.New("first failure")))
	failed, err := repo.Get(ctx, 14)
	require.NoError(t, err)
	require.NoError(t, repo.Fail(ctx, failed, jobdomain.StageParsing, 2, errors.New("second failure")))

	final, err := repo.Get(ctx, 14)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.StageFailed, final.Stage)
	assert.Equal(t, "second failure", final.LastError)
	assert.Contains(t, string(final.ErrorLog), "first failure")
	assert.Contains(t, string(final.ErrorLog), "second failure")
	require.NotNil(t, final.FinishedAt)
}

func TestFindAbandonedSkipsFreshAndTerminal(t *testing.T) {
	repo, fc := newRepo(t)
	ctx := context.Background()

	newPendingJob(t, repo, 20) // pending, never claimable as abandoned
	newPendingJob(t, repo, 21)
	newPendingJob(t, repo, 22)
	_, err := repo.Claim(ctx, 21, "run-stale")
	require.NoError(t, err)
	_, err = repo.Claim(ctx, 22, "run-done")
	require.NoError(t, err)
	job22, err := repo.Get(ctx, 22)
	require.NoError(t, err)
	require.NoError(t, repo.Fail(ctx, job22, jobdomain.StageFetching, 1, errors.New("boom")))

	cutoff := fc.Now().Add(time.Minute)
	stale, err := repo.FindAbandoned(ctx, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, snowflake.ID(21), stale[0].ID)
}

func TestReclaimRequiresMatchingRunID(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()
	newPendingJob(t, repo, 30)
	_, err := repo.Claim(ctx, 30, "run-old")
	require.NoError(t, err)

	job, err := repo.Reclaim(ctx, 30, "run-old", "run-new")
	require.NoError(t, err)
	assert.Equal(t, "run-new", job.RunID)
	assert.Equal(t, jobdomain.StageFetching, job.Stage)

	// A second reclaimer still holding the old run id loses.
	_, err = repo.Reclaim(ctx, 30, "run-old", "run-other")
	assert.ErrorIs(t, err, jobdomain.ErrAlreadyClaimed)
}

func TestCancelOnlyNonTerminal(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()
	newPendingJob(t, repo, 40)

	require.NoError(t, repo.Cancel(ctx, 40))
	job, err := repo.Get(ctx, 40)
	require.NoError(t, err)
	assert.True(t, job.Cancelled())

	require.NoError(t, repo.Fail(ctx, job, jobdomain.StagePending, 0, jobdomain.ErrJobCancelled))
	err = repo.Cancel(ctx, 40)
	assert.ErrorIs(t, err, jobdomain.ErrJobNotFound)
}

func TestCompleteFromMaterializingOnly(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()
	newPendingJob(t, repo, 50)

	err := repo.Complete(ctx, 50, jobdomain.StageMaterializing)
	assert.ErrorIs(t, err, jobdomain.ErrStageConflict)

	require.NoError(t, gormExecStage(t, repo, 50, jobdomain.StageMaterializing))
	require.NoError(t, repo.Complete(ctx, 50, jobdomain.StageMaterializing))

	job, err := repo.Get(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, jobdomain.StageCompleted, job.Stage)
	require.NotNil(t, job.FinishedAt)
}

func TestDeleteFinishedBefore(t *testing.T) {
	repo, fc := newRepo(t)
	ctx := context.Background()

	job := newPendingJob(t, repo, 60)
	require.NoError(t, repo.Fail(ctx, job, jobdomain.StagePending, 0, errors.New("old failure")))
	newPendingJob(t, repo, 61)

	fc.Advance(48 * time.Hour)
	removed, err := repo.DeleteFinishedBefore(ctx, fc.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = repo.Get(ctx, 60)
	assert.ErrorIs(t, err, jobdomain.ErrJobNotFound)
	_, err = repo.Get(ctx, 61)
	assert.NoError(t, err)
}

func TestCountByStage(t *testing.T) {
	repo, _ := newRepo(t)
	ctx := context.Background()

	newPendingJob(t, repo, 70)
	newPendingJob(t, repo, 71)
	job := newPendingJob(t, repo, 72)
	require.NoError(t, repo.Fail(ctx, job, jobdomain.StagePending, 0, errors.New("boom")))

	counts, err := repo.CountByStage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[jobdomain.StagePending])
	assert.Equal(t, int64(1), counts[jobdomain.StageFailed])
}

func gormExecStage(t *testing.T, repo *Repository, id snowflake.ID, stage jobdomain.Stage) error {
	t.Helper()
	return repo.db.Exec("UPDATE import_jobs SET stage = ? WHERE id = ?", stage, id).Error
}
