package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
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
	"github.com/plotline/plotline/internal/observability"
	quotadomain "github.com/plotline/plotline/internal/quota/domain"
	quotarepo "github.com/plotline/plotline/internal/quota/repository"
	quotaservice "github.com/plotline/plotline/internal/quota/service"
	"github.com/plotline/plotline/internal/ratelimit"
	scheduledomain "github.com/plotline/plotline/internal/schedule/domain"
	schedulerepo "github.com/plotline/plotline/internal/schedule/repository"
	scheduleservice "github.com/plotline/plotline/internal/schedule/service"
	userdomain "github.com/plotline/plotline/internal/user/domain"
	"github.com/plotline/plotline/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	engine *gin.Engine
	db     *gorm.DB
	fc     *clock.FakeClock
	node   *snowflake.Node
	member snowflake.ID
	admin  snowflake.ID
	quota  quotadomain.Service
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
	node, err := snowflake.NewNode(5)
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
	registry := cache.NewRegistry()
	registry.Register(geocodeservice.CacheName, geocodeservice.NewCacheInstance(geoRepo, holder))

	w := worker.New(worker.Params{
		Log: log, Holder: holder, Clock: fc,
		Jobs: jobs, Runner: run, Schedules: scheds, Datasets: datasets,
		Quota: quota, Caches: registry,
	})

	engine := NewEngine(observability.Config{Environment: "test"})
	NewServer(ServerParams{
		Gin: engine, DB: db, Log: log, Clock: fc, GenID: node,
		Datasets: datasets, Mappings: mappings, Jobs: jobSvc,
		Schedules: scheds, Caches: registry, Worker: w,
	})

	member := node.Generate()
	admin := node.Generate()
	require.NoError(t, db.Create(&userdomain.User{
		ID: member, Email: "member@example.com", Role: userdomain.RoleMember,
	}).Error)
	require.NoError(t, db.Create(&userdomain.User{
		ID: admin, Email: "ops@example.com", Role: userdomain.RoleAdmin,
	}).Error)

	return &fixture{
		engine: engine, db: db, fc: fc, node: node,
		member: member, admin: admin, quota: quota,
	}
}

func (f *fixture) do(t *testing.T, user snowflake.ID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != 0 {
		req.Header.Set(HeaderUser, user.String())
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func dataField(t *testing.T, rec *httptest.ResponseRecorder, field string) string {
	t.Helper()
	data, ok := decode(t, rec)["data"].(map[string]any)
	require.True(t, ok, rec.Body.String())
	value, _ := data[field].(string)
	return value
}

const uploadCSV = "title,when,lat,lon\n" +
	"Concert,2026-03-01 19:00:00,52.52,13.405\n" +
	"Reading,2026-03-02 18:00:00,48.137,11.575\n"

func (f *fixture) upload(t *testing.T, user snowflake.ID, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "events.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("format", "csv"))
	require.NoError(t, mw.WriteField("name", "events"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/datasets", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(HeaderUser, user.String())
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func standardGraph() mappingdomain.Graph {
	return mappingdomain.Graph{Edges: []mappingdomain.Edge{
		{SourceColumn: "title", TargetField: mappingdomain.FieldTitle},
		{SourceColumn: "when", TargetField: mappingdomain.FieldTimestamp},
		{SourceColumn: "lat", TargetField: mappingdomain.FieldLatitude},
		{SourceColumn: "lon", TargetField: mappingdomain.FieldLongitude},
	}}
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, 0, http.MethodGet, "/v1/datasets/1", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, f.node.Generate(), http.MethodGet, "/v1/datasets/1", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "unknown user id")
}

func TestImportFlowOverHTTP(t *testing.T) {
	f := newFixture(t)

	rec := f.upload(t, f.member, uploadCSV)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	datasetID := dataField(t, rec, "id")
	assert.Equal(t, "ready", dataField(t, rec, "parse_status"))

	rec = f.do(t, f.member, http.MethodPost, "/v1/mappings", gin.H{
		"dataset_id": datasetID,
		"name":       "events",
		"graph":      standardGraph(),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	mappingID := dataField(t, rec, "id")

	rec = f.do(t, f.member, http.MethodPost, "/v1/jobs", gin.H{
		"dataset_id": datasetID,
		"mapping_id": mappingID,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	jobID := dataField(t, rec, "id")
	assert.Equal(t, "pending", dataField(t, rec, "stage"))

	rec = f.do(t, f.member, http.MethodPost, "/v1/jobs/run", gin.H{"limit": 10})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(1), decode(t, rec)["jobs_run"])

	rec = f.do(t, f.member, http.MethodGet, "/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", dataField(t, rec, "stage"))

	var events int64
	require.NoError(t, f.db.Model(&eventdomain.Event{}).Count(&events).Error)
	assert.Equal(t, int64(2), events)
}

func TestUploadParseFailureReturnsRecord(t *testing.T) {
	f := newFixture(t)

	// Garbage bytes labelled xlsx fail in the spreadsheet reader.
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "broken.xlsx")
	require.NoError(t, err)
	_, err = part.Write([]byte("this is not a zip archive"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("format", "xlsx"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/datasets", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(HeaderUser, f.member.String())
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	assert.Equal(t, "failed", dataField(t, rec, "parse_status"))
	assert.NotEmpty(t, dataField(t, rec, "parse_error"))
	assert.NotEmpty(t, dataField(t, rec, "id"))
}

func TestGetDatasetHidesForeignResource(t *testing.T) {
	f := newFixture(t)

	rec := f.upload(t, f.member, uploadCSV)
	require.Equal(t, http.StatusCreated, rec.Code)
	datasetID := dataField(t, rec, "id")

	other := f.node.Generate()
	require.NoError(t, f.db.Create(&userdomain.User{
		ID: other, Email: "other@example.com", Role: userdomain.RoleMember,
	}).Error)

	rec = f.do(t, other, http.MethodGet, "/v1/datasets/"+datasetID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, f.admin, http.MethodGet, "/v1/datasets/"+datasetID, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "admins see everything")
}

func TestCreateJobQuotaExceeded(t *testing.T) {
	f := newFixture(t)

	rec := f.upload(t, f.member, uploadCSV)
	require.Equal(t, http.StatusCreated, rec.Code)
	datasetID := dataField(t, rec, "id")

	rec = f.do(t, f.member, http.MethodPost, "/v1/mappings", gin.H{
		"dataset_id": datasetID,
		"name":       "events",
		"graph":      standardGraph(),
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	mappingID := dataField(t, rec, "id")

	require.NoError(t, f.db.Exec(
		"UPDATE quota_ledgers SET limit_jobs_per_day = 0 WHERE user_id = ?", f.member,
	).Error)

	rec = f.do(t, f.member, http.MethodPost, "/v1/jobs", gin.H{
		"dataset_id": datasetID,
		"mapping_id": mappingID,
	})
	require.Equal(t, http.StatusTooManyRequests, rec.Code, rec.Body.String())
	payload, ok := decode(t, rec)["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "quota_exceeded", payload["type"])
	assert.Equal(t, string(quotadomain.TypeJobsPerDay), payload["quota"])
}

func TestCancelJobRecordsIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.upload(t, f.member, uploadCSV)
	require.Equal(t, http.StatusCreated, rec.Code)
	datasetID := dataField(t, rec, "id")
	rec = f.do(t, f.member, http.MethodPost, "/v1/mappings", gin.H{
		"dataset_id": datasetID, "name": "events", "graph": standardGraph(),
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, f.member, http.MethodPost, "/v1/jobs", gin.H{
		"dataset_id": datasetID, "mapping_id": dataField(t, rec, "id"),
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	jobID := dataField(t, rec, "id")

	rec = f.do(t, f.member, http.MethodPost, "/v1/jobs/"+jobID+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	id, err := strconv.ParseInt(jobID, 10, 64)
	require.NoError(t, err)
	var job jobdomain.Job
	require.NoError(t, f.db.WithContext(ctx).First(&job, "id = ?", id).Error)
	assert.Equal(t, jobdomain.RequestedCancelled, job.RequestedStatus)
}

func TestScheduleCreateAndTrigger(t *testing.T) {
	f := newFixture(t)

	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, uploadCSV)
	}))
	t.Cleanup(feed.Close)

	rec := f.upload(t, f.member, uploadCSV)
	require.Equal(t, http.StatusCreated, rec.Code)
	datasetID := dataField(t, rec, "id")
	rec = f.do(t, f.member, http.MethodPost, "/v1/mappings", gin.H{
		"dataset_id": datasetID, "name": "feed", "graph": standardGraph(), "reusable": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	mappingID := dataField(t, rec, "id")

	rec = f.do(t, f.member, http.MethodPost, "/v1/schedules", gin.H{
		"name":             "nightly",
		"url":              feed.URL,
		"format":           "csv",
		"mapping_id":       mappingID,
		"interval_minutes": 30,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	scheduleID := dataField(t, rec, "id")
	assert.NotEmpty(t, dataField(t, rec, "next_run_at"))

	rec = f.do(t, f.member, http.MethodPost, "/v1/imports/"+scheduleID+"/trigger", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, scheduleID, dataField(t, rec, "schedule_id"))
	jobID := dataField(t, rec, "id")

	rec = f.do(t, f.member, http.MethodPost, "/v1/jobs/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, f.member, http.MethodGet, "/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", dataField(t, rec, "stage"))
}

func TestDeleteScheduleFreesQuotaSlot(t *testing.T) {
	f := newFixture(t)

	rec := f.upload(t, f.member, uploadCSV)
	require.Equal(t, http.StatusCreated, rec.Code)
	datasetID := dataField(t, rec, "id")
	rec = f.do(t, f.member, http.MethodPost, "/v1/mappings", gin.H{
		"dataset_id": datasetID, "name": "feed", "graph": standardGraph(), "reusable": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	mappingID := dataField(t, rec, "id")

	rec = f.do(t, f.member, http.MethodPost, "/v1/schedules", gin.H{
		"name": "nightly", "url": "https://example.com/feed.csv",
		"format": "csv", "mapping_id": mappingID, "interval_minutes": 30,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	scheduleID := dataField(t, rec, "id")

	other := f.node.Generate()
	require.NoError(t, f.db.Create(&userdomain.User{
		ID: other, Email: "intruder@example.com", Role: userdomain.RoleMember,
	}).Error)
	rec = f.do(t, other, http.MethodDelete, "/v1/schedules/"+scheduleID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, f.member, http.MethodDelete, "/v1/schedules/"+scheduleID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, f.member, http.MethodPost, "/v1/imports/"+scheduleID+"/trigger", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var ledger quotadomain.Ledger
	require.NoError(t, f.db.First(&ledger, "user_id = ?", f.member).Error)
	assert.Equal(t, int64(0), ledger.UsedActiveSchedules)
}

func TestCacheAdminRequiresAdminRole(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, f.member, http.MethodGet, "/v1/caches/geocode/keys", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, f.admin, http.MethodGet, "/v1/caches/geocode/keys", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestCacheEntryLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, f.admin, http.MethodPut, "/v1/caches/geocode/entries/berlin%20germany", gin.H{
		"value": gin.H{"latitude": 52.52, "longitude": 13.405, "confidence": 0.9},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, f.admin, http.MethodGet, "/v1/caches/geocode/entries/berlin%20germany", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "berlin germany", dataField(t, rec, "key"))

	rec = f.do(t, f.admin, http.MethodGet, "/v1/caches/geocode/keys", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["total"])

	rec = f.do(t, f.admin, http.MethodDelete, "/v1/caches/geocode/entries/berlin%20germany", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, f.admin, http.MethodGet, "/v1/caches/geocode/entries/berlin%20germany", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, f.admin, http.MethodGet, "/v1/caches/nonexistent/keys", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCacheKeyListingWithMetadata(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, f.admin, http.MethodPut, "/v1/caches/geocode/entries/berlin%20germany", gin.H{
		"value": gin.H{"latitude": 52.52, "longitude": 13.405, "confidence": 0.9},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, f.admin, http.MethodGet, "/v1/caches/geocode/keys?metadata=true", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, float64(1), body["total"])
	entries, ok := body["entries"].([]any)
	require.True(t, ok, rec.Body.String())
	require.Len(t, entries, 1)
	entry, ok := entries[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "berlin germany", entry["key"])
	assert.NotEmpty(t, entry["expires_at"])

	rec = f.do(t, f.admin, http.MethodGet, "/v1/caches/geocode/keys", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, present := decode(t, rec)["entries"]
	assert.False(t, present, "metadata only on request")
}

func TestCacheCleanupRemovesExpiredEntries(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, f.admin, http.MethodPut, "/v1/caches/geocode/entries/old%20town", gin.H{
		"value":       gin.H{"latitude": 1.0, "longitude": 2.0},
		"ttl_seconds": 60,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	f.fc.Advance(2 * time.Minute)
	rec = f.do(t, f.admin, http.MethodPost, "/v1/caches/cleanup", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(1), decode(t, rec)["entries_removed"])
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, 0, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, 0, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
