package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	JobReasonDeadlineExceeded     = "deadline_exceeded"
	JobReasonDBLockTimeout        = "db_lock_timeout"
	JobReasonSerializationFailure = "serialization_failure"
	JobReasonUniqueViolation      = "unique_violation"
	JobReasonNotFound             = "not_found"
	JobReasonUnknown              = "unknown"
)

const (
	GeocodeResultCacheHit     = "cache_hit"
	GeocodeResultProviderOK   = "provider_ok"
	GeocodeResultProviderFail = "provider_fail"
	GeocodeResultDisabled     = "disabled"
)

// Config carries the constant labels stamped on every metric.
type Config struct {
	ServiceName string
	Environment string
}

// WorkerMetrics captures import worker and geocoding health signals.
type WorkerMetrics struct {
	pollRuns        *prometheus.CounterVec
	pollErrors      *prometheus.CounterVec
	jobsClaimed     *prometheus.CounterVec
	claimConflicts  prometheus.Counter
	stageDuration   *prometheus.HistogramVec
	stageTransition *prometheus.CounterVec
	stageRetries    *prometheus.CounterVec
	rowsProcessed   *prometheus.CounterVec

	geocodeLookups  *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	quotaDenials    *prometheus.CounterVec
}

var (
	workerOnce sync.Once
	workerInst *WorkerMetrics
	workerMu   sync.Mutex
)

// Worker returns the process-wide worker metrics, registering with
// defaults on first use.
func Worker() *WorkerMetrics {
	workerOnce.Do(func() {
		workerInst = newWorkerMetrics(Config{ServiceName: "plotline"})
	})
	return workerInst
}

// WorkerWithConfig installs metrics with explicit constant labels. Safe to
// call once at startup; later calls are ignored.
func WorkerWithConfig(cfg Config) *WorkerMetrics {
	workerMu.Lock()
	defer workerMu.Unlock()
	workerOnce.Do(func() {
		workerInst = newWorkerMetrics(cfg)
	})
	return workerInst
}

// ResetWorkerMetricsForTest clears the singleton so tests can swap the
// default registerer.
func ResetWorkerMetricsForTest() {
	workerMu.Lock()
	defer workerMu.Unlock()
	workerOnce = sync.Once{}
	workerInst = nil
}

func newWorkerMetrics(cfg Config) *WorkerMetrics {
	constLabels := prometheus.Labels{
		"service": nonEmpty(cfg.ServiceName, "plotline"),
		"env":     cfg.Environment,
	}
	factory := func(name, help string, labels ...string) *prometheus.CounterVec {
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, labels)
		prometheus.DefaultRegisterer.MustRegister(vec)
		return vec
	}

	m := &WorkerMetrics{
		pollRuns:    factory("plotline_worker_poll_runs_total", "Worker poll loop iterations.", "outcome"),
		pollErrors:  factory("plotline_worker_poll_errors_total", "Worker poll iterations that returned an error.", "reason"),
		jobsClaimed: factory("plotline_worker_jobs_claimed_total", "Import jobs exclusively claimed by this process.", "source"),
		stageTransition: factory("plotline_import_stage_transitions_total",
			"Import job stage transitions.", "from", "to"),
		stageRetries:  factory("plotline_import_stage_retries_total", "Same-stage retries after transient failures.", "stage"),
		rowsProcessed: factory("plotline_import_rows_total", "Rows processed by outcome.", "outcome"),
		geocodeLookups: factory("plotline_geocode_lookups_total",
			"Geocode lookups by result.", "result", "provider"),
		quotaDenials: factory("plotline_quota_denials_total", "Quota checks that denied an operation.", "quota"),
	}

	m.claimConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "plotline_worker_claim_conflicts_total",
		Help:        "Claim attempts that lost to another worker.",
		ConstLabels: constLabels,
	})
	prometheus.DefaultRegisterer.MustRegister(m.claimConflicts)

	m.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "plotline_import_stage_duration_seconds",
		Help:        "Wall time spent in each import stage.",
		ConstLabels: constLabels,
		Buckets:     prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"stage"})
	prometheus.DefaultRegisterer.MustRegister(m.stageDuration)

	m.providerLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "plotline_geocode_provider_latency_seconds",
		Help:        "Latency of geocoding provider calls.",
		ConstLabels: constLabels,
		Buckets:     prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"provider", "outcome"})
	prometheus.DefaultRegisterer.MustRegister(m.providerLatency)

	return m
}

func (m *WorkerMetrics) IncPollRun(outcome string) {
	if m == nil {
		return
	}
	m.pollRuns.WithLabelValues(outcome).Inc()
}

func (m *WorkerMetrics) IncPollError(err error) {
	if m == nil {
		return
	}
	m.pollErrors.WithLabelValues(ClassifyJobReason(err)).Inc()
}

func (m *WorkerMetrics) IncJobClaimed(source string) {
	if m == nil {
		return
	}
	m.jobsClaimed.WithLabelValues(source).Inc()
}

func (m *WorkerMetrics) IncClaimConflict() {
	if m == nil {
		return
	}
	m.claimConflicts.Inc()
}

func (m *WorkerMetrics) ObserveStageDuration(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *WorkerMetrics) IncStageTransition(from, to string) {
	if m == nil {
		return
	}
	m.stageTransition.WithLabelValues(from, to).Inc()
}

func (m *WorkerMetrics) IncStageRetry(stage string) {
	if m == nil {
		return
	}
	m.stageRetries.WithLabelValues(stage).Inc()
}

func (m *WorkerMetrics) AddRows(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rowsProcessed.WithLabelValues(outcome).Add(float64(n))
}

func (m *WorkerMetrics) IncGeocodeLookup(result, provider string) {
	if m == nil {
		return
	}
	m.geocodeLookups.WithLabelValues(result, provider).Inc()
}

func (m *WorkerMetrics) ObserveProviderLatency(provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.providerLatency.WithLabelValues(provider, outcome).Observe(d.Seconds())
}

func (m *WorkerMetrics) IncQuotaDenial(quota string) {
	if m == nil {
		return
	}
	m.quotaDenials.WithLabelValues(quota).Inc()
}

// ClassifyJobReason buckets an error into a low-cardinality label value.
func ClassifyJobReason(err error) string {
	if err == nil {
		return JobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return JobReasonDeadlineExceeded
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return JobReasonNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03":
			return JobReasonDBLockTimeout
		case "40001":
			return JobReasonSerializationFailure
		case "23505":
			return JobReasonUniqueViolation
		}
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return JobReasonUniqueViolation
	}
	return JobReasonUnknown
}

func nonEmpty(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
