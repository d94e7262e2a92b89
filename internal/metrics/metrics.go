package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the stats pipeline.
type Metrics struct {
	// Job metrics
	JobsProcessed *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	JobsEnqueued  *prometheus.CounterVec
	QueueDepth    *prometheus.GaugeVec

	// Pipeline stage metrics
	StageRows *prometheus.CounterVec

	// Provider metrics
	ProviderRequests *prometheus.CounterVec
	AccountFailures  *prometheus.CounterVec

	// Scheduler metrics
	SchedulerTicks  *prometheus.CounterVec
	EligibleTenants prometheus.Gauge
	RollupFailures  prometheus.Counter
}

// NewMetrics creates and registers all metrics on reg. Pass
// prometheus.DefaultRegisterer to expose them through Handler.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		JobsProcessed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_processed_total",
				Help:      "Sync jobs processed by level and outcome",
			},
			[]string{"level", "status"},
		),
		JobDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Sync job processing time in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
			},
			[]string{"level"},
		),
		JobsEnqueued: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_enqueued_total",
				Help:      "Enqueue attempts by result (created, duplicate)",
			},
			[]string{"result"},
		),
		QueueDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_jobs",
				Help:      "Jobs currently held by the queue per state",
			},
			[]string{"state"},
		),
		StageRows: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_rows_total",
				Help:      "Rows produced by each pipeline stage",
			},
			[]string{"stage"},
		),
		ProviderRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_requests_total",
				Help:      "Stats provider calls by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		AccountFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "account_failures_total",
				Help:      "Ad account fetches that failed fatally",
			},
			[]string{"reason"},
		),
		SchedulerTicks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_ticks_total",
				Help:      "Scheduler ticks by outcome",
			},
			[]string{"status"},
		),
		EligibleTenants: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "eligible_tenants",
				Help:      "Tenants found eligible on the last scheduler tick",
			},
		),
		RollupFailures: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollup_failures_total",
				Help:      "Per-tenant sellpage rollup failures",
			},
		),
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordJob records a processed job.
func (m *Metrics) RecordJob(level, status string, took time.Duration) {
	m.JobsProcessed.WithLabelValues(level, status).Inc()
	m.JobDuration.WithLabelValues(level).Observe(took.Seconds())
}

// RecordEnqueue records an enqueue attempt.
func (m *Metrics) RecordEnqueue(created bool) {
	result := "duplicate"
	if created {
		result = "created"
	}
	m.JobsEnqueued.WithLabelValues(result).Inc()
}

// RecordStage adds n rows to a stage counter.
func (m *Metrics) RecordStage(stage string, n int) {
	m.StageRows.WithLabelValues(stage).Add(float64(n))
}

// RecordProviderRequest records a provider call outcome.
func (m *Metrics) RecordProviderRequest(provider, outcome string) {
	m.ProviderRequests.WithLabelValues(provider, outcome).Inc()
}

// RecordAccountFailure records a fatal ad account failure.
func (m *Metrics) RecordAccountFailure(reason string) {
	m.AccountFailures.WithLabelValues(reason).Inc()
}

// RecordTick records a scheduler tick.
func (m *Metrics) RecordTick(status string, eligible int) {
	m.SchedulerTicks.WithLabelValues(status).Inc()
	if status == "ok" {
		m.EligibleTenants.Set(float64(eligible))
	}
}

// UpdateQueueDepth sets the per-state queue gauge.
func (m *Metrics) UpdateQueueDepth(counts map[string]int64) {
	for state, n := range counts {
		m.QueueDepth.WithLabelValues(state).Set(float64(n))
	}
}
