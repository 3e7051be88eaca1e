package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics of the campaign engine
type Metrics struct {
	// Jobs
	JobsFinishedTotal *prometheus.CounterVec
	JobsByStatus      *prometheus.GaugeVec
	WorkerRunsTotal   *prometheus.CounterVec

	// Deliveries
	DeliveriesTotal      *prometheus.CounterVec
	BatchDurationSeconds *prometheus.HistogramVec

	// Triggers
	TriggersFiredTotal *prometheus.CounterVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// Rate limiting
	RateLimitExceededTotal *prometheus.CounterVec

	// System metrics
	UptimeSeconds prometheus.Gauge
	Goroutines    prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		JobsFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventcast_jobs_finished_total",
				Help: "Total number of campaign jobs that reached a terminal status",
			},
			[]string{"status"},
		),
		JobsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "eventcast_jobs",
				Help: "Number of campaign jobs per status",
			},
			[]string{"status"},
		),
		WorkerRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventcast_worker_runs_total",
				Help: "Total number of worker trigger invocations",
			},
			[]string{"outcome"},
		),
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventcast_deliveries_total",
				Help: "Total number of delivery attempts",
			},
			[]string{"channel", "status", "reason"},
		),
		BatchDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eventcast_batch_duration_seconds",
				Help:    "Time spent sending one delivery batch",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"channel"},
		),
		TriggersFiredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventcast_triggers_fired_total",
				Help: "Total number of automation and follow-up firings",
			},
			[]string{"kind"},
		),
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventcast_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eventcast_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventcast_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),
		RateLimitExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventcast_ratelimit_exceeded_total",
				Help: "Total number of messages refused by a provider cap",
			},
			[]string{"level"},
		),
		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "eventcast_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "eventcast_goroutines",
				Help: "Number of active goroutines",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.JobsFinishedTotal,
		m.JobsByStatus,
		m.WorkerRunsTotal,
		m.DeliveriesTotal,
		m.BatchDurationSeconds,
		m.TriggersFiredTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.RateLimitExceededTotal,
		m.UptimeSeconds,
		m.Goroutines,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncJobFinished counts a job reaching a terminal status
func IncJobFinished(status string) {
	if m := Global(); m != nil {
		m.JobsFinishedTotal.WithLabelValues(status).Inc()
	}
}

// IncWorkerRun counts a worker invocation by outcome (idle, processed, error)
func IncWorkerRun(outcome string) {
	if m := Global(); m != nil {
		m.WorkerRunsTotal.WithLabelValues(outcome).Inc()
	}
}

// IncDelivery counts one delivery attempt; reason is empty on success
func IncDelivery(channel, status, reason string) {
	if m := Global(); m != nil {
		m.DeliveriesTotal.WithLabelValues(channel, status, reason).Inc()
	}
}

// ObserveBatch records the duration of one delivery batch
func ObserveBatch(channel string, d time.Duration) {
	if m := Global(); m != nil {
		m.BatchDurationSeconds.WithLabelValues(channel).Observe(d.Seconds())
	}
}

// IncTriggerFired counts an automation or follow-up firing
func IncTriggerFired(kind string) {
	if m := Global(); m != nil {
		m.TriggersFiredTotal.WithLabelValues(kind).Inc()
	}
}

// IncRateLimitExceeded increments rate limit exceeded counter
func IncRateLimitExceeded(level string) {
	if m := Global(); m != nil {
		m.RateLimitExceededTotal.WithLabelValues(level).Inc()
	}
}
