// Package metrics implements the semantic metrics surface of spec.md §6.3 /
// SPEC_FULL.md §6.3, wired against github.com/prometheus/client_golang —
// the Prometheus client the pack's cuemby-warren repo uses for its own
// scheduler/ingress metrics.
//
// Unlike cuemby-warren's package-level prometheus.MustRegister(...) globals
// registered in an init() function, this package builds one Metrics value
// per process against a private prometheus.Registry and threads it through
// every component constructor (dispatcher, intake, server) — SPEC_FULL.md
// §9's "Global state" design note asks for process-wide state with an
// explicit construction point rather than package-level globals, so this
// is where the pack's idiom is adapted rather than copied verbatim.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// durationBuckets covers 1s-1h, matching spec.md §6's histogram bucket set.
var durationBuckets = []float64{1, 2, 5, 10, 30, 60, 120, 300, 600, 1800, 3600}

// Metrics holds every counter/gauge/histogram named in spec.md §6 plus the
// SPEC_FULL.md §C supplements (backend latency, exit-code histogram,
// runner-error counter pulled from the original's metrics.py).
type Metrics struct {
	registry *prometheus.Registry

	JobCreatedTotal      prometheus.Counter
	JobFinishedTotal     *prometheus.CounterVec // status
	EnqueueRejectedTotal *prometheus.CounterVec // reason
	WorkerErrorsTotal    prometheus.Counter
	ExitCodeTotal        *prometheus.CounterVec // exit_code
	ErrorTotal           *prometheus.CounterVec // error_code
	RunnerErrorTotal     *prometheus.CounterVec // error_code
	BackendFailuresTotal *prometheus.CounterVec // backend

	JobDurationSeconds         prometheus.Histogram
	JobQueueWaitSeconds        prometheus.Histogram
	JobRunSeconds              prometheus.Histogram
	JobEndToEndSeconds         prometheus.Histogram
	BackendStartLatencySeconds *prometheus.HistogramVec // backend

	WorkerHeartbeatTimestampSeconds prometheus.Gauge
	JobQueueDepth                   prometheus.Gauge
	JobsByState                     *prometheus.GaugeVec // state
	LastJobFinishedTimestampSeconds prometheus.Gauge
}

// New constructs a Metrics value registered against a fresh private
// registry. Call once per process at boot and inject into every component
// that needs to record or query metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		JobCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "k2p_job_created_total",
			Help: "Total number of jobs accepted by intake.",
		}),
		JobFinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "k2p_job_finished_total",
			Help: "Total number of jobs reaching a terminal state, by status.",
		}, []string{"status"}),
		EnqueueRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "k2p_enqueue_rejected_total",
			Help: "Total number of rejected job submissions, by reason.",
		}, []string{"reason"}),
		WorkerErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "k2p_worker_errors_total",
			Help: "Total number of dispatcher ticks that raised an error.",
		}),
		ExitCodeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "k2p_exit_code_total",
			Help: "Total number of terminal jobs, by container exit code.",
		}, []string{"exit_code"}),
		ErrorTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "k2p_error_total",
			Help: "Total number of jobs failing, by error_code.",
		}, []string{"error_code"}),
		RunnerErrorTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "k2p_runner_error_total",
			Help: "Total number of backend runner failures, by error_code.",
		}, []string{"error_code"}),
		BackendFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "k2p_backend_failures_total",
			Help: "Total number of backend start/submit failures, by backend.",
		}, []string{"backend"}),

		JobDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "k2p_job_duration_seconds",
			Help:    "End-to-end job duration (created_at to finished_at).",
			Buckets: durationBuckets,
		}),
		JobQueueWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "k2p_job_queue_wait_seconds",
			Help:    "Time a job spent QUEUED (created_at to started_at).",
			Buckets: durationBuckets,
		}),
		JobRunSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "k2p_job_run_seconds",
			Help:    "Time a job spent RUNNING (started_at to finished_at).",
			Buckets: durationBuckets,
		}),
		JobEndToEndSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "k2p_job_end_to_end_seconds",
			Help:    "Alias of JobDurationSeconds, named per spec.md's metrics table.",
			Buckets: durationBuckets,
		}),
		BackendStartLatencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "k2p_backend_start_latency_seconds",
			Help:    "Time from claim to backend start() returning, by backend.",
			Buckets: durationBuckets,
		}, []string{"backend"}),

		WorkerHeartbeatTimestampSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "k2p_worker_heartbeat_timestamp_seconds",
			Help: "Unix timestamp of the dispatcher's most recent tick.",
		}),
		JobQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "k2p_job_queue_depth",
			Help: "Number of jobs currently QUEUED.",
		}),
		JobsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "k2p_jobs_by_state",
			Help: "Number of jobs currently in each lifecycle state.",
		}, []string{"state"}),
		LastJobFinishedTimestampSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "k2p_last_job_finished_timestamp_seconds",
			Help: "Unix timestamp of the most recent terminal transition.",
		}),
	}

	reg.MustRegister(
		m.JobCreatedTotal,
		m.JobFinishedTotal,
		m.EnqueueRejectedTotal,
		m.WorkerErrorsTotal,
		m.ExitCodeTotal,
		m.ErrorTotal,
		m.RunnerErrorTotal,
		m.BackendFailuresTotal,
		m.JobDurationSeconds,
		m.JobQueueWaitSeconds,
		m.JobRunSeconds,
		m.JobEndToEndSeconds,
		m.BackendStartLatencySeconds,
		m.WorkerHeartbeatTimestampSeconds,
		m.JobQueueDepth,
		m.JobsByState,
		m.LastJobFinishedTimestampSeconds,
	)

	return m
}

// Handler returns the HTTP handler to mount at /metrics. Exposing that
// endpoint is outside the core per spec.md §1 ("the metrics HTTP endpoint
// itself... only the counters/gauges it exposes are part of the
// contract"); cmd/k2pweb-api mounts this handler, the core only builds it.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
