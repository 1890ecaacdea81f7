// Package metrics registers the orchestrator core's prometheus series and
// exposes them on /metrics (§6: queue depth, claim latency, session count,
// dispatch latency, DLQ size, scheduler drift). The teacher imports
// prometheus/client_golang but never wires a registry in the retrieved
// files; the metric-vec-plus-dedicated-registry idiom below is grounded on
// `pkg/metrics/metrics.go` from the wider example pack instead, with the
// series held on a Registry built by New rather than in package-level vars.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the core's prometheus series behind a dedicated
// *prometheus.Registry (rather than the global default) so tests can
// construct an isolated instance without colliding with package-level state.
type Registry struct {
	reg *prometheus.Registry

	QueueDepth          *prometheus.GaugeVec
	ClaimLatency        prometheus.Histogram
	ActiveSessions      prometheus.Gauge
	DispatchLatency     prometheus.Histogram
	DLQSize             prometheus.Gauge
	SchedulerDriftSecs  prometheus.Histogram
	JobsTotal           *prometheus.CounterVec
	AssignmentsTotal    *prometheus.CounterVec
}

// New constructs a Registry with every series registered.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_queue_depth",
			Help: "Number of pending, unclaimed jobs; the queue reports the total across all workflows under workflow_id=\"all\".",
		}, []string{"workflow_id"}),

		ClaimLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestrator_claim_latency_seconds",
			Help:    "Time from job creation to successful claim.",
			Buckets: prometheus.DefBuckets,
		}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_active_sessions",
			Help: "Number of robots with an ACTIVE transport session.",
		}),

		DispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestrator_dispatch_tick_duration_seconds",
			Help:    "Duration of one Dispatcher.Tick call.",
			Buckets: prometheus.DefBuckets,
		}),

		DLQSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_dlq_size",
			Help: "Number of entries currently in the dead letter queue.",
		}),

		SchedulerDriftSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestrator_scheduler_drift_seconds",
			Help:    "Difference between a schedule's computed next_run and its actual materialization time.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),

		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_jobs_total",
			Help: "Jobs reaching a terminal state, by status.",
		}, []string{"status"}),

		AssignmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_assignments_total",
			Help: "Dispatch assignment attempts, by outcome.",
		}, []string{"outcome"}), // accepted | failed
	}

	r.reg.MustRegister(
		r.QueueDepth, r.ClaimLatency, r.ActiveSessions, r.DispatchLatency,
		r.DLQSize, r.SchedulerDriftSecs, r.JobsTotal, r.AssignmentsTotal,
	)
	return r
}

// Handler returns the HTTP handler to mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
