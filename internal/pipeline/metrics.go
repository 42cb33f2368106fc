package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tjfontaine/stageflow/internal/core/domain"
)

const metricsNamespace = "stageflow"

// Metrics holds the engine's Prometheus collectors. Each engine owns a
// registry so several engines (and tests) can coexist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	RunsSubmitted prometheus.Counter
	RunsFinished  *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	ActiveRuns    prometheus.Gauge
	QueuedRuns    prometheus.Gauge
	StageDuration *prometheus.HistogramVec
	StageRetries  *prometheus.CounterVec
	RouteFallback *prometheus.CounterVec
}

// NewMetrics registers the engine collectors on reg. A nil reg gets a fresh
// registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		RunsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "runs_submitted_total",
			Help:      "Runs accepted by Submit.",
		}),
		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "runs_finished_total",
			Help:      "Runs that reached a terminal status.",
		}, []string{"pipeline", "status"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time from run start to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"pipeline", "status"}),
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "runs_active",
			Help:      "Runs currently holding an execution slot.",
		}),
		QueuedRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "runs_queued",
			Help:      "Pending runs waiting for an execution slot.",
		}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "stage_duration_seconds",
			Help:      "Stage execution time including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"stage", "outcome"}),
		StageRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stage_retries_total",
			Help:      "Stage attempts beyond the first.",
		}, []string{"stage"}),
		RouteFallback: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "route_fallbacks_total",
			Help:      "Branch points that fell back to their default alternative.",
		}, []string{"pipeline", "stage"}),
	}
}

func (m *Metrics) observeStage(res StageResult) {
	outcome := "success"
	if res.Err != nil {
		outcome = string(res.Err.Category)
	}
	m.StageDuration.WithLabelValues(res.Stage, outcome).Observe(res.Duration.Seconds())
	if res.Attempts > 1 {
		m.StageRetries.WithLabelValues(res.Stage).Add(float64(res.Attempts - 1))
	}
}

func (m *Metrics) observeRun(run domain.RunState) {
	status := string(run.Status)
	m.RunsFinished.WithLabelValues(run.Pipeline, status).Inc()
	// Runs cancelled while queued never started.
	if run.StartedAt != nil && run.CompletedAt != nil {
		m.RunDuration.WithLabelValues(run.Pipeline, status).Observe(run.CompletedAt.Sub(*run.StartedAt).Seconds())
	}
}
