// Package metrics exposes Prometheus metrics for pipeline execution.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for stageflow.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	RunsStarted  *prometheus.CounterVec
	RunsFinished *prometheus.CounterVec
	RunDuration  *prometheus.HistogramVec
	RunsInFlight prometheus.Gauge

	StageResults *prometheus.CounterVec

	ActionResults   *prometheus.CounterVec
	ActionDuration  *prometheus.HistogramVec
	ActionAttempts  *prometheus.CounterVec
	ActionsInFlight prometheus.Gauge

	ArtifactsPublished *prometheus.CounterVec
	ArtifactBytes      *prometheus.CounterVec
	ArtifactsReleased  prometheus.Counter
}

// New creates a Metrics instance with all metrics registered on registry.
func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		RunsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stageflow_runs_started_total",
				Help: "Total number of pipeline runs started",
			},
			[]string{"pipeline"},
		),
		RunsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stageflow_runs_finished_total",
				Help: "Total number of pipeline runs finished, by terminal state",
			},
			[]string{"pipeline", "state"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stageflow_run_duration_seconds",
				Help:    "Pipeline run duration in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"pipeline"},
		),
		RunsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "stageflow_runs_in_flight",
				Help: "Number of pipeline runs currently executing",
			},
		),
		StageResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stageflow_stage_results_total",
				Help: "Total number of stages reaching a terminal state",
			},
			[]string{"pipeline", "stage", "state"},
		),
		ActionResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stageflow_action_results_total",
				Help: "Total number of actions reaching a terminal state",
			},
			[]string{"pipeline", "stage", "action", "state"},
		),
		ActionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stageflow_action_duration_seconds",
				Help:    "Action execution duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"pipeline", "stage", "action"},
		),
		ActionAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stageflow_action_attempts_total",
				Help: "Total number of procedure attempts, retries included",
			},
			[]string{"pipeline", "stage", "action"},
		),
		ActionsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "stageflow_actions_in_flight",
				Help: "Number of actions currently executing",
			},
		),
		ArtifactsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stageflow_artifacts_published_total",
				Help: "Total number of artifacts published",
			},
			[]string{"pipeline"},
		),
		ArtifactBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stageflow_artifact_bytes_total",
				Help: "Total payload bytes of published artifacts",
			},
			[]string{"pipeline"},
		),
		ArtifactsReleased: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "stageflow_run_namespaces_released_total",
				Help: "Total number of run artifact namespaces garbage-collected",
			},
		),
	}
}

// RunStarted records the start of a run.
func (m *Metrics) RunStarted(pipeline string) {
	if m == nil {
		return
	}
	m.RunsStarted.WithLabelValues(pipeline).Inc()
	m.RunsInFlight.Inc()
}

// RunFinished records a terminal run state.
func (m *Metrics) RunFinished(pipeline, state string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsFinished.WithLabelValues(pipeline, state).Inc()
	m.RunDuration.WithLabelValues(pipeline).Observe(d.Seconds())
	m.RunsInFlight.Dec()
}

// StageFinished records a terminal stage state.
func (m *Metrics) StageFinished(pipeline, stage, state string) {
	if m == nil {
		return
	}
	m.StageResults.WithLabelValues(pipeline, stage, state).Inc()
}

// ActionStarted marks an action as executing.
func (m *Metrics) ActionStarted() {
	if m == nil {
		return
	}
	m.ActionsInFlight.Inc()
}

// ActionAttempt counts a single procedure attempt.
func (m *Metrics) ActionAttempt(pipeline, stage, action string) {
	if m == nil {
		return
	}
	m.ActionAttempts.WithLabelValues(pipeline, stage, action).Inc()
}

// ActionFinished records a terminal action state for an executed action.
func (m *Metrics) ActionFinished(pipeline, stage, action, state string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActionResults.WithLabelValues(pipeline, stage, action, state).Inc()
	m.ActionDuration.WithLabelValues(pipeline, stage, action).Observe(d.Seconds())
	m.ActionsInFlight.Dec()
}

// ActionSettled records a terminal state for an action that never executed.
func (m *Metrics) ActionSettled(pipeline, stage, action, state string) {
	if m == nil {
		return
	}
	m.ActionResults.WithLabelValues(pipeline, stage, action, state).Inc()
}

// ArtifactPublished records a published artifact and its size.
func (m *Metrics) ArtifactPublished(pipeline string, size int64) {
	if m == nil {
		return
	}
	m.ArtifactsPublished.WithLabelValues(pipeline).Inc()
	m.ArtifactBytes.WithLabelValues(pipeline).Add(float64(size))
}

// NamespaceReleased records a garbage-collected run namespace.
func (m *Metrics) NamespaceReleased() {
	if m == nil {
		return
	}
	m.ArtifactsReleased.Inc()
}
