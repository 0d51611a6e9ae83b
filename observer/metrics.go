package observer

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dcshock/topicpipe/pipeline"
)

// Metrics is a pipeline.Observer exporting Prometheus metrics. Create one per
// registry; registering twice on the same registry panics.
type Metrics struct {
	pipeline.NopObserver

	Dispatches    *prometheus.CounterVec
	CascadeDepth  prometheus.Histogram
	Runs          *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	StageDuration *prometheus.HistogramVec
	StageErrors   *prometheus.CounterVec
}

// NewMetrics registers the engine metrics on reg (prometheus.DefaultRegisterer if nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Dispatches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "topicpipe_dispatches_total",
				Help: "Triggers dispatched to the pipelines of a topic",
			},
			[]string{"topic", "kind"},
		),
		CascadeDepth: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "topicpipe_cascade_depth",
				Help:    "Cascade depth of dispatched triggers",
				Buckets: prometheus.LinearBuckets(0, 1, 10),
			},
		),
		Runs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "topicpipe_pipeline_runs_total",
				Help: "Pipeline runs by terminal status",
			},
			[]string{"pipeline", "status"},
		),
		RunDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "topicpipe_pipeline_run_duration_seconds",
				Help:    "Duration of pipeline runs",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"pipeline"},
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "topicpipe_stage_duration_seconds",
				Help:    "Duration of pipeline stages",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"pipeline", "stage"},
		),
		StageErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "topicpipe_stage_errors_total",
				Help: "Failed pipeline stages",
			},
			[]string{"pipeline", "stage"},
		),
	}
}

// BeforeDispatch implements pipeline.Observer.
func (m *Metrics) BeforeDispatch(_ context.Context, ev pipeline.TriggerEvent, depth int) {
	m.Dispatches.WithLabelValues(ev.TopicName, string(ev.Kind)).Inc()
	m.CascadeDepth.Observe(float64(depth))
}

// AfterStage implements pipeline.Observer.
func (m *Metrics) AfterStage(_ context.Context, s *pipeline.RunStatus, st *pipeline.StageRunStatus) {
	m.StageDuration.WithLabelValues(s.PipelineID, st.Name).Observe(st.Elapsed.Seconds())
	if st.Error != "" {
		m.StageErrors.WithLabelValues(s.PipelineID, st.Name).Inc()
	}
}

// AfterRun implements pipeline.Observer.
func (m *Metrics) AfterRun(_ context.Context, s *pipeline.RunStatus) {
	m.Runs.WithLabelValues(s.PipelineID, string(s.Status)).Inc()
	if s.Status != pipeline.StatusSkipped {
		m.RunDuration.WithLabelValues(s.PipelineID).Observe(s.Elapsed.Seconds())
	}
}

var _ pipeline.Observer = (*Metrics)(nil)
