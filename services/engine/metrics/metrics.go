// Package metrics exposes prometheus collectors for pipeline runs and
// stages.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"slipway/services/engine/pipeline"
)

// Recorder implements pipeline.Recorder backed by prometheus collectors.
type Recorder struct {
	runsTotal     *prometheus.CounterVec
	runDuration   prometheus.Histogram
	stageDuration *prometheus.HistogramVec
}

// New creates a Recorder and registers its collectors on reg. Passing
// prometheus.DefaultRegisterer wires the standard /metrics endpoint.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slipway_runs_total",
			Help: "Pipeline runs by final status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "slipway_run_duration_seconds",
			Help:    "Wall time of complete pipeline runs.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "slipway_stage_duration_seconds",
			Help:    "Wall time per pipeline stage and outcome.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"stage", "status"}),
	}
	if reg != nil {
		reg.MustRegister(r.runsTotal, r.runDuration, r.stageDuration)
	}
	return r
}

// ObserveStage implements pipeline.Recorder.
func (r *Recorder) ObserveStage(stage pipeline.Stage, status pipeline.StageStatus, d time.Duration) {
	r.stageDuration.WithLabelValues(string(stage), string(status)).Observe(d.Seconds())
}

// ObserveRun implements pipeline.Recorder.
func (r *Recorder) ObserveRun(status pipeline.Status, d time.Duration) {
	r.runsTotal.WithLabelValues(string(status)).Inc()
	r.runDuration.Observe(d.Seconds())
}
