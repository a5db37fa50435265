package engine

import (
	"github.com/deepimagej/tileflow/internal/model"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileflow_runs_total",
			Help: "Total number of finished runs, by final phase and error kind.",
		},
		[]string{"phase", "kind"},
	)

	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tileflow_run_duration_seconds",
			Help:    "Wall-clock duration of finished runs, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
	)

	runsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tileflow_runs_active",
			Help: "Number of submitted runs that have not finished.",
		},
	)

	modelLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileflow_model_loads_total",
			Help: "Total number of model loads, by backend and status.",
		},
		[]string{"backend", "status"},
	)
)

func init() {
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(runDuration)
	prometheus.MustRegister(runsActive)
	prometheus.MustRegister(modelLoads)

	runsTotal.WithLabelValues(model.PhaseDone, "")
	for _, k := range []string{
		KindInvalidTileSize, KindDimensionMismatch, KindFusionSizeMismatch, KindExecution,
		KindCancelled, KindPreprocessing, KindPostprocessing, KindLoad, KindInternal,
	} {
		runsTotal.WithLabelValues(model.PhaseAborted, k)
	}
}
