package worker

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for call status.
const (
	statusOK        = "ok"
	statusFailed    = "failed"
	statusCancelled = "cancelled"
)

var (
	dialDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tileflow_worker_dial_seconds",
			Help:    "Duration of worker connection establishment including retries, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tileflow_worker_active_sessions",
			Help: "Number of models currently loaded on remote workers.",
		},
	)

	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tileflow_worker_call_seconds",
			Help:    "Worker call time from request send to final result, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileflow_worker_calls_total",
			Help: "Total number of worker calls by operation and outcome.",
		},
		[]string{"op", "status"},
	)
)

func init() {
	prometheus.MustRegister(dialDuration)
	prometheus.MustRegister(activeSessions)
	prometheus.MustRegister(callDuration)
	prometheus.MustRegister(callsTotal)

	// Pre-initialize label combinations so they appear in /metrics
	// with value 0 from startup, rather than only after first observation.
	for _, op := range []string{OpLoad, OpRun, OpClose} {
		callDuration.WithLabelValues(op)
		callsTotal.WithLabelValues(op, statusOK)
		callsTotal.WithLabelValues(op, statusFailed)
		callsTotal.WithLabelValues(op, statusCancelled)
	}
}
