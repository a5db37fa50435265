package executor

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for tile outcome.
const (
	statusOK        = "ok"
	statusFailed    = "failed"
	statusCancelled = "cancelled"
)

var (
	tileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tileflow_tile_duration_seconds",
			Help:    "Duration of a single backend tile call, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
	)

	tilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tileflow_tiles_total",
			Help: "Total number of tiles processed, by outcome.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(tileDuration)
	prometheus.MustRegister(tilesTotal)

	for _, s := range []string{statusOK, statusFailed, statusCancelled} {
		tilesTotal.WithLabelValues(s)
	}
}
