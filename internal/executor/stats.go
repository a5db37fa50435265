package executor

import (
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Stats summarises a run. Durations are in milliseconds.
type Stats struct {
	Tiles        int     `json:"tiles"`
	Completed    int     `json:"completed"`
	TotalMS      float64 `json:"total_ms"`
	MeanMS       float64 `json:"mean_ms"`
	StdDevMS     float64 `json:"stddev_ms"`
	MaxMS        float64 `json:"max_ms"`
	PeakMemBytes uint64  `json:"peak_mem_bytes"`
}

type recorder struct {
	tiles     int
	durations []float64
	peak      uint64
}

func newRecorder(n int) *recorder {
	return &recorder{tiles: n, durations: make([]float64, 0, n)}
}

func (r *recorder) sample() {
	r.peak = max(r.peak, memSampler())
}

func (r *recorder) done(d time.Duration) {
	r.durations = append(r.durations, float64(d)/float64(time.Millisecond))
}

func (r *recorder) stats() Stats {
	s := Stats{
		Tiles:        r.tiles,
		Completed:    len(r.durations),
		PeakMemBytes: r.peak,
	}
	if len(r.durations) == 0 {
		return s
	}
	s.TotalMS = floats.Sum(r.durations)
	s.MaxMS = floats.Max(r.durations)
	if len(r.durations) > 1 {
		s.MeanMS, s.StdDevMS = stat.MeanStdDev(r.durations, nil)
	} else {
		s.MeanMS = r.durations[0]
	}
	return s
}
