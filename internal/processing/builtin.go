package processing

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"

	"github.com/deepimagej/tileflow/internal/tensor"
)

const defaultEps = 1e-6

func init() {
	Register("scale_linear", elementwise(func(s Step) (func(float64) float64, error) {
		gain := kwarg(s, "gain", 1)
		offset := kwarg(s, "offset", 0)
		return func(x float64) float64 { return x*gain + offset }, nil
	}))
	Register("clip", elementwise(func(s Step) (func(float64) float64, error) {
		lo := kwarg(s, "min", math.Inf(-1))
		hi := kwarg(s, "max", math.Inf(1))
		if lo > hi {
			return nil, fmt.Errorf("min %v above max %v", lo, hi)
		}
		return func(x float64) float64 { return math.Min(math.Max(x, lo), hi) }, nil
	}))
	Register("sigmoid", elementwise(func(Step) (func(float64) float64, error) {
		return func(x float64) float64 { return 1 / (1 + math.Exp(-x)) }, nil
	}))
	Register("binarize", elementwise(func(s Step) (func(float64) float64, error) {
		th := kwarg(s, "threshold", 0.5)
		return func(x float64) float64 {
			if x > th {
				return 1
			}
			return 0
		}, nil
	}))
	Register("zero_mean_unit_variance", volumewise(func(s Step, data []float64) (func(float64) float64, error) {
		eps := kwarg(s, "eps", defaultEps)
		mean, std := stat.PopMeanStdDev(data, nil)
		return func(x float64) float64 { return (x - mean) / (std + eps) }, nil
	}))
	Register("scale_range", volumewise(func(s Step, data []float64) (func(float64) float64, error) {
		pmin := kwarg(s, "min_percentile", 0)
		pmax := kwarg(s, "max_percentile", 100)
		if pmin < 0 || pmax > 100 || pmin >= pmax {
			return nil, fmt.Errorf("invalid percentiles [%v, %v]", pmin, pmax)
		}
		eps := kwarg(s, "eps", defaultEps)
		sorted := slices.Clone(data)
		slices.Sort(sorted)
		lo := stat.Quantile(pmin/100, stat.Empirical, sorted, nil)
		hi := stat.Quantile(pmax/100, stat.Empirical, sorted, nil)
		return func(x float64) float64 { return (x - lo) / (hi - lo + eps) }, nil
	}))
}

func kwarg(s Step, key string, def float64) float64 {
	if v, ok := s.Kwargs[key]; ok {
		return v
	}
	return def
}

// targets returns the names a step applies to: its declared tensor, or
// every image in data.
func targets(s Step, data map[string]tensor.Value) ([]string, error) {
	if s.Tensor != "" {
		v, ok := data[s.Tensor]
		if !ok {
			return nil, fmt.Errorf("tensor %q not found", s.Tensor)
		}
		if _, ok := v.(*tensor.Volume); !ok {
			return nil, fmt.Errorf("tensor %q is a %s, not an image", s.Tensor, v.Kind())
		}
		return []string{s.Tensor}, nil
	}
	var names []string
	for name, v := range data {
		if _, ok := v.(*tensor.Volume); ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

// volumewise builds a step whose per-element function depends on the
// statistics of the whole image it is applied to.
func volumewise(mk func(Step, []float64) (func(float64) float64, error)) Factory {
	return func(s Step) (Processor, error) {
		if _, err := mk(s, []float64{0, 1}); err != nil {
			return nil, err
		}
		return Func(func(ctx context.Context, data map[string]tensor.Value) (map[string]tensor.Value, error) {
			names, err := targets(s, data)
			if err != nil {
				return nil, err
			}
			out := maps.Clone(data)
			for _, name := range names {
				v := data[name].(*tensor.Volume)
				fn, err := mk(s, v.Data)
				if err != nil {
					return nil, fmt.Errorf("tensor %q: %w", name, err)
				}
				out[name] = mapVolume(v, fn)
			}
			return out, nil
		}), nil
	}
}

func elementwise(mk func(Step) (func(float64) float64, error)) Factory {
	return volumewise(func(s Step, _ []float64) (func(float64) float64, error) {
		return mk(s)
	})
}

func mapVolume(v *tensor.Volume, fn func(float64) float64) *tensor.Volume {
	out := v.Clone()
	for i, x := range out.Data {
		out.Data[i] = fn(x)
	}
	return out
}
