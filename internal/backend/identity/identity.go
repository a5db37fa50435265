// Package identity provides a backend that needs no model runtime. Every
// image output echoes its reference input resampled to the declared output
// geometry, which makes it useful for tests, demos and validating tiling
// setups before a real model is available.
package identity

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/deepimagej/tileflow/internal/backend"
	"github.com/deepimagej/tileflow/internal/tensor"
	"gonum.org/v1/gonum/stat"
)

// Backend is the identity backend.
type Backend struct {
	// Delay is slept before each batch, honouring cancellation.
	Delay time.Duration
}

// New returns an identity backend with no delay.
func New() *Backend {
	return &Backend{}
}

// Capabilities implements backend.Backend.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:       backend.NameIdentity,
		Frameworks: []string{"identity"},
	}
}

// Load implements backend.Backend. Any framework is accepted so that a
// model can be dry-run against the identity backend by name.
func (b *Backend) Load(ctx context.Context, ref backend.ModelRef) (backend.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(ref.Inputs) == 0 {
		return nil, fmt.Errorf("model %q declares no inputs", ref.Name)
	}
	backend.LogWriterFrom(ctx)(fmt.Sprintf("identity: loaded %s (%d inputs, %d outputs)", ref.Name, len(ref.Inputs), len(ref.Outputs)))
	return &session{ref: ref, delay: b.Delay}, nil
}

type session struct {
	ref   backend.ModelRef
	delay time.Duration
}

func (s *session) Close() error { return nil }

func (s *session) RunBatch(ctx context.Context, inputs map[string]tensor.Value) (map[string]tensor.Value, error) {
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]tensor.Value, len(s.ref.Outputs))
	for i := range s.ref.Outputs {
		spec := &s.ref.Outputs[i]
		src, err := s.reference(spec, inputs)
		if err != nil {
			return nil, err
		}
		switch spec.Kind {
		case tensor.KindImage:
			v, err := resample(src, spec)
			if err != nil {
				return nil, fmt.Errorf("output %q: %w", spec.Name, err)
			}
			out[spec.Name] = v
		case tensor.KindTable:
			lo, hi := src.Range()
			out[spec.Name] = &tensor.Table{
				Columns: []string{"mean", "min", "max"},
				Rows:    [][]float64{{stat.Mean(src.Data, nil), lo, hi}},
			}
		case tensor.KindList:
			lo, hi := src.Range()
			out[spec.Name] = &tensor.List{Values: []float64{lo, hi}}
		}
	}
	return out, nil
}

// reference returns the input an output is derived from: its declared
// reference input, or the first image input.
func (s *session) reference(spec *tensor.Spec, inputs map[string]tensor.Value) (*tensor.Volume, error) {
	name := spec.ReferenceInput
	if name == "" {
		for _, in := range s.ref.Inputs {
			if in.Kind == tensor.KindImage {
				name = in.Name
				break
			}
		}
	}
	v, ok := inputs[name]
	if !ok {
		return nil, fmt.Errorf("output %q: input %q not provided", spec.Name, name)
	}
	vol, ok := v.(*tensor.Volume)
	if !ok {
		return nil, fmt.Errorf("output %q: input %q is a %s, not an image", spec.Name, name, v.Kind())
	}
	return vol, nil
}

// resample builds the output volume by nearest-neighbour sampling of src.
// Output axes missing from src broadcast; src axes missing from the output
// are read at index 0.
func resample(src *tensor.Volume, spec *tensor.Spec) (*tensor.Volume, error) {
	shape := make([]int, len(spec.Axes))
	srcAxis := make([]int, len(spec.Axes))
	for j, ax := range spec.Axes {
		k := src.AxisIndex(ax)
		srcAxis[j] = k
		in := 1
		if k >= 0 {
			in = src.Shape[k]
		}
		shape[j] = spec.OutputExtent(j, in)
	}
	dst, err := tensor.NewVolume(spec.Axes, shape)
	if err != nil {
		return nil, err
	}

	sc := make([]int, len(src.Shape))
	tensor.Each(shape, func(u []int) {
		for j, k := range srcAxis {
			if k < 0 {
				continue
			}
			i := int(math.Floor(float64(u[j]) / spec.ScaleAt(j)))
			sc[k] = min(max(i, 0), src.Shape[k]-1)
		}
		dst.Set(src.At(sc...), u...)
	})
	return dst, nil
}
