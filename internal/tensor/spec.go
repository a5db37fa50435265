package tensor

import (
	"fmt"
	"math"
)

// Spec declares the shape constraints of one model input or output.
//
// For inputs, MinimumSize and Step define the legal tile sizes of each axis:
// minimum + k*step for k >= 0, or exactly minimum when step is 0. For image
// outputs, Scale and Offset relate each output axis to the input axis with
// the same letter (out = in*scale + offset) and Halo is the margin, in input
// pixels, that must be discarded at interior tile borders.
type Spec struct {
	Name             string     `json:"name"`
	Kind             Kind       `json:"kind"`
	Axes             Axes       `json:"axes"`
	MinimumSize      []int      `json:"minimum_size,omitempty"`
	Step             []int      `json:"step,omitempty"`
	Halo             []int      `json:"halo,omitempty"`
	DataRange        [2]float64 `json:"data_range"`
	RecommendedPatch []int      `json:"recommended_patch,omitempty"`

	ReferenceInput string    `json:"reference_input,omitempty"`
	Scale          []float64 `json:"scale,omitempty"`
	Offset         []int     `json:"offset,omitempty"`
	PyramidSizes   [][]int   `json:"pyramid_sizes,omitempty"`
	Labels         bool      `json:"labels,omitempty"`
}

// IsFixed reports whether axis i accepts only its minimum size.
func (s *Spec) IsFixed(i int) bool {
	return i < len(s.Step) && s.Step[i] == 0
}

// Legal reports whether size satisfies the minimum/step constraint of axis i.
func (s *Spec) Legal(i, size int) bool {
	min := s.MinimumAt(i)
	step := s.StepAt(i)
	if step == 0 {
		return size == min
	}
	return size >= min && (size-min)%step == 0
}

// MinimumAt returns the minimum size of axis i (1 when undeclared).
func (s *Spec) MinimumAt(i int) int {
	if i < len(s.MinimumSize) && s.MinimumSize[i] > 0 {
		return s.MinimumSize[i]
	}
	return 1
}

// StepAt returns the step of axis i (1 when undeclared).
func (s *Spec) StepAt(i int) int {
	if i < len(s.Step) {
		return s.Step[i]
	}
	return 1
}

// HaloAt returns the halo of axis i (0 when undeclared).
func (s *Spec) HaloAt(i int) int {
	if i < len(s.Halo) {
		return s.Halo[i]
	}
	return 0
}

// ScaleAt returns the scale of axis i (1 when undeclared).
func (s *Spec) ScaleAt(i int) float64 {
	if i < len(s.Scale) {
		return s.Scale[i]
	}
	return 1
}

// OffsetAt returns the offset of axis i (0 when undeclared).
func (s *Spec) OffsetAt(i int) int {
	if i < len(s.Offset) {
		return s.Offset[i]
	}
	return 0
}

// OutputExtent maps an input extent onto output axis i.
func (s *Spec) OutputExtent(i, in int) int {
	return int(math.Round(float64(in)*s.ScaleAt(i))) + s.OffsetAt(i)
}

// Validate checks that the per-axis slices agree with the layout.
func (s *Spec) Validate() error {
	n := len(s.Axes)
	if s.Kind != KindImage {
		return nil
	}
	if n == 0 {
		return fmt.Errorf("tensor %q: no axes", s.Name)
	}
	check := func(field string, l int) error {
		if l != 0 && l != n {
			return fmt.Errorf("tensor %q: %s has %d entries for %d axes", s.Name, field, l, n)
		}
		return nil
	}
	for _, c := range []struct {
		field string
		l     int
	}{
		{"minimum_size", len(s.MinimumSize)},
		{"step", len(s.Step)},
		{"halo", len(s.Halo)},
		{"scale", len(s.Scale)},
		{"offset", len(s.Offset)},
		{"recommended_patch", len(s.RecommendedPatch)},
	} {
		if err := check(c.field, c.l); err != nil {
			return err
		}
	}
	for i := range n {
		if i < len(s.MinimumSize) && s.MinimumSize[i] < 0 {
			return fmt.Errorf("tensor %q: negative minimum on axis %s", s.Name, s.Axes[i])
		}
		if i < len(s.Step) && s.Step[i] < 0 {
			return fmt.Errorf("tensor %q: negative step on axis %s", s.Name, s.Axes[i])
		}
		if i < len(s.Halo) && s.Halo[i] < 0 {
			return fmt.Errorf("tensor %q: negative halo on axis %s", s.Name, s.Axes[i])
		}
		if sc := s.ScaleAt(i); sc <= 0 || math.IsInf(sc, 0) || math.IsNaN(sc) {
			return fmt.Errorf("tensor %q: invalid scale %v on axis %s", s.Name, sc, s.Axes[i])
		}
	}
	for _, p := range s.PyramidSizes {
		if len(p) != n {
			return fmt.Errorf("tensor %q: pyramid level %v does not match %d axes", s.Name, p, n)
		}
	}
	return nil
}
