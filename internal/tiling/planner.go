// Package tiling derives legal tile sizes from a model's declared
// minimum/step/halo constraints.
package tiling

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/deepimagej/tileflow/internal/tensor"
)

// DefaultMaxAutoTile bounds the tile edge chosen for "auto" requests.
const DefaultMaxAutoTile = 512

// PatchAuto requests a derived tile size.
const PatchAuto = "auto"

// FullExtent in a patch string means "do not tile this axis".
const FullExtent = -1

// Request is the input of Compute.
type Request struct {
	Input   tensor.Spec
	Outputs []tensor.Spec
	// Extent is the image size along each axis of Input.
	Extent []int
	// Patch is "auto", empty (use the declared recommended patch, else auto)
	// or one comma-separated size per non-batch axis.
	Patch         string
	AllowPatching bool
	Pyramidal     bool
	MaxAutoTile   int
}

// Plan is the tile geometry for one run. It must not be modified after
// Compute returns it.
type Plan struct {
	Axes      tensor.Axes `json:"axes"`
	Size      []int       `json:"size"`
	Halo      []int       `json:"halo"`
	Pyramidal bool        `json:"pyramidal,omitempty"`
}

// String formats the tile size of the non-batch axes as a patch string.
func (p Plan) String() string {
	parts := make([]string, 0, len(p.Size))
	for i, s := range p.Size {
		if p.Axes[i] == tensor.AxisBatch {
			continue
		}
		parts = append(parts, strconv.Itoa(s))
	}
	return strings.Join(parts, ",")
}

// Compute validates or derives the tile size of every axis of req.Input.
func Compute(req Request) (Plan, error) {
	in := req.Input
	n := len(in.Axes)
	if len(req.Extent) != n {
		return Plan{}, &InvalidTileSizeError{
			Tensor: in.Name,
			Reason: ReasonMalformed,
			Detail: fmt.Sprintf("image has %d dimensions, tensor %q declares %d", len(req.Extent), in.Axes.String(), n),
		}
	}

	plan := Plan{
		Axes: append(tensor.Axes(nil), in.Axes...),
		Size: make([]int, n),
		Halo: make([]int, n),
	}

	if req.Pyramidal {
		copy(plan.Size, req.Extent)
		plan.Pyramidal = true
		return plan, nil
	}

	plan.Halo = TotalHalo(in, req.Outputs, false)

	var requested []int
	switch {
	case !req.AllowPatching:
		requested = make([]int, n)
		for i := range n {
			requested[i] = in.MinimumAt(i)
		}
	case req.Patch == "" && len(in.RecommendedPatch) == n:
		requested = append([]int(nil), in.RecommendedPatch...)
	case req.Patch == "" || strings.EqualFold(strings.TrimSpace(req.Patch), PatchAuto):
		maxTile := req.MaxAutoTile
		if maxTile <= 0 {
			maxTile = DefaultMaxAutoTile
		}
		requested = make([]int, n)
		for i := range n {
			requested[i] = OptimalSize(req.Extent[i], in.MinimumAt(i), in.StepAt(i), plan.Halo[i], maxTile)
		}
	default:
		var err error
		requested, err = ParsePatch(req.Patch, in.Axes)
		if err != nil {
			return Plan{}, &InvalidTileSizeError{Tensor: in.Name, Reason: ReasonMalformed, Detail: err.Error()}
		}
	}

	for i := range n {
		if in.Axes[i] == tensor.AxisBatch {
			plan.Size[i] = 1
			plan.Halo[i] = 0
			continue
		}
		size := requested[i]
		if size == FullExtent {
			plan.Size[i] = req.Extent[i]
			continue
		}
		if err := checkAxis(in, i, size, plan.Halo[i]); err != nil {
			return Plan{}, err
		}
		plan.Size[i] = size
	}
	return plan, nil
}

func checkAxis(in tensor.Spec, i, size, halo int) error {
	min, step := in.MinimumAt(i), in.StepAt(i)
	fail := func(reason string, nearest int) error {
		return &InvalidTileSizeError{
			Tensor:    in.Name,
			Axis:      in.Axes[i],
			Requested: size,
			Minimum:   min,
			Step:      step,
			Halo:      halo,
			Nearest:   nearest,
			Reason:    reason,
		}
	}

	switch {
	case step == 0 && size != min:
		return fail(ReasonFixed, min)
	case size < min:
		return fail(ReasonBelowMinimum, SmallestLegalAbove(2*halo, min, step))
	case step > 0 && (size-min)%step != 0:
		nearest := NearestLegal(size, min, step)
		if nearest <= 2*halo {
			nearest = SmallestLegalAbove(2*halo, min, step)
		}
		return fail(ReasonOffStep, nearest)
	case size <= 2*halo:
		return fail(ReasonHalo, SmallestLegalAbove(2*halo, min, step))
	}
	return nil
}

// ParsePatch parses a patch string into one size per axis of axes. The
// string carries one value per non-batch axis; batch axes are set to 1.
func ParsePatch(s string, axes tensor.Axes) ([]int, error) {
	fields := strings.Split(s, ",")
	want := 0
	for _, a := range axes {
		if a != tensor.AxisBatch {
			want++
		}
	}
	if len(fields) != want {
		return nil, fmt.Errorf("patch %q has %d values, layout %q needs %d", s, len(fields), axes.String(), want)
	}

	out := make([]int, len(axes))
	k := 0
	for i, a := range axes {
		if a == tensor.AxisBatch {
			out[i] = 1
			continue
		}
		v, err := strconv.Atoi(strings.TrimSpace(fields[k]))
		k++
		if err != nil {
			return nil, fmt.Errorf("patch value %q for axis %s is not an integer", fields[k-1], a)
		}
		if v <= 0 && v != FullExtent {
			return nil, fmt.Errorf("patch value %d for axis %s must be positive or -1", v, a)
		}
		out[i] = v
	}
	return out, nil
}

// TotalHalo returns, per axis of input, the largest halo declared by any
// image output that refers to input (or names no reference) on the axis
// with the same letter. Pyramidal models have no halo.
func TotalHalo(input tensor.Spec, outputs []tensor.Spec, pyramidal bool) []int {
	halo := make([]int, len(input.Axes))
	if pyramidal {
		return halo
	}
	for i, a := range input.Axes {
		if a == tensor.AxisBatch {
			continue
		}
		h := input.HaloAt(i)
		for _, out := range outputs {
			if out.Kind != tensor.KindImage {
				continue
			}
			if out.ReferenceInput != "" && out.ReferenceInput != input.Name {
				continue
			}
			if j := out.Axes.Index(a); j >= 0 {
				h = max(h, out.HaloAt(j))
			}
		}
		halo[i] = h
	}
	return halo
}

// NearestLegal rounds size down to the closest legal value. Sizes below
// the minimum map to the minimum.
func NearestLegal(size, min, step int) int {
	if step == 0 || size <= min {
		return min
	}
	return min + ((size-min)/step)*step
}

// SmallestLegalAbove returns the smallest legal size strictly greater
// than x, or min when step is 0.
func SmallestLegalAbove(x, min, step int) int {
	if step == 0 || min > x {
		return min
	}
	return min + ((x-min)/step+1)*step
}

// OptimalSize picks a default tile edge for an axis of the given extent:
// the smallest legal size covering the whole extent when it fits within
// maxTile, otherwise the largest legal size not above maxTile. The result
// always leaves room for the halo.
func OptimalSize(extent, min, step, halo, maxTile int) int {
	if step == 0 {
		return min
	}
	size := min
	if extent > min {
		size = min + ((extent-min+step-1)/step)*step
	}
	if size > maxTile {
		size = NearestLegal(maxTile, min, step)
	}
	if size <= 2*halo {
		size = SmallestLegalAbove(2*halo, min, step)
	}
	return size
}

// OptimalPatch returns the patch string Compute would use for an "auto"
// request on an image of the given extent.
func OptimalPatch(input tensor.Spec, outputs []tensor.Spec, extent []int, maxTile int) (string, error) {
	plan, err := Compute(Request{
		Input:         input,
		Outputs:       outputs,
		Extent:        extent,
		Patch:         PatchAuto,
		AllowPatching: true,
		MaxAutoTile:   maxTile,
	})
	if err != nil {
		return "", err
	}
	return plan.String(), nil
}
