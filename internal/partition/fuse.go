package partition

import (
	"fmt"
	"math"

	"github.com/deepimagej/tileflow/internal/tensor"
	"github.com/deepimagej/tileflow/internal/tiling"
)

// FusionSizeMismatchError reports an output patch whose extent differs from
// the one its tensor declaration implies for the tile size.
type FusionSizeMismatchError struct {
	Output string
	Tile   int
	Axis   tensor.Axis
	Got    int
	Want   int
}

func (e *FusionSizeMismatchError) Error() string {
	if e.Axis == 0 {
		return fmt.Sprintf("output %q tile %d: patch has rank %d, want %d", e.Output, e.Tile, e.Got, e.Want)
	}
	return fmt.Sprintf("output %q tile %d: axis %s has extent %d, want %d", e.Output, e.Tile, e.Axis, e.Got, e.Want)
}

// Fuser assembles the patches of one image output, in split order, into
// the full output volume.
//
// Output axis j corresponds to the input axis with the same letter. Local
// position u of a patch maps to global position round(origin*scale)+u; the
// global extent is round(extent*scale)+offset. Axes without an input
// counterpart are copied whole.
type Fuser struct {
	out     tensor.Spec
	plan    tiling.Plan
	inShape []int
	inAxis  []int
	want    []int
	result  *tensor.Volume
	next    int
}

// NewFuser prepares fusion of output out for an input of shape inShape
// tiled with plan.
func NewFuser(out tensor.Spec, plan tiling.Plan, inShape []int) (*Fuser, error) {
	if len(inShape) != len(plan.Size) {
		return nil, fmt.Errorf("input rank %d does not match plan rank %d", len(inShape), len(plan.Size))
	}
	n := len(out.Axes)
	f := &Fuser{
		out:     out,
		plan:    plan,
		inShape: inShape,
		inAxis:  make([]int, n),
		want:    make([]int, n),
	}
	full := make([]int, n)
	for j, a := range out.Axes {
		i := plan.Axes.Index(a)
		f.inAxis[j] = i
		if i < 0 {
			f.want[j] = out.OutputExtent(j, 1)
			full[j] = f.want[j]
			continue
		}
		f.want[j] = out.OutputExtent(j, plan.Size[i])
		full[j] = out.OutputExtent(j, inShape[i])
	}
	vol, err := tensor.NewVolume(out.Axes, full)
	if err != nil {
		return nil, fmt.Errorf("output %q: %w", out.Name, err)
	}
	f.result = vol
	return f, nil
}

// Add places the core of patch, the model output for tile t. Tiles must be
// added in split order.
func (f *Fuser) Add(t Tile, patch *tensor.Volume) error {
	if t.Index != f.next {
		return fmt.Errorf("output %q: tile %d added out of order, expected %d", f.out.Name, t.Index, f.next)
	}
	if len(patch.Shape) != len(f.want) {
		return &FusionSizeMismatchError{Output: f.out.Name, Tile: t.Index, Got: len(patch.Shape), Want: len(f.want)}
	}
	for j, w := range f.want {
		if patch.Shape[j] != w {
			return &FusionSizeMismatchError{Output: f.out.Name, Tile: t.Index, Axis: f.out.Axes[j], Got: patch.Shape[j], Want: w}
		}
	}
	if patch.Axes.String() != f.out.Axes.String() {
		patch = &tensor.Volume{Axes: f.out.Axes, Shape: patch.Shape, Data: patch.Data}
	}

	n := len(f.want)
	src := make([]int, n)
	dst := make([]int, n)
	ext := make([]int, n)
	for j := range n {
		i := f.inAxis[j]
		if i < 0 {
			ext[j] = f.want[j]
			continue
		}
		scale := f.out.ScaleAt(j)
		base := scaled(t.Origin[i], scale)

		gs := scaled(t.CoreStart(i), scale)
		if t.CropLo[i] == 0 {
			gs = base
		}
		ge := scaled(t.CoreEnd(i), scale)
		if t.CropHi[i] == 0 {
			ge = base + f.want[j]
		}
		gs = max(gs, 0)
		ge = min(ge, f.result.Shape[j])

		ls := gs - base
		if ls < 0 {
			gs -= ls
			ls = 0
		}
		length := min(ge-gs, f.want[j]-ls)
		if length <= 0 {
			// Nothing of this tile survives on this axis.
			f.next++
			return nil
		}
		src[j], dst[j], ext[j] = ls, gs, length
	}

	if err := f.result.CopyRegion(patch, src, dst, ext); err != nil {
		return fmt.Errorf("output %q tile %d: %w", f.out.Name, t.Index, err)
	}
	f.next++
	return nil
}

// Result returns the fused volume.
func (f *Fuser) Result() *tensor.Volume { return f.result }

func scaled(x int, s float64) int {
	return int(math.Round(float64(x) * s))
}

// Fuse fuses patches, one per tile in split order, into output out.
func Fuse(tiles []Tile, patches []*tensor.Volume, plan tiling.Plan, out tensor.Spec, inShape []int) (*tensor.Volume, error) {
	if len(tiles) != len(patches) {
		return nil, fmt.Errorf("output %q: %d patches for %d tiles", out.Name, len(patches), len(tiles))
	}
	f, err := NewFuser(out, plan, inShape)
	if err != nil {
		return nil, err
	}
	for k, t := range tiles {
		if err := f.Add(t, patches[k]); err != nil {
			return nil, err
		}
	}
	return f.Result(), nil
}

// FusePyramid accepts the single output of a pyramidal model unchanged,
// checking it against the declared pyramid sizes. A non-positive entry in a
// declared level matches any extent.
func FusePyramid(out tensor.Spec, patch *tensor.Volume) (*tensor.Volume, error) {
	if len(out.PyramidSizes) == 0 {
		return patch, nil
	}
	for _, level := range out.PyramidSizes {
		if matchesLevel(level, patch.Shape) {
			return patch, nil
		}
	}
	want := out.PyramidSizes[0]
	for j := range want {
		if j < len(patch.Shape) && want[j] > 0 && patch.Shape[j] != want[j] {
			return nil, &FusionSizeMismatchError{Output: out.Name, Axis: out.Axes[j], Got: patch.Shape[j], Want: want[j]}
		}
	}
	return nil, &FusionSizeMismatchError{Output: out.Name, Got: len(patch.Shape), Want: len(want)}
}

func matchesLevel(level, shape []int) bool {
	if len(level) != len(shape) {
		return false
	}
	for j := range level {
		if level[j] > 0 && level[j] != shape[j] {
			return false
		}
	}
	return true
}
