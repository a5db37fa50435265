package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Volume is a dense n-dimensional image stored row-major (last axis fastest).
type Volume struct {
	Axes  Axes
	Shape []int
	Data  []float64
}

// Kind implements Value.
func (*Volume) Kind() Kind { return KindImage }

// NewVolume allocates a zeroed volume.
func NewVolume(axes Axes, shape []int) (*Volume, error) {
	if len(axes) != len(shape) {
		return nil, fmt.Errorf("axes %q do not match shape %v", axes.String(), shape)
	}
	n := 1
	for i, s := range shape {
		if s <= 0 {
			return nil, fmt.Errorf("axis %s has non-positive extent %d", axes[i], s)
		}
		n *= s
	}
	return &Volume{
		Axes:  append(Axes(nil), axes...),
		Shape: append([]int(nil), shape...),
		Data:  make([]float64, n),
	}, nil
}

// Len returns the number of elements.
func (v *Volume) Len() int {
	n := 1
	for _, s := range v.Shape {
		n *= s
	}
	return n
}

// Strides returns the element stride of each axis.
func (v *Volume) Strides() []int {
	st := make([]int, len(v.Shape))
	acc := 1
	for i := len(v.Shape) - 1; i >= 0; i-- {
		st[i] = acc
		acc *= v.Shape[i]
	}
	return st
}

// Offset returns the flat index of coord.
func (v *Volume) Offset(coord []int) int {
	off, acc := 0, 1
	for i := len(v.Shape) - 1; i >= 0; i-- {
		off += coord[i] * acc
		acc *= v.Shape[i]
	}
	return off
}

// At returns the element at coord.
func (v *Volume) At(coord ...int) float64 { return v.Data[v.Offset(coord)] }

// Set stores x at coord.
func (v *Volume) Set(x float64, coord ...int) { v.Data[v.Offset(coord)] = x }

// AxisIndex returns the position of ax, or -1.
func (v *Volume) AxisIndex(ax Axis) int { return v.Axes.Index(ax) }

// Extent returns the size along ax, or 1 when the axis is absent.
func (v *Volume) Extent(ax Axis) int {
	if i := v.Axes.Index(ax); i >= 0 {
		return v.Shape[i]
	}
	return 1
}

// Clone returns a deep copy.
func (v *Volume) Clone() *Volume {
	return &Volume{
		Axes:  append(Axes(nil), v.Axes...),
		Shape: append([]int(nil), v.Shape...),
		Data:  append([]float64(nil), v.Data...),
	}
}

// Range returns the minimum and maximum element.
func (v *Volume) Range() (lo, hi float64) {
	if len(v.Data) == 0 {
		return 0, 0
	}
	return floats.Min(v.Data), floats.Max(v.Data)
}

// Window copies a block of the given size starting at origin. Positions
// falling outside the volume are filled by symmetric mirroring about the
// volume edges, so size may exceed the remaining extent.
func (v *Volume) Window(origin, size []int) (*Volume, error) {
	if len(origin) != len(v.Shape) || len(size) != len(v.Shape) {
		return nil, fmt.Errorf("window rank %d/%d does not match volume rank %d", len(origin), len(size), len(v.Shape))
	}
	out, err := NewVolume(v.Axes, size)
	if err != nil {
		return nil, err
	}

	src := make([][]int, len(size))
	for i := range size {
		src[i] = make([]int, size[i])
		for j := range size[i] {
			src[i][j] = Reflect(origin[i]+j, v.Shape[i])
		}
	}

	strides := v.Strides()
	k := 0
	Each(size, func(coord []int) {
		off := 0
		for i, c := range coord {
			off += src[i][c] * strides[i]
		}
		out.Data[k] = v.Data[off]
		k++
	})
	return out, nil
}

// CopyRegion copies the block of src starting at srcOrigin with the given
// extent into v at dstOrigin. Both volumes must share the same axes.
func (v *Volume) CopyRegion(src *Volume, srcOrigin, dstOrigin, extent []int) error {
	if src.Axes.String() != v.Axes.String() {
		return fmt.Errorf("copy between layouts %q and %q", src.Axes.String(), v.Axes.String())
	}
	for i := range extent {
		if srcOrigin[i] < 0 || srcOrigin[i]+extent[i] > src.Shape[i] {
			return fmt.Errorf("source region out of bounds on axis %s", v.Axes[i])
		}
		if dstOrigin[i] < 0 || dstOrigin[i]+extent[i] > v.Shape[i] {
			return fmt.Errorf("destination region out of bounds on axis %s", v.Axes[i])
		}
	}

	sc := make([]int, len(extent))
	dc := make([]int, len(extent))
	Each(extent, func(coord []int) {
		for i, c := range coord {
			sc[i] = srcOrigin[i] + c
			dc[i] = dstOrigin[i] + c
		}
		v.Data[v.Offset(dc)] = src.Data[src.Offset(sc)]
	})
	return nil
}

// Reflect maps any integer position onto [0, n) by symmetric mirroring
// (the edge sample is repeated).
func Reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * n
	m := i % period
	if m < 0 {
		m += period
	}
	if m >= n {
		m = period - 1 - m
	}
	return m
}

// Each calls fn for every coordinate in the box [0, extent) in row-major
// order. The coord slice is reused between calls.
func Each(extent []int, fn func(coord []int)) {
	for _, e := range extent {
		if e <= 0 {
			return
		}
	}
	coord := make([]int, len(extent))
	for {
		fn(coord)
		i := len(extent) - 1
		for ; i >= 0; i-- {
			coord[i]++
			if coord[i] < extent[i] {
				break
			}
			coord[i] = 0
		}
		if i < 0 {
			return
		}
	}
}
