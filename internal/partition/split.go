// Package partition splits image volumes into overlapping tiles and fuses
// per-tile model outputs back into full volumes.
package partition

import (
	"fmt"

	"github.com/deepimagej/tileflow/internal/tensor"
	"github.com/deepimagej/tileflow/internal/tiling"
)

// Tile is one sub-region of the reference input.
//
// The window [Origin, Origin+Extent) is clipped at the volume boundary.
// CropLo/CropHi are the halo widths trimmed from the window on sides that
// have a neighbouring tile; the remaining core tiles the volume exactly.
type Tile struct {
	Index  int   `json:"index"`
	Grid   []int `json:"grid"`
	Origin []int `json:"origin"`
	Extent []int `json:"extent"`
	CropLo []int `json:"crop_lo"`
	CropHi []int `json:"crop_hi"`
	// LabelOffset is the label-space offset assigned to this tile for
	// segmentation outputs.
	LabelOffset float64 `json:"label_offset,omitempty"`
}

// CoreStart returns the first source position of the tile core on axis i.
func (t Tile) CoreStart(i int) int { return t.Origin[i] + t.CropLo[i] }

// CoreEnd returns the end (exclusive) of the tile core on axis i.
func (t Tile) CoreEnd(i int) int { return t.Origin[i] + t.Extent[i] - t.CropHi[i] }

type span struct {
	origin, extent, cropLo, cropHi int
}

// axisSpans divides [0, extent) into windows of at most size whose cores,
// after removing halo on interior sides, cover the axis exactly once.
func axisSpans(extent, size, halo int) ([]span, error) {
	if size <= 0 {
		return nil, fmt.Errorf("tile size %d must be positive", size)
	}
	if extent <= size {
		return []span{{origin: 0, extent: extent}}, nil
	}
	core := size - 2*halo
	if core <= 0 {
		return nil, fmt.Errorf("tile size %d leaves no core after halo %d", size, halo)
	}

	n := (extent + core - 1) / core
	spans := make([]span, n)
	for k := range n {
		cs := k * core
		ce := min(cs+core, extent)
		ws := max(0, cs-halo)
		we := min(extent, ce+halo)
		spans[k] = span{
			origin: ws,
			extent: we - ws,
			cropLo: cs - ws,
			cropHi: we - ce,
		}
	}
	return spans, nil
}

// Split enumerates the tiles of a volume of the given shape in row-major
// grid order (last axis fastest). It depends only on shape and plan.
func Split(shape []int, plan tiling.Plan) ([]Tile, error) {
	if len(shape) != len(plan.Size) {
		return nil, fmt.Errorf("volume rank %d does not match plan rank %d", len(shape), len(plan.Size))
	}

	spans := make([][]span, len(shape))
	counts := make([]int, len(shape))
	for i := range shape {
		s, err := axisSpans(shape[i], plan.Size[i], plan.Halo[i])
		if err != nil {
			return nil, fmt.Errorf("axis %s: %w", plan.Axes[i], err)
		}
		spans[i] = s
		counts[i] = len(s)
	}

	var tiles []Tile
	tensor.Each(counts, func(grid []int) {
		t := Tile{
			Index:  len(tiles),
			Grid:   append([]int(nil), grid...),
			Origin: make([]int, len(grid)),
			Extent: make([]int, len(grid)),
			CropLo: make([]int, len(grid)),
			CropHi: make([]int, len(grid)),
		}
		for i, g := range grid {
			sp := spans[i][g]
			t.Origin[i] = sp.origin
			t.Extent[i] = sp.extent
			t.CropLo[i] = sp.cropLo
			t.CropHi[i] = sp.cropHi
		}
		tiles = append(tiles, t)
	})
	return tiles, nil
}

// Extract returns the model input for tile t: plan.Size samples starting at
// the tile origin, mirror-padded where the block runs past the volume edge.
func Extract(v *tensor.Volume, t Tile, plan tiling.Plan) (*tensor.Volume, error) {
	return v.Window(t.Origin, plan.Size)
}

// ExtractAligned cuts the block of tile t out of a secondary input whose
// axes may differ from the reference layout. Axes shared with the
// reference (matched by letter) follow the tile; other axes are taken whole.
func ExtractAligned(v *tensor.Volume, t Tile, plan tiling.Plan) (*tensor.Volume, error) {
	origin := make([]int, len(v.Axes))
	size := make([]int, len(v.Axes))
	for i, a := range v.Axes {
		j := plan.Axes.Index(a)
		if j < 0 || !a.Spatial() {
			size[i] = v.Shape[i]
			continue
		}
		origin[i] = t.Origin[j]
		size[i] = plan.Size[j]
	}
	return v.Window(origin, size)
}
