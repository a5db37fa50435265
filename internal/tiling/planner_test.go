package tiling_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepimagej/tileflow/internal/tensor"
	"github.com/deepimagej/tileflow/internal/tiling"
)

func unetInput() tensor.Spec {
	return tensor.Spec{
		Name:        "input",
		Kind:        tensor.KindImage,
		Axes:        tensor.MustParseAxes("byxc"),
		MinimumSize: []int{1, 256, 256, 1},
		Step:        []int{0, 16, 16, 0},
	}
}

func unetOutput() tensor.Spec {
	return tensor.Spec{
		Name:           "output",
		Kind:           tensor.KindImage,
		Axes:           tensor.MustParseAxes("byxc"),
		Halo:           []int{0, 16, 16, 0},
		ReferenceInput: "input",
	}
}

func request(patch string) tiling.Request {
	return tiling.Request{
		Input:         unetInput(),
		Outputs:       []tensor.Spec{unetOutput()},
		Extent:        []int{1, 520, 520, 1},
		Patch:         patch,
		AllowPatching: true,
	}
}

func TestComputeAcceptsLegalSizes(t *testing.T) {
	for n := range 10 {
		size := 256 + 16*n
		t.Run("", func(t *testing.T) {
			in := unetInput()
			in.Axes = tensor.MustParseAxes("yx")
			in.MinimumSize = []int{256, 256}
			in.Step = []int{16, 16}
			plan, err := tiling.Compute(tiling.Request{
				Input:         in,
				Extent:        []int{1000, 1000},
				Patch:         patchOf(size, size),
				AllowPatching: true,
			})
			require.NoError(t, err)
			assert.Equal(t, []int{size, size}, plan.Size)
		})
	}
}

func patchOf(a, b int) string {
	return tiling.Plan{Axes: tensor.MustParseAxes("yx"), Size: []int{a, b}}.String()
}

func TestComputeScenarioAccepted(t *testing.T) {
	plan, err := tiling.Compute(request("272,272,1"))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 272, 272, 1}, plan.Size)
	assert.Equal(t, []int{0, 16, 16, 0}, plan.Halo)
	assert.Equal(t, "272,272,1", plan.String())
}

func TestComputeRejectsOffStepRoundingDown(t *testing.T) {
	_, err := tiling.Compute(request("300,300,1"))
	var tileErr *tiling.InvalidTileSizeError
	require.True(t, errors.As(err, &tileErr), "got %v", err)
	assert.Equal(t, tensor.AxisY, tileErr.Axis)
	assert.Equal(t, 300, tileErr.Requested)
	assert.Equal(t, tiling.ReasonOffStep, tileErr.Reason)
	assert.Equal(t, 288, tileErr.Nearest)
	in := unetInput()
	assert.True(t, in.Legal(1, tileErr.Nearest))
	assert.Contains(t, tileErr.Error(), "nearest legal size is 288")
}

func TestComputeNearestAlwaysRoundsDown(t *testing.T) {
	in := unetInput()
	for size := 257; size < 400; size++ {
		if (size-256)%16 == 0 {
			continue
		}
		_, err := tiling.Compute(request(patchOf(size, 256) + ",1"))
		var tileErr *tiling.InvalidTileSizeError
		require.True(t, errors.As(err, &tileErr))
		assert.LessOrEqual(t, tileErr.Nearest, size)
		assert.True(t, in.Legal(1, tileErr.Nearest), "nearest %d for %d", tileErr.Nearest, size)
	}
}

func TestComputeRejectsHaloTooLarge(t *testing.T) {
	req := request("32,32,1")
	req.Input.MinimumSize = []int{1, 16, 16, 1}
	req.Outputs[0].Halo = []int{0, 16, 16, 0}

	_, err := tiling.Compute(req)
	var tileErr *tiling.InvalidTileSizeError
	require.True(t, errors.As(err, &tileErr))
	assert.Equal(t, tiling.ReasonHalo, tileErr.Reason)
	assert.Equal(t, 48, tileErr.Nearest)
}

func TestComputeFixedAxis(t *testing.T) {
	_, err := tiling.Compute(request("272,272,3"))
	var tileErr *tiling.InvalidTileSizeError
	require.True(t, errors.As(err, &tileErr))
	assert.Equal(t, tensor.AxisC, tileErr.Axis)
	assert.Equal(t, tiling.ReasonFixed, tileErr.Reason)
	assert.Equal(t, 1, tileErr.Nearest)
}

func TestComputeBelowMinimum(t *testing.T) {
	_, err := tiling.Compute(request("128,272,1"))
	var tileErr *tiling.InvalidTileSizeError
	require.True(t, errors.As(err, &tileErr))
	assert.Equal(t, tiling.ReasonBelowMinimum, tileErr.Reason)
	assert.Equal(t, 256, tileErr.Nearest)
}

func TestComputeFullExtentSentinel(t *testing.T) {
	plan, err := tiling.Compute(request("-1,272,1"))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 520, 272, 1}, plan.Size)
}

func TestComputeMalformedPatch(t *testing.T) {
	for _, patch := range []string{"272", "a,b,c", "272,272,1,1", "0,272,1"} {
		_, err := tiling.Compute(request(patch))
		var tileErr *tiling.InvalidTileSizeError
		require.True(t, errors.As(err, &tileErr), "patch %q", patch)
		assert.Equal(t, tiling.ReasonMalformed, tileErr.Reason)
	}
}

func TestComputePyramidalUsesWholeImage(t *testing.T) {
	req := request("300,300,1")
	req.Pyramidal = true
	plan, err := tiling.Compute(req)
	require.NoError(t, err)
	assert.True(t, plan.Pyramidal)
	assert.Equal(t, req.Extent, plan.Size)
	assert.Equal(t, []int{0, 0, 0, 0}, plan.Halo)
}

func TestComputeWithoutPatchingUsesMinimum(t *testing.T) {
	req := request("auto")
	req.AllowPatching = false
	plan, err := tiling.Compute(req)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 256, 256, 1}, plan.Size)
}

func TestComputeAuto(t *testing.T) {
	req := request("auto")
	req.MaxAutoTile = 512
	plan, err := tiling.Compute(req)
	require.NoError(t, err)
	// 520 does not fit under 512, so the largest legal size below it is used.
	assert.Equal(t, []int{1, 512, 512, 1}, plan.Size)

	req.Extent = []int{1, 300, 300, 1}
	plan, err = tiling.Compute(req)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 304, 304, 1}, plan.Size)
}

func TestComputeRecommendedPatch(t *testing.T) {
	req := request("")
	req.Input.RecommendedPatch = []int{1, 384, 384, 1}
	plan, err := tiling.Compute(req)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 384, 384, 1}, plan.Size)
}

func TestTotalHaloTakesMaximumAcrossOutputs(t *testing.T) {
	second := unetOutput()
	second.Name = "second"
	second.Axes = tensor.MustParseAxes("yx")
	second.Halo = []int{8, 32}
	other := unetOutput()
	other.ReferenceInput = "other"
	other.Halo = []int{0, 100, 100, 0}

	halo := tiling.TotalHalo(unetInput(), []tensor.Spec{unetOutput(), second, other}, false)
	assert.Equal(t, []int{0, 16, 32, 0}, halo)
	assert.Equal(t, []int{0, 0, 0, 0}, tiling.TotalHalo(unetInput(), []tensor.Spec{second}, true))
}

func TestOptimalSize(t *testing.T) {
	tests := []struct {
		name                             string
		extent, min, step, halo, maxTile int
		want                             int
	}{
		{"fixed", 100, 64, 0, 0, 512, 64},
		{"covers extent", 100, 64, 16, 0, 512, 112},
		{"extent below minimum", 10, 64, 16, 0, 512, 64},
		{"capped", 2000, 64, 16, 0, 512, 512},
		{"halo bump", 10, 8, 8, 20, 512, 48},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tiling.OptimalSize(tt.extent, tt.min, tt.step, tt.halo, tt.maxTile))
		})
	}
}

func TestOptimalPatch(t *testing.T) {
	got, err := tiling.OptimalPatch(unetInput(), []tensor.Spec{unetOutput()}, []int{1, 300, 1000, 1}, 512)
	require.NoError(t, err)
	assert.Equal(t, "304,512,1", got)
}
