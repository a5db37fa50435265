package imageio

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepimagej/tileflow/internal/tensor"
)

func volume(t *testing.T, axes string, shape []int, fill func(i int) float64) *tensor.Volume {
	t.Helper()
	v, err := tensor.NewVolume(tensor.MustParseAxes(axes), shape)
	require.NoError(t, err)
	for i := range v.Data {
		v.Data[i] = fill(i)
	}
	return v
}

func TestFormatOf(t *testing.T) {
	for path, want := range map[string]string{
		"a.png":        FormatPNG,
		"b.TIF":        FormatTIFF,
		"dir/c.tiff":   FormatTIFF,
		"stack.jpeg":   "",
		"no-extension": "",
	} {
		got, err := FormatOf(path)
		if want == "" {
			assert.ErrorIs(t, err, ErrUnsupportedFormat, path)
			continue
		}
		require.NoError(t, err, path)
		assert.Equal(t, want, got, path)
	}
}

func TestRoundTripGray8(t *testing.T) {
	for _, format := range []string{FormatPNG, FormatTIFF} {
		t.Run(format, func(t *testing.T) {
			v := volume(t, "yx", []int{5, 7}, func(i int) float64 { return float64(i * 3) })

			var buf bytes.Buffer
			require.NoError(t, Encode(&buf, v, format))
			got, err := Decode(&buf, format)
			require.NoError(t, err)

			assert.Equal(t, []int{5, 7, 1}, got.Shape)
			assert.Equal(t, v.Data, got.Data)
		})
	}
}

func TestRoundTripGray16(t *testing.T) {
	v := volume(t, "yxc", []int{4, 4, 1}, func(i int) float64 { return float64(i * 1000) })

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, v, FormatTIFF))
	got, err := Decode(&buf, FormatTIFF)
	require.NoError(t, err)

	assert.Equal(t, v.Data, got.Data, "labels above 255 must survive as 16-bit samples")
}

func TestRoundTripRGB(t *testing.T) {
	v := volume(t, "yxc", []int{3, 2, 3}, func(i int) float64 { return float64(i * 10) })

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, v, FormatPNG))
	got, err := Decode(&buf, FormatPNG)
	require.NoError(t, err)

	assert.Equal(t, []int{3, 2, 3}, got.Shape)
	assert.Equal(t, v.Data, got.Data)
}

func TestEncodeClampsAndRounds(t *testing.T) {
	vals := []float64{-5, 0.4, 0.6, 254.7, 300}
	v := volume(t, "yx", []int{1, 5}, func(i int) float64 { return vals[i] })

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, v, FormatPNG))
	got, err := Decode(&buf, FormatPNG)
	require.NoError(t, err)

	assert.Equal(t, []float64{0, 0, 1, 255, 300}, got.Data)
}

func TestEncodeRejectsUnsupportedShapes(t *testing.T) {
	twoChannels := volume(t, "yxc", []int{2, 2, 2}, func(int) float64 { return 0 })
	assert.Error(t, Encode(&bytes.Buffer{}, twoChannels, FormatPNG))

	stack := volume(t, "zyx", []int{3, 2, 2}, func(int) float64 { return 0 })
	assert.Error(t, Encode(&bytes.Buffer{}, stack, FormatPNG))

	flat := volume(t, "yx", []int{2, 2}, func(int) float64 { return 0 })
	assert.ErrorIs(t, Encode(&bytes.Buffer{}, flat, "bmp"), ErrUnsupportedFormat)
}

func TestConformAddsAndDropsSingletonAxes(t *testing.T) {
	v := volume(t, "yxc", []int{2, 3, 1}, func(i int) float64 { return float64(i) })

	batched, err := Conform(v, tensor.MustParseAxes("bcyx"))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2, 3}, batched.Shape)
	assert.Equal(t, v.Data, batched.Data)

	back, err := Conform(batched, tensor.MustParseAxes("yx"))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, back.Shape)
	assert.Equal(t, v.Data, back.Data)
}

func TestConformPermutesChannels(t *testing.T) {
	v := volume(t, "yxc", []int{1, 2, 3}, func(i int) float64 { return float64(i) })

	got, err := Conform(v, tensor.MustParseAxes("cyx"))
	require.NoError(t, err)

	assert.Equal(t, []int{3, 1, 2}, got.Shape)
	assert.Equal(t, []float64{0, 3, 1, 4, 2, 5}, got.Data)
}

func TestReadWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.tif")
	v := volume(t, "byxc", []int{1, 3, 3, 1}, func(i int) float64 { return float64(i) })

	require.NoError(t, Write(path, v))
	got, err := Read(path)
	require.NoError(t, err)

	assert.Equal(t, []int{3, 3, 1}, got.Shape)
	assert.Equal(t, v.Data, got.Data)

	_, err = Read(filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)
}
