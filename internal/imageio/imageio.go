// Package imageio converts between image files and tensor volumes for the
// command-line runner. PNG and TIFF are supported; TIFF files are read from
// their first page only.
package imageio

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/tiff"

	"github.com/deepimagej/tileflow/internal/tensor"
)

// ErrUnsupportedFormat is returned for file extensions other than png, tif and tiff.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// Format names accepted by Encode.
const (
	FormatPNG  = "png"
	FormatTIFF = "tiff"
)

// FormatOf returns the format implied by a file name's extension.
func FormatOf(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return FormatPNG, nil
	case ".tif", ".tiff":
		return FormatTIFF, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// Read decodes the image at path into a "yxc" volume.
func Read(path string) (*tensor.Volume, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	v, err := Decode(f, format)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return v, nil
}

// Decode reads one image. Grayscale images yield one channel, everything
// else three (alpha is dropped). Samples keep their stored range, 0..255 for
// 8-bit and 0..65535 for 16-bit images.
func Decode(r io.Reader, format string) (*tensor.Volume, error) {
	var (
		img image.Image
		err error
	)
	switch format {
	case FormatPNG:
		img, err = png.Decode(r)
	case FormatTIFF:
		img, err = tiff.Decode(r)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	switch m := img.(type) {
	case *image.Gray:
		v := mustVolume(h, w, 1)
		for y := range h {
			for x := range w {
				v.Data[y*w+x] = float64(m.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
		return v, nil
	case *image.Gray16:
		v := mustVolume(h, w, 1)
		for y := range h {
			for x := range w {
				v.Data[y*w+x] = float64(m.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
		return v, nil
	}

	wide := is16Bit(img)
	v := mustVolume(h, w, 3)
	for y := range h {
		for x := range w {
			c := color.NRGBA64Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA64)
			i := (y*w + x) * 3
			v.Data[i], v.Data[i+1], v.Data[i+2] = sample(c.R, wide), sample(c.G, wide), sample(c.B, wide)
		}
	}
	return v, nil
}

func is16Bit(img image.Image) bool {
	switch img.(type) {
	case *image.RGBA64, *image.NRGBA64:
		return true
	}
	return false
}

func sample(c uint16, wide bool) float64 {
	if wide {
		return float64(c)
	}
	return float64(c >> 8)
}

func mustVolume(h, w, c int) *tensor.Volume {
	v, err := tensor.NewVolume(tensor.MustParseAxes("yxc"), []int{h, w, c})
	if err != nil {
		panic(err)
	}
	return v
}

// Write encodes v to path in the format implied by its extension.
func Write(path string, v *tensor.Volume) error {
	format, err := FormatOf(path)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(f, v, format); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

// Encode writes v as a single 2D image. All axes other than y, x and c must
// have extent 1, and c must be 1 or 3. Samples are rounded and clamped; the
// image is 16-bit when any sample exceeds 255, 8-bit otherwise.
func Encode(w io.Writer, v *tensor.Volume, format string) error {
	img, err := toImage(v)
	if err != nil {
		return err
	}
	switch format {
	case FormatPNG:
		return png.Encode(w, img)
	case FormatTIFF:
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func toImage(v *tensor.Volume) (image.Image, error) {
	target := tensor.MustParseAxes("yxc")
	if !v.Axes.Has(tensor.AxisC) {
		target = tensor.MustParseAxes("yx")
	}
	flat, err := Conform(v, target)
	if err != nil {
		return nil, err
	}
	h, w := flat.Shape[0], flat.Shape[1]
	channels := 1
	if len(flat.Shape) == 3 {
		channels = flat.Shape[2]
	}
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("cannot encode %d channels, want 1 or 3", channels)
	}

	_, hi := flat.Range()
	wide := hi > math.MaxUint8
	limit := float64(math.MaxUint8)
	if wide {
		limit = math.MaxUint16
	}
	at := func(i int) uint16 {
		x := math.Round(flat.Data[i])
		if math.IsNaN(x) || x < 0 {
			return 0
		}
		return uint16(min(x, limit))
	}

	rect := image.Rect(0, 0, w, h)
	if channels == 1 {
		if wide {
			img := image.NewGray16(rect)
			for i := range h * w {
				img.SetGray16(i%w, i/w, color.Gray16{Y: at(i)})
			}
			return img, nil
		}
		img := image.NewGray(rect)
		for i := range h * w {
			img.SetGray(i%w, i/w, color.Gray{Y: uint8(at(i))})
		}
		return img, nil
	}

	if wide {
		img := image.NewNRGBA64(rect)
		for i := range h * w {
			img.SetNRGBA64(i%w, i/w, color.NRGBA64{R: at(3 * i), G: at(3*i + 1), B: at(3*i + 2), A: math.MaxUint16})
		}
		return img, nil
	}
	img := image.NewNRGBA(rect)
	for i := range h * w {
		img.SetNRGBA(i%w, i/w, color.NRGBA{R: uint8(at(3 * i)), G: uint8(at(3*i + 1)), B: uint8(at(3*i + 2)), A: math.MaxUint8})
	}
	return img, nil
}

// Conform rearranges v into the axis layout axes. Axes of v missing from
// the layout must have extent 1; layout axes missing from v are added with
// extent 1.
func Conform(v *tensor.Volume, axes tensor.Axes) (*tensor.Volume, error) {
	for i, ax := range v.Axes {
		if !axes.Has(ax) && v.Shape[i] != 1 {
			return nil, fmt.Errorf("axis %s has extent %d and is not in layout %q", ax, v.Shape[i], axes.String())
		}
	}

	shape := make([]int, len(axes))
	src := make([]int, len(axes))
	for i, ax := range axes {
		src[i] = v.Axes.Index(ax)
		shape[i] = 1
		if src[i] >= 0 {
			shape[i] = v.Shape[src[i]]
		}
	}
	out, err := tensor.NewVolume(axes, shape)
	if err != nil {
		return nil, err
	}

	coord := make([]int, len(v.Axes))
	k := 0
	tensor.Each(shape, func(c []int) {
		for i, j := range src {
			if j >= 0 {
				coord[j] = c[i]
			}
		}
		out.Data[k] = v.At(coord...)
		k++
	})
	return out, nil
}
