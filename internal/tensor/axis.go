package tensor

import (
	"errors"
	"fmt"
	"strings"
)

// Axis identifies one dimension of a tensor.
type Axis byte

// Axis letters used in layout strings.
const (
	AxisX     Axis = 'x'
	AxisY     Axis = 'y'
	AxisZ     Axis = 'z'
	AxisC     Axis = 'c'
	AxisBatch Axis = 'b'
	AxisTime  Axis = 't'
)

// ErrUnsupportedLayout is returned for axis layouts outside the supported set.
var ErrUnsupportedLayout = errors.New("unsupported axis layout")

// supportedLayouts is the fixed set of layouts accepted from model descriptors.
var supportedLayouts = map[string]bool{
	"yx":    true,
	"yxc":   true,
	"cyx":   true,
	"byxc":  true,
	"bcyx":  true,
	"zyx":   true,
	"zyxc":  true,
	"czyx":  true,
	"bzyxc": true,
	"bczyx": true,
}

func (a Axis) String() string { return string(rune(a)) }

// Spatial reports whether the axis is x, y or z.
func (a Axis) Spatial() bool {
	return a == AxisX || a == AxisY || a == AxisZ
}

// Axes is an ordered axis layout, e.g. "byxc".
type Axes []Axis

// ParseAxes parses a layout string. Case is ignored.
func ParseAxes(s string) (Axes, error) {
	l := strings.ToLower(strings.TrimSpace(s))
	if !supportedLayouts[l] {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLayout, s)
	}
	axes := make(Axes, len(l))
	for i := range len(l) {
		axes[i] = Axis(l[i])
	}
	return axes, nil
}

// MustParseAxes is ParseAxes for literals known to be valid.
func MustParseAxes(s string) Axes {
	axes, err := ParseAxes(s)
	if err != nil {
		panic(err)
	}
	return axes
}

func (a Axes) String() string {
	var b strings.Builder
	for _, ax := range a {
		b.WriteByte(byte(ax))
	}
	return b.String()
}

// Index returns the position of ax in the layout, or -1.
func (a Axes) Index(ax Axis) int {
	for i, x := range a {
		if x == ax {
			return i
		}
	}
	return -1
}

// Has reports whether the layout contains ax.
func (a Axes) Has(ax Axis) bool { return a.Index(ax) >= 0 }

// MarshalText encodes the layout as its string form.
func (a Axes) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses a layout string.
func (a *Axes) UnmarshalText(text []byte) error {
	axes, err := ParseAxes(string(text))
	if err != nil {
		return err
	}
	*a = axes
	return nil
}
