package tensor

import "fmt"

// Wire is the JSON encoding of a Value shared by the HTTP API, the worker
// protocol and persisted run outputs.
type Wire struct {
	Kind    Kind        `json:"kind"`
	Axes    Axes        `json:"axes,omitempty"`
	Shape   []int       `json:"shape,omitempty"`
	Data    []float64   `json:"data,omitempty"`
	Columns []string    `json:"columns,omitempty"`
	Rows    [][]float64 `json:"rows,omitempty"`
}

// ToWire encodes v.
func ToWire(v Value) (Wire, error) {
	switch t := v.(type) {
	case *Volume:
		return Wire{Kind: KindImage, Axes: t.Axes, Shape: t.Shape, Data: t.Data}, nil
	case *Table:
		return Wire{Kind: KindTable, Columns: t.Columns, Rows: t.Rows}, nil
	case *List:
		return Wire{Kind: KindList, Data: t.Values}, nil
	default:
		return Wire{}, fmt.Errorf("cannot encode tensor of type %T", v)
	}
}

// FromWire decodes w, checking that image data matches its shape.
func FromWire(w Wire) (Value, error) {
	switch w.Kind {
	case KindImage:
		if len(w.Axes) != len(w.Shape) {
			return nil, fmt.Errorf("axes %q do not match shape %v", w.Axes.String(), w.Shape)
		}
		n := 1
		for _, s := range w.Shape {
			if s <= 0 {
				return nil, fmt.Errorf("non-positive extent in shape %v", w.Shape)
			}
			n *= s
		}
		if len(w.Data) != n {
			return nil, fmt.Errorf("shape %v needs %d values, got %d", w.Shape, n, len(w.Data))
		}
		return &Volume{Axes: w.Axes, Shape: w.Shape, Data: w.Data}, nil
	case KindTable:
		for i, r := range w.Rows {
			if len(r) != len(w.Columns) {
				return nil, fmt.Errorf("table row %d has %d values for %d columns", i, len(r), len(w.Columns))
			}
		}
		return &Table{Columns: w.Columns, Rows: w.Rows}, nil
	case KindList:
		return &List{Values: w.Data}, nil
	default:
		return nil, fmt.Errorf("unknown tensor kind %v", w.Kind)
	}
}

// EncodeMap encodes every value of m.
func EncodeMap(m map[string]Value) (map[string]Wire, error) {
	out := make(map[string]Wire, len(m))
	for name, v := range m {
		w, err := ToWire(v)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		out[name] = w
	}
	return out, nil
}

// DecodeMap decodes every value of m.
func DecodeMap(m map[string]Wire) (map[string]Value, error) {
	out := make(map[string]Value, len(m))
	for name, w := range m {
		v, err := FromWire(w)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}
