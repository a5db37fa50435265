package tensor

import (
	"fmt"
	"strings"
)

// Kind is the tensor variant carried by a Value.
type Kind int

// Tensor kinds.
const (
	KindImage Kind = iota
	KindTable
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindTable:
		return "table"
	case KindList:
		return "list"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind parses a kind name. "results" is accepted as an alias for table.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "image":
		return KindImage, nil
	case "table", "results":
		return KindTable, nil
	case "list":
		return KindList, nil
	default:
		return 0, fmt.Errorf("unknown tensor kind %q", s)
	}
}

// MarshalText encodes the kind name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a kind name.
func (k *Kind) UnmarshalText(text []byte) error {
	v, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Value is a tensor handed to or returned from a model. It is one of
// *Volume, *Table or *List.
type Value interface {
	Kind() Kind
}

// Table is a results table: named columns and numeric rows.
type Table struct {
	Columns []string
	Rows    [][]float64
}

// Kind implements Value.
func (*Table) Kind() Kind { return KindTable }

// Append adds the rows of o to t. Columns must match.
func (t *Table) Append(o *Table) error {
	if len(t.Columns) == 0 && len(t.Rows) == 0 {
		t.Columns = append([]string(nil), o.Columns...)
	} else if strings.Join(t.Columns, "\x00") != strings.Join(o.Columns, "\x00") {
		return fmt.Errorf("table columns %v do not match %v", o.Columns, t.Columns)
	}
	for _, r := range o.Rows {
		t.Rows = append(t.Rows, append([]float64(nil), r...))
	}
	return nil
}

// List is a flat list of numbers.
type List struct {
	Values []float64
}

// Kind implements Value.
func (*List) Kind() Kind { return KindList }
