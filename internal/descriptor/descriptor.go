// Package descriptor reads model descriptors (model.yaml) and keeps the
// catalog of models available to the service.
package descriptor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/deepimagej/tileflow/internal/processing"
	"github.com/deepimagej/tileflow/internal/tensor"
)

// FileName is the descriptor file expected in every model directory.
const FileName = "model.yaml"

// Framework names.
const (
	FrameworkTensorFlow = "tensorflow"
	FrameworkPyTorch    = "pytorch"
	FrameworkIdentity   = "identity"
)

// TensorDecl is the on-disk form of one input or output.
type TensorDecl struct {
	Name             string    `yaml:"name"`
	Kind             string    `yaml:"kind,omitempty"`
	Axes             string    `yaml:"axes,omitempty"`
	MinimumSize      []int     `yaml:"minimum_size,omitempty"`
	Step             []int     `yaml:"step,omitempty"`
	Halo             []int     `yaml:"halo,omitempty"`
	DataRange        []float64 `yaml:"data_range,omitempty"`
	RecommendedPatch []int     `yaml:"recommended_patch,omitempty"`
	ReferenceInput   string    `yaml:"reference_input,omitempty"`
	Scale            []float64 `yaml:"scale,omitempty"`
	Offset           []int     `yaml:"offset,omitempty"`
	PyramidSizes     [][]int   `yaml:"pyramid_sizes,omitempty"`
	Labels           bool      `yaml:"labels,omitempty"`
}

// Model is a parsed model descriptor.
type Model struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	Framework   string            `yaml:"framework"`
	Weights     string            `yaml:"weights,omitempty"`
	Pyramidal   bool              `yaml:"pyramidal,omitempty"`
	AllowTiling *bool             `yaml:"allow_tiling,omitempty"`
	Inputs      []TensorDecl      `yaml:"inputs"`
	Outputs     []TensorDecl      `yaml:"outputs"`
	Preprocess  []processing.Step `yaml:"preprocess,omitempty"`
	Postprocess []processing.Step `yaml:"postprocess,omitempty"`

	// Dir is the directory the descriptor was loaded from.
	Dir string `yaml:"-"`
}

// Tiling reports whether the model accepts tiles other than its minimum size.
func (m *Model) Tiling() bool {
	return m.AllowTiling == nil || *m.AllowTiling
}

// Specs converts the declared tensors into tensor specs.
func (m *Model) Specs() (inputs, outputs []tensor.Spec, err error) {
	for _, d := range m.Inputs {
		s, err := d.spec()
		if err != nil {
			return nil, nil, fmt.Errorf("input %q: %w", d.Name, err)
		}
		inputs = append(inputs, s)
	}
	for _, d := range m.Outputs {
		s, err := d.spec()
		if err != nil {
			return nil, nil, fmt.Errorf("output %q: %w", d.Name, err)
		}
		outputs = append(outputs, s)
	}
	return inputs, outputs, nil
}

func (d TensorDecl) spec() (tensor.Spec, error) {
	kind, err := tensor.ParseKind(d.Kind)
	if err != nil {
		return tensor.Spec{}, err
	}
	s := tensor.Spec{
		Name:             d.Name,
		Kind:             kind,
		MinimumSize:      d.MinimumSize,
		Step:             d.Step,
		Halo:             d.Halo,
		RecommendedPatch: d.RecommendedPatch,
		ReferenceInput:   d.ReferenceInput,
		Scale:            d.Scale,
		Offset:           d.Offset,
		PyramidSizes:     d.PyramidSizes,
		Labels:           d.Labels,
	}
	switch len(d.DataRange) {
	case 0:
		s.DataRange = [2]float64{0, 0}
	case 2:
		s.DataRange = [2]float64{d.DataRange[0], d.DataRange[1]}
	default:
		return tensor.Spec{}, fmt.Errorf("data_range needs 2 values, got %d", len(d.DataRange))
	}
	if kind == tensor.KindImage {
		axes, err := tensor.ParseAxes(d.Axes)
		if err != nil {
			return tensor.Spec{}, err
		}
		s.Axes = axes
	}
	if err := s.Validate(); err != nil {
		return tensor.Spec{}, err
	}
	return s, nil
}

// Validate checks the descriptor for completeness.
func (m *Model) Validate() error {
	if m.Name == "" {
		return errors.New("name is required")
	}
	switch m.Framework {
	case FrameworkTensorFlow, FrameworkPyTorch, FrameworkIdentity:
	default:
		return fmt.Errorf("unsupported framework %q", m.Framework)
	}
	if len(m.Inputs) == 0 {
		return errors.New("at least one input is required")
	}
	if len(m.Outputs) == 0 {
		return errors.New("at least one output is required")
	}

	inputs, outputs, err := m.Specs()
	if err != nil {
		return err
	}
	hasImage := false
	names := make(map[string]bool)
	for _, s := range inputs {
		if names[s.Name] {
			return fmt.Errorf("duplicate tensor name %q", s.Name)
		}
		names[s.Name] = true
		if s.Kind == tensor.KindImage {
			hasImage = true
			if len(s.MinimumSize) == 0 || len(s.Step) == 0 {
				return fmt.Errorf("input %q: minimum_size and step are required", s.Name)
			}
		}
	}
	if !hasImage {
		return errors.New("at least one image input is required")
	}
	for _, s := range outputs {
		if names[s.Name] {
			return fmt.Errorf("duplicate tensor name %q", s.Name)
		}
		names[s.Name] = true
		if s.ReferenceInput != "" && !hasInput(inputs, s.ReferenceInput) {
			return fmt.Errorf("output %q: unknown reference input %q", s.Name, s.ReferenceInput)
		}
	}
	if _, err := processing.Build(m.Preprocess); err != nil {
		return fmt.Errorf("preprocess: %w", err)
	}
	if _, err := processing.Build(m.Postprocess); err != nil {
		return fmt.Errorf("postprocess: %w", err)
	}
	return nil
}

func hasInput(inputs []tensor.Spec, name string) bool {
	for _, s := range inputs {
		if s.Name == name {
			return true
		}
	}
	return false
}

// Parse decodes and validates a descriptor.
func Parse(data []byte) (*Model, error) {
	var m Model
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse descriptor: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid descriptor: %w", err)
	}
	return &m, nil
}

// Load reads the descriptor in dir.
func Load(dir string) (*Model, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, fmt.Errorf("read descriptor: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, err
	}
	m.Dir = dir
	return m, nil
}

// Save writes m as dir/model.yaml, creating dir when needed.
func Save(m *Model, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create model directory: %w", err)
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), data, 0o644); err != nil {
		return fmt.Errorf("write descriptor: %w", err)
	}
	return nil
}
