// Package processing implements the pre- and post-processing steps that
// turn user images into model inputs and model outputs into results.
package processing

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/deepimagej/tileflow/internal/tensor"
)

// Processor transforms a named tensor map.
type Processor interface {
	Apply(ctx context.Context, data map[string]tensor.Value) (map[string]tensor.Value, error)
}

// Func adapts a function to Processor.
type Func func(ctx context.Context, data map[string]tensor.Value) (map[string]tensor.Value, error)

// Apply implements Processor.
func (f Func) Apply(ctx context.Context, data map[string]tensor.Value) (map[string]tensor.Value, error) {
	return f(ctx, data)
}

// Step is one processing step as declared in a model descriptor.
type Step struct {
	Name   string             `yaml:"name" json:"name"`
	Tensor string             `yaml:"tensor,omitempty" json:"tensor,omitempty"`
	Kwargs map[string]float64 `yaml:"kwargs,omitempty" json:"kwargs,omitempty"`
}

// Chain applies processors in order.
type Chain []Processor

// Apply implements Processor.
func (c Chain) Apply(ctx context.Context, data map[string]tensor.Value) (map[string]tensor.Value, error) {
	for i, p := range c {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := p.Apply(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		data = out
	}
	return data, nil
}

// Factory builds a Processor from a declared step.
type Factory func(step Step) (Processor, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a step available to Build under name.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Names lists the registered step names.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build turns declared steps into a Chain.
func Build(steps []Step) (Chain, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	chain := make(Chain, 0, len(steps))
	for i, s := range steps {
		f, ok := registry[s.Name]
		if !ok {
			return nil, fmt.Errorf("step %d: unknown processing step %q", i+1, s.Name)
		}
		p, err := f(s)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, s.Name, err)
		}
		chain = append(chain, p)
	}
	return chain, nil
}
