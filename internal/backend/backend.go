package backend

import (
	"context"

	"github.com/deepimagej/tileflow/internal/tensor"
)

// Backend loads models for one or more frameworks. Implementations must be
// safe for concurrent use; the sessions they return need not be.
type Backend interface {
	// Load prepares a model for inference. The returned session keeps the
	// model resident until Close.
	Load(ctx context.Context, ref ModelRef) (Session, error)

	// Capabilities reports which frameworks this backend can serve.
	Capabilities() Capabilities
}

// Session is a loaded model. Calls to RunBatch are never concurrent.
type Session interface {
	// RunBatch runs one batch of named inputs and returns named outputs.
	RunBatch(ctx context.Context, inputs map[string]tensor.Value) (map[string]tensor.Value, error)

	// Close releases the loaded model.
	Close() error
}

// ModelRef identifies a model and its declared tensors.
type ModelRef struct {
	Name      string        `json:"name"`
	Framework string        `json:"framework"`
	Dir       string        `json:"dir,omitempty"`
	Weights   string        `json:"weights,omitempty"`
	Inputs    []tensor.Spec `json:"inputs"`
	Outputs   []tensor.Spec `json:"outputs"`
}

// Capabilities describes what a backend supports.
type Capabilities struct {
	Name       string   `json:"name"`
	Frameworks []string `json:"frameworks"`
	Remote     bool     `json:"remote"`
}

type logWriterKey struct{}

// WithLogWriter attaches a callback that receives log lines emitted by a
// backend while it serves calls made with ctx.
func WithLogWriter(ctx context.Context, fn func(line string)) context.Context {
	return context.WithValue(ctx, logWriterKey{}, fn)
}

// LogWriterFrom returns the callback attached by WithLogWriter, or a no-op.
func LogWriterFrom(ctx context.Context) func(line string) {
	if fn, ok := ctx.Value(logWriterKey{}).(func(string)); ok && fn != nil {
		return fn
	}
	return func(string) {}
}
