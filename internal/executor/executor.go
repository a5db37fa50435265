// Package executor drives a loaded model over a sequence of tiles, one call
// at a time, with cooperative cancellation between tiles.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/deepimagej/tileflow/internal/tensor"
)

// ErrCancelled is returned when the run context is cancelled between tiles.
// No tile outputs are returned with it.
var ErrCancelled = errors.New("run cancelled")

// ExecutionError wraps a failed backend call.
type ExecutionError struct {
	Tile  int
	Total int
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tile %d of %d: model execution failed: %v", e.Tile+1, e.Total, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Runner runs one batch of named tensors through a loaded model.
type Runner interface {
	RunBatch(ctx context.Context, inputs map[string]tensor.Value) (map[string]tensor.Value, error)
}

// Source produces the model inputs for tile i.
type Source func(i int) (map[string]tensor.Value, error)

// Result holds the per-tile outputs, in tile order, and run statistics.
type Result struct {
	Outputs []map[string]tensor.Value
	Stats   Stats
}

// Executor runs tiles sequentially through a Runner.
type Executor struct {
	logger *slog.Logger
}

// New creates an executor.
func New(logger *slog.Logger) *Executor {
	return &Executor{logger: logger}
}

// Execute runs n tiles in order. Cancellation of ctx is observed only between
// tiles: a tile already handed to the runner always completes. The returned
// Result always carries the statistics of the tiles that ran, also when an
// error is returned.
func (e *Executor) Execute(ctx context.Context, n int, src Source, r Runner, sink ProgressSink) (*Result, error) {
	if sink == nil {
		sink = NopSink{}
	}
	// Values such as the backend log writer still reach the runner.
	tileCtx := context.WithoutCancel(ctx)
	res := &Result{Outputs: make([]map[string]tensor.Value, 0, n)}
	rec := newRecorder(n)
	defer func() { res.Stats = rec.stats() }()

	for i := range n {
		if err := ctx.Err(); err != nil {
			res.Outputs = nil
			tilesTotal.WithLabelValues(statusCancelled).Inc()
			e.logger.Info("run cancelled between tiles", "tile", i, "total", n)
			return res, fmt.Errorf("%w after %d of %d tiles: %w", ErrCancelled, i, n, err)
		}

		inputs, err := src(i)
		if err != nil {
			res.Outputs = nil
			return res, fmt.Errorf("prepare tile %d of %d: %w", i+1, n, err)
		}

		sink.OnTileStart(i, n)
		start := time.Now()
		rec.sample()
		outputs, err := r.RunBatch(tileCtx, inputs)
		rec.sample()
		elapsed := time.Since(start)
		tileDuration.Observe(elapsed.Seconds())

		if err != nil {
			res.Outputs = nil
			tilesTotal.WithLabelValues(statusFailed).Inc()
			e.logger.Error("tile failed", "tile", i, "total", n, "error", err)
			return res, &ExecutionError{Tile: i, Total: n, Err: err}
		}

		rec.done(elapsed)
		tilesTotal.WithLabelValues(statusOK).Inc()
		res.Outputs = append(res.Outputs, outputs)
		sink.OnTileDone(i, n)
		e.logger.Debug("tile done", "tile", i, "total", n, "duration_ms", elapsed.Milliseconds())
	}
	return res, nil
}

// Future is the pending result of Submit.
type Future struct {
	done chan struct{}
	res  *Result
	err  error
}

// Submit runs Execute on its own goroutine.
func (e *Executor) Submit(ctx context.Context, n int, src Source, r Runner, sink ProgressSink) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.res, f.err = e.Execute(ctx, n, src, r, sink)
	}()
	return f
}

// Done is closed when the run has finished.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the run has finished and returns its outcome.
func (f *Future) Wait() (*Result, error) {
	<-f.done
	return f.res, f.err
}

// memSampler reports the current heap size; replaced in tests.
var memSampler = func() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}
