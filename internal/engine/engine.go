package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/deepimagej/tileflow/internal/backend"
	"github.com/deepimagej/tileflow/internal/descriptor"
	"github.com/deepimagej/tileflow/internal/executor"
	"github.com/deepimagej/tileflow/internal/model"
	"github.com/deepimagej/tileflow/internal/store"
	"github.com/deepimagej/tileflow/internal/tensor"
)

// DefaultTimeoutS is the run timeout in seconds when none is specified.
const DefaultTimeoutS = 600

var (
	// ErrInvalidRequest is returned by Submit for requests that can never run.
	ErrInvalidRequest = errors.New("invalid run request")

	// ErrRunFinished is returned by Cancel for runs that already ended.
	ErrRunFinished = errors.New("run already finished")

	errCancelledByUser = errors.New("cancelled by user")
)

// Options tune an Engine.
type Options struct {
	// DefaultTimeoutS applies to runs submitted without a timeout.
	DefaultTimeoutS int
	// MaxAutoTile caps automatically chosen tile sizes; zero means no cap.
	MaxAutoTile int
	// Reconciler makes segmentation labels unique across tiles.
	Reconciler LabelReconciler
}

// RunRequest asks for one run of a catalog model.
type RunRequest struct {
	Model    string
	Backend  string
	Tile     string
	TimeoutS int
	Inputs   map[string]tensor.Value
}

// Engine accepts runs, executes them asynchronously and records their
// progress in the store.
//
// Runs of the same model on the same backend are serialized, since a
// loaded session serves one batch at a time. Sessions stay loaded between
// runs and are dropped after a backend failure.
type Engine struct {
	store    store.Store
	registry *backend.Registry
	catalog  *descriptor.Catalog
	coord    *Coordinator
	opts     Options
	logger   *slog.Logger
	wg       sync.WaitGroup
	broker   *EventBroker

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
	slots   map[string]*slot
}

// slot holds the cached session of one model on one backend. The
// semaphore guards session.
type slot struct {
	sem     *semaphore.Weighted
	session backend.Session
}

// NewEngine creates a run engine.
func NewEngine(s store.Store, reg *backend.Registry, catalog *descriptor.Catalog, logger *slog.Logger, opts Options) *Engine {
	if opts.DefaultTimeoutS <= 0 {
		opts.DefaultTimeoutS = DefaultTimeoutS
	}
	return &Engine{
		store:    s,
		registry: reg,
		catalog:  catalog,
		coord:    NewCoordinator(executor.New(logger), opts.Reconciler, logger),
		opts:     opts,
		logger:   logger,
		broker:   NewEventBroker(),
		cancels:  make(map[string]context.CancelCauseFunc),
		slots:    make(map[string]*slot),
	}
}

// Broker returns the engine's event broker for live subscriptions.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// Submit validates req, records a new idle run and starts executing it in
// the background. The returned run is a snapshot taken at submission.
func (e *Engine) Submit(ctx context.Context, req RunRequest) (*model.Run, error) {
	m, err := e.catalog.Get(req.Model)
	if err != nil {
		return nil, err
	}
	b, err := e.registry.Resolve(req.Backend, m.Framework)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := ValidateInputs(m, req.Inputs); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	id := model.NewID()
	rc, err := RunContextFor(id, m, req.Inputs, req.Tile, e.opts.MaxAutoTile)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	timeoutS := e.opts.DefaultTimeoutS
	if req.TimeoutS > 0 {
		timeoutS = req.TimeoutS
	}
	run := &model.Run{
		ID:        id,
		Model:     m.Name,
		Backend:   b.Capabilities().Name,
		Phase:     model.PhaseIdle,
		Tile:      req.Tile,
		TimeoutS:  &timeoutS,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	runCtx, cancel := context.WithCancelCause(context.Background())
	e.mu.Lock()
	e.cancels[id] = cancel
	e.mu.Unlock()
	runsActive.Inc()

	rCopy := *run
	e.wg.Go(func() {
		e.execute(runCtx, rc, b, m, &rCopy)
	})

	return run, nil
}

// Cancel asks a queued or running run to stop. The run ends in phase
// aborted once its current tile returns.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[id]
	e.mu.Unlock()
	if ok {
		cancel(errCancelledByUser)
		return nil
	}

	if _, err := e.store.GetRun(ctx, id); err != nil {
		return err
	}
	return ErrRunFinished
}

// Wait blocks until all in-flight runs complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close cancels every in-flight run, waits for them and releases all
// loaded sessions.
func (e *Engine) Close() error {
	e.mu.Lock()
	for _, cancel := range e.cancels {
		cancel(errors.New("engine shutting down"))
	}
	e.mu.Unlock()
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	for key, sl := range e.slots {
		if sl.session != nil {
			if err := sl.session.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close session %s: %w", key, err))
			}
			sl.session = nil
		}
	}
	return errors.Join(errs...)
}

// execute drives one run from idle to done or aborted.
func (e *Engine) execute(ctx context.Context, rc *RunContext, b backend.Backend, m *descriptor.Model, run *model.Run) {
	defer e.broker.Close(run.ID)
	defer e.release(run.ID)

	ctx, cancel := context.WithTimeout(ctx, time.Duration(*run.TimeoutS)*time.Second)
	defer cancel()

	rec := &recorder{e: e, runID: run.ID}
	ctx = backend.WithLogWriter(ctx, rec.log)

	sl := e.slot(run.Model + "/" + run.Backend)
	if err := sl.sem.Acquire(ctx, 1); err != nil {
		e.finish(ctx, rec, run, nil, nil, fmt.Errorf("%w while queued: %w", executor.ErrCancelled, err))
		return
	}
	defer sl.sem.Release(1)

	start := time.Now().UTC()
	if sl.session == nil {
		rec.OnStatus("loading model on " + run.Backend)
		ref, err := ModelRef(m)
		if err != nil {
			e.finish(ctx, rec, run, &start, nil, err)
			return
		}
		session, err := b.Load(ctx, ref)
		if err != nil {
			modelLoads.WithLabelValues(run.Backend, "failed").Inc()
			e.finish(ctx, rec, run, &start, nil, &LoadError{Backend: run.Backend, Err: err})
			return
		}
		modelLoads.WithLabelValues(run.Backend, "ok").Inc()
		sl.session = session
	}

	onPhase := func(phase string) {
		if err := e.store.UpdateRunPhase(context.Background(), run.ID, phase); err != nil {
			e.logger.Error("failed to update run phase", "run_id", run.ID, "phase", phase, "error", err)
		}
		rec.record(model.EventPhase, phase)
	}
	outcome, err := e.coord.Run(ctx, rc, sl.session, rec, onPhase)

	var execErr *executor.ExecutionError
	if errors.As(err, &execErr) {
		if cerr := sl.session.Close(); cerr != nil {
			e.logger.Warn("failed to close session after backend error", "run_id", run.ID, "error", cerr)
		}
		sl.session = nil
	}
	e.finish(ctx, rec, run, &start, outcome, err)
}

// finish records the final state of a run. startedAt is nil if the run
// never left the queue.
func (e *Engine) finish(ctx context.Context, rec *recorder, run *model.Run, startedAt *time.Time, outcome *Outcome, runErr error) {
	now := time.Now().UTC()
	var durationMS int
	if startedAt != nil {
		durationMS = int(now.Sub(*startedAt).Milliseconds())
	}

	final := &model.Run{
		ID:         run.ID,
		Backend:    run.Backend,
		Phase:      model.PhaseDone,
		DurationMS: &durationMS,
		StartedAt:  startedAt,
		FinishedAt: &now,
	}
	if outcome != nil {
		final.Plan = outcome.Plan.String()
		final.TileCount = len(outcome.Tiles)
		final.TilesDone = outcome.Stats.Completed
		peak := int64(outcome.Stats.PeakMemBytes)
		final.PeakMemBytes = &peak
	}

	outputs := map[string]tensor.Value(nil)
	if outcome != nil {
		outputs = outcome.Outputs
	}
	if runErr != nil {
		final.Phase = model.PhaseAborted
		final.Error = runErr.Error()
		final.ErrorKind = ErrorKind(runErr)
		if ctx.Err() != nil {
			final.ErrorKind = KindCancelled
			switch {
			case errors.Is(context.Cause(ctx), errCancelledByUser):
				final.Error = "run cancelled by user"
			case errors.Is(ctx.Err(), context.DeadlineExceeded):
				final.Error = fmt.Sprintf("run timed out after %ds", *run.TimeoutS)
			}
		}
		var postErr *PostprocessingError
		if errors.As(runErr, &postErr) {
			outputs = postErr.Raw
		}
	}

	if outputs != nil {
		blob, err := EncodeOutputs(outputs)
		if err != nil {
			e.logger.Error("failed to encode run outputs", "run_id", run.ID, "error", err)
		}
		final.Output = blob
	}

	if err := e.store.UpdateRun(context.Background(), final); err != nil {
		e.logger.Error("failed to update finished run", "run_id", run.ID, "error", err)
	}

	runsTotal.WithLabelValues(final.Phase, final.ErrorKind).Inc()
	runDuration.Observe(float64(durationMS) / 1000)

	if runErr != nil {
		e.logger.Warn("run aborted", "run_id", run.ID, "model", run.Model, "kind", final.ErrorKind, "error", final.Error)
		rec.record(model.EventPhase, model.PhaseAborted+": "+final.Error)
		return
	}
	e.logger.Info("run done", "run_id", run.ID, "model", run.Model, "tiles", final.TileCount, "duration_ms", durationMS)
	rec.record(model.EventPhase, model.PhaseDone)
}

// slot returns the session slot for key, creating it on first use.
func (e *Engine) slot(key string) *slot {
	e.mu.Lock()
	defer e.mu.Unlock()
	sl, ok := e.slots[key]
	if !ok {
		sl = &slot{sem: semaphore.NewWeighted(1)}
		e.slots[key] = sl
	}
	return sl
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	cancel, ok := e.cancels[id]
	delete(e.cancels, id)
	e.mu.Unlock()
	if ok {
		cancel(nil)
	}
	runsActive.Dec()
}

// recorder persists run events and publishes them to live subscribers. It
// is the executor's ProgressSink and the backend log writer of a run.
type recorder struct {
	e     *Engine
	runID string
	seq   atomic.Int64
}

func (r *recorder) record(kind, msg string) {
	ev := &model.Event{
		RunID:   r.runID,
		Seq:     int(r.seq.Add(1) - 1),
		Kind:    kind,
		Message: msg,
	}
	if err := r.e.store.InsertEvent(context.Background(), ev); err != nil {
		r.e.logger.Error("failed to persist run event", "run_id", r.runID, "kind", kind, "error", err)
	}
	r.e.broker.Publish(*ev)
}

func (r *recorder) log(line string) { r.record(model.EventLog, line) }

func (r *recorder) OnTileStart(index, total int) {
	r.record(model.EventTileStart, fmt.Sprintf("tile %d of %d", index+1, total))
}

func (r *recorder) OnTileDone(index, total int) {
	if err := r.e.store.UpdateProgress(context.Background(), r.runID, index+1, total); err != nil {
		r.e.logger.Error("failed to update run progress", "run_id", r.runID, "error", err)
	}
	r.record(model.EventTileDone, fmt.Sprintf("tile %d of %d", index+1, total))
}

func (r *recorder) OnStatus(text string) { r.record(model.EventStatus, text) }

// ModelRef describes m to a backend. It fails if the descriptor's tensor
// declarations do not form valid specs.
func ModelRef(m *descriptor.Model) (backend.ModelRef, error) {
	ins, outs, err := m.Specs()
	if err != nil {
		return backend.ModelRef{}, fmt.Errorf("model %s: %w", m.Name, err)
	}
	return backend.ModelRef{
		Name:      m.Name,
		Framework: m.Framework,
		Dir:       m.Dir,
		Weights:   m.Weights,
		Inputs:    ins,
		Outputs:   outs,
	}, nil
}

// ValidateInputs checks that inputs supplies exactly the tensors m
// declares, each of the declared kind and rank.
func ValidateInputs(m *descriptor.Model, inputs map[string]tensor.Value) error {
	specs, _, err := m.Specs()
	if err != nil {
		return err
	}
	declared := make(map[string]bool, len(specs))
	for _, s := range specs {
		declared[s.Name] = true
		v, ok := inputs[s.Name]
		if !ok || v == nil {
			return fmt.Errorf("input %q is required", s.Name)
		}
		if v.Kind() != s.Kind {
			return fmt.Errorf("input %q is %s, want %s", s.Name, v.Kind(), s.Kind)
		}
		if vol, ok := v.(*tensor.Volume); ok && vol.Axes.String() != s.Axes.String() {
			return fmt.Errorf("input %q has axes %s, want %s", s.Name, vol.Axes, s.Axes)
		}
	}
	for name := range inputs {
		if !declared[name] {
			return fmt.Errorf("model %s has no input %q", m.Name, name)
		}
	}
	return nil
}

// EncodeOutputs serializes run outputs for storage.
func EncodeOutputs(outputs map[string]tensor.Value) ([]byte, error) {
	wire, err := tensor.EncodeMap(outputs)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wire)
}

// DecodeOutputs parses outputs stored by EncodeOutputs.
func DecodeOutputs(data []byte) (map[string]tensor.Wire, error) {
	var wire map[string]tensor.Wire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode run outputs: %w", err)
	}
	return wire, nil
}
