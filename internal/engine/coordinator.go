package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/deepimagej/tileflow/internal/descriptor"
	"github.com/deepimagej/tileflow/internal/executor"
	"github.com/deepimagej/tileflow/internal/model"
	"github.com/deepimagej/tileflow/internal/partition"
	"github.com/deepimagej/tileflow/internal/processing"
	"github.com/deepimagej/tileflow/internal/tensor"
	"github.com/deepimagej/tileflow/internal/tiling"
)

// RunConfig is the mutable builder for a RunContext.
type RunConfig struct {
	ID            string
	Model         string
	Inputs        map[string]tensor.Value
	InputSpecs    []tensor.Spec
	OutputSpecs   []tensor.Spec
	Tile          string
	AllowPatching bool
	Pyramidal     bool
	MaxAutoTile   int
	Preprocess    processing.Processor
	Postprocess   processing.Processor
}

// RunContext is everything one run needs. It is never modified after
// construction; accessors return copies of the collections it holds.
type RunContext struct {
	cfg RunConfig
}

// NewRunContext freezes cfg into a RunContext.
func NewRunContext(cfg RunConfig) *RunContext {
	cfg.Inputs = maps.Clone(cfg.Inputs)
	cfg.InputSpecs = slices.Clone(cfg.InputSpecs)
	cfg.OutputSpecs = slices.Clone(cfg.OutputSpecs)
	return &RunContext{cfg: cfg}
}

// RunContextFor builds the context of a run of model m on inputs. An empty
// tile lets the planner choose.
func RunContextFor(id string, m *descriptor.Model, inputs map[string]tensor.Value, tile string, maxAutoTile int) (*RunContext, error) {
	ins, outs, err := m.Specs()
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", m.Name, err)
	}
	pre, err := processing.Build(m.Preprocess)
	if err != nil {
		return nil, fmt.Errorf("model %s preprocess: %w", m.Name, err)
	}
	post, err := processing.Build(m.Postprocess)
	if err != nil {
		return nil, fmt.Errorf("model %s postprocess: %w", m.Name, err)
	}
	return NewRunContext(RunConfig{
		ID:            id,
		Model:         m.Name,
		Inputs:        inputs,
		InputSpecs:    ins,
		OutputSpecs:   outs,
		Tile:          tile,
		AllowPatching: m.Tiling(),
		Pyramidal:     m.Pyramidal,
		MaxAutoTile:   maxAutoTile,
		Preprocess:    pre,
		Postprocess:   post,
	}), nil
}

func (rc *RunContext) ID() string                      { return rc.cfg.ID }
func (rc *RunContext) Model() string                   { return rc.cfg.Model }
func (rc *RunContext) Tile() string                    { return rc.cfg.Tile }
func (rc *RunContext) AllowPatching() bool             { return rc.cfg.AllowPatching }
func (rc *RunContext) Pyramidal() bool                 { return rc.cfg.Pyramidal }
func (rc *RunContext) MaxAutoTile() int                { return rc.cfg.MaxAutoTile }
func (rc *RunContext) Inputs() map[string]tensor.Value { return maps.Clone(rc.cfg.Inputs) }
func (rc *RunContext) InputSpecs() []tensor.Spec       { return slices.Clone(rc.cfg.InputSpecs) }
func (rc *RunContext) OutputSpecs() []tensor.Spec      { return slices.Clone(rc.cfg.OutputSpecs) }

// reference returns the input spec the tiling plan is computed for.
func (rc *RunContext) reference() (tensor.Spec, error) {
	for _, s := range rc.cfg.InputSpecs {
		if s.Kind == tensor.KindImage {
			return s, nil
		}
	}
	return tensor.Spec{}, fmt.Errorf("model %s declares no image input", rc.cfg.Model)
}

// LabelReconciler makes labels of per-tile segmentation outputs unique
// across tiles before they are fused.
type LabelReconciler interface {
	Reconcile(output string, t partition.Tile, patch *tensor.Volume) (*tensor.Volume, error)
}

// OffsetReconciler shifts every non-zero label of a tile by the tile's
// LabelOffset. Zero stays background.
type OffsetReconciler struct{}

func (OffsetReconciler) Reconcile(_ string, t partition.Tile, patch *tensor.Volume) (*tensor.Volume, error) {
	if t.LabelOffset == 0 {
		return patch, nil
	}
	out := patch.Clone()
	for i, v := range out.Data {
		if v != 0 {
			out.Data[i] = v + t.LabelOffset
		}
	}
	return out, nil
}

// Outcome is the result of a completed run. On failure after planning, the
// coordinator still returns an Outcome carrying the plan and statistics.
type Outcome struct {
	Outputs map[string]tensor.Value
	Raw     map[string]tensor.Value
	Plan    tiling.Plan
	Tiles   []partition.Tile
	Stats   executor.Stats
}

// Coordinator drives a single run through its phases.
type Coordinator struct {
	exec       *executor.Executor
	reconciler LabelReconciler
	logger     *slog.Logger
}

// NewCoordinator creates a coordinator. A nil reconciler defaults to
// OffsetReconciler.
func NewCoordinator(exec *executor.Executor, reconciler LabelReconciler, logger *slog.Logger) *Coordinator {
	if reconciler == nil {
		reconciler = OffsetReconciler{}
	}
	return &Coordinator{exec: exec, reconciler: reconciler, logger: logger}
}

// Run executes rc on session. onPhase, if set, is called as each phase
// begins.
func (c *Coordinator) Run(ctx context.Context, rc *RunContext, session executor.Runner, sink executor.ProgressSink, onPhase func(phase string)) (*Outcome, error) {
	if onPhase == nil {
		onPhase = func(string) {}
	}
	if sink == nil {
		sink = executor.NopSink{}
	}
	logger := c.logger.With("run_id", rc.ID(), "model", rc.Model())

	onPhase(model.PhasePreprocessing)
	data := rc.Inputs()
	if pre := rc.cfg.Preprocess; pre != nil {
		var err error
		if data, err = pre.Apply(ctx, data); err != nil {
			return nil, &PreprocessingError{Err: err}
		}
	}

	onPhase(model.PhasePlanning)
	ref, err := rc.reference()
	if err != nil {
		return nil, err
	}
	vol, err := checkInputs(rc.cfg.InputSpecs, ref, data)
	if err != nil {
		return nil, err
	}
	plan, err := tiling.Compute(tiling.Request{
		Input:         ref,
		Outputs:       rc.cfg.OutputSpecs,
		Extent:        vol.Shape,
		Patch:         rc.Tile(),
		AllowPatching: rc.AllowPatching(),
		Pyramidal:     rc.Pyramidal(),
		MaxAutoTile:   rc.MaxAutoTile(),
	})
	if err != nil {
		return nil, err
	}
	tiles, err := partition.Split(vol.Shape, plan)
	if err != nil {
		return nil, fmt.Errorf("split %s: %w", ref.Name, err)
	}
	outcome := &Outcome{Plan: plan, Tiles: tiles}
	logger.Info("plan computed", "plan", plan.String(), "tiles", len(tiles))
	sink.OnStatus(fmt.Sprintf("patch %s, %d tiles", plan, len(tiles)))

	onPhase(model.PhaseExecuting)
	src := func(i int) (map[string]tensor.Value, error) {
		return tileInputs(rc.cfg.InputSpecs, ref.Name, data, tiles[i], plan)
	}
	res, err := c.exec.Submit(ctx, len(tiles), src, session, sink).Wait()
	if res != nil {
		outcome.Stats = res.Stats
	}
	if err != nil {
		return outcome, err
	}

	onPhase(model.PhaseFusing)
	raw, err := c.fuse(rc.cfg.OutputSpecs, tiles, plan, vol.Shape, res.Outputs)
	if err != nil {
		return outcome, err
	}
	outcome.Raw = raw

	onPhase(model.PhasePostprocessing)
	outputs := maps.Clone(raw)
	if post := rc.cfg.Postprocess; post != nil {
		if outputs, err = post.Apply(ctx, outputs); err != nil {
			return outcome, &PostprocessingError{Err: err, Raw: raw}
		}
	}
	outcome.Outputs = outputs
	return outcome, nil
}

// checkInputs verifies every declared input is present with the declared
// layout, and returns the reference volume.
func checkInputs(specs []tensor.Spec, ref tensor.Spec, data map[string]tensor.Value) (*tensor.Volume, error) {
	var refVol *tensor.Volume
	for _, s := range specs {
		v, ok := data[s.Name]
		if !ok {
			return nil, &DimensionMismatchError{Tensor: s.Name, Detail: "not provided"}
		}
		if v.Kind() != s.Kind {
			return nil, &DimensionMismatchError{Tensor: s.Name, Detail: fmt.Sprintf("got %s, want %s", v.Kind(), s.Kind)}
		}
		if s.Kind != tensor.KindImage {
			continue
		}
		vol := v.(*tensor.Volume)
		if vol.Axes.String() != s.Axes.String() {
			return nil, &DimensionMismatchError{Tensor: s.Name, Detail: fmt.Sprintf("axes %s, want %s", vol.Axes, s.Axes)}
		}
		for i, a := range s.Axes {
			if (a == tensor.AxisC || a == tensor.AxisZ) && s.IsFixed(i) && vol.Shape[i] != s.MinimumAt(i) {
				return nil, &DimensionMismatchError{Tensor: s.Name, Axis: a, Got: vol.Shape[i], Want: s.MinimumAt(i), Detail: "fixed by the model"}
			}
		}
		if s.Name == ref.Name {
			refVol = vol
		}
	}
	if refVol == nil {
		return nil, &DimensionMismatchError{Tensor: ref.Name, Detail: "not provided"}
	}

	// Secondary images must cover the same spatial field as the reference.
	for _, s := range specs {
		if s.Kind != tensor.KindImage || s.Name == ref.Name {
			continue
		}
		vol := data[s.Name].(*tensor.Volume)
		for i, a := range vol.Axes {
			j := refVol.Axes.Index(a)
			if j < 0 || !a.Spatial() {
				continue
			}
			if vol.Shape[i] != refVol.Shape[j] {
				return nil, &DimensionMismatchError{Tensor: s.Name, Axis: a, Got: vol.Shape[i], Want: refVol.Shape[j], Detail: "must match " + ref.Name}
			}
		}
	}
	return refVol, nil
}

// tileInputs builds the model inputs of tile t. Tables and lists are passed
// whole to every tile.
func tileInputs(specs []tensor.Spec, ref string, data map[string]tensor.Value, t partition.Tile, plan tiling.Plan) (map[string]tensor.Value, error) {
	inputs := make(map[string]tensor.Value, len(specs))
	for _, s := range specs {
		v := data[s.Name]
		if s.Kind != tensor.KindImage {
			inputs[s.Name] = v
			continue
		}
		vol := v.(*tensor.Volume)
		var (
			block *tensor.Volume
			err   error
		)
		if s.Name == ref {
			block, err = partition.Extract(vol, t, plan)
		} else {
			block, err = partition.ExtractAligned(vol, t, plan)
		}
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", s.Name, err)
		}
		inputs[s.Name] = block
	}
	return inputs, nil
}

// fuse assembles per-tile outputs, in tile order, into one value per
// declared output.
func (c *Coordinator) fuse(specs []tensor.Spec, tiles []partition.Tile, plan tiling.Plan, inShape []int, patches []map[string]tensor.Value) (map[string]tensor.Value, error) {
	if len(patches) != len(tiles) {
		return nil, fmt.Errorf("got outputs for %d of %d tiles", len(patches), len(tiles))
	}
	fused := make(map[string]tensor.Value, len(specs))
	for _, s := range specs {
		var (
			v   tensor.Value
			err error
		)
		switch s.Kind {
		case tensor.KindImage:
			v, err = c.fuseImage(s, tiles, plan, inShape, patches)
		case tensor.KindTable:
			v, err = concatTables(s.Name, patches)
		case tensor.KindList:
			v, err = concatLists(s.Name, patches)
		}
		if err != nil {
			return nil, err
		}
		fused[s.Name] = v
	}
	return fused, nil
}

func (c *Coordinator) fuseImage(s tensor.Spec, tiles []partition.Tile, plan tiling.Plan, inShape []int, patches []map[string]tensor.Value) (*tensor.Volume, error) {
	if plan.Pyramidal {
		patch, err := patchOf[*tensor.Volume](s.Name, 0, patches[0])
		if err != nil {
			return nil, err
		}
		return partition.FusePyramid(s, patch)
	}

	f, err := partition.NewFuser(s, plan, inShape)
	if err != nil {
		return nil, err
	}
	var offset float64
	for k, t := range tiles {
		patch, err := patchOf[*tensor.Volume](s.Name, k, patches[k])
		if err != nil {
			return nil, err
		}
		if s.Labels {
			t.LabelOffset = offset
			_, hi := patch.Range()
			if patch, err = c.reconciler.Reconcile(s.Name, t, patch); err != nil {
				return nil, fmt.Errorf("output %q tile %d: reconcile labels: %w", s.Name, k, err)
			}
			offset += max(hi, 0)
		}
		if err := f.Add(t, patch); err != nil {
			return nil, err
		}
	}
	return f.Result(), nil
}

func concatTables(name string, patches []map[string]tensor.Value) (*tensor.Table, error) {
	out := &tensor.Table{}
	for k, p := range patches {
		t, err := patchOf[*tensor.Table](name, k, p)
		if err != nil {
			return nil, err
		}
		if err := out.Append(t); err != nil {
			return nil, fmt.Errorf("output %q tile %d: %w", name, k, err)
		}
	}
	return out, nil
}

func concatLists(name string, patches []map[string]tensor.Value) (*tensor.List, error) {
	out := &tensor.List{}
	for k, p := range patches {
		l, err := patchOf[*tensor.List](name, k, p)
		if err != nil {
			return nil, err
		}
		out.Values = append(out.Values, l.Values...)
	}
	return out, nil
}

func patchOf[T tensor.Value](name string, tile int, outputs map[string]tensor.Value) (T, error) {
	var zero T
	v, ok := outputs[name]
	if !ok {
		return zero, fmt.Errorf("tile %d: backend returned no output %q", tile, name)
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("tile %d: output %q is %s, want %s", tile, name, v.Kind(), zero.Kind())
	}
	return t, nil
}

// PlanFor previews the tiling of model m for a reference input of the given
// shape without running anything.
func PlanFor(m *descriptor.Model, shape []int, tile string, maxAutoTile int) (tiling.Plan, []partition.Tile, error) {
	rc, err := RunContextFor("", m, nil, tile, maxAutoTile)
	if err != nil {
		return tiling.Plan{}, nil, err
	}
	ref, err := rc.reference()
	if err != nil {
		return tiling.Plan{}, nil, err
	}
	if len(shape) != len(ref.Axes) {
		return tiling.Plan{}, nil, &DimensionMismatchError{Tensor: ref.Name, Detail: fmt.Sprintf("shape has %d axes, want %d (%s)", len(shape), len(ref.Axes), ref.Axes)}
	}
	plan, err := tiling.Compute(tiling.Request{
		Input:         ref,
		Outputs:       rc.cfg.OutputSpecs,
		Extent:        shape,
		Patch:         tile,
		AllowPatching: rc.AllowPatching(),
		Pyramidal:     rc.Pyramidal(),
		MaxAutoTile:   maxAutoTile,
	})
	if err != nil {
		return tiling.Plan{}, nil, err
	}
	tiles, err := partition.Split(shape, plan)
	if err != nil {
		return tiling.Plan{}, nil, err
	}
	return plan, tiles, nil
}
