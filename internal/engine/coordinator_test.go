package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"

	"github.com/deepimagej/tileflow/internal/backend"
	"github.com/deepimagej/tileflow/internal/backend/identity"
	"github.com/deepimagej/tileflow/internal/descriptor"
	"github.com/deepimagej/tileflow/internal/engine"
	"github.com/deepimagej/tileflow/internal/executor"
	"github.com/deepimagej/tileflow/internal/partition"
	"github.com/deepimagej/tileflow/internal/processing"
	"github.com/deepimagej/tileflow/internal/tensor"
	"github.com/deepimagej/tileflow/internal/tiling"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newCoordinator(r engine.LabelReconciler) *engine.Coordinator {
	return engine.NewCoordinator(executor.New(discardLogger()), r, discardLogger())
}

func unetSpecs() (in, out tensor.Spec) {
	in = tensor.Spec{
		Name:        "input",
		Kind:        tensor.KindImage,
		Axes:        tensor.MustParseAxes("byxc"),
		MinimumSize: []int{1, 256, 256, 1},
		Step:        []int{0, 16, 16, 0},
	}
	out = tensor.Spec{
		Name:           "output",
		Kind:           tensor.KindImage,
		Axes:           tensor.MustParseAxes("byxc"),
		Halo:           []int{0, 16, 16, 0},
		ReferenceInput: "input",
	}
	return in, out
}

func ramp(t *testing.T, axes string, shape ...int) *tensor.Volume {
	t.Helper()
	v, err := tensor.NewVolume(tensor.MustParseAxes(axes), shape)
	if err != nil {
		t.Fatalf("NewVolume: %v", err)
	}
	for i := range v.Data {
		v.Data[i] = float64(i)
	}
	return v
}

func identitySession(t *testing.T, ins, outs []tensor.Spec) backend.Session {
	t.Helper()
	s, err := identity.New().Load(context.Background(), backend.ModelRef{Name: "echo", Framework: "identity", Inputs: ins, Outputs: outs})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s
}

// phaseLog collects phase callbacks.
type phaseLog struct {
	mu     sync.Mutex
	phases []string
}

func (p *phaseLog) add(phase string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phases = append(p.phases, phase)
}

// runnerFunc adapts a function to executor.Runner.
type runnerFunc func(ctx context.Context, in map[string]tensor.Value) (map[string]tensor.Value, error)

func (f runnerFunc) RunBatch(ctx context.Context, in map[string]tensor.Value) (map[string]tensor.Value, error) {
	return f(ctx, in)
}

func TestCoordinatorIdentityScenario(t *testing.T) {
	in, out := unetSpecs()
	vol := ramp(t, "byxc", 1, 520, 520, 1)
	rc := engine.NewRunContext(engine.RunConfig{
		ID:            "r1",
		Model:         "unet",
		Inputs:        map[string]tensor.Value{"input": vol},
		InputSpecs:    []tensor.Spec{in},
		OutputSpecs:   []tensor.Spec{out},
		Tile:          "272,272,1",
		AllowPatching: true,
	})

	var phases phaseLog
	outcome, err := newCoordinator(nil).Run(context.Background(), rc,
		identitySession(t, rc.InputSpecs(), rc.OutputSpecs()), nil, phases.add)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantPhases := []string{"preprocessing", "planning", "executing", "fusing", "postprocessing"}
	if !slices.Equal(phases.phases, wantPhases) {
		t.Errorf("phases = %v, want %v", phases.phases, wantPhases)
	}
	if !slices.Equal(outcome.Plan.Size, []int{1, 272, 272, 1}) {
		t.Errorf("plan size = %v", outcome.Plan.Size)
	}
	// Cores of 240 px cover 520 px in three tiles per axis.
	if len(outcome.Tiles) != 9 {
		t.Errorf("tiles = %d, want 9", len(outcome.Tiles))
	}
	if outcome.Stats.Completed != 9 {
		t.Errorf("completed = %d, want 9", outcome.Stats.Completed)
	}

	got, ok := outcome.Outputs["output"].(*tensor.Volume)
	if !ok {
		t.Fatalf("output is %T", outcome.Outputs["output"])
	}
	if !slices.Equal(got.Shape, vol.Shape) {
		t.Fatalf("output shape = %v, want %v", got.Shape, vol.Shape)
	}
	if !slices.Equal(got.Data, vol.Data) {
		t.Error("fused identity output differs from input")
	}
}

func TestCoordinatorRejectsIllegalTile(t *testing.T) {
	in, out := unetSpecs()
	rc := engine.NewRunContext(engine.RunConfig{
		Model:         "unet",
		Inputs:        map[string]tensor.Value{"input": ramp(t, "byxc", 1, 520, 520, 1)},
		InputSpecs:    []tensor.Spec{in},
		OutputSpecs:   []tensor.Spec{out},
		Tile:          "300,300,1",
		AllowPatching: true,
	})

	calls := 0
	r := runnerFunc(func(context.Context, map[string]tensor.Value) (map[string]tensor.Value, error) {
		calls++
		return nil, nil
	})
	outcome, err := newCoordinator(nil).Run(context.Background(), rc, r, nil, nil)

	var tileErr *tiling.InvalidTileSizeError
	if !errors.As(err, &tileErr) {
		t.Fatalf("err = %v, want InvalidTileSizeError", err)
	}
	if tileErr.Nearest != 288 {
		t.Errorf("nearest = %d, want 288", tileErr.Nearest)
	}
	if engine.ErrorKind(err) != engine.KindInvalidTileSize {
		t.Errorf("kind = %q", engine.ErrorKind(err))
	}
	if outcome != nil {
		t.Error("expected no outcome before planning succeeds")
	}
	if calls != 0 {
		t.Errorf("backend called %d times", calls)
	}
}

// stripSpecs describe a 256-high strip cut into five 256x256 tiles.
func stripSpecs() (in, out tensor.Spec) {
	in = tensor.Spec{
		Name:        "input",
		Kind:        tensor.KindImage,
		Axes:        tensor.MustParseAxes("yx"),
		MinimumSize: []int{256, 256},
		Step:        []int{16, 16},
	}
	out = tensor.Spec{Name: "output", Kind: tensor.KindImage, Axes: tensor.MustParseAxes("yx")}
	return in, out
}

func stripContext(t *testing.T) *engine.RunContext {
	in, out := stripSpecs()
	return engine.NewRunContext(engine.RunConfig{
		Model:         "strip",
		Inputs:        map[string]tensor.Value{"input": ramp(t, "yx", 256, 1280)},
		InputSpecs:    []tensor.Spec{in},
		OutputSpecs:   []tensor.Spec{out},
		Tile:          "256,256",
		AllowPatching: true,
	})
}

func TestCoordinatorCancelBetweenTiles(t *testing.T) {
	rc := stripContext(t)
	echo := identitySession(t, rc.InputSpecs(), rc.OutputSpecs())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	r := runnerFunc(func(ctx context.Context, in map[string]tensor.Value) (map[string]tensor.Value, error) {
		calls++
		if calls == 2 {
			cancel()
		}
		return echo.RunBatch(context.Background(), in)
	})

	var phases phaseLog
	outcome, err := newCoordinator(nil).Run(ctx, rc, r, nil, phases.add)
	if !errors.Is(err, executor.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if engine.ErrorKind(err) != engine.KindCancelled {
		t.Errorf("kind = %q", engine.ErrorKind(err))
	}
	if outcome == nil || outcome.Stats.Completed != 2 || outcome.Stats.Tiles != 5 {
		t.Fatalf("outcome = %+v, want 2 of 5 tiles", outcome)
	}
	if outcome.Outputs != nil {
		t.Error("cancelled run produced outputs")
	}
	if phases.phases[len(phases.phases)-1] != "executing" {
		t.Errorf("last phase = %v, want executing", phases.phases)
	}
}

func TestCoordinatorFusionSizeMismatch(t *testing.T) {
	rc := stripContext(t)
	r := runnerFunc(func(context.Context, map[string]tensor.Value) (map[string]tensor.Value, error) {
		v, _ := tensor.NewVolume(tensor.MustParseAxes("yx"), []int{128, 128})
		return map[string]tensor.Value{"output": v}, nil
	})

	outcome, err := newCoordinator(nil).Run(context.Background(), rc, r, nil, nil)
	var fuseErr *partition.FusionSizeMismatchError
	if !errors.As(err, &fuseErr) {
		t.Fatalf("err = %v, want FusionSizeMismatchError", err)
	}
	if fuseErr.Got != 128 || fuseErr.Want != 256 {
		t.Errorf("mismatch got %d want %d", fuseErr.Got, fuseErr.Want)
	}
	if outcome == nil || outcome.Stats.Completed != 5 {
		t.Errorf("stats should cover the executed tiles: %+v", outcome)
	}
}

func TestCoordinatorExecutionError(t *testing.T) {
	rc := stripContext(t)
	r := runnerFunc(func(context.Context, map[string]tensor.Value) (map[string]tensor.Value, error) {
		return nil, errors.New("out of memory")
	})

	_, err := newCoordinator(nil).Run(context.Background(), rc, r, nil, nil)
	var execErr *executor.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %v, want ExecutionError", err)
	}
	if engine.ErrorKind(err) != engine.KindExecution {
		t.Errorf("kind = %q", engine.ErrorKind(err))
	}
}

func TestCoordinatorPreprocessingError(t *testing.T) {
	in, out := stripSpecs()
	rc := engine.NewRunContext(engine.RunConfig{
		Inputs:      map[string]tensor.Value{"input": ramp(t, "yx", 256, 256)},
		InputSpecs:  []tensor.Spec{in},
		OutputSpecs: []tensor.Spec{out},
		Preprocess: processing.Func(func(context.Context, map[string]tensor.Value) (map[string]tensor.Value, error) {
			return nil, errors.New("macro failed")
		}),
	})

	var phases phaseLog
	_, err := newCoordinator(nil).Run(context.Background(), rc, identitySession(t, []tensor.Spec{in}, []tensor.Spec{out}), nil, phases.add)
	var preErr *engine.PreprocessingError
	if !errors.As(err, &preErr) {
		t.Fatalf("err = %v, want PreprocessingError", err)
	}
	if !slices.Equal(phases.phases, []string{"preprocessing"}) {
		t.Errorf("phases = %v", phases.phases)
	}
}

func TestCoordinatorPostprocessingErrorKeepsRaw(t *testing.T) {
	in, out := stripSpecs()
	vol := ramp(t, "yx", 256, 256)
	rc := engine.NewRunContext(engine.RunConfig{
		Inputs:      map[string]tensor.Value{"input": vol},
		InputSpecs:  []tensor.Spec{in},
		OutputSpecs: []tensor.Spec{out},
		Postprocess: processing.Func(func(context.Context, map[string]tensor.Value) (map[string]tensor.Value, error) {
			return nil, errors.New("threshold failed")
		}),
	})

	outcome, err := newCoordinator(nil).Run(context.Background(), rc, identitySession(t, []tensor.Spec{in}, []tensor.Spec{out}), nil, nil)
	var postErr *engine.PostprocessingError
	if !errors.As(err, &postErr) {
		t.Fatalf("err = %v, want PostprocessingError", err)
	}
	raw, ok := postErr.Raw["output"].(*tensor.Volume)
	if !ok || !slices.Equal(raw.Data, vol.Data) {
		t.Error("raw outputs not preserved")
	}
	if outcome.Raw == nil || outcome.Outputs != nil {
		t.Errorf("outcome raw=%v outputs=%v", outcome.Raw != nil, outcome.Outputs != nil)
	}
}

func TestCoordinatorPostprocessingApplied(t *testing.T) {
	in, out := stripSpecs()
	post, err := processing.Build([]processing.Step{{Name: "scale_linear", Kwargs: map[string]float64{"gain": 2}}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	vol := ramp(t, "yx", 256, 256)
	rc := engine.NewRunContext(engine.RunConfig{
		Inputs:      map[string]tensor.Value{"input": vol},
		InputSpecs:  []tensor.Spec{in},
		OutputSpecs: []tensor.Spec{out},
		Postprocess: post,
	})

	outcome, err := newCoordinator(nil).Run(context.Background(), rc, identitySession(t, []tensor.Spec{in}, []tensor.Spec{out}), nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := outcome.Outputs["output"].(*tensor.Volume)
	raw := outcome.Raw["output"].(*tensor.Volume)
	if got.At(0, 3) != 6 || raw.At(0, 3) != 3 {
		t.Errorf("post = %v, raw = %v; want 6 and 3", got.At(0, 3), raw.At(0, 3))
	}
}

func TestCoordinatorDimensionMismatch(t *testing.T) {
	in := tensor.Spec{
		Name:        "input",
		Kind:        tensor.KindImage,
		Axes:        tensor.MustParseAxes("yxc"),
		MinimumSize: []int{64, 64, 1},
		Step:        []int{16, 16, 0},
	}
	out := tensor.Spec{Name: "output", Kind: tensor.KindImage, Axes: tensor.MustParseAxes("yxc")}

	tests := []struct {
		name   string
		inputs map[string]tensor.Value
		axis   tensor.Axis
	}{
		{"wrong channels", map[string]tensor.Value{"input": ramp(t, "yxc", 64, 64, 3)}, tensor.AxisC},
		{"wrong layout", map[string]tensor.Value{"input": ramp(t, "cyx", 1, 64, 64)}, 0},
		{"missing", map[string]tensor.Value{}, 0},
		{"wrong kind", map[string]tensor.Value{"input": &tensor.List{}}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rc := engine.NewRunContext(engine.RunConfig{
				Inputs:        tc.inputs,
				InputSpecs:    []tensor.Spec{in},
				OutputSpecs:   []tensor.Spec{out},
				AllowPatching: true,
			})
			_, err := newCoordinator(nil).Run(context.Background(), rc, identitySession(t, []tensor.Spec{in}, []tensor.Spec{out}), nil, nil)
			var dimErr *engine.DimensionMismatchError
			if !errors.As(err, &dimErr) {
				t.Fatalf("err = %v, want DimensionMismatchError", err)
			}
			if dimErr.Axis != tc.axis {
				t.Errorf("axis = %v, want %v", dimErr.Axis, tc.axis)
			}
			if engine.ErrorKind(err) != engine.KindDimensionMismatch {
				t.Errorf("kind = %q", engine.ErrorKind(err))
			}
		})
	}
}

func TestCoordinatorSecondaryInputMustMatchReference(t *testing.T) {
	in, out := stripSpecs()
	mask := tensor.Spec{Name: "mask", Kind: tensor.KindImage, Axes: tensor.MustParseAxes("yx")}
	rc := engine.NewRunContext(engine.RunConfig{
		Inputs: map[string]tensor.Value{
			"input": ramp(t, "yx", 256, 512),
			"mask":  ramp(t, "yx", 256, 500),
		},
		InputSpecs:    []tensor.Spec{in, mask},
		OutputSpecs:   []tensor.Spec{out},
		Tile:          "256,256",
		AllowPatching: true,
	})
	_, err := newCoordinator(nil).Run(context.Background(), rc, identitySession(t, []tensor.Spec{in, mask}, []tensor.Spec{out}), nil, nil)
	var dimErr *engine.DimensionMismatchError
	if !errors.As(err, &dimErr) || dimErr.Tensor != "mask" || dimErr.Axis != tensor.AxisX {
		t.Fatalf("err = %v, want mismatch on mask x", err)
	}
}

// labelRunner labels the left half of every tile 1 and the rest 0.
func labelRunner() runnerFunc {
	return func(_ context.Context, in map[string]tensor.Value) (map[string]tensor.Value, error) {
		src := in["input"].(*tensor.Volume)
		v, _ := tensor.NewVolume(src.Axes, src.Shape)
		w := src.Shape[1]
		tensor.Each(v.Shape, func(c []int) {
			if c[1] < w/2 {
				v.Set(1, c...)
			}
		})
		return map[string]tensor.Value{"labels": v}, nil
	}
}

func labelContext(t *testing.T) *engine.RunContext {
	in := tensor.Spec{
		Name:        "input",
		Kind:        tensor.KindImage,
		Axes:        tensor.MustParseAxes("yx"),
		MinimumSize: []int{16, 16},
		Step:        []int{16, 16},
	}
	out := tensor.Spec{Name: "labels", Kind: tensor.KindImage, Axes: tensor.MustParseAxes("yx"), Labels: true}
	return engine.NewRunContext(engine.RunConfig{
		Inputs:        map[string]tensor.Value{"input": ramp(t, "yx", 16, 48)},
		InputSpecs:    []tensor.Spec{in},
		OutputSpecs:   []tensor.Spec{out},
		Tile:          "16,16",
		AllowPatching: true,
	})
}

func TestCoordinatorOffsetsLabelsPerTile(t *testing.T) {
	outcome, err := newCoordinator(nil).Run(context.Background(), labelContext(t), labelRunner(), nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := outcome.Outputs["labels"].(*tensor.Volume)

	for k, want := range []float64{1, 2, 3} {
		if v := got.At(5, 16*k); v != want {
			t.Errorf("tile %d label = %v, want %v", k, v, want)
		}
		if v := got.At(5, 16*k+12); v != 0 {
			t.Errorf("tile %d background = %v, want 0", k, v)
		}
	}
}

// recordingReconciler records the offsets it is asked to apply.
type recordingReconciler struct {
	offsets []float64
}

func (r *recordingReconciler) Reconcile(_ string, t partition.Tile, patch *tensor.Volume) (*tensor.Volume, error) {
	r.offsets = append(r.offsets, t.LabelOffset)
	return patch, nil
}

func TestCoordinatorCustomReconciler(t *testing.T) {
	rec := &recordingReconciler{}
	outcome, err := newCoordinator(rec).Run(context.Background(), labelContext(t), labelRunner(), nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !slices.Equal(rec.offsets, []float64{0, 1, 2}) {
		t.Errorf("offsets = %v, want [0 1 2]", rec.offsets)
	}
	// Labels are left untouched by this reconciler.
	if v := outcome.Outputs["labels"].(*tensor.Volume).At(0, 32); v != 1 {
		t.Errorf("label = %v, want 1", v)
	}
}

func TestCoordinatorConcatenatesTables(t *testing.T) {
	in, out := stripSpecs()
	stats := tensor.Spec{Name: "stats", Kind: tensor.KindTable}
	rc := engine.NewRunContext(engine.RunConfig{
		Inputs:        map[string]tensor.Value{"input": ramp(t, "yx", 256, 512)},
		InputSpecs:    []tensor.Spec{in},
		OutputSpecs:   []tensor.Spec{out, stats},
		Tile:          "256,256",
		AllowPatching: true,
	})

	outcome, err := newCoordinator(nil).Run(context.Background(), rc, identitySession(t, rc.InputSpecs(), rc.OutputSpecs()), nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	table, ok := outcome.Outputs["stats"].(*tensor.Table)
	if !ok {
		t.Fatalf("stats is %T", outcome.Outputs["stats"])
	}
	if len(table.Rows) != 2 {
		t.Errorf("rows = %d, want one per tile", len(table.Rows))
	}
	if !slices.Equal(table.Columns, []string{"mean", "min", "max"}) {
		t.Errorf("columns = %v", table.Columns)
	}
}

func TestCoordinatorPyramidalRunsOnce(t *testing.T) {
	in, out := stripSpecs()
	rc := engine.NewRunContext(engine.RunConfig{
		Inputs:      map[string]tensor.Value{"input": ramp(t, "yx", 300, 300)},
		InputSpecs:  []tensor.Spec{in},
		OutputSpecs: []tensor.Spec{out},
		Pyramidal:   true,
	})
	outcome, err := newCoordinator(nil).Run(context.Background(), rc, identitySession(t, []tensor.Spec{in}, []tensor.Spec{out}), nil, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(outcome.Tiles) != 1 || !outcome.Plan.Pyramidal {
		t.Errorf("plan = %+v, tiles = %d", outcome.Plan, len(outcome.Tiles))
	}
	if got := outcome.Outputs["output"].(*tensor.Volume); !slices.Equal(got.Shape, []int{300, 300}) {
		t.Errorf("shape = %v", got.Shape)
	}
}

func TestRunContextIsImmutable(t *testing.T) {
	in, _ := stripSpecs()
	inputs := map[string]tensor.Value{"input": ramp(t, "yx", 4, 4)}
	specs := []tensor.Spec{in}
	rc := engine.NewRunContext(engine.RunConfig{ID: "r1", Inputs: inputs, InputSpecs: specs})

	inputs["extra"] = &tensor.List{}
	specs[0].Name = "renamed"
	if _, ok := rc.Inputs()["extra"]; ok {
		t.Error("context sees later changes to the inputs map")
	}
	if rc.InputSpecs()[0].Name != "input" {
		t.Error("context sees later changes to the specs slice")
	}

	got := rc.Inputs()
	delete(got, "input")
	if _, ok := rc.Inputs()["input"]; !ok {
		t.Error("Inputs returned the internal map")
	}
}

func TestPlanFor(t *testing.T) {
	m := &descriptor.Model{
		Name:      "unet",
		Framework: descriptor.FrameworkIdentity,
		Inputs: []descriptor.TensorDecl{{
			Name: "input", Axes: "byxc",
			MinimumSize: []int{1, 256, 256, 1}, Step: []int{0, 16, 16, 0},
		}},
		Outputs: []descriptor.TensorDecl{{
			Name: "output", Axes: "byxc", Halo: []int{0, 16, 16, 0}, ReferenceInput: "input",
		}},
	}

	plan, tiles, err := engine.PlanFor(m, []int{1, 520, 520, 1}, "272,272,1", 0)
	if err != nil {
		t.Fatalf("PlanFor: %v", err)
	}
	if !slices.Equal(plan.Size, []int{1, 272, 272, 1}) {
		t.Errorf("plan size = %v", plan.Size)
	}
	if len(tiles) != 9 {
		t.Errorf("tiles = %d, want 9", len(tiles))
	}

	if _, _, err := engine.PlanFor(m, []int{520, 520}, "", 0); engine.ErrorKind(err) != engine.KindDimensionMismatch {
		t.Errorf("rank mismatch err = %v", err)
	}
}
