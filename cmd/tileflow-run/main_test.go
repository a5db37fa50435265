package main

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/deepimagej/tileflow/internal/config"
	"github.com/deepimagej/tileflow/internal/descriptor"
	"github.com/deepimagej/tileflow/internal/engine"
	"github.com/deepimagej/tileflow/internal/imageio"
	"github.com/deepimagej/tileflow/internal/processing"
	"github.com/deepimagej/tileflow/internal/tensor"
)

// setupRun writes a 64x64 gray image and an identity model with the given
// postprocessing, and returns options pointing at them.
func setupRun(t *testing.T, post []processing.Step) (options, *tensor.Volume) {
	t.Helper()
	dir := t.TempDir()

	m := &descriptor.Model{
		Name:      "echo",
		Framework: descriptor.FrameworkIdentity,
		Inputs: []descriptor.TensorDecl{{
			Name: "input", Axes: "yx", MinimumSize: []int{32, 32}, Step: []int{32, 32},
		}},
		Outputs: []descriptor.TensorDecl{{
			Name: "output", Axes: "yx", ReferenceInput: "input",
		}},
		Postprocess: post,
	}
	modelDir := filepath.Join(dir, "echo")
	if err := descriptor.Save(m, modelDir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	img, err := tensor.NewVolume(tensor.MustParseAxes("yxc"), []int{64, 64, 1})
	if err != nil {
		t.Fatalf("NewVolume: %v", err)
	}
	for i := range img.Data {
		img.Data[i] = float64(i % 200)
	}
	in := filepath.Join(dir, "in.png")
	if err := imageio.Write(in, img); err != nil {
		t.Fatalf("Write: %v", err)
	}

	return options{
		modelDir: modelDir,
		inputs:   inputFlags{in},
		output:   filepath.Join(dir, "out.png"),
		tile:     "32,32",
		backend:  "identity",
		timeout:  time.Minute,
	}, img
}

func testConfig() config.Config {
	return config.Config{MaxAutoTile: 512}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestRunWritesOutputImage(t *testing.T) {
	opts, img := setupRun(t, nil)

	if err := run(testConfig(), discardLogger(), opts); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := imageio.Read(opts.output)
	if err != nil {
		t.Fatalf("Read output: %v", err)
	}
	if !slices.Equal(got.Shape, img.Shape) || !slices.Equal(got.Data, img.Data) {
		t.Error("identity run changed the image")
	}
}

func TestRunKeepsRawOutputWhenPostprocessingFails(t *testing.T) {
	opts, img := setupRun(t, []processing.Step{{Name: "sigmoid", Tensor: "missing"}})

	err := run(testConfig(), discardLogger(), opts)
	var postErr *engine.PostprocessingError
	if !errors.As(err, &postErr) {
		t.Fatalf("err = %v, want PostprocessingError", err)
	}

	if _, err := os.Stat(opts.output); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("final output written despite the failure: %v", err)
	}
	raw, err := imageio.Read(filepath.Join(filepath.Dir(opts.output), "out_raw.png"))
	if err != nil {
		t.Fatalf("Read raw output: %v", err)
	}
	if !slices.Equal(raw.Data, img.Data) {
		t.Error("raw output differs from the model output")
	}
}

func TestRunRejectsUnknownInputName(t *testing.T) {
	opts, _ := setupRun(t, nil)
	opts.inputs = inputFlags{"mask=" + opts.inputs[0]}

	if err := run(testConfig(), discardLogger(), opts); err == nil {
		t.Fatal("expected an error for an undeclared input")
	}
	if _, err := os.Stat(opts.output); !errors.Is(err, os.ErrNotExist) {
		t.Error("output written for a rejected run")
	}
}
