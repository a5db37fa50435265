// Command tileflow-run runs one model on image files without the HTTP
// service, in the same tiled pipeline the service uses. It is handy for
// validating a descriptor and tile size against the identity backend:
//
//	tileflow-run -model models/unet -input cells.tif -output mask.tif -tile 272,272,1 -backend identity
package main

import (
	"context"
	"encoding/json"
	"flag"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/deepimagej/tileflow/internal/backend/setup"
	"github.com/deepimagej/tileflow/internal/config"
	"github.com/deepimagej/tileflow/internal/descriptor"
	"github.com/deepimagej/tileflow/internal/engine"
	"github.com/deepimagej/tileflow/internal/executor"
	"github.com/deepimagej/tileflow/internal/imageio"
	"github.com/deepimagej/tileflow/internal/tensor"
)

// inputFlags collects -input values: "path" for the first image input or
// "name=path" for a named one.
type inputFlags []string

func (f *inputFlags) String() string     { return strings.Join(*f, ",") }
func (f *inputFlags) Set(v string) error { *f = append(*f, v); return nil }

// progress prints tile progress to stderr.
type progress struct{}

func (progress) OnTileStart(int, int) {}
func (progress) OnTileDone(i, n int)  { fmt.Fprintf(os.Stderr, "\rtile %d/%d", i+1, n) }
func (progress) OnStatus(text string) { fmt.Fprintln(os.Stderr, text) }

// options are the parsed command line flags.
type options struct {
	modelDir string
	inputs   inputFlags
	output   string
	tile     string
	backend  string
	timeout  time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.modelDir, "model", "", "model directory containing model.yaml")
	flag.Var(&opts.inputs, "input", "input image, as path or name=path (repeatable)")
	flag.StringVar(&opts.output, "output", "output.tif", "output image; extra image outputs get a _<name> suffix")
	flag.StringVar(&opts.tile, "tile", "", "tile size, e.g. 272,272,1 (default: chosen automatically)")
	flag.StringVar(&opts.backend, "backend", "auto", "backend name (identity, tensorflow, pytorch or auto)")
	flag.DurationVar(&opts.timeout, "timeout", 10*time.Minute, "run timeout")
	flag.Parse()

	if opts.modelDir == "" || len(opts.inputs) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Load()
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)

	if err := run(cfg, logger, opts); err != nil {
		logger.Error("tileflow-run failed", "kind", engine.ErrorKind(err), "error", err)
		os.Exit(1)
	}
}

// run executes one model run. It returns instead of exiting so that the
// loaded session is always closed.
func run(cfg config.Config, logger *slog.Logger, opts options) error {
	m, err := descriptor.Load(opts.modelDir)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	values, err := readInputs(m, opts.inputs)
	if err != nil {
		return fmt.Errorf("inputs: %w", err)
	}
	if err := engine.ValidateInputs(m, values); err != nil {
		return fmt.Errorf("inputs: %w", err)
	}

	reg, err := setup.Registry(cfg, logger)
	if err != nil {
		return fmt.Errorf("backends: %w", err)
	}
	b, err := reg.Resolve(opts.backend, m.Framework)
	if err != nil {
		return fmt.Errorf("backend: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	rc, err := engine.RunContextFor("cli", m, values, opts.tile, cfg.MaxAutoTile)
	if err != nil {
		return err
	}
	ref, err := engine.ModelRef(m)
	if err != nil {
		return err
	}

	session, err := b.Load(ctx, ref)
	if err != nil {
		return fmt.Errorf("load %s on %s: %w", m.Name, b.Capabilities().Name, err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			logger.Warn("failed to close session", "model", m.Name, "error", cerr)
		}
	}()

	coord := engine.NewCoordinator(executor.New(logger), nil, logger)
	outcome, err := coord.Run(ctx, rc, session, progress{}, nil)
	fmt.Fprintln(os.Stderr)

	var postErr *engine.PostprocessingError
	if errors.As(err, &postErr) {
		ext := filepath.Ext(opts.output)
		rawPath := strings.TrimSuffix(opts.output, ext) + "_raw" + ext
		if werr := writeOutputs(rawPath, postErr.Raw); werr != nil {
			logger.Error("failed to write raw outputs", "path", rawPath, "error", werr)
		}
		return err
	}
	if err != nil {
		return err
	}

	if err := writeOutputs(opts.output, outcome.Outputs); err != nil {
		return fmt.Errorf("write outputs: %w", err)
	}
	fmt.Fprintf(os.Stderr, "%d tiles of %s in %.0f ms (mean %.1f ms/tile, peak memory %d MiB)\n",
		outcome.Stats.Completed, outcome.Plan.String(), outcome.Stats.TotalMS,
		outcome.Stats.MeanMS, outcome.Stats.PeakMemBytes>>20)
	return nil
}

// readInputs reads every -input and conforms it to its declared layout.
func readInputs(m *descriptor.Model, flags []string) (map[string]tensor.Value, error) {
	specs, _, err := m.Specs()
	if err != nil {
		return nil, err
	}
	byName := make(map[string]tensor.Spec, len(specs))
	first := ""
	for _, s := range specs {
		byName[s.Name] = s
		if first == "" && s.Kind == tensor.KindImage {
			first = s.Name
		}
	}

	values := make(map[string]tensor.Value, len(flags))
	for _, f := range flags {
		name, path, ok := strings.Cut(f, "=")
		if !ok {
			name, path = first, f
		}
		spec, ok := byName[name]
		if !ok || spec.Kind != tensor.KindImage {
			return nil, fmt.Errorf("model %s has no image input %q", m.Name, name)
		}
		v, err := imageio.Read(path)
		if err != nil {
			return nil, err
		}
		conformed, err := imageio.Conform(v, spec.Axes)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		values[name] = conformed
	}
	return values, nil
}

// writeOutputs writes image outputs to files and prints the others as JSON.
func writeOutputs(path string, outputs map[string]tensor.Value) error {
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	wroteFirst := false
	for _, name := range names {
		switch v := outputs[name].(type) {
		case *tensor.Volume:
			target := path
			if wroteFirst {
				target = base + "_" + name + ext
			}
			if err := imageio.Write(target, v); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			wroteFirst = true
			fmt.Fprintf(os.Stderr, "wrote %s to %s\n", name, target)
		default:
			w, err := tensor.ToWire(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			data, err := json.MarshalIndent(map[string]tensor.Wire{name: w}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
		}
	}
	return nil
}
