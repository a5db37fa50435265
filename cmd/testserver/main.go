// testserver starts a tileflow API server with an in-memory database, the
// identity backend and two built-in demo models, for trying the API without
// a models directory or a model runtime.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deepimagej/tileflow/internal/api"
	"github.com/deepimagej/tileflow/internal/backend"
	"github.com/deepimagej/tileflow/internal/backend/identity"
	"github.com/deepimagej/tileflow/internal/descriptor"
	"github.com/deepimagej/tileflow/internal/engine"
	"github.com/deepimagej/tileflow/internal/processing"
	"github.com/deepimagej/tileflow/internal/store"
)

const maxAutoTile = 512

func demoModels() []*descriptor.Model {
	return []*descriptor.Model{
		{
			Name:        "demo-unet",
			Description: "identity stand-in for a 2D U-Net with a 16 pixel halo",
			Framework:   descriptor.FrameworkIdentity,
			Inputs: []descriptor.TensorDecl{{
				Name: "input", Axes: "byxc",
				MinimumSize: []int{1, 64, 64, 1}, Step: []int{0, 16, 16, 0},
			}},
			Outputs: []descriptor.TensorDecl{{
				Name: "output", Axes: "byxc", Halo: []int{0, 16, 16, 0}, ReferenceInput: "input",
			}},
			Preprocess: []processing.Step{{Name: "zero_mean_unit_variance"}},
		},
		{
			Name:        "demo-stardist",
			Description: "identity stand-in for a label-producing model",
			Framework:   descriptor.FrameworkIdentity,
			Inputs: []descriptor.TensorDecl{{
				Name: "input", Axes: "yx",
				MinimumSize: []int{32, 32}, Step: []int{32, 32},
			}},
			Outputs: []descriptor.TensorDecl{{
				Name: "labels", Axes: "yx", Halo: []int{8, 8}, ReferenceInput: "input", Labels: true,
			}},
		},
	}
}

func main() {
	addr := ":8080"
	if v := os.Getenv("TILEFLOW_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	catalog := descriptor.NewCatalog("", logger)
	for _, m := range demoModels() {
		if err := m.Validate(); err != nil {
			log.Fatalf("demo model %s: %v", m.Name, err)
		}
		catalog.Add(m)
	}

	reg := backend.NewRegistry()
	reg.Register(backend.NameIdentity, &identity.Backend{Delay: 100 * time.Millisecond})

	eng := engine.NewEngine(db, reg, catalog, logger, engine.Options{MaxAutoTile: maxAutoTile})
	defer eng.Close()
	srv := api.NewServer(addr, db, reg, catalog, eng, maxAutoTile, logger)

	logger.Info("testserver: starting", "addr", addr)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
