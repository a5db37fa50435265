package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/deepimagej/tileflow/internal/api"
	"github.com/deepimagej/tileflow/internal/backend/setup"
	"github.com/deepimagej/tileflow/internal/config"
	"github.com/deepimagej/tileflow/internal/descriptor"
	"github.com/deepimagej/tileflow/internal/engine"
	"github.com/deepimagej/tileflow/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("tileflow: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"models_dir", cfg.ModelsDir,
	)

	if err := serve(cfg, logger); err != nil {
		logger.Error("tileflow: stopped with error", "error", err)
		os.Exit(1)
	}
}

// serve runs the service until SIGINT or SIGTERM. The engine and database
// are closed on every return path.
func serve(cfg config.Config, logger *slog.Logger) error {
	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	catalog := descriptor.NewCatalog(cfg.ModelsDir, logger)
	if err := catalog.Reload(); err != nil {
		return fmt.Errorf("read models: %w", err)
	}

	reg, err := setup.Registry(cfg, logger)
	if err != nil {
		return fmt.Errorf("configure backends: %w", err)
	}

	eng := engine.NewEngine(db, reg, catalog, logger, engine.Options{
		DefaultTimeoutS: cfg.RunTimeoutS,
		MaxAutoTile:     cfg.MaxAutoTile,
	})
	defer eng.Close()

	srv := api.NewServer(cfg.ListenAddr, db, reg, catalog, eng, cfg.MaxAutoTile, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
