// Package setup builds the backend registry from service configuration.
package setup

import (
	"fmt"
	"log/slog"

	"github.com/deepimagej/tileflow/internal/backend"
	"github.com/deepimagej/tileflow/internal/backend/identity"
	"github.com/deepimagej/tileflow/internal/backend/process"
	"github.com/deepimagej/tileflow/internal/backend/worker"
	"github.com/deepimagej/tileflow/internal/config"
	"github.com/deepimagej/tileflow/internal/descriptor"
)

// Registry registers the identity backend and, per framework, either the
// configured remote worker or a local worker process. A remote address
// takes precedence over a command.
func Registry(cfg config.Config, logger *slog.Logger) (*backend.Registry, error) {
	reg := backend.NewRegistry()
	reg.Register(backend.NameIdentity, identity.New())

	frameworks := []struct {
		name      string
		framework string
		addr      string
		command   []string
	}{
		{backend.NameTensorFlow, descriptor.FrameworkTensorFlow, cfg.TFWorker, cfg.TFCommand},
		{backend.NamePyTorch, descriptor.FrameworkPyTorch, cfg.TorchWorker, cfg.TorchCommand},
	}
	for _, f := range frameworks {
		switch {
		case f.addr != "":
			b, err := worker.New(worker.LoadConfig(f.name, f.addr, f.framework), logger)
			if err != nil {
				return nil, fmt.Errorf("%s worker: %w", f.name, err)
			}
			reg.Register(f.name, b)
			logger.Info("backend registered", "backend", f.name, "addr", f.addr)
		case len(f.command) > 0:
			b, err := process.New(process.Config{
				Name:       f.name,
				Command:    f.command,
				Frameworks: []string{f.framework},
			}, logger)
			if err != nil {
				return nil, err
			}
			reg.Register(f.name, b)
			logger.Info("backend registered", "backend", f.name, "command", f.command[0])
		default:
			logger.Debug("backend not configured", "backend", f.name)
		}
	}
	return reg, nil
}
