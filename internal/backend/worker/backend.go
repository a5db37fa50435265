// Package worker implements a backend that delegates model execution to a
// worker process over a framed JSON protocol. Workers are reached over TCP,
// Unix sockets or vsock, so a TensorFlow or PyTorch runtime can live in its
// own process, container or microVM.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/deepimagej/tileflow/internal/backend"
	"github.com/deepimagej/tileflow/internal/tensor"
)

// Backend implements backend.Backend by dialing a worker for each loaded model.
type Backend struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a worker backend. The address is validated here so that a
// misconfigured worker is reported at startup rather than on first use.
func New(cfg Config, logger *slog.Logger) (*Backend, error) {
	if _, _, err := ParseAddr(cfg.Addr); err != nil {
		return nil, err
	}
	return &Backend{cfg: cfg, logger: logger}, nil
}

// Capabilities reports what this backend supports.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:       b.cfg.Name,
		Frameworks: b.cfg.Frameworks,
		Remote:     true,
	}
}

// Load dials the worker and asks it to load ref.
func (b *Backend) Load(ctx context.Context, ref backend.ModelRef) (backend.Session, error) {
	var archive []byte
	if b.cfg.ShipModel && ref.Dir != "" {
		var err error
		if archive, err = PackDir(ref.Dir); err != nil {
			return nil, fmt.Errorf("ship model: %w", err)
		}
	}

	conn, err := Dial(ctx, b.cfg.Addr, b.cfg.DialRetries, b.cfg.DialBackoff)
	if err != nil {
		return nil, err
	}
	s, err := Open(ctx, conn, ref, archive, b.cfg.CloseTimeout, b.logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	b.logger.Info("model loaded on worker",
		"model", ref.Name,
		"backend", b.cfg.Name,
		"addr", b.cfg.Addr,
	)
	return s, nil
}

// Session is a model loaded on a worker.
type Session struct {
	conn         *Conn
	model        string
	logger       *slog.Logger
	closeTimeout time.Duration

	// OnClose runs after the connection is closed.
	OnClose func() error
}

// Open sends a load request for ref over conn and returns the session that
// owns conn from then on.
func Open(ctx context.Context, conn *Conn, ref backend.ModelRef, archive []byte, closeTimeout time.Duration, logger *slog.Logger) (*Session, error) {
	s := &Session{conn: conn, model: ref.Name, logger: logger, closeTimeout: closeTimeout}
	if _, err := s.call(ctx, Request{Op: OpLoad, Model: &ref, Archive: archive}); err != nil {
		return nil, fmt.Errorf("load %s: %w", ref.Name, err)
	}
	activeSessions.Inc()
	return s, nil
}

// RunBatch sends one batch of inputs and decodes the outputs.
func (s *Session) RunBatch(ctx context.Context, inputs map[string]tensor.Value) (map[string]tensor.Value, error) {
	wire, err := tensor.EncodeMap(inputs)
	if err != nil {
		return nil, fmt.Errorf("encode inputs: %w", err)
	}
	resp, err := s.call(ctx, Request{Op: OpRun, Inputs: wire})
	if err != nil {
		return nil, err
	}
	out, err := tensor.DecodeMap(resp.Outputs)
	if err != nil {
		return nil, fmt.Errorf("decode outputs: %w", err)
	}
	return out, nil
}

// Close asks the worker to release the model and closes the connection.
func (s *Session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.closeTimeout)
	defer cancel()

	_, callErr := s.call(ctx, Request{Op: OpClose})
	activeSessions.Dec()
	if callErr != nil {
		s.logger.Debug("worker close handshake failed", "model", s.model, "error", callErr)
	}

	err := s.conn.Close()
	if s.OnClose != nil {
		err = errors.Join(err, s.OnClose())
	}
	return err
}

// call performs one request, recording metrics and converting a worker-side
// error message into an error.
func (s *Session) call(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	resp, err := s.conn.Call(ctx, req, backend.LogWriterFrom(ctx))
	callDuration.WithLabelValues(req.Op).Observe(time.Since(start).Seconds())

	switch {
	case err != nil && ctx.Err() != nil:
		callsTotal.WithLabelValues(req.Op, statusCancelled).Inc()
		return Response{}, err
	case err != nil:
		callsTotal.WithLabelValues(req.Op, statusFailed).Inc()
		return Response{}, err
	case resp.Error != "":
		callsTotal.WithLabelValues(req.Op, statusFailed).Inc()
		return Response{}, errors.New(resp.Error)
	}
	callsTotal.WithLabelValues(req.Op, statusOK).Inc()
	return resp, nil
}
