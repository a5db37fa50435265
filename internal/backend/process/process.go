// Package process runs a model runtime as a child process that speaks the
// worker protocol on its stdin and stdout. Each loaded model gets its own
// process, which exits when the session is closed.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/deepimagej/tileflow/internal/backend"
	"github.com/deepimagej/tileflow/internal/backend/worker"
)

// DefaultCloseTimeout bounds how long a closed session waits for its
// process to exit before killing it.
const DefaultCloseTimeout = 5 * time.Second

// Config describes the worker command for one backend.
type Config struct {
	Name         string
	Command      []string
	Env          []string
	Frameworks   []string
	CloseTimeout time.Duration
}

// Backend implements backend.Backend by spawning Command per loaded model.
type Backend struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a process backend. The command must resolve on PATH.
func New(cfg Config, logger *slog.Logger) (*Backend, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("process backend: empty command")
	}
	if _, err := exec.LookPath(cfg.Command[0]); err != nil {
		return nil, fmt.Errorf("process backend %s: %w", cfg.Name, err)
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}
	return &Backend{cfg: cfg, logger: logger}, nil
}

// Capabilities reports what this backend supports.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:       b.cfg.Name,
		Frameworks: b.cfg.Frameworks,
	}
}

// Load starts a worker process and asks it to load ref.
func (b *Backend) Load(ctx context.Context, ref backend.ModelRef) (backend.Session, error) {
	cmd := exec.Command(b.cfg.Command[0], b.cfg.Command[1:]...)
	cmd.Env = append(os.Environ(), b.cfg.Env...)
	cmd.Dir = ref.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	logger := b.logger.With("model", ref.Name, "pid", cmd.Process.Pid)
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		streamLines(stderr, logger)
	}()

	wait := func() error {
		waitErr := make(chan error, 1)
		go func() {
			<-stderrDone
			waitErr <- cmd.Wait()
		}()
		select {
		case err := <-waitErr:
			return ignoreExit(err)
		case <-time.After(b.cfg.CloseTimeout):
			logger.Warn("worker process did not exit, killing")
			cmd.Process.Kill()
			return ignoreExit(<-waitErr)
		}
	}

	conn := worker.NewConn(pipe{Reader: stdout, WriteCloser: stdin})
	s, err := worker.Open(ctx, conn, ref, nil, b.cfg.CloseTimeout, logger)
	if err != nil {
		conn.Close()
		cmd.Process.Kill()
		wait()
		return nil, err
	}
	s.OnClose = wait

	logger.Info("worker process started", "backend", b.cfg.Name)
	return s, nil
}

// pipe joins the child's stdout and stdin. Closing it closes stdin, which
// the worker treats as end of session.
type pipe struct {
	io.Reader
	io.WriteCloser
}

// streamLines forwards each stderr line of the worker to the logger.
func streamLines(r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Debug("worker stderr", "line", scanner.Text())
	}
}

// ignoreExit treats termination by signal after Kill as a clean exit.
func ignoreExit(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && !exitErr.Exited() {
		return nil
	}
	return err
}
