// Package workeragent serves a model backend to remote engines over the
// worker protocol. It is the process behind a worker address: it accepts
// connections, loads one model per connection and answers run requests
// until the engine closes the session.
package workeragent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/deepimagej/tileflow/internal/backend"
	"github.com/deepimagej/tileflow/internal/backend/worker"
	"github.com/deepimagej/tileflow/internal/tensor"
)

// Agent handles worker connections on behalf of a backend.
type Agent struct {
	listener net.Listener
	backend  backend.Backend
	workDir  string
	logger   *slog.Logger

	seq atomic.Int64
}

// New creates an agent serving b on listener. Shipped model archives are
// extracted below workDir.
func New(listener net.Listener, b backend.Backend, workDir string, logger *slog.Logger) *Agent {
	return &Agent{
		listener: listener,
		backend:  b,
		workDir:  workDir,
		logger:   logger,
	}
}

// Serve accepts connections and handles them. It blocks until the listener
// is closed or an unrecoverable error occurs.
func (a *Agent) Serve() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go a.handleConnection(conn)
	}
}

// ServeConn serves a single connection, such as the stdin and stdout of a
// worker process, and returns when it ends.
func (a *Agent) ServeConn(rwc io.ReadWriteCloser) {
	a.handleConnection(rwc)
}

// connection is the per-connection state: the write lock shared by log
// lines and results, and the loaded session.
type connection struct {
	conn    io.ReadWriteCloser
	writeMu sync.Mutex
	session backend.Session
	dir     string
}

// handleConnection serves requests on conn until the engine sends close or
// the connection fails.
func (a *Agent) handleConnection(conn io.ReadWriteCloser) {
	defer conn.Close()
	c := &connection{conn: conn}
	defer a.release(c)

	ctx := backend.WithLogWriter(context.Background(), c.sendLog)

	for {
		var req worker.Request
		if err := worker.ReadMessage(conn, &req); err != nil {
			a.logger.Debug("connection ended", "error", err)
			return
		}

		resp := a.handle(ctx, c, &req)
		if err := c.sendResult(resp); err != nil {
			a.logger.Warn("write result", "op", req.Op, "error", err)
			return
		}
		if req.Op == worker.OpClose {
			return
		}
	}
}

// handle executes one request.
func (a *Agent) handle(ctx context.Context, c *connection, req *worker.Request) worker.Response {
	switch req.Op {
	case worker.OpLoad:
		if c.session != nil {
			return worker.Response{Error: "a model is already loaded on this connection"}
		}
		if req.Model == nil {
			return worker.Response{Error: "load request without model"}
		}
		ref := *req.Model
		if len(req.Archive) > 0 {
			dir, err := a.extractModel(ref.Name, req.Archive)
			if err != nil {
				return worker.Response{Error: fmt.Sprintf("extract model: %v", err)}
			}
			c.dir = dir
			ref.Dir = dir
		}
		s, err := a.backend.Load(ctx, ref)
		if err != nil {
			return worker.Response{Error: fmt.Sprintf("load %s: %v", ref.Name, err)}
		}
		c.session = s
		a.logger.Info("model loaded", "model", ref.Name, "framework", ref.Framework)
		return worker.Response{}

	case worker.OpRun:
		if c.session == nil {
			return worker.Response{Error: "run request before load"}
		}
		inputs, err := tensor.DecodeMap(req.Inputs)
		if err != nil {
			return worker.Response{Error: fmt.Sprintf("decode inputs: %v", err)}
		}
		outputs, err := c.session.RunBatch(ctx, inputs)
		if err != nil {
			return worker.Response{Error: err.Error()}
		}
		wire, err := tensor.EncodeMap(outputs)
		if err != nil {
			return worker.Response{Error: fmt.Sprintf("encode outputs: %v", err)}
		}
		return worker.Response{Outputs: wire}

	case worker.OpClose:
		a.release(c)
		return worker.Response{}

	default:
		return worker.Response{Error: fmt.Sprintf("unknown operation: %q", req.Op)}
	}
}

// release closes the session and removes any extracted model.
func (a *Agent) release(c *connection) {
	if c.session != nil {
		if err := c.session.Close(); err != nil {
			a.logger.Warn("close session", "error", err)
		}
		c.session = nil
	}
	if c.dir != "" {
		os.RemoveAll(c.dir)
		c.dir = ""
	}
}

// extractModel unpacks a shipped model into a fresh directory below workDir.
func (a *Agent) extractModel(name string, archive []byte) (string, error) {
	rel := fmt.Sprintf("%s-%d", sanitize(name), a.seq.Add(1))
	if err := validatePath(a.workDir, rel); err != nil {
		return "", err
	}
	dir := filepath.Join(a.workDir, rel)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create model dir: %w", err)
	}
	if err := worker.ExtractArchive(dir, archive); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

// sendLog sends a log line to the engine. Backends may call it from any
// goroutine.
func (c *connection) sendLog(line string) {
	msg := worker.Message{Type: worker.MsgTypeLog, Line: line}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = worker.WriteMessage(c.conn, &msg)
}

// sendResult sends the final Response wrapped in a Message.
func (c *connection) sendResult(resp worker.Response) error {
	msg := worker.Message{Type: worker.MsgTypeResult, Response: &resp}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return worker.WriteMessage(c.conn, &msg)
}

// sanitize keeps a model name usable as a directory name.
func sanitize(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	if name == "" {
		return "model"
	}
	return name
}

// validatePath checks that joining baseDir with relPath stays within baseDir.
func validatePath(baseDir, relPath string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolve base dir: %w", err)
	}
	cleaned := filepath.Clean(filepath.Join(absBase, relPath))
	if !strings.HasPrefix(cleaned, absBase+string(filepath.Separator)) && cleaned != absBase {
		return fmt.Errorf("path %q escapes work directory", relPath)
	}
	return nil
}

// Stdio joins a reader and writer, typically os.Stdin and os.Stdout, into a
// connection for ServeConn. Closing it is a no-op.
type Stdio struct {
	io.Reader
	io.Writer
}

// Close implements io.Closer.
func (Stdio) Close() error { return nil }
