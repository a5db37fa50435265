// Command tileflow-worker serves a model runtime to a tileflow engine over
// the worker protocol. It listens on TCP, a Unix socket or vsock, or speaks
// the protocol on stdin and stdout with -stdio (the process backend mode).
//
// The identity runtime echoes inputs and needs no framework. The process
// runtime relays every loaded model to a local command, which lets a worker
// inside a VM front a framework-specific runtime.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"

	"github.com/deepimagej/tileflow/internal/backend"
	"github.com/deepimagej/tileflow/internal/backend/identity"
	"github.com/deepimagej/tileflow/internal/backend/process"
	"github.com/deepimagej/tileflow/internal/backend/worker"
	"github.com/deepimagej/tileflow/internal/config"
	"github.com/deepimagej/tileflow/internal/workeragent"
)

func main() {
	listen := flag.String("listen", "tcp://127.0.0.1:7070", "listen address (tcp://host:port, unix:///path or vsock://port)")
	stdio := flag.Bool("stdio", false, "serve one connection on stdin and stdout")
	runtime := flag.String("runtime", "identity", "model runtime: identity or process")
	command := flag.String("command", "", "worker command for the process runtime")
	workDir := flag.String("workdir", os.TempDir(), "directory for shipped model archives")
	flag.Parse()

	cfg := config.Load()
	// Stdout carries protocol frames in stdio mode.
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)

	b, err := newRuntime(*runtime, *command, logger)
	if err != nil {
		log.Fatalf("runtime: %v", err)
	}

	if *stdio {
		agent := workeragent.New(nil, b, *workDir, logger)
		agent.ServeConn(workeragent.Stdio{Reader: os.Stdin, Writer: os.Stdout})
		return
	}

	l, err := listenAddr(*listen)
	if err != nil {
		log.Fatalf("listen on %s: %v", *listen, err)
	}
	defer l.Close()

	logger.Info("tileflow-worker listening", "addr", *listen, "runtime", *runtime)

	agent := workeragent.New(l, b, *workDir, logger)
	if err := agent.Serve(); err != nil {
		log.Fatalf("serve: %v", err)
	}
}

func newRuntime(name, command string, logger *slog.Logger) (backend.Backend, error) {
	switch name {
	case "identity":
		return identity.New(), nil
	case "process":
		return process.New(process.Config{
			Name:    "process",
			Command: strings.Fields(command),
		}, logger)
	default:
		return nil, fmt.Errorf("unknown runtime %q", name)
	}
}

// listenAddr opens a listener for a worker address. vsock listeners take
// the port only; the context ID is the local one.
func listenAddr(addr string) (net.Listener, error) {
	scheme, target, ok := strings.Cut(addr, "://")
	if !ok {
		return nil, fmt.Errorf("invalid address %q", addr)
	}
	switch scheme {
	case worker.SchemeTCP:
		return net.Listen("tcp", target)
	case worker.SchemeUnix:
		os.Remove(target)
		return net.Listen("unix", target)
	case worker.SchemeVsock:
		port, err := strconv.ParseUint(strings.TrimPrefix(target, ":"), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("vsock port: %w", err)
		}
		return vsock.Listen(uint32(port), nil)
	default:
		return nil, fmt.Errorf("unknown scheme %q", scheme)
	}
}
