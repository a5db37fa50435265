package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/deepimagej/tileflow/internal/backend"
	"github.com/deepimagej/tileflow/internal/backend/identity"
	"github.com/deepimagej/tileflow/internal/descriptor"
	"github.com/deepimagej/tileflow/internal/engine"
	"github.com/deepimagej/tileflow/internal/store"
)

// unetModel is a catalog entry served by the identity backend.
func unetModel() *descriptor.Model {
	return &descriptor.Model{
		Name:        "unet",
		Description: "identity stand-in for a 2D U-Net",
		Framework:   descriptor.FrameworkIdentity,
		Inputs: []descriptor.TensorDecl{{
			Name: "input", Axes: "byxc",
			MinimumSize: []int{1, 256, 256, 1}, Step: []int{0, 16, 16, 0},
		}},
		Outputs: []descriptor.TensorDecl{{
			Name: "output", Axes: "byxc", Halo: []int{0, 16, 16, 0}, ReferenceInput: "input",
		}},
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestServerWithBackend(t, identity.New())
}

func newTestServerWithBackend(t *testing.T, b backend.Backend) *Server {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	reg := backend.NewRegistry()
	reg.Register(backend.NameIdentity, b)

	catalog := descriptor.NewCatalog(t.TempDir(), logger)
	catalog.Add(unetModel())

	eng := engine.NewEngine(s, reg, catalog, logger, engine.Options{})
	t.Cleanup(func() { eng.Close() })

	return NewServer(":0", s, reg, catalog, eng, 512, logger)
}

func TestRequestLogCarriesRequestID(t *testing.T) {
	srv := newTestServer(t)
	var buf bytes.Buffer
	srv.logger = slog.New(slog.NewJSONHandler(&buf, nil))
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("request log is not JSON: %v\n%s", err, buf.String())
	}
	if entry["msg"] != "request" || entry["path"] != "/test" {
		t.Errorf("log entry = %v", entry)
	}
	if id, _ := entry["request_id"].(string); id == "" {
		t.Error("request log has no request_id")
	}
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	srv := newTestServer(t)
	srv.addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() = %v, want nil after cancellation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/test", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /test: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}
