package api

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/deepimagej/tileflow/internal/backend/identity"
	"github.com/deepimagej/tileflow/internal/model"
)

func TestEventHistory(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	run := submitRun(t, ts.URL, unetRequest(t, 520))
	waitForRunPhase(t, ts.URL, run.ID, model.PhaseDone)
	srv.engine.Wait()

	resp, err := http.Get(ts.URL + "/v1/runs/" + run.ID + "/events/history")
	if err != nil {
		t.Fatalf("GET history: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var hist eventHistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&hist); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hist.RunID != run.ID {
		t.Errorf("run_id = %q", hist.RunID)
	}
	tileDone := 0
	for _, ev := range hist.Events {
		if ev.Kind == model.EventTileDone {
			tileDone++
		}
	}
	if tileDone != 9 {
		t.Errorf("tile_done events = %d, want 9", tileDone)
	}
	last := hist.Events[len(hist.Events)-1]
	if last.Kind != model.EventPhase || last.Message != model.PhaseDone {
		t.Errorf("last event = %+v", last)
	}
}

func TestEventHistoryEmpty(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	id := seedRun(t, srv.store, "unet", model.PhaseIdle, 0, 0)

	resp, err := http.Get(ts.URL + "/v1/runs/" + id + "/events/history")
	if err != nil {
		t.Fatalf("GET history: %v", err)
	}
	defer resp.Body.Close()

	var hist eventHistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&hist); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hist.Events == nil || len(hist.Events) != 0 {
		t.Errorf("events = %v, want empty list", hist.Events)
	}
}

func TestStreamEventsOfFinishedRun(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	id := seedRun(t, srv.store, "unet", model.PhaseAborted, 10, 0)

	resp, err := http.Get(ts.URL + "/v1/runs/" + id + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Errorf("body = %q, want empty stream", body)
	}
}

func TestStreamEventsLive(t *testing.T) {
	srv := newTestServerWithBackend(t, &identity.Backend{Delay: 50 * time.Millisecond})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	run := submitRun(t, ts.URL, unetRequest(t, 520))

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(ts.URL + "/v1/runs/" + run.ID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	var names []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			names = append(names, name)
		}
	}

	if len(names) == 0 || names[len(names)-1] != "done" {
		t.Fatalf("events = %v, want stream ending with done", names)
	}
	seen := strings.Join(names, " ")
	if !strings.Contains(seen, model.EventTileDone) {
		t.Errorf("no tile_done event in %v", names)
	}
}
