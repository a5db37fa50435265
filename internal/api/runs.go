package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/deepimagej/tileflow/internal/descriptor"
	"github.com/deepimagej/tileflow/internal/engine"
	"github.com/deepimagej/tileflow/internal/model"
	"github.com/deepimagej/tileflow/internal/store"
	"github.com/deepimagej/tileflow/internal/tensor"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 256 << 20
)

// createRunRequest is the JSON body for POST /v1/runs.
type createRunRequest struct {
	Model    string                 `json:"model"`
	Backend  string                 `json:"backend"`
	Tile     string                 `json:"tile"`
	TimeoutS int                    `json:"timeout_s"`
	Inputs   map[string]tensor.Wire `json:"inputs"`
}

// listRunsResponse wraps the paginated list response.
type listRunsResponse struct {
	Runs   []*model.Run `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// outputsResponse is the JSON response for GET /v1/runs/{id}/outputs.
type outputsResponse struct {
	RunID   string                 `json:"run_id"`
	Phase   string                 `json:"phase"`
	Raw     bool                   `json:"raw,omitempty"`
	Outputs map[string]tensor.Wire `json:"outputs"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Model == "" {
		s.writeError(w, http.StatusBadRequest, "model is required")
		return
	}
	if req.TimeoutS < 0 {
		s.writeError(w, http.StatusBadRequest, "timeout_s must not be negative")
		return
	}
	inputs, err := tensor.DecodeMap(req.Inputs)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid inputs: "+err.Error())
		return
	}

	run, err := s.engine.Submit(r.Context(), engine.RunRequest{
		Model:    req.Model,
		Backend:  req.Backend,
		Tile:     req.Tile,
		TimeoutS: req.TimeoutS,
		Inputs:   inputs,
	})
	switch {
	case errors.Is(err, descriptor.ErrModelNotFound):
		s.writeError(w, http.StatusNotFound, "model not found")
		return
	case errors.Is(err, engine.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("submit run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit run")
		return
	}

	s.writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	if runs == nil {
		runs = []*model.Run{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleGetOutputs(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	if len(run.Output) == 0 {
		if model.Terminal(run.Phase) {
			s.writeError(w, http.StatusNotFound, "run produced no outputs")
			return
		}
		s.writeError(w, http.StatusConflict, "run is still "+run.Phase)
		return
	}

	outputs, err := engine.DecodeOutputs(run.Output)
	if err != nil {
		s.logger.Error("decode outputs", "run_id", run.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read outputs")
		return
	}

	s.writeJSON(w, http.StatusOK, outputsResponse{
		RunID:   run.ID,
		Phase:   run.Phase,
		Raw:     run.Phase == model.PhaseAborted,
		Outputs: outputs,
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.engine.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	case errors.Is(err, engine.ErrRunFinished):
		s.writeError(w, http.StatusConflict, "run already finished")
		return
	case err != nil:
		s.logger.Error("cancel run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel run")
		return
	}

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.logger.Error("get cancelled run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve run")
		return
	}

	s.writeJSON(w, http.StatusAccepted, run)
}

// lookupRun loads the run named in the URL, writing the error response
// itself when it cannot.
func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*model.Run, bool) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return nil, false
	}
	return run, true
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
