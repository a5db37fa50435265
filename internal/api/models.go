package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/deepimagej/tileflow/internal/descriptor"
	"github.com/deepimagej/tileflow/internal/engine"
	"github.com/deepimagej/tileflow/internal/partition"
	"github.com/deepimagej/tileflow/internal/tensor"
	"github.com/deepimagej/tileflow/internal/tiling"
)

// modelResponse describes one catalog model.
type modelResponse struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Framework   string        `json:"framework"`
	Pyramidal   bool          `json:"pyramidal"`
	Tiling      bool          `json:"tiling"`
	Inputs      []tensor.Spec `json:"inputs"`
	Outputs     []tensor.Spec `json:"outputs"`
	DefaultTile string        `json:"default_tile,omitempty"`
}

// listModelsResponse is the JSON response for GET /v1/models.
type listModelsResponse struct {
	Models      []modelResponse          `json:"models"`
	Unavailable []descriptor.Unavailable `json:"unavailable"`
}

// planResponse is the JSON response for GET /v1/models/{name}/plan.
type planResponse struct {
	Model string           `json:"model"`
	Patch string           `json:"patch"`
	Plan  tiling.Plan      `json:"plan"`
	Count int              `json:"tile_count"`
	Tiles []partition.Tile `json:"tiles"`
}

// tileErrorResponse is the 422 body for a rejected tile size.
type tileErrorResponse struct {
	Error     string `json:"error"`
	Tensor    string `json:"tensor"`
	Axis      string `json:"axis,omitempty"`
	Requested int    `json:"requested,omitempty"`
	Nearest   int    `json:"nearest,omitempty"`
	Reason    string `json:"reason"`
}

func (s *Server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	models := s.catalog.List()
	resp := listModelsResponse{
		Models:      make([]modelResponse, 0, len(models)),
		Unavailable: s.catalog.Unavailable(),
	}
	for _, m := range models {
		mr, err := describeModel(m)
		if err != nil {
			resp.Unavailable = append(resp.Unavailable, descriptor.Unavailable{Dir: m.Dir, Reason: err.Error()})
			continue
		}
		resp.Models = append(resp.Models, mr)
	}
	if resp.Unavailable == nil {
		resp.Unavailable = []descriptor.Unavailable{}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookupModel(w, r)
	if !ok {
		return
	}
	mr, err := describeModel(m)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if q := r.URL.Query().Get("shape"); q != "" {
		shape, err := parseShape(q)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ref := referenceInput(mr.Inputs)
		if ref == nil {
			s.writeError(w, http.StatusUnprocessableEntity, "model declares no image input")
			return
		}
		patch, err := tiling.OptimalPatch(*ref, mr.Outputs, shape, s.maxAutoTile)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		mr.DefaultTile = patch
	}

	s.writeJSON(w, http.StatusOK, mr)
}

func (s *Server) handlePlanModel(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookupModel(w, r)
	if !ok {
		return
	}
	shape, err := parseShape(r.URL.Query().Get("shape"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	plan, tiles, err := engine.PlanFor(m, shape, r.URL.Query().Get("tile"), s.maxAutoTile)
	var tileErr *tiling.InvalidTileSizeError
	var dimErr *engine.DimensionMismatchError
	switch {
	case errors.As(err, &tileErr):
		resp := tileErrorResponse{
			Error:     tileErr.Error(),
			Tensor:    tileErr.Tensor,
			Requested: tileErr.Requested,
			Nearest:   tileErr.Nearest,
			Reason:    tileErr.Reason,
		}
		if tileErr.Axis != 0 {
			resp.Axis = tileErr.Axis.String()
		}
		s.writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	case errors.As(err, &dimErr):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, planResponse{
		Model: m.Name,
		Patch: plan.String(),
		Plan:  plan,
		Count: len(tiles),
		Tiles: tiles,
	})
}

func (s *Server) lookupModel(w http.ResponseWriter, r *http.Request) (*descriptor.Model, bool) {
	m, err := s.catalog.Get(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "model not found")
		return nil, false
	}
	return m, true
}

func describeModel(m *descriptor.Model) (modelResponse, error) {
	ins, outs, err := m.Specs()
	if err != nil {
		return modelResponse{}, err
	}
	return modelResponse{
		Name:        m.Name,
		Description: m.Description,
		Framework:   m.Framework,
		Pyramidal:   m.Pyramidal,
		Tiling:      m.Tiling(),
		Inputs:      ins,
		Outputs:     outs,
	}, nil
}

func referenceInput(specs []tensor.Spec) *tensor.Spec {
	for i := range specs {
		if specs[i].Kind == tensor.KindImage {
			return &specs[i]
		}
	}
	return nil
}

// parseShape parses a comma-separated list of positive extents.
func parseShape(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, errors.New("shape is required")
	}
	parts := strings.Split(s, ",")
	shape := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid shape %q: extent %q must be a positive integer", s, p)
		}
		shape[i] = n
	}
	return shape, nil
}
