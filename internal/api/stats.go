package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats. AvgMSPerTile is
// derived from the run averages and is zero until a run with tiles finished.
type statsResponse struct {
	Total         int            `json:"total"`
	ByPhase       map[string]int `json:"by_phase"`
	ByModel       map[string]int `json:"by_model"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	AvgTiles      float64        `json:"avg_tiles"`
	AvgMSPerTile  float64        `json:"avg_ms_per_tile"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	runStats, err := s.store.GetRunStats(r.Context())
	if err != nil {
		s.logger.Error("get run stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read run statistics")
		return
	}

	resp := statsResponse{
		Total:         runStats.Total,
		ByPhase:       runStats.CountByPhase,
		ByModel:       runStats.CountByModel,
		AvgDurationMS: runStats.AvgDurationMS,
		AvgTiles:      runStats.AvgTiles,
	}
	if runStats.AvgTiles > 0 {
		resp.AvgMSPerTile = runStats.AvgDurationMS / runStats.AvgTiles
	}
	s.writeJSON(w, http.StatusOK, resp)
}
