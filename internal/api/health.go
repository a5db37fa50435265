package api

import (
	"net/http"
)

// healthResponse reports liveness plus what the service can run.
type healthResponse struct {
	Status   string `json:"status"`
	Models   int    `json:"models"`
	Backends int    `json:"backends"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Models:   len(s.catalog.List()),
		Backends: len(s.registry.List()),
	})
}
