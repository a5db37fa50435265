package api

import (
	"net/http"

	"github.com/deepimagej/tileflow/internal/backend"
)

// backendResponse is one registered backend and the catalog models that
// auto-route to it.
type backendResponse struct {
	backend.BackendInfo
	Models []string `json:"models"`
}

func (s *Server) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	infos := s.registry.List()
	resp := make([]backendResponse, len(infos))
	index := make(map[string]int, len(infos))
	for i, info := range infos {
		resp[i] = backendResponse{BackendInfo: info, Models: []string{}}
		index[info.Capabilities.Name] = i
	}

	for _, m := range s.catalog.List() {
		b, err := s.registry.Resolve(backend.NameAuto, m.Framework)
		if err != nil {
			continue
		}
		if i, ok := index[b.Capabilities().Name]; ok {
			resp[i].Models = append(resp[i].Models, m.Name)
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}
