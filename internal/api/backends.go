package api

import (
	"net/http"

	"github.com/seantiz/asyncq/internal/backend"
)

func (s *Server) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	backends := []backend.Info{}
	if s.backends != nil {
		backends = append(backends, s.backends.List()...)
	}
	s.writeJSON(w, http.StatusOK, backends)
}
