package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByQueryType   map[string]int `json:"by_query_type"`
	MissingResult int            `json:"missing_result"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetQueryStats(r.Context())
	if err != nil {
		s.logger.Error("get query stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByQueryType:   stats.CountByQueryType,
		MissingResult: stats.MissingResult,
	})
}
