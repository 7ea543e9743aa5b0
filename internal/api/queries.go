package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/asyncq/internal/model"
	"github.com/seantiz/asyncq/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// listQueriesResponse wraps the paginated list response.
type listQueriesResponse struct {
	Queries []*model.AsyncQuery `json:"queries"`
	Total   int                 `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

func (s *Server) handleListQueries(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	statuses, err := parseStatuses(r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	queries, total, err := s.store.ListQueries(r.Context(), store.QueryFilter{
		Statuses: statuses,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.logger.Error("list queries", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list queries")
		return
	}

	if queries == nil {
		queries = []*model.AsyncQuery{}
	}

	s.writeJSON(w, http.StatusOK, listQueriesResponse{
		Queries: queries,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

func (s *Server) handleGetQuery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	q, err := s.store.GetQuery(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "query not found")
		return
	}
	if err != nil {
		s.logger.Error("get query", "query_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get query")
		return
	}

	s.writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	q, err := s.store.GetQuery(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "query not found")
		return
	}
	if err != nil {
		s.logger.Error("get query for result", "query_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get query")
		return
	}

	// A result is visible only once it is attached.
	if !q.HasResult() {
		s.writeError(w, http.StatusConflict, "result not available, query is "+string(q.Status))
		return
	}

	result, err := s.store.GetResult(r.Context(), q.ResultID)
	if err != nil {
		s.logger.Error("get result", "query_id", id, "result_id", q.ResultID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get result")
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

// parseStatuses parses a comma-separated status filter.
func parseStatuses(raw string) ([]model.Status, error) {
	if raw == "" {
		return nil, nil
	}
	var statuses []model.Status
	for part := range strings.SplitSeq(raw, ",") {
		st := model.Status(strings.ToUpper(strings.TrimSpace(part)))
		if !st.Valid() {
			return nil, errors.New("unknown status " + strconv.Quote(part))
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
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
