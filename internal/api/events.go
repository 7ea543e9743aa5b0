package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/asyncq/internal/engine"
	"github.com/seantiz/asyncq/internal/store"
)

// handleStreamEvents streams status changes of one query as server-sent
// events. The first event is the stored status. The stream ends with a
// "done" event once the query is terminal.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if s.broker == nil {
		s.writeError(w, http.StatusNotImplemented, "status events are not available")
		return
	}

	// Subscribe before reading the record so no transition is lost in
	// between.
	ch, unsub := s.broker.Subscribe(id)
	defer unsub()

	q, err := s.store.GetQuery(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "query not found")
		return
	}
	if err != nil {
		s.logger.Error("get query for events", "query_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get query")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	defer trackStream()()

	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	snapshot := engine.StatusEvent{
		QueryID:  q.ID,
		Status:   q.Status,
		Reason:   q.Reason,
		ResultID: q.ResultID,
		At:       q.UpdatedAt,
	}
	if err := writeStatusEvent(w, snapshot); err != nil {
		return
	}
	if q.Status.Terminal() && q.HasResult() {
		_ = writeSSEEvent(w, "done", string(q.Status))
		flush()
		return
	}
	flush()

	last := q.Status
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", string(last))
				flush()
				return
			}
			last = ev.Status
			if err := writeStatusEvent(w, ev); err != nil {
				return // Write failed (e.g. client gone).
			}
			flush()
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

func writeStatusEvent(w http.ResponseWriter, ev engine.StatusEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return writeSSEData(w, string(data))
}

// writeSSEData writes a payload as an SSE data event. Multi-line strings are
// split so that each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
