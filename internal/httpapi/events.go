package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/videointel/coordinator/internal/repository"
)

// parseEventFilter reads the query-parameter filter set
// original_source/backend/app/api/v1/events.py's list_events exposes.
func parseEventFilter(r *http.Request) repository.EventFilter {
	q := r.URL.Query()

	filter := repository.EventFilter{
		CameraID:  q.Get("camera_id"),
		EventCode: q.Get("event_code"),
	}
	if v := q.Get("acknowledged"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			filter.Acknowledged = &b
		}
	}
	if v := q.Get("start_date"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Since = t
		}
	}
	if v := q.Get("end_date"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Until = t
		}
	}
	filter.Limit = 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}
	return filter
}

// handleListEvents is GET /api/v1/events; see DESIGN.md for how the
// rest of this file's routes were derived.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.Store.ListEvents(r.Context(), parseEventFilter(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := s.Store.GetEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// handleAcknowledgeEvent is POST /api/v1/events/{id}/acknowledge. The
// acknowledging identity is the JWT subject, there being no
// un-acknowledge operation (model.Event.Acknowledge is
// one-directional).
func (s *Server) handleAcknowledgeEvent(w http.ResponseWriter, r *http.Request) {
	by, _ := UserFromContext(r.Context())
	event, err := s.Store.AcknowledgeEvent(r.Context(), chi.URLParam(r, "eventID"), by)
	if err != nil {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleCameraEvents(w http.ResponseWriter, r *http.Request) {
	filter := repository.EventFilter{CameraID: chi.URLParam(r, "cameraID"), Limit: 100}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	events, err := s.Store.ListEvents(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list camera events")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleRecentUnacknowledged(w http.ResponseWriter, r *http.Request) {
	unacked := false
	filter := repository.EventFilter{Acknowledged: &unacked, Limit: 50}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	events, err := s.Store.ListEvents(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list unacknowledged events")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleEventCount(w http.ResponseWriter, r *http.Request) {
	filter := parseEventFilter(r)
	filter.Limit = 0 // counted below, not paginated
	events, err := s.Store.ListEvents(r.Context(), repository.EventFilter{
		CameraID:     filter.CameraID,
		EventCode:    filter.EventCode,
		Acknowledged: filter.Acknowledged,
		Since:        filter.Since,
		Until:        filter.Until,
		Limit:        1 << 30,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to count events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(events)})
}
