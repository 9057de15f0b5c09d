package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/mqttsession/internal/bus"
	"github.com/nerrad567/mqttsession/internal/fleet"
	"github.com/nerrad567/mqttsession/internal/infrastructure/mqtt"
	"github.com/nerrad567/mqttsession/internal/journal"
	"github.com/nerrad567/mqttsession/internal/payload"
	"github.com/nerrad567/mqttsession/internal/session"
)

// handleListSessions returns the status of every configured session.
func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.fleet.Sessions()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// handleGetSession returns one session's status.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	st, ok := s.fleet.Session(name)
	if !ok {
		writeNotFound(w, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleListEvents returns journaled events for a session, newest first.
//
// Query parameters:
//   - limit: page size (default 50, max 500)
//   - kind: connect, disconnect, message or error
//   - since: RFC 3339 timestamp, inclusive
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.fleet.Session(name); !ok {
		writeNotFound(w, "session not found")
		return
	}
	if s.journal == nil {
		writeUnavailable(w, "event journal is disabled")
		return
	}

	filter := journal.Filter{Session: name}
	q := r.URL.Query()

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("kind"); v != "" {
		if !bus.Kind(v).Valid() {
			writeBadRequest(w, "kind must be connect, disconnect, message or error")
			return
		}
		filter.Kind = v
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = t
	}

	events, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing journal events failed", "session", name, "error", err)
		writeInternalError(w, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session": name,
		"events":  events,
		"count":   len(events),
	})
}

// publishRequest is the request body for POST /sessions/{name}/publish.
type publishRequest struct {
	Topic    string `json:"topic"`
	Payload  string `json:"payload"`
	Encoding string `json:"encoding"` // text (default), hex, auto, base64 or bytes
	QoS      int    `json:"qos"`
	Retained bool   `json:"retained"`
}

// handlePublish publishes a message through a session. The publish is
// fire-and-forget, so success is 202 Accepted; broker-side failures show up
// as session error events.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.QoS < 0 || req.QoS > 2 {
		writeBadRequest(w, "qos must be 0, 1 or 2")
		return
	}
	p, err := payload.Parse(req.Payload, req.Encoding)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	err = s.fleet.Publish(r.Context(), name, req.Topic, p, byte(req.QoS), req.Retained) // #nosec G115 -- checked above
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":  "accepted",
			"session": name,
			"topic":   req.Topic,
		})
	case errors.Is(err, fleet.ErrUnknownSession):
		writeNotFound(w, "session not found")
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, session.ErrClosed):
		writeConflict(w, err.Error())
	case errors.Is(err, mqtt.ErrInvalidTopic),
		errors.Is(err, session.ErrInvalidTopic),
		errors.Is(err, session.ErrInvalidQoS),
		errors.Is(err, payload.ErrInvalidHex):
		writeBadRequest(w, err.Error())
	default:
		s.logger.Error("publish failed", "session", name, "topic", req.Topic, "error", err)
		writeInternalError(w, "publish failed")
	}
}
