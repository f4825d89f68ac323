package gateway

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/haasonsaas/coachd/internal/auth"
	"github.com/haasonsaas/coachd/internal/sessions"
	"github.com/haasonsaas/coachd/pkg/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	maxEventLimit    = 1000
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	user, err := auth.Caller(r.Context())
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	query := r.URL.Query()
	opts := sessions.ListOptions{Limit: defaultListLimit}
	if v := query.Get("status"); v != "" {
		status := models.SessionStatus(v)
		if !status.Valid() {
			s.writeError(w, r, fmt.Errorf("%w: unknown status %q", errInvalidRequest, v), "")
			return
		}
		opts.Status = status
	}
	if opts.Limit, err = intParam(query.Get("limit"), defaultListLimit, maxListLimit); err != nil {
		s.writeError(w, r, err, "")
		return
	}
	if opts.Offset, err = intParam(query.Get("offset"), 0, -1); err != nil {
		s.writeError(w, r, err, "")
		return
	}

	list, err := s.store.ListSessions(r.Context(), user.ID, opts)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	if list == nil {
		list = []*models.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// handleSessionEvents returns a session's event log, optionally after a
// sequence number and restricted to some kinds.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	session, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	var filter sessions.EventFilter
	if v := query.Get("after"); v != "" {
		after, err := strconv.ParseInt(v, 10, 64)
		if err != nil || after < 0 {
			s.writeError(w, r, fmt.Errorf("%w: after must be a non-negative integer", errInvalidRequest), session.ID)
			return
		}
		filter.AfterSequence = after
	}
	if v := query.Get("kinds"); v != "" {
		for _, part := range strings.Split(v, ",") {
			kind := models.EventKind(strings.TrimSpace(part))
			if !kind.Valid() {
				s.writeError(w, r, fmt.Errorf("%w: unknown event kind %q", errInvalidRequest, kind), session.ID)
				return
			}
			filter.Kinds = append(filter.Kinds, kind)
		}
	}
	limit, err := intParam(query.Get("limit"), 0, maxEventLimit)
	if err != nil {
		s.writeError(w, r, err, session.ID)
		return
	}
	filter.Limit = limit

	events, err := s.store.Events(r.Context(), session.ID, filter)
	if err != nil {
		s.writeError(w, r, err, session.ID)
		return
	}
	if events == nil {
		events = []*models.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": session.ID, "events": events})
}

// ownedSession loads the {id} session. Sessions of other callers are
// reported as not found.
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request) (*models.Session, bool) {
	user, err := auth.Caller(r.Context())
	if err != nil {
		s.writeError(w, r, err, "")
		return nil, false
	}
	id := r.PathValue("id")
	session, err := s.store.GetSession(r.Context(), id)
	if err == nil && session.OwnerID != user.ID {
		err = sessions.ErrSessionNotFound
	}
	if err != nil {
		s.writeError(w, r, err, "")
		return nil, false
	}
	return session, true
}

// intParam parses a non-negative integer query value. A ceiling of -1 means
// unbounded; larger values are clamped to the ceiling.
func intParam(raw string, fallback, ceiling int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q is not a non-negative integer", errInvalidRequest, raw)
	}
	if ceiling >= 0 && n > ceiling {
		n = ceiling
	}
	return n, nil
}
