package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/haasonsaas/coachd/internal/agent"
	"github.com/haasonsaas/coachd/internal/auth"
	"github.com/haasonsaas/coachd/internal/sessions"
)

var errNoEvents = errors.New("turn ended without output")

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// statusFor maps an error to its HTTP status and a stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, sessions.ErrSessionBusy):
		return http.StatusConflict, "session_busy"
	case errors.Is(err, sessions.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, agent.ErrEmptyMessage), errors.Is(err, errInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, auth.ErrNoCaller):
		return http.StatusUnauthorized, "unauthorized"
	}
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return http.StatusRequestEntityTooLarge, "body_too_large"
	}
	var loopErr *agent.LoopError
	if errors.As(err, &loopErr) {
		return http.StatusInternalServerError, "turn_failed"
	}
	return http.StatusInternalServerError, "internal"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, sessionID string) {
	status, code := statusFor(err)
	message := err.Error()
	if code == "internal" {
		s.logger.ErrorContext(r.Context(), "request failed", "error", err)
		message = "internal error"
	}
	writeJSON(w, status, errorBody{
		Error:     message,
		Code:      code,
		SessionID: sessionID,
		RequestID: w.Header().Get(requestIDHeader),
	})
}
