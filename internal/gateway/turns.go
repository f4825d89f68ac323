package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/haasonsaas/coachd/internal/agent"
	"github.com/haasonsaas/coachd/internal/auth"
	"github.com/haasonsaas/coachd/pkg/models"
)

type turnResponse struct {
	SessionID string           `json:"session_id"`
	Messages  []string         `json:"messages"`
	Artifact  *models.Artifact `json:"artifact,omitempty"`
}

func newTurnResponse(res *agent.TurnResult) turnResponse {
	messages := res.Messages
	if messages == nil {
		messages = []string{}
	}
	return turnResponse{SessionID: res.SessionID, Messages: messages, Artifact: res.Artifact}
}

// turnRun is a turn executing in the background on behalf of a streaming
// client. result and err are set before events is closed.
type turnRun struct {
	sink   *agent.ChanSink
	result *agent.TurnResult
	err    error
}

// startTurn runs the turn on a context detached from the request, so the
// turn outlives a client that goes away. Every event reaches a connected
// client; emits after it is gone are dropped and counted under transport.
func (s *Server) startTurn(ctx context.Context, user models.User, req turnRequest, transport string) *turnRun {
	run := &turnRun{sink: agent.NewChanSink(s.config.StreamBuffer)}
	if s.metrics != nil {
		dropped := s.metrics.StreamEventsDropped.WithLabelValues(transport)
		run.sink.OnDrop(dropped.Inc)
	}

	turnCtx := context.WithoutCancel(ctx)
	s.turns.Add(1)
	go func() {
		defer s.turns.Done()
		defer run.sink.Close()
		run.result, run.err = s.runner.RunTurn(turnCtx, agent.TurnRequest{
			SessionID: req.SessionID,
			User:      user,
			Message:   req.Message,
		}, run.sink)
	}()
	return run
}

func (s *Server) readTurnRequest(w http.ResponseWriter, r *http.Request) (turnRequest, models.User, error) {
	user, err := auth.Caller(r.Context())
	if err != nil {
		return turnRequest{}, user, err
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		return turnRequest{}, user, err
	}
	req, err := decodeTurnRequest(body)
	return req, user, err
}

// handleTurn runs a turn to completion and returns the messages it sent.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	req, user, err := s.readTurnRequest(w, r)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}

	s.turns.Add(1)
	res, err := s.runner.RunTurn(context.WithoutCancel(r.Context()), agent.TurnRequest{
		SessionID: req.SessionID,
		User:      user,
		Message:   req.Message,
	}, nil)
	s.turns.Done()

	if err != nil {
		sessionID := req.SessionID
		if res != nil {
			sessionID = res.SessionID
		}
		s.writeError(w, r, err, sessionID)
		return
	}
	writeJSON(w, http.StatusOK, newTurnResponse(res))
}

// handleTurnStream streams the turn as NDJSON, one event per line.
//
// Headers are held back until the first event so that a turn rejected up
// front (busy session, unknown session) still gets a proper status code.
func (s *Server) handleTurnStream(w http.ResponseWriter, r *http.Request) {
	req, user, err := s.readTurnRequest(w, r)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}

	run := s.startTurn(r.Context(), user, req, "ndjson")
	events := run.sink.Events()

	var first agent.StreamEvent
	select {
	case ev, ok := <-events:
		if !ok {
			s.writeRejected(w, r, run, req.SessionID)
			return
		}
		first = ev
	case <-r.Context().Done():
		run.sink.Detach()
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)
	write := func(ev agent.StreamEvent) bool {
		if err := enc.Encode(ev); err != nil {
			return false
		}
		return rc.Flush() == nil
	}

	if !write(first) {
		s.abandon(r, run, "ndjson")
		return
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !write(ev) {
				s.abandon(r, run, "ndjson")
				return
			}
		case <-r.Context().Done():
			s.abandon(r, run, "ndjson")
			return
		}
	}
}

// writeRejected reports a turn that ended before emitting anything.
func (s *Server) writeRejected(w http.ResponseWriter, r *http.Request, run *turnRun, sessionID string) {
	err := run.err
	if err == nil {
		err = errNoEvents
	}
	if run.result != nil {
		sessionID = run.result.SessionID
	}
	s.writeError(w, r, err, sessionID)
}

// abandon stops listening to a turn whose client went away. The turn keeps
// running; its remaining events are dropped.
func (s *Server) abandon(r *http.Request, run *turnRun, transport string) {
	run.sink.Detach()
	s.logger.InfoContext(r.Context(), "stream client disconnected, turn continues", "transport", transport)
}
