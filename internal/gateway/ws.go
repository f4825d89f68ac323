package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/haasonsaas/coachd/internal/agent"
	"github.com/haasonsaas/coachd/internal/auth"
)

const (
	wsPingInterval = 15 * time.Second
	wsPongWait     = 45 * time.Second
	wsWriteWait    = 10 * time.Second
	wsRequestWait  = 30 * time.Second
)

// handleTurnWS runs one turn per connection. The first text frame is the
// turn request; every stream event is then sent as one JSON text frame and
// the server closes the connection after the final event.
func (s *Server) handleTurnWS(w http.ResponseWriter, r *http.Request) {
	user, err := auth.Caller(r.Context())
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.DebugContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(s.config.MaxBodyBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsRequestWait)) //nolint:errcheck
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return
	}
	req, err := decodeTurnRequest(raw)
	if err != nil {
		s.wsReject(conn, req.SessionID, err)
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	defer func() {
		conn.Close()
		<-gone
	}()

	run := s.startTurn(r.Context(), user, req, "websocket")
	events := run.sink.Events()
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if sent == 0 {
					err := run.err
					if err == nil {
						err = errNoEvents
					}
					s.wsReject(conn, req.SessionID, err)
					return
				}
				s.wsClose(conn, websocket.CloseNormalClosure, "turn complete")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := conn.WriteJSON(ev); err != nil {
				s.abandon(r, run, "websocket")
				return
			}
			sent++
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				s.abandon(r, run, "websocket")
				return
			}
		case <-gone:
			s.abandon(r, run, "websocket")
			return
		}
	}
}

// wsReject sends a single error event and closes the connection.
func (s *Server) wsReject(conn *websocket.Conn, sessionID string, err error) {
	_, code := statusFor(err)
	message := err.Error()
	if code == "internal" {
		message = "internal error"
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
	_ = conn.WriteJSON(agent.StreamEvent{ //nolint:errcheck
		Type:      agent.StreamError,
		SessionID: sessionID,
		Error:     message,
		Time:      time.Now().UTC(),
	})
	closeCode := websocket.CloseInternalServerErr
	switch code {
	case "invalid_request":
		closeCode = websocket.CloseInvalidFramePayloadData
	case "session_busy", "session_not_found":
		closeCode = websocket.ClosePolicyViolation
	}
	s.wsClose(conn, closeCode, code)
}

func (s *Server) wsClose(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait)) //nolint:errcheck
}
