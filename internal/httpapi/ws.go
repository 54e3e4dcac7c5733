package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/xiaonuan/internal/protocol"
	"github.com/ent0n29/xiaonuan/internal/session"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
)

// handleSessionWS carries utterances and replies for one session. Writes go
// through a single writer goroutine; turns run one at a time in arrival order.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if sess.Status != session.StatusActive {
		respondDomainError(w, session.ErrEnded)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.SessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 64)
	utterances := make(chan protocol.ClientUtterance, 16)

	enqueue := func(msg any) {
		select {
		case <-ctx.Done():
		case outbound <- msg:
		}
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					s.metrics.SessionEvent("ws_write_error")
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.ObserveWSMessage("outbound", string(t))
				}
			}
		}
	}()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for u := range utterances {
			if ctx.Err() != nil {
				return
			}
			turnID, reply, err := s.runTurn(ctx, sessionID, u.Text)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				enqueue(turnErrorEvent(sessionID, err))
				continue
			}
			enqueue(protocol.AssistantReply{
				Type:      protocol.TypeAssistantReply,
				SessionID: sessionID,
				TurnID:    turnID,
				Text:      reply.Text,
				Emotion:   string(reply.Emotion),
				State:     string(reply.State),
				Degraded:  reply.Degraded,
			})
		}
	}()

	if greeting, state, err := s.companion.Greeting(ctx, sess.UserID); err == nil {
		enqueue(protocol.SystemEvent{
			Type:      protocol.TypeSystemEvent,
			SessionID: sessionID,
			Code:      "session_ready",
			Detail:    greeting,
			State:     string(state),
		})
	}

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			// Nobody is left to read replies: stop the turn in flight and
			// drop the queued ones.
			cancel()
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			enqueue(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.ObserveWSMessage("inbound", string(t))
		}

		switch msg := parsed.(type) {
		case protocol.ClientUtterance:
			if msg.SessionID != sessionID {
				enqueue(protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: sessionID,
					Code:      "session_mismatch",
					Source:    "gateway",
					Detail:    "utterance addressed to another session",
				})
				continue
			}
			select {
			case <-ctx.Done():
				break readLoop
			case utterances <- msg:
			}
		case protocol.ClientControl:
			switch msg.Action {
			case protocol.ActionPing:
				enqueue(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sessionID, Code: "pong"})
			case protocol.ActionEnd:
				close(utterances)
				<-workerDone
				utterances = nil
				if _, err := s.endSession(sessionID); err == nil {
					enqueue(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sessionID, Code: "session_ended"})
				}
				break readLoop
			}
		}
	}

	if utterances != nil {
		close(utterances)
		<-workerDone
	}
	// Let queued replies drain before the connection closes.
	drainOutbound(ctx, outbound)
	cancel()
	<-writerDone
	s.metrics.SessionEvent("ws_disconnected")
}

// drainOutbound waits briefly for the writer to flush what is queued.
func drainOutbound(ctx context.Context, outbound chan any) {
	deadline := time.NewTimer(time.Second)
	defer deadline.Stop()
	for len(outbound) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func turnErrorEvent(sessionID string, err error) protocol.ErrorEvent {
	ev := protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Source:    "companion",
		Detail:    err.Error(),
	}
	switch {
	case errors.Is(err, session.ErrTurnRunning):
		ev.Code, ev.Retryable = "turn_in_progress", true
	case errors.Is(err, session.ErrEnded), errors.Is(err, session.ErrNotFound):
		ev.Code = "session_ended"
	default:
		ev.Code, ev.Retryable = "memory_unavailable", true
		ev.Detail = "memory could not be read or saved"
	}
	return ev
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientUtterance:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.AssistantReply:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
