package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/xiaonuan/internal/companion"
	"github.com/ent0n29/xiaonuan/internal/session"
)

type turnResponse struct {
	SessionID string          `json:"session_id"`
	TurnID    string          `json:"turn_id"`
	Reply     companion.Reply `json:"reply"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		respondError(w, http.StatusBadRequest, "invalid_user_id", "user_id is required")
		return
	}

	s.companion.Acquire(userID)
	// Load memory before opening the session so a corrupted record fails fast.
	greeting, state, err := s.companion.Greeting(r.Context(), userID)
	if err != nil {
		s.companion.Release(userID)
		respondDomainError(w, err)
		return
	}
	sess, err := s.sessions.Create(userID)
	if err != nil {
		s.companion.Release(userID)
		respondDomainError(w, err)
		return
	}
	s.metrics.SessionOpened()

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		State:           string(state),
		Greeting:        greeting,
		StartedAt:       sess.StartedAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req session.TurnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "body must be {\"text\": \"...\"}")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "empty_utterance", "text is required")
		return
	}

	turnID, reply, err := s.runTurn(r.Context(), id, req.Text)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, turnResponse{SessionID: id, TurnID: turnID, Reply: reply})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	sess, err := s.endSession(id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// runTurn processes one utterance within a session. Only one turn per
// session runs at a time.
func (s *Server) runTurn(ctx context.Context, sessionID, text string) (string, companion.Reply, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return "", companion.Reply{}, err
	}
	turnID, err := s.sessions.StartTurn(sessionID)
	if err != nil {
		return "", companion.Reply{}, err
	}
	reply, err := s.companion.Process(ctx, sess.UserID, text)
	_ = s.sessions.FinishTurn(sessionID, turnID, err == nil)
	if err != nil {
		return "", companion.Reply{}, err
	}
	return turnID, reply, nil
}

func (s *Server) endSession(id string) (*session.Session, error) {
	before, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.End(id)
	if err != nil {
		return nil, err
	}
	if before.Status == session.StatusActive {
		s.metrics.SessionClosed("ended")
		s.companion.Release(sess.UserID)
	}
	return sess, nil
}
