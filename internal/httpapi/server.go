package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/xiaonuan/internal/companion"
	"github.com/ent0n29/xiaonuan/internal/config"
	"github.com/ent0n29/xiaonuan/internal/memory"
	"github.com/ent0n29/xiaonuan/internal/observability"
	"github.com/ent0n29/xiaonuan/internal/session"
)

// Companion is the conversation backend the API drives.
type Companion interface {
	Greeting(ctx context.Context, userID string) (string, companion.State, error)
	Process(ctx context.Context, userID, text string) (companion.Reply, error)
	Memory(ctx context.Context, userID string) (companion.MemoryView, error)
	UpdateProfile(ctx context.Context, userID, name, age string, interests []string) error
	SetPreference(ctx context.Context, userID, key, value string) error
	// Acquire and Release bracket a session so its processor stays cached.
	Acquire(userID string)
	Release(userID string)
}

// Info describes how the running service was assembled.
type Info struct {
	CompletionAdapter string
	StoreBackend      string
}

type Server struct {
	cfg       config.Config
	sessions  *session.Manager
	companion Companion
	metrics   *observability.Metrics
	info      Info
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, c Companion, metrics *observability.Metrics, info Info) *Server {
	return &Server{
		cfg:       cfg,
		sessions:  sessions,
		companion: c,
		metrics:   metrics,
		info:      info,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only connect from the same origin unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/chat/session", s.handleCreateSession)
	r.Get("/v1/chat/session/ws", s.handleSessionWS)
	r.Get("/v1/chat/session/{id}", s.handleGetSession)
	r.Post("/v1/chat/session/{id}/turn", s.handleTurn)
	r.Post("/v1/chat/session/{id}/end", s.handleEndSession)

	r.Get("/v1/users/{userID}/memory", s.handleGetMemory)
	r.Put("/v1/users/{userID}/profile", s.handleUpdateProfile)
	r.Put("/v1/users/{userID}/preferences/{key}", s.handleSetPreference)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"completion_adapter": s.info.CompletionAdapter,
		"memory_backend":     s.info.StoreBackend,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.companion == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "companion not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondDomainError maps session, companion and memory errors to statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, session.ErrEnded):
		respondError(w, http.StatusConflict, "session_ended", err.Error())
	case errors.Is(err, session.ErrTurnRunning):
		respondError(w, http.StatusConflict, "turn_in_progress", err.Error())
	case errors.Is(err, session.ErrInvalidUser), errors.Is(err, companion.ErrInvalidUser):
		respondError(w, http.StatusBadRequest, "invalid_user_id", err.Error())
	case errors.Is(err, memory.ErrCorrupt):
		log.Printf("corrupted memory: %v", err)
		respondError(w, http.StatusInternalServerError, "memory_corrupt", "stored memory for this user is unreadable")
	default:
		log.Printf("request failed: %v", err)
		respondError(w, http.StatusInternalServerError, "memory_unavailable", "memory could not be read or saved")
	}
}
