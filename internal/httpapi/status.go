package httpapi

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type statusCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type statusResponse struct {
	PersonaLocale     string        `json:"persona_locale"`
	CompletionAdapter string        `json:"completion_adapter"`
	CompletionModel   string        `json:"completion_model"`
	MemoryBackend     string        `json:"memory_backend"`
	RedactPII         bool          `json:"redact_pii"`
	ActiveSessions    int           `json:"active_sessions"`
	Checks            []statusCheck `json:"checks"`
}

// handleStatus reports how the service is wired and whether the completion
// endpoint accepts connections.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	checks := make([]statusCheck, 0, 4)
	checks = append(checks, s.completionChecks()...)
	checks = append(checks, s.memoryCheck())

	respondJSON(w, http.StatusOK, statusResponse{
		PersonaLocale:     s.cfg.PersonaLocale,
		CompletionAdapter: s.info.CompletionAdapter,
		CompletionModel:   s.cfg.CompletionModel,
		MemoryBackend:     s.info.StoreBackend,
		RedactPII:         s.cfg.MemoryRedactPII,
		ActiveSessions:    s.sessions.ActiveCount(),
		Checks:            checks,
	})
}

func (s *Server) completionChecks() []statusCheck {
	adapter := s.info.CompletionAdapter
	if adapter == "mock" {
		return []statusCheck{{
			ID:     "completion_adapter",
			Status: "warn",
			Label:  "Completion service",
			Detail: "mock replies only; emotions fall back to neutral",
			Fix:    "Set COMPLETION_ADAPTER_MODE=generate and run `ollama serve`.",
		}}
	}

	checks := make([]statusCheck, 0, 2)
	check := func(id, label, raw string) {
		if strings.TrimSpace(raw) == "" {
			return
		}
		if err := dialCheck(raw); err != nil {
			checks = append(checks, statusCheck{
				ID:     id,
				Status: "error",
				Label:  label,
				Detail: fmt.Sprintf("%s unreachable: %v", raw, err),
				Fix:    "Start the model server (e.g. `ollama serve`) and pull " + s.cfg.CompletionModel + ".",
			})
			return
		}
		checks = append(checks, statusCheck{ID: id, Status: "ok", Label: label, Detail: raw})
	}
	if strings.Contains(adapter, "openai") {
		check("completion_openai", "OpenAI-compatible endpoint", s.cfg.CompletionOpenAIBaseURL)
	}
	if strings.Contains(adapter, "generate") {
		check("completion_generate", "Generate endpoint", s.cfg.CompletionGenerateURL)
	}
	return checks
}

func (s *Server) memoryCheck() statusCheck {
	switch s.info.StoreBackend {
	case "memory":
		return statusCheck{
			ID:     "memory_backend",
			Status: "warn",
			Label:  "Memory persistence",
			Detail: "in-memory only",
			Fix:    "Set MEMORY_BACKEND=file, sqlite or postgres to keep memories across restarts.",
		}
	case "":
		return statusCheck{ID: "memory_backend", Status: "error", Label: "Memory persistence", Detail: "not configured"}
	default:
		return statusCheck{ID: "memory_backend", Status: "ok", Label: "Memory persistence", Detail: s.info.StoreBackend}
	}
}

func dialCheck(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	host := strings.TrimSpace(u.Host)
	if host == "" {
		return fmt.Errorf("host missing")
	}
	addr := host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}
	c, err := net.DialTimeout("tcp", addr, 250*time.Millisecond)
	if err != nil {
		return err
	}
	_ = c.Close()
	return nil
}
