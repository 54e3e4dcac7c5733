package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

type profileRequest struct {
	Name      string   `json:"name"`
	Age       string   `json:"age"`
	Interests []string `json:"interests"`
}

type preferenceRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	view, err := s.companion.Memory(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// handleUpdateProfile overwrites name, age and interests. A name is required
// so that a completed onboarding cannot be undone through the API.
func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req profileRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "body must be a profile object")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "invalid_profile", "name is required")
		return
	}
	interests := make([]string, 0, len(req.Interests))
	for _, in := range req.Interests {
		if in = strings.TrimSpace(in); in != "" {
			interests = append(interests, in)
		}
	}

	if err := s.companion.UpdateProfile(r.Context(), userID, req.Name, strings.TrimSpace(req.Age), interests); err != nil {
		respondDomainError(w, err)
		return
	}
	s.handleGetMemory(w, r)
}

func (s *Server) handleSetPreference(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	key := strings.TrimSpace(chi.URLParam(r, "key"))
	var req preferenceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "body must be {\"value\": \"...\"}")
		return
	}
	if key == "" {
		respondError(w, http.StatusBadRequest, "invalid_preference", "preference key is required")
		return
	}
	if err := s.companion.SetPreference(r.Context(), userID, key, req.Value); err != nil {
		respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
