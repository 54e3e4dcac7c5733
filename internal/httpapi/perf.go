package httpapi

import "net/http"

// handlePerfLatency serves the rolling per-stage turn latency window.
func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("reset") == "1" {
		s.metrics.ResetTurnStages()
	}
	respondJSON(w, http.StatusOK, s.metrics.SnapshotTurnStages())
}
