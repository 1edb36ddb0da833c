package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

// adminRoutes registers operator endpoints (X-Admin-Secret auth).
func (s *Server) adminRoutes() {
	s.mux.HandleFunc("POST /api/admin/agents/{id}/grant", s.limit(s.handleAdminGrant))
	s.mux.HandleFunc("POST /api/admin/claims/{id}/reopen", s.limit(s.handleAdminReopen))
}

// adminAuth checks the X-Admin-Secret header against the server secret.
// Returns false (writing a 401) if the header is missing or incorrect, or
// no secret is configured.
func (s *Server) adminAuth(w http.ResponseWriter, r *http.Request) bool {
	got := r.Header.Get("X-Admin-Secret")
	if s.secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid admin secret")
		return false
	}
	return true
}

func (s *Server) handleAdminGrant(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}

	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	agentID := r.PathValue("id")
	balance, err := s.engine.Grant(r.Context(), agentID, req.Amount)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id": agentID,
		"balance":  balance,
	})
}

// handleAdminReopen restarts a flagged pipeline from its first layer.
func (s *Server) handleAdminReopen(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}
	p, err := s.engine.Reopen(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
