package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ssd-technologies/prism/internal/pipeline"
)

const headerAgentID = "X-Agent-ID"

// agentRoutes registers the endpoints agents use to find, take and complete
// slots.
func (s *Server) agentRoutes() {
	s.mux.HandleFunc("GET /api/slots/next", s.limit(s.handleNextSlot))
	s.mux.HandleFunc("POST /api/slots/{id}/take", s.limit(s.handleTakeSlot))
	s.mux.HandleFunc("POST /api/slots/{id}/complete", s.limit(s.handleCompleteSlot))
	s.mux.HandleFunc("POST /api/agents/release", s.limit(s.handleReleaseSlots))
	s.mux.HandleFunc("GET /api/agents/balance", s.limit(s.handleBalance))
}

// agentAuth reads the agent identity from X-Agent-ID and applies the initial
// grant on first sight. On failure it writes the error and returns false.
func (s *Server) agentAuth(w http.ResponseWriter, r *http.Request) (string, bool) {
	agentID := r.Header.Get(headerAgentID)
	if agentID == "" {
		writeError(w, http.StatusUnauthorized, "missing X-Agent-ID header")
		return "", false
	}
	if _, err := s.engine.EnsureAgent(r.Context(), agentID); err != nil {
		s.writeEngineError(w, r, err)
		return "", false
	}
	return agentID, true
}

// handleNextSlot returns the next open slot the agent may take, or 204 when
// there is none.
func (s *Server) handleNextSlot(w http.ResponseWriter, r *http.Request) {
	agentID, ok := s.agentAuth(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	f := pipeline.SlotFilter{
		Role:           q.Get("role"),
		SlotType:       q.Get("slot_type"),
		ExcludingAgent: agentID,
	}
	if v := q.Get("layer"); v != "" {
		layer, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "layer must be an integer")
			return
		}
		f.Layer = &layer
	}

	next, err := s.engine.FindNextOpenSlot(r.Context(), f)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if next == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func (s *Server) handleTakeSlot(w http.ResponseWriter, r *http.Request) {
	agentID, ok := s.agentAuth(w, r)
	if !ok {
		return
	}
	res, err := s.engine.TakeSlot(r.Context(), r.PathValue("id"), agentID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCompleteSlot(w http.ResponseWriter, r *http.Request) {
	agentID, ok := s.agentAuth(w, r)
	if !ok {
		return
	}

	var req struct {
		Output           string          `json:"output"`
		StructuredOutput json.RawMessage `json:"structured_output"`
		Confidence       *float64        `json:"confidence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	res, err := s.engine.CompleteSlot(r.Context(), r.PathValue("id"), agentID, pipeline.CompleteInput{
		Output:           req.Output,
		StructuredOutput: req.StructuredOutput,
		Confidence:       req.Confidence,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReleaseSlots(w http.ResponseWriter, r *http.Request) {
	agentID, ok := s.agentAuth(w, r)
	if !ok {
		return
	}
	res, err := s.engine.ReleaseStaleSlots(r.Context(), agentID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	agentID, ok := s.agentAuth(w, r)
	if !ok {
		return
	}
	balance, err := s.engine.Balance(r.Context(), agentID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id": agentID,
		"balance":  balance,
	})
}
