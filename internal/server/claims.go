package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ssd-technologies/prism/internal/pipeline"
)

func (s *Server) handleListProtocols(w http.ResponseWriter, r *http.Request) {
	protos, err := s.catalog.List(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"protocols": protos})
}

func (s *Server) handleGetProtocol(w http.ResponseWriter, r *http.Request) {
	p, err := s.catalog.GetByName(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleInitPipeline starts the pipeline for a claim. The body is optional;
// an existing pipeline is returned with 200 instead of 201.
func (s *Server) handleInitPipeline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title    string `json:"title"`
		Body     string `json:"body"`
		Domain   string `json:"domain"`
		Protocol string `json:"protocol"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	res, err := s.engine.InitPipeline(r.Context(), pipeline.ClaimInput{
		ID:     r.PathValue("id"),
		Title:  req.Title,
		Body:   req.Body,
		Domain: req.Domain,
	}, req.Protocol)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *Server) handlePipelineState(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.State(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
