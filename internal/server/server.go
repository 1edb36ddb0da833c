// Package server exposes the pipeline engine over HTTP.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ssd-technologies/prism/internal/events"
	"github.com/ssd-technologies/prism/internal/metrics"
	"github.com/ssd-technologies/prism/internal/pipeline"
	"github.com/ssd-technologies/prism/internal/protocol"
	"github.com/ssd-technologies/prism/internal/ratelimit"
	"github.com/ssd-technologies/prism/internal/storage"
)

// Options configures a Server.
type Options struct {
	// AdminSecret guards the /api/admin routes. Empty disables them.
	AdminSecret string
	// RateLimit is the number of requests per minute allowed for each agent
	// (or client IP when no agent is named).
	RateLimit int
}

// Server is the HTTP API for agents and operators.
type Server struct {
	db      *storage.DB
	engine  *pipeline.Engine
	catalog *protocol.Catalog
	hub     *events.Hub
	metrics *metrics.Metrics
	secret  string
	limiter *ratelimit.Keyed
	log     *zap.Logger
	mux     *http.ServeMux
}

// New creates a Server with all routes registered. hub and m may be nil, in
// which case /api/events and /metrics are not served.
func New(db *storage.DB, engine *pipeline.Engine, catalog *protocol.Catalog, hub *events.Hub, m *metrics.Metrics, opts Options, logger *zap.Logger) *Server {
	if opts.RateLimit <= 0 {
		opts.RateLimit = 120
	}
	s := &Server{
		db:      db,
		engine:  engine,
		catalog: catalog,
		hub:     hub,
		metrics: m,
		secret:  opts.AdminSecret,
		limiter: ratelimit.NewKeyed(opts.RateLimit, time.Minute),
		log:     logger,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// routes registers all HTTP routes on the server mux.
func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// Protocols
	s.mux.HandleFunc("GET /api/protocols", s.limit(s.handleListProtocols))
	s.mux.HandleFunc("GET /api/protocols/{name}", s.limit(s.handleGetProtocol))

	// Claims
	s.mux.HandleFunc("POST /api/claims/{id}/pipeline", s.limit(s.handleInitPipeline))
	s.mux.HandleFunc("GET /api/claims/{id}/pipeline", s.limit(s.handlePipelineState))

	s.agentRoutes()
	s.adminRoutes()

	if s.hub != nil {
		s.mux.HandleFunc("GET /api/events", s.hub.HandleWebSocket())
	}
}

// handleHealth reports whether the database is reachable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.log.Error("health check", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "unavailable",
			"service": "prism",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "prism",
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
