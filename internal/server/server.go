package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lazypower/cogmem/internal/engine"
	"github.com/lazypower/cogmem/internal/logger"
	"github.com/lazypower/cogmem/internal/memerr"
)

// Server is the cogmem HTTP API server.
type Server struct {
	engine  *engine.Engine
	router  chi.Router
	version string
	started time.Time
	logger  *slog.Logger
}

// New creates a new Server over the given engine and version string.
func New(e *engine.Engine, version string, log *slog.Logger) *Server {
	s := &Server{
		engine:  e,
		version: version,
		started: time.Now(),
		logger:  logger.OrNop(log).With("component", "server"),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)
		r.Get("/consistency", s.handleConsistency)

		r.Post("/documents", s.handleAddDocument)
		r.Get("/documents/{id}", s.handleGetDocument)
		r.Delete("/documents/{id}", s.handleDeleteDocument)
		r.Post("/search", s.handleSearch)
		r.Get("/report", s.handleReport)

		r.Post("/graph/query", s.handleGraphQuery)
		r.Post("/graph/nodes", s.handleCreateNode)
		r.Post("/relationships", s.handleAddRelationship)

		r.Post("/trajectories", s.handleBeginTrajectory)
		r.Post("/trajectories/{id}/steps", s.handleRecordStep)
		r.Post("/trajectories/{id}/end", s.handleEndTrajectory)
		r.Post("/learning/tick", s.handleTick)
		r.Get("/learning/stats", s.handleLearningStats)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"uptime":         time.Since(s.started).Seconds(),
		"vectorReadOnly": st.Vector.ReadOnly,
		"graphReadOnly":  st.Graph.ReadOnly,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, memerr.ErrValidation), errors.Is(err, memerr.ErrQuerySyntax):
		return http.StatusBadRequest
	case errors.Is(err, memerr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, memerr.ErrConcurrencyConflict), errors.Is(err, memerr.ErrCapacity):
		return http.StatusConflict
	case errors.Is(err, memerr.ErrStorageCorruption), errors.Is(err, memerr.ErrReadOnly):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := map[string]any{"error": err.Error()}
	var se *memerr.QuerySyntaxError
	if errors.As(err, &se) {
		body["position"] = se.Pos
	}
	if status == http.StatusConflict {
		w.Header().Set("Retry-After", "1")
	}
	if status >= 500 {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, body)
}

// decode reads a JSON body into v, answering 400 itself on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	return true
}
