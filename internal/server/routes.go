package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/cogmem/internal/engine"
	"github.com/lazypower/cogmem/internal/learning"
)

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleConsistency(w http.ResponseWriter, r *http.Request) {
	c, err := s.engine.CheckConsistency()
	resp := map[string]any{"ok": c.OK() && err == nil, "report": c}
	if err != nil {
		resp["graphError"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAddDocument(w http.ResponseWriter, r *http.Request) {
	var doc engine.Document
	if !decode(w, r, &doc) {
		return
	}
	id, err := s.engine.AddDocument(r.Context(), doc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	node := s.engine.GetDocument(chi.URLParam(r, "id"))
	if node == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "document not found"})
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteDocument(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req engine.SearchRequest
	if !decode(w, r, &req) {
		return
	}
	results, err := s.engine.Search(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "topic required"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	report, err := s.engine.Report(r.Context(), topic, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if report == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Write([]byte(report))
}

func (s *Server) handleGraphQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query  string         `json:"query"`
		Params map[string]any `json:"params"`
	}
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.GraphQuery(r.Context(), req.Query, req.Params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type       string         `json:"type"`
		Properties map[string]any `json:"properties"`
	}
	if !decode(w, r, &req) {
		return
	}
	id, err := s.engine.CreateNode(req.Type, req.Properties)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleAddRelationship(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From          string         `json:"from"`
		To            string         `json:"to"`
		Type          string         `json:"type"`
		Properties    map[string]any `json:"properties"`
		Bidirectional bool           `json:"bidirectional"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Bidirectional {
		ids, err := s.engine.Link(req.From, req.To, req.Type, req.Properties)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"ids": ids})
		return
	}
	id, err := s.engine.AddRelationship(req.From, req.To, req.Type, req.Properties)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleBeginTrajectory(w http.ResponseWriter, r *http.Request) {
	id, err := s.engine.BeginTrajectory()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleRecordStep(w http.ResponseWriter, r *http.Request) {
	var step learning.Step
	if !decode(w, r, &step) {
		return
	}
	if err := s.engine.RecordStep(chi.URLParam(r, "id"), step); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
}

func (s *Server) handleEndTrajectory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reward *float64 `json:"reward"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Reward == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "reward required"})
		return
	}
	if err := s.engine.EndTrajectory(chi.URLParam(r, "id"), *req.Reward); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	res, err := s.engine.Tick(r.Context(), force)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLearningStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.LearningStats()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
