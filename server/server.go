// Package server is the thin HTTP layer over the pipeline operations.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"videorag/core"
	"videorag/processors"
)

type Server struct {
	pipeline *processors.Pipeline
	logger   *zap.Logger
}

func New(pipeline *processors.Pipeline, logger *zap.Logger) *Server {
	return &Server{pipeline: pipeline, logger: logger}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Post("/query", s.handleGlobalQuery)
	r.Route("/videos", func(r chi.Router) {
		r.Get("/", s.handleListVideos)
		r.Post("/", s.handleIndexVideo)
		r.Post("/analyze", s.handleAnalyzeAndIndex)
		r.Route("/{videoID}", func(r chi.Router) {
			r.Get("/", s.handleGetVideo)
			r.Delete("/", s.handleDeleteVideo)
			r.Post("/query", s.handleVideoQuery)
		})
	})
	return r
}

type indexRequest struct {
	SourceURI string               `json:"source_uri"`
	Title     string               `json:"title"`
	Analysis  *core.AnalysisResult `json:"analysis"`
}

type analyzeRequest struct {
	SourceURI string          `json:"source_uri"`
	Title     string          `json:"title"`
	Frames    []core.FrameRef `json:"frames"`
}

type queryRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ready"
	code := http.StatusOK
	if !s.pipeline.Ready() {
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]string{"status": status})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.pipeline.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleIndexVideo(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	result, err := s.pipeline.IndexVideo(r.Context(), req.SourceURI, req.Title, req.Analysis)
	if err != nil {
		s.writeJSON(w, statusFor(err), result)
		return
	}
	s.writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleAnalyzeAndIndex(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	result, err := s.pipeline.IndexVideoFromFrames(r.Context(), req.SourceURI, req.Title, req.Frames)
	if err != nil {
		s.writeJSON(w, statusFor(err), result)
		return
	}
	s.writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleListVideos(w http.ResponseWriter, r *http.Request) {
	videos, err := s.pipeline.ListVideos(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if videos == nil {
		videos = []core.VideoRecord{}
	}
	s.writeJSON(w, http.StatusOK, videos)
}

func (s *Server) handleGetVideo(w http.ResponseWriter, r *http.Request) {
	video, err := s.pipeline.GetVideo(r.Context(), chi.URLParam(r, "videoID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, video)
}

func (s *Server) handleDeleteVideo(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.DeleteVideo(r.Context(), chi.URLParam(r, "videoID")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleVideoQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
		return
	}
	resp, err := s.pipeline.Answer(r.Context(), chi.URLParam(r, "videoID"), req.Query, req.TopK)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGlobalQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
		return
	}
	resp, err := s.pipeline.GlobalSearch(r.Context(), req.Query, req.TopK)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.logger.Warn("request failed", zap.Error(err))
	s.writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", zap.Error(err))
	}
}
