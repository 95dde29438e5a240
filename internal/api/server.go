// Package api exposes the HTTP interface for the canon crawler service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sagastream/canon-crawler/internal/metrics"
	"github.com/sagastream/canon-crawler/internal/prefetch"
	"github.com/sagastream/canon-crawler/internal/service"
	"github.com/sagastream/canon-crawler/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	requestTimeout   = 60 * time.Second
)

// Server wires HTTP handlers to the service facade.
type Server struct {
	router chi.Router
	svc    *service.Service
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc *service.Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{svc: svc, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metricsMiddleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/wiki", func(r chi.Router) {
			r.Get("/image", s.image)
			r.Route("/{universe}", func(r chi.Router) {
				r.Get("/canon", s.canon)
				r.Get("/summary", s.summary)
				r.Get("/category/{bucket}", s.category)
				r.Get("/search", s.search)
				r.Get("/stats", s.stats)
				r.Post("/refresh", s.refresh)
			})
		})
		r.Route("/prefetch", func(r chi.Router) {
			r.Post("/start", s.prefetchStart)
			r.Get("/progress", s.prefetchProgress)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.svc == nil {
		writeError(w, http.StatusServiceUnavailable, "service not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) canon(w http.ResponseWriter, r *http.Request) {
	universe := chi.URLParam(r, "universe")
	q := r.URL.Query()
	depth := 0
	if d := q.Get("depth"); d != "" {
		val, err := strconv.Atoi(d)
		if err != nil || val <= 0 {
			writeError(w, http.StatusBadRequest, "invalid depth")
			return
		}
		depth = val
	}
	force := q.Get("force_refresh") == "true"

	data, err := s.svc.CategorizedData(r.Context(), universe, depth, force)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	total := 0
	for _, titles := range data {
		total += len(titles)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"universe":       universe,
		"total_articles": total,
		"categories":     data,
	})
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.svc.Summary(r.Context(), chi.URLParam(r, "universe"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) category(w http.ResponseWriter, r *http.Request) {
	universe := chi.URLParam(r, "universe")
	bucket := chi.URLParam(r, "bucket")
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	search := strings.TrimSpace(r.URL.Query().Get("search"))

	rows, err := s.svc.Category(r.Context(), universe, bucket, limit, offset, search)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"universe": universe,
		"bucket":   bucket,
		"count":    len(rows),
		"articles": toArticleDTOs(rows),
	})
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	universe := chi.URLParam(r, "universe")
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit, _, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := s.svc.Search(r.Context(), universe, query, q.Get("bucket"), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"universe": universe,
		"query":    query,
		"count":    len(rows),
		"articles": toArticleDTOs(rows),
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context(), chi.URLParam(r, "universe"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	universe := chi.URLParam(r, "universe")
	if err := s.svc.ForceRefresh(r.Context(), universe); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"universe": universe,
		"status":   "caches invalidated",
	})
}

// image proxies a cached wiki image by URL, downloading on a miss.
func (s *Server) image(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	res, err := s.svc.Image(r.Context(), url)
	if err != nil {
		writeError(w, http.StatusNotFound, "image unavailable")
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(res.Content))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Content); err != nil {
		s.logger.Warn("image write failed", zap.Error(err))
	}
}

type prefetchStartRequest struct {
	Universe string `json:"universe"`
}

func (s *Server) prefetchStart(w http.ResponseWriter, r *http.Request) {
	var req prefetchStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Universe == "" {
		writeError(w, http.StatusBadRequest, "universe is required")
		return
	}
	runID, err := s.svc.StartPrefetch(req.Universe)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id":   runID.String(),
		"universe": req.Universe,
		"status":   "started",
	})
}

func (s *Server) prefetchProgress(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Progress())
}

// writeServiceError maps service and prefetch sentinels onto HTTP codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrUnknownUniverse) || errors.Is(err, prefetch.ErrUnknownUniverse):
		writeError(w, http.StatusNotFound, "unknown universe")
	case errors.Is(err, service.ErrUnknownBucket):
		writeError(w, http.StatusNotFound, "unknown bucket")
	case errors.Is(err, service.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "categorized data unavailable, run a prefetch")
	case errors.Is(err, prefetch.ErrRunActive):
		writeError(w, http.StatusConflict, "a prefetch run is already active")
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		metrics.ObserveHTTPRequest(r.Method, route, ww.status, time.Since(start))
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

type articleDTO struct {
	Title       string `json:"title"`
	Bucket      string `json:"bucket"`
	ImageURL    string `json:"image_url,omitempty"`
	ImageCached bool   `json:"image_cached"`
	SourceURL   string `json:"source_url,omitempty"`
}

func toArticleDTOs(in []store.Article) []articleDTO {
	out := make([]articleDTO, 0, len(in))
	for _, a := range in {
		out = append(out, articleDTO{
			Title:       a.Title,
			Bucket:      a.Bucket,
			ImageURL:    a.ImageURL,
			ImageCached: a.ImageCached,
			SourceURL:   a.SourceURL,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
