// Package api provides HTTP server setup and handlers for the export
// service.
//
// Dependencies:
//   - github.com/go-chi/chi/v5: HTTP router
//   - github.com/prometheus/client_golang: Prometheus metrics
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server wraps the chi router and route registration.
type Server struct {
	router *chi.Mux
	logger *zap.Logger
}

// Config holds server configuration.
type Config struct {
	Logger *zap.Logger
}

// NewServer creates a router with the standard middleware stack plus the
// health and metrics endpoints.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	s := &Server{
		router: r,
		logger: logger,
	}

	r.Get("/health", healthHandler)
	r.Handle("/metrics", promhttp.Handler())

	return s
}

// RegisterExportRoutes wires the export job endpoints.
func (s *Server) RegisterExportRoutes(exports *ExportsHandler, download *DownloadHandler) {
	s.router.Route("/exports", func(r chi.Router) {
		r.Post("/csv", exports.Initiate)
		r.Get("/", exports.List)
		r.Route("/{exportID}", func(r chi.Router) {
			r.Get("/status", exports.Status)
			r.Get("/download", download.Download)
			r.Delete("/", exports.Cancel)
		})
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// requestLogger emits one structured log line per request.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
