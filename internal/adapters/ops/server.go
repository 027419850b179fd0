// Package ops provides the operational HTTP server.
package ops

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/jobrunner/canopy/internal/adapters/metrics"
	"github.com/jobrunner/canopy/internal/config"
	"github.com/jobrunner/canopy/internal/ports/input"
)

// Server wraps the HTTP server with the operational handlers.
type Server struct {
	server     *http.Server
	router     *mux.Router
	health     input.HealthChecker
	cache      input.CacheStatsProvider
	collector  *metrics.Collector
	logger     *slog.Logger
	config     config.ServerConfig
	metricsCfg config.MetricsConfig
}

// NewServer creates a new operational HTTP server. The collector may be nil,
// in which case no metrics endpoint is exposed.
func NewServer(
	cfg config.ServerConfig,
	metricsCfg config.MetricsConfig,
	health input.HealthChecker,
	cache input.CacheStatsProvider,
	collector *metrics.Collector,
	logger *slog.Logger,
) *Server {
	s := &Server{
		health:     health,
		cache:      cache,
		collector:  collector,
		logger:     logger,
		config:     cfg,
		metricsCfg: metricsCfg,
	}

	s.router = s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	// Add middleware
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	// Add CORS middleware if configured
	if s.config.CORS.Enabled() {
		r.Use(s.corsMiddleware)
	}

	// Metrics endpoint (only if a collector is wired)
	if s.collector != nil && s.metricsCfg.Enabled {
		r.Use(s.collector.Middleware)
		r.Handle(s.metricsCfg.Path, metrics.Handler()).Methods(http.MethodGet)
	}

	// Health endpoints
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/live", s.handleLiveness).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReadiness).Methods(http.MethodGet)

	// API v1
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/cache/stats", s.handleCacheStats).Methods(http.MethodGet)

	return r
}

// Router returns the mux router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting ops HTTP server", "address", s.config.Address())
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down ops HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs incoming requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered", "error", err, "path", r.URL.Path)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
