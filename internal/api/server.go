// Package api serves the operations HTTP surface of the subsidy engine:
// health, readiness, snapshot inspection and Prometheus metrics.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/subsidy/internal/domain"
	"github.com/opensource-finance/subsidy/internal/logger"
)

// Server represents the ops HTTP server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new ops server around handler.
func NewServer(cfg domain.ServerConfig, handler *Handler, log *slog.Logger) *Server {
	log = logger.OrDefault(log)
	router := chi.NewRouter()

	router.Use(RecoverMiddleware(log))
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware(log))
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Get("/snapshot", handler.Snapshot)
	router.Post("/snapshot/refresh", handler.RefreshSnapshot)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Addr is the listen address built from the config.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// Start serves until Shutdown. It returns http.ErrServerClosed after a
// graceful shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
