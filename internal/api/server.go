package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/trialguard/internal/domain"
	"github.com/opensource-finance/trialguard/internal/metrics"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server. metricsPath mounts the Prometheus
// handler; pass "" to leave it out.
func NewServer(cfg domain.ServerConfig, deps Deps, metricsPath string) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware(handler.Logger))
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware(handler.Logger))
	router.Use(middleware.RealIP)
	router.Use(metrics.Middleware)

	// Ops endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if metricsPath != "" {
		router.Handle(metricsPath, metrics.Handler())
	}

	router.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Upgraded connections stay outside the compressor.
		r.Get("/stream", handler.Stream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Compress(5))

			r.Post("/events", handler.IngestEvent)
			r.Post("/events/batch", handler.IngestBatch)

			r.Get("/decisions", handler.ListFeed)
			r.Get("/decisions/{id}", handler.GetDecision)

			r.Get("/accounts/{id}", handler.GetAccount)
			r.Get("/accounts/{id}/decisions", handler.ListAccountDecisions)

			r.Get("/config", handler.GetConfig)
			r.Put("/config", handler.PutConfig)

			r.Get("/summary", handler.GetSummary)
		})
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       time.Duration(s.config.ReadTimeout) * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:       120 * time.Second,
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

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
