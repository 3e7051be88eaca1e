package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/eventcast/internal/campaign"
	"github.com/foxzi/eventcast/internal/config"
	"github.com/foxzi/eventcast/internal/metrics"
	"github.com/foxzi/eventcast/internal/ratelimit"
	"github.com/foxzi/eventcast/internal/sandbox"
)

// Version is reported by the health endpoint
var Version = "dev"

// Server is the HTTP trigger API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	campaigns  *campaign.Service
	sandbox    *sandbox.Storage
	limiter    *ratelimit.Limiter
	config     *config.APIConfig
	logger     *slog.Logger
	startTime  time.Time
	now        func() time.Time
}

// Option configures optional collaborators of the server
type Option func(*Server)

// WithSandbox exposes the sandbox capture store
func WithSandbox(storage *sandbox.Storage) Option {
	return func(s *Server) { s.sandbox = storage }
}

// WithLimiter exposes rate limit counters
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// NewServer creates a new API server
func NewServer(campaigns *campaign.Service, cfg *config.APIConfig, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		campaigns: campaigns,
		config:    cfg,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/worker/run", s.handleRunWorker)
		r.Post("/triggers/run", s.handleRunTriggers)

		r.Route("/events/{eventID}", func(r chi.Router) {
			r.Post("/jobs", s.handleEnqueue)
			r.Get("/jobs", s.handleListJobs)
			r.Get("/jobs/{jobID}", s.handleGetJob)
			r.Get("/jobs/{jobID}/deliveries", s.handleDeliveries)
			r.Post("/jobs/{jobID}/stop", s.handleStopJob)
			r.Post("/jobs/{jobID}/abort", s.handleAbortJob)

			r.Post("/segments/preview", s.handlePreviewSegment)

			r.Post("/automations", s.handleCreateAutomation)
			r.Post("/automations/{id}/toggle", s.handleToggleAutomation)
			r.Post("/followups", s.handleCreateFollowUp)
			r.Post("/followups/{id}/toggle", s.handleToggleFollowUp)

			r.Post("/abtests", s.handleSaveABTest)
			r.Get("/abtests/{id}", s.handleGetABTest)
			r.Post("/abtests/{id}/start", s.handleStartABTest)

			r.Post("/signals/{name}", s.handleSignal)
		})

		if s.sandbox != nil {
			r.Route("/sandbox", func(r chi.Router) {
				r.Get("/messages", s.handleSandboxList)
				r.Delete("/messages", s.handleSandboxClear)
				r.Get("/stats", s.handleSandboxStats)
			})
		}
		if s.limiter != nil {
			r.Get("/ratelimits/{level}/{key}", s.handleRateLimitStats)
		}
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
