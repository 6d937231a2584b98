package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/riskscore/internal/domain"
	"github.com/opensource-finance/riskscore/internal/metrics"
	"github.com/opensource-finance/riskscore/internal/service"
)

// Dependencies are the collaborators of the HTTP API. Only Service is required.
type Dependencies struct {
	Service    *service.RiskService
	Repository domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	RateLimit  domain.RateLimitConfig
	Version    string
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	limiter *RateLimiter
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	handler := NewHandler(deps.Service, deps.Repository, deps.Cache, deps.Bus, logger, deps.Version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)                  // CORS for browser clients
	router.Use(RecoverMiddleware(logger))       // Recover from panics
	router.Use(TracingMiddleware)               // OpenTelemetry tracing
	router.Use(LoggingMiddleware(logger))       // Request logging
	router.Use(MetricsMiddleware(deps.Metrics)) // Prometheus request metrics
	router.Use(middleware.RealIP)               // Extract real IP
	router.Use(middleware.Compress(5))          // Gzip compression

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	// Operational endpoints are never throttled
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", deps.Metrics.Handler())

	var limiter *RateLimiter
	if deps.RateLimit.Enabled {
		limiter = NewRateLimiter(deps.RateLimit)
	}

	router.Group(func(r chi.Router) {
		if limiter != nil {
			r.Use(limiter.Middleware)
		}

		r.Post("/customers", handler.CreateCustomer)
		r.Get("/customers/{id}", handler.GetCustomer)

		// Routes of the first release
		r.Post("/customer/add", handler.CreateCustomer)
		r.Get("/customer/{id}", handler.GetCustomer)

		r.Route("/risk", func(r chi.Router) {
			r.Post("/score", handler.Score)
			r.Post("/explain", handler.Explain)
			r.Get("/config", handler.GetConfig)
			r.Put("/config", handler.PutConfig)
			r.Post("/config/reload", handler.ReloadConfig)
			r.Get("/{customerID}", handler.ListScores)
		})

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", handler.ListRules)
			r.Post("/", handler.CreateRule)
			r.Post("/reload", handler.ReloadRules)
			r.Delete("/{id}", handler.DeleteRule)
		})
	})

	return &Server{
		router:  router,
		handler: handler,
		limiter: limiter,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
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

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
