// Package server provides the HTTP control surface for the controller.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aristath/yieldrouter/internal/database"
	"github.com/aristath/yieldrouter/internal/domain"
	"github.com/aristath/yieldrouter/internal/metrics"
	"github.com/aristath/yieldrouter/internal/modules/scanner"
	"github.com/aristath/yieldrouter/internal/scheduler"
	"github.com/shopspring/decimal"
)

// ControllerInterface is the control surface of the scheduled controller
type ControllerInterface interface {
	Start(ctx context.Context) error
	Stop()
	Running() bool
	RunOnce(ctx context.Context) ([]*domain.RebalanceExecution, error)
	Status() scheduler.Status
}

// PositionService lists and records positions
type PositionService interface {
	All(ctx context.Context) ([]domain.Position, error)
	Open(ctx context.Context, venue, token string, amount, apy decimal.Decimal) (domain.Position, error)
}

// ExecutionHistory reads the execution audit trail
type ExecutionHistory interface {
	RecentExecutions(ctx context.Context, limit int) ([]*domain.RebalanceExecution, error)
}

// CapitalPlanner proposes how to split idle capital
type CapitalPlanner interface {
	ProposeNewCapital(ctx context.Context, token string, amount decimal.Decimal) (map[string]decimal.Decimal, error)
}

// BreakerReporter exposes per-venue circuit breaker states
type BreakerReporter interface {
	BreakerStates() map[string]scanner.BreakerState
}

// Config holds server configuration
type Config struct {
	Log        zerolog.Logger
	DB         *database.DB
	DataDir    string
	Port       int
	DevMode    bool
	Controller ControllerInterface
	Positions  PositionService
	History    ExecutionHistory
	Planner    CapitalPlanner
	Breakers   BreakerReporter
	Metrics    *metrics.Collector
	// RunOnceInterval is the minimum spacing of manual run-once calls
	RunOnceInterval time.Duration
	// BaseContext parents the controller loop started over HTTP
	BaseContext context.Context
}

// Server represents the HTTP server
type Server struct {
	router         *chi.Mux
	server         *http.Server
	log            zerolog.Logger
	cfg            Config
	systemHandlers *SystemHandlers
	statusMonitor  *StatusMonitor
	runOnceLimiter *rate.Limiter
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.RunOnceInterval <= 0 {
		cfg.RunOnceInterval = 30 * time.Second
	}

	s := &Server{
		router:         chi.NewRouter(),
		log:            cfg.Log.With().Str("component", "server").Logger(),
		cfg:            cfg,
		systemHandlers: NewSystemHandlers(cfg.Log, cfg.DataDir, cfg.DB),
		runOnceLimiter: rate.NewLimiter(rate.Every(cfg.RunOnceInterval), 1),
	}
	s.statusMonitor = NewStatusMonitor(cfg.Controller, cfg.Breakers, cfg.Log)

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// Prometheus request metrics
	s.router.Use(s.cfg.Metrics.InstrumentHandler)

	// Timeout
	s.router.Use(middleware.Timeout(90 * time.Second))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Compress responses
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", s.cfg.Metrics.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/system", s.systemHandlers.HandleSystemStats)

		r.Route("/controller", func(r chi.Router) {
			r.Post("/start", s.handleStart)
			r.Post("/stop", s.handleStop)
			r.Post("/run-once", s.handleRunOnce)
		})

		r.Get("/positions", s.handleListPositions)
		r.Post("/positions", s.handleOpenPosition)
		r.Get("/executions", s.handleListExecutions)
		r.Get("/allocations/new-capital", s.handleNewCapital)
	})
}

// Start starts the HTTP server and the status monitor
func (s *Server) Start() error {
	s.statusMonitor.Start(s.cfg.BaseContext, time.Minute)

	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
