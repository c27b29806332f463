package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/argos-intel/argos/api"
	"github.com/argos-intel/argos/internal/orchestrator"
	"github.com/argos-intel/argos/internal/ratelimit"
	"github.com/argos-intel/argos/internal/storage"
)

// Server is the Argos HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Config holds all dependencies and settings for creating a Server.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Store        storage.RequestStore
	Logger       *slog.Logger

	// Limiter bounds submission throughput per client IP. Nil disables
	// rate limiting.
	Limiter ratelimit.Limiter

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		Orchestrator: cfg.Orchestrator,
		Store:        cfg.Store,
		Logger:       cfg.Logger,
		Version:      cfg.Version,
		OpenAPISpec:  api.OpenAPISpec,
	})

	// Submissions are the only unbounded write path; everything else reads
	// or touches a single record.
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	submitRL := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc, func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	})

	mux := http.NewServeMux()

	// Request lifecycle.
	mux.Handle("POST /v1/requests", submitRL(http.HandlerFunc(h.HandleSubmit)))
	mux.HandleFunc("GET /v1/requests/{id}", h.HandleStatus)
	mux.HandleFunc("GET /v1/requests/{id}/result", h.HandleResult)
	mux.HandleFunc("POST /v1/requests/{id}/cancel", h.HandleCancel)

	// Operations.
	mux.HandleFunc("GET /v1/deadletters", h.HandleDeadLetters)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
