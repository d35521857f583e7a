package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"stagegate/internal/engine"
	"stagegate/internal/pipeline"
	"stagegate/internal/run"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	// HTTP server timeouts
	HTTPReadTimeout  = 10 * time.Second
	HTTPWriteTimeout = 10 * time.Second
	HTTPIdleTimeout  = 60 * time.Second

	// Request timeout for middleware
	RequestTimeout = 60 * time.Second

	// Rate limiting - requests per minute
	GlobalRateLimit = 60 // Global rate limit per minute
	SubmitRateLimit = 10 // Run-submission rate limit per minute
)

// Server represents the HTTP control surface
type Server struct {
	Registry *pipeline.Registry
	Store    *run.Store
	Engine   *engine.Engine
	Logger   *slog.Logger
	Secret   string
	TestMode bool
}

// NewServer creates a new server instance
func NewServer(registry *pipeline.Registry, store *run.Store, eng *engine.Engine, secret string, logger *slog.Logger, testMode bool) *Server {
	return &Server{
		Registry: registry,
		Store:    store,
		Engine:   eng,
		Logger:   logger,
		Secret:   secret,
		TestMode: testMode,
	}
}

// Router creates and configures the HTTP router
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(RequestTimeout))

	// Logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				s.Logger.Info("http_request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration_ms", time.Since(start).Milliseconds())
			}()

			next.ServeHTTP(ww, r)
		})
	})

	// Rate limiting middleware (only if not in test mode)
	if !s.TestMode {
		r.Use(NewRateLimitMiddleware(GlobalRateLimit, s.Logger))
	}

	// Routes
	r.Get("/health", s.HandleHealth)
	r.Get("/runs/{runID}", s.HandleGetRun)
	r.Get("/pipelines/{pipelineName}/runs", s.HandleListRuns)
	r.Post("/runs/{runID}/approve", s.HandleApprove)
	r.Post("/runs/{runID}/cancel", s.HandleCancel)

	// Run submission with stricter rate limit
	if !s.TestMode {
		r.With(NewSubmitRateLimitMiddleware(SubmitRateLimit, s.Logger)).Post("/runs/{pipelineName}", s.HandleStartRun)
	} else {
		r.Post("/runs/{pipelineName}", s.HandleStartRun)
	}

	return r
}

// Start starts the HTTP server
func (s *Server) Start(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	s.Logger.Info("Starting server", "addr", addr)

	server := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  HTTPReadTimeout,
		WriteTimeout: HTTPWriteTimeout,
		IdleTimeout:  HTTPIdleTimeout,
	}

	return server.ListenAndServe()
}

// WaitForRuns waits for all in-flight promotion runs to complete.
// This is primarily useful for testing.
func (s *Server) WaitForRuns() {
	s.Engine.Wait()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	// Wait for in-flight runs so their outcomes are recorded
	s.Engine.Wait()

	if s.Store != nil {
		return s.Store.Close()
	}
	return nil
}
