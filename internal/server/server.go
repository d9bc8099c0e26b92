// Package server exposes the read-only status API over HTTP: health
// probes, build metadata, and run records.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/gantry/internal/errors"
	"github.com/3leaps/gantry/internal/observability"
	"github.com/3leaps/gantry/internal/server/handlers"
	"github.com/3leaps/gantry/internal/server/middleware"
	"github.com/3leaps/gantry/pkg/runstore"
)

// Server wraps the chi router and the underlying http.Server.
type Server struct {
	host   string
	port   int
	router chi.Router

	version   string
	commit    string
	buildDate string
	runStore  *runstore.Store
}

// Option configures optional server wiring.
type Option func(*Server)

// WithVersionInfo sets the build metadata served by /version.
func WithVersionInfo(version, commit, buildDate string) Option {
	return func(s *Server) {
		s.version = version
		s.commit = commit
		s.buildDate = buildDate
	}
}

// WithRunStore mounts the /runs endpoints backed by the given store.
func WithRunStore(store *runstore.Store) Option {
	return func(s *Server) {
		s.runStore = store
	}
}

// New builds a server listening on host:port. Routes are registered
// immediately; Start begins serving.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:    host,
		port:    port,
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the configured router, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured listen port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.host, s.port)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(chimiddleware.RealIP)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler(s.version, s.commit, s.buildDate))

	if s.runStore != nil {
		runs := handlers.NewRunsHandler(s.runStore)
		r.Get("/runs", runs.ListRuns)
		r.Get("/runs/{runID}", runs.GetRun)
	}

	return r
}

// Start serves until ctx is cancelled, then drains connections for at
// most shutdownTimeout.
func (s *Server) Start(ctx context.Context, readTimeout, writeTimeout, idleTimeout, shutdownTimeout time.Duration) error {
	httpServer := &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		observability.CLILogger.Info("status server listening", zap.String("addr", s.Addr()))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
