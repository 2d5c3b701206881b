// Package command is the HTTP surface of the orchestration core: run-scoped
// operations (log level, locks, events, builds, inbox) behind token
// authorization, plus token issuance for admins.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/weppcloud/roc/internal/eventlog"
	"github.com/weppcloud/roc/internal/jobq"
	"github.com/weppcloud/roc/internal/log"
	"github.com/weppcloud/roc/internal/runfs"
	"github.com/weppcloud/roc/internal/token"
)

// Locks exposes the lock-state queries handlers need.
type Locks interface {
	Statuses(ctx context.Context, runid string) (map[string]bool, error)
}

// Levels exposes the per-run log level store.
type Levels interface {
	Get(ctx context.Context, runid string) eventlog.Level
	Set(ctx context.Context, runid, level string) error
}

// Jobs exposes the queue operations handlers delegate to.
type Jobs interface {
	Enqueue(ctx context.Context, fnRef string, args []any, kwargs map[string]any, opts jobq.EnqueueOptions) (string, error)
	Info(ctx context.Context, jobID string) (jobq.Info, error)
	InfosBatch(ctx context.Context, input any) (jobq.BatchInfo, error)
	Cancel(ctx context.Context, jobID string) error
}

// Inbox accepts messages for interactive agents.
type Inbox interface {
	Push(ctx context.Context, runid, sender, receiver, body string) (int64, error)
}

// Config holds command server settings.
type Config struct {
	Listen string
}

// Server is the command HTTP server.
type Server struct {
	config    Config
	tokens    *token.Service
	locks     Locks
	levels    Levels
	jobs      Jobs
	inbox     Inbox
	runs      *runfs.Manager
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a command server instance.
func New(config Config, tokens *token.Service, locks Locks, levels Levels, jobs Jobs, inbox Inbox, runs *runfs.Manager) *Server {
	return &Server{
		config:    config,
		tokens:    tokens,
		locks:     locks,
		levels:    levels,
		jobs:      jobs,
		inbox:     inbox,
		runs:      runs,
		logger:    log.WithComponent("command"),
		startedAt: time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("command server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("command server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Routes builds the HTTP router.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/runs/{runid}", func(r chi.Router) {
			r.Use(s.runScopeMiddleware)
			r.Get("/loglevel", s.handleGetLogLevel)
			r.Put("/loglevel", s.handleSetLogLevel)
			r.Get("/locks", s.handleListLocks)
			r.Get("/events", s.handleRunEvents)
			r.Post("/jobs", s.handleTriggerJob)
			r.Post("/inbox", s.handleInboxPost)
		})

		r.Get("/jobs/{jobID}", s.handleJobInfo)
		r.Post("/jobs/{jobID}/cancel", s.handleJobCancel)
		r.Post("/jobs/batch", s.handleJobsBatch)

		r.With(s.requireScope("tokens:issue")).Post("/tokens", s.handleIssueToken)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
