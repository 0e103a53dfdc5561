// Package server sets up the HTTP server, router, and all route definitions.
//
// This is the composition root: New assembles the dependency chain
//
//	executor (from main) → ExecutionService ─┬→ ExecuteHandler
//	sqlite.DB ───────────→ SnippetService ───┼→ SnippetHandler
//	session.Manager ──────────────────────────┴→ SessionHandler
//
// so every layer only receives what it needs and main stays minimal.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/sakif/codeflow/internal/auth"
	"github.com/sakif/codeflow/internal/executor"
	"github.com/sakif/codeflow/internal/handler"
	"github.com/sakif/codeflow/internal/middleware"
	sqliteRepo "github.com/sakif/codeflow/internal/repository/sqlite"
	"github.com/sakif/codeflow/internal/service"
	"github.com/sakif/codeflow/internal/session"
)

// Config holds server configuration.
type Config struct {
	Port   int
	DBPath string

	SessionPolicy  session.Policy
	SessionIdleTTL time.Duration
	SessionSecret  string
	// TokenTTL is how long a session token stays valid, 24h by default.
	// Authorized requests renew it, so it only bounds how long a client may
	// stay away, not how long it may use a session.
	TokenTTL time.Duration

	ShutdownTimeout time.Duration
}

// Server owns the database and the session manager; both are released when
// Start returns. The executor belongs to the caller.
type Server struct {
	router   *chi.Mux
	config   Config
	logger   *slog.Logger
	db       *sqliteRepo.DB
	sessions *session.Manager
	tokens   *auth.TokenService
}

// New opens the database and wires every layer around exec.
func New(cfg Config, logger *slog.Logger, exec executor.Executor) (*Server, error) {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	tokens, err := auth.NewTokenService(cfg.SessionSecret, cfg.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("creating token service: %w", err)
	}

	db, err := sqliteRepo.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	execService := service.NewExecutionService(exec, db, logger)
	snippetService := service.NewSnippetService(db, execService, logger)

	managerCfg := session.DefaultManagerConfig()
	if cfg.SessionPolicy != "" {
		managerCfg.DefaultPolicy = cfg.SessionPolicy
	}
	managerCfg.IdleTTL = cfg.SessionIdleTTL
	sessions := session.NewManager(execService, managerCfg, logger)

	s := &Server{
		router:   chi.NewRouter(),
		config:   cfg,
		logger:   logger,
		db:       db,
		sessions: sessions,
		tokens:   tokens,
	}
	s.setupRoutes(
		handler.NewExecuteHandler(execService, logger),
		handler.NewSnippetHandler(snippetService, logger),
		handler.NewSessionHandler(sessions, execService, tokens, logger),
	)
	return s, nil
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler { return s.router }

// setupRoutes configures middleware and routes.
//
// GET    /api/languages
// POST   /api/execute
// GET    /api/runs                      ?limit&offset&language&session
// GET    /api/runs/{id}
// POST   /api/sessions                  → {id, token, policy}
// POST   /api/sessions/{id}/runs        (Bearer) → 202 {runId}
// DELETE /api/sessions/{id}/runs        (Bearer) cancel in-flight runs
// GET    /api/sessions/{id}/result      (Bearer) → 200 outcome | 204
// DELETE /api/sessions/{id}             (Bearer)
// GET    /api/snippets, POST /api/snippets
// GET|PUT|DELETE /api/snippets/{id}
// POST   /api/snippets/{id}/run
//
// Every Bearer route answers with a renewed token in X-Session-Token.
//
// Middleware order matters: RequestID must run before Logger so the log
// line carries the id, and Recoverer sits inside Logger so a panic is
// logged as the 500 it becomes.
func (s *Server) setupRoutes(execH *handler.ExecuteHandler, snippetH *handler.SnippetHandler, sessionH *handler.SessionHandler) {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/languages", execH.HandleLanguages)
		r.Post("/execute", execH.HandleExecute)
		r.Get("/runs", execH.HandleListRuns)
		r.Get("/runs/{id}", execH.HandleGetRun)

		r.Post("/sessions", sessionH.HandleCreate)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Use(auth.RequireSession(s.tokens, "id", handler.WriteError))
			r.Delete("/", sessionH.HandleClose)
			r.Post("/runs", sessionH.HandleSubmit)
			r.Delete("/runs", sessionH.HandleCancel)
			r.Get("/result", sessionH.HandleResult)
		})

		r.Get("/snippets", snippetH.HandleList)
		r.Post("/snippets", snippetH.HandleCreate)
		r.Get("/snippets/{id}", snippetH.HandleGetByID)
		r.Put("/snippets/{id}", snippetH.HandleUpdate)
		r.Delete("/snippets/{id}", snippetH.HandleDelete)
		r.Post("/snippets/{id}/run", snippetH.HandleRun)
	})
}

// Start serves until ctx is canceled, SIGINT/SIGTERM arrives, or the
// listener fails, then shuts down gracefully:
//  1. stop accepting connections and let in-flight requests finish
//  2. close every session, canceling and waiting for its runs
//  3. close the database, after the last run has been recorded
func (s *Server) Start(ctx context.Context) error {
	defer s.db.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: POST /api/execute legitimately lasts as long as
		// the executor's own timeout.
	}

	s.sessions.Start()
	defer s.sessions.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", s.config.Port)),
			slog.String("database", s.config.DBPath),
		)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	s.logger.Info("server stopped gracefully")
	return nil
}
