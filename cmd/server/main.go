// Command server runs the CodeFlow HTTP API.
//
// main only reads configuration, builds the logger and the executor, and
// hands them to internal/server. Everything else lives in internal/.
//
// Configuration comes from the environment (optionally a .env file); see
// internal/config for the keys.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sakif/codeflow/internal/config"
	"github.com/sakif/codeflow/internal/executor"
	"github.com/sakif/codeflow/internal/executor/docker"
	"github.com/sakif/codeflow/internal/executor/local"
	"github.com/sakif/codeflow/internal/logging"
	"github.com/sakif/codeflow/internal/server"
	"github.com/sakif/codeflow/internal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "codeflow:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(os.Stdout, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return err
	}
	if cfg.SecretGenerated {
		logger.Warn("SESSION_SECRET not set, using a random one; session tokens will not survive a restart")
	}

	policy, err := session.ParsePolicy(cfg.SessionPolicy)
	if err != nil {
		return fmt.Errorf("SESSION_POLICY: %w", err)
	}

	registry, err := executor.LoadRegistry(cfg.LanguagesFile)
	if err != nil {
		return err
	}

	// The data directory is created on demand, like `mkdir -p`.
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating database directory: %w", err)
		}
	}

	var exec executor.Executor
	switch cfg.Executor {
	case config.ExecutorDocker:
		dcfg := docker.DefaultConfig()
		dcfg.Timeout = cfg.ExecTimeout
		dcfg.MaxOutputBytes = cfg.MaxOutput
		dcfg.PoolSize = cfg.DockerPoolSize
		dcfg.MemoryLimit = cfg.DockerMemoryLimit
		dcfg.AcquireTimeout = cfg.DockerAcquireTimeout

		d, err := docker.New(dcfg, registry, logger)
		if err != nil {
			return fmt.Errorf("starting docker executor: %w", err)
		}
		defer d.Close()
		exec = d

	default:
		lcfg := local.DefaultConfig()
		lcfg.Timeout = cfg.ExecTimeout
		lcfg.MaxOutputBytes = cfg.MaxOutput
		lcfg.ScratchDir = cfg.ScratchDir

		l, err := local.New(lcfg, registry, logger)
		if err != nil {
			return fmt.Errorf("starting local executor: %w", err)
		}
		defer func() {
			st := l.Stats()
			logger.Info("executor stats",
				slog.Int64("executions", st.Executions),
				slog.Int64("spawns", st.Spawns),
				slog.Int64("timeouts", st.Timeouts),
				slog.Int64("cleanupFailures", st.CleanupFailures),
			)
		}()
		exec = l
	}

	logger.Info("executor ready",
		slog.String("backend", cfg.Executor),
		slog.Int("languages", len(exec.Languages())),
		slog.Duration("timeout", cfg.ExecTimeout),
	)

	srv, err := server.New(server.Config{
		Port:           cfg.Port,
		DBPath:         cfg.DBPath,
		SessionPolicy:  policy,
		SessionIdleTTL: cfg.SessionIdleTTL,
		SessionSecret:  cfg.SessionSecret,
		TokenTTL:       cfg.TokenTTL,
	}, logger, exec)
	if err != nil {
		return err
	}

	// Start blocks until SIGINT/SIGTERM.
	return srv.Start(context.Background())
}
