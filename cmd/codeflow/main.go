// Command codeflow runs source files through the same executors the server
// uses, without the server.
//
//	codeflow run --lang python hello.py
//	echo 'print(1)' | codeflow run --lang python -
//	codeflow run a.rs b.go c.py        # concurrently, language from the extension
//	codeflow languages
//
// The exit status mirrors the program's: a program that exits 3 makes
// codeflow exit 3. Timeouts exit 124, an interrupt 130, other failures 1.
// SIGINT and SIGTERM kill every running program before codeflow exits.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v3"

	"github.com/sakif/codeflow/internal/config"
	"github.com/sakif/codeflow/internal/executor"
	"github.com/sakif/codeflow/internal/executor/docker"
	"github.com/sakif/codeflow/internal/executor/local"
	"github.com/sakif/codeflow/internal/logging"
)

func main() {
	cmd := &cli.Command{
		Name:  "codeflow",
		Usage: "run code snippets in any configured language",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "executor",
				Value:   config.ExecutorLocal,
				Usage:   "execution backend: local or docker",
				Sources: cli.EnvVars("EXECUTOR"),
			},
			&cli.StringFlag{
				Name:    "languages-file",
				Usage:   "TOML file with extra or overriding language descriptors",
				Sources: cli.EnvVars("LANGUAGES_FILE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "warn",
				Usage:   "debug, info, warn or error",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.BoolFlag{
				Name:  "no-color",
				Usage: "disable colored status lines",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if cmd.Bool("no-color") {
				color.NoColor = true
			}
			return ctx, nil
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "execute one or more source files",
				ArgsUsage: "<file|-> [file...]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "lang",
						Aliases: []string{"l"},
						Usage:   "language of every file; guessed from the extension when omitted",
					},
					&cli.DurationFlag{
						Name:    "timeout",
						Aliases: []string{"t"},
						Value:   10 * time.Second,
						Usage:   "per-process time limit",
					},
					&cli.IntFlag{
						Name:    "parallel",
						Aliases: []string{"p"},
						Value:   4,
						Usage:   "how many files run at once",
					},
				},
				Action: runAction,
			},
			{
				Name:   "languages",
				Usage:  "list the languages the executor knows",
				Action: languagesAction,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.Run(ctx, os.Args)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("codeflow: %v", err))
		os.Exit(1)
	}
}

// executorCloser is an Executor that may hold resources, like the docker
// container pools.
type executorCloser struct {
	executor.Executor
	close func() error
}

func newExecutor(cmd *cli.Command, timeout time.Duration) (*executorCloser, error) {
	level, err := logging.ParseLevel(cmd.String("log-level"))
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(os.Stderr, logging.FormatText, level)
	if err != nil {
		return nil, err
	}

	registry, err := executor.LoadRegistry(cmd.String("languages-file"))
	if err != nil {
		return nil, err
	}

	switch backend := cmd.String("executor"); backend {
	case config.ExecutorLocal:
		cfg := local.DefaultConfig()
		if timeout > 0 {
			cfg.Timeout = timeout
		}
		e, err := local.New(cfg, registry, logger)
		if err != nil {
			return nil, err
		}
		return &executorCloser{Executor: e, close: func() error { return nil }}, nil

	case config.ExecutorDocker:
		cfg := docker.DefaultConfig()
		if timeout > 0 {
			cfg.Timeout = timeout
		}
		cfg.PoolSize = 1
		e, err := docker.New(cfg, registry, logger)
		if err != nil {
			return nil, err
		}
		logger.Debug("docker executor ready", slog.Int("languages", len(e.Languages())))
		return &executorCloser{Executor: e, close: e.Close}, nil

	default:
		return nil, fmt.Errorf("unknown executor %q", backend)
	}
}

func languagesAction(_ context.Context, cmd *cli.Command) error {
	exec, err := newExecutor(cmd, 0)
	if err != nil {
		return err
	}
	defer exec.close()

	name := color.New(color.Bold)
	for _, d := range exec.Languages() {
		kind := "interpreted"
		if d.Compiled {
			kind = "compiled"
		}
		fmt.Fprintf(os.Stdout, "%s %-12s %s\n", name.Sprintf("%-12s", d.Name), kind, d.Command)
	}
	return nil
}
