// Package local runs snippets as child processes of the server itself.
//
// PIPELINES:
//
//	interpreted:  <interpreter> <flag> <code>              → result
//	compiled:     write <src> → <compiler> <src> -o <bin>  → <bin> → result
//	                             └─ non-zero exit: compile failure, <bin> never runs
//
// Each process gets its own timeout and process group; the temporary source and
// binary are removed before Execute returns, whatever happened.
//
// There is no sandbox here: the snippet runs with the server's privileges.
// Use the docker executor when the input is not trusted.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/sakif/codeflow/internal/executor"
)

var _ executor.Executor = (*Executor)(nil)

// Executor implements executor.Executor with os/exec.
type Executor struct {
	config   Config
	registry *executor.Registry
	logger   *slog.Logger

	// paths of temp artifacts currently owned by some Execute call
	inflight mapset.Set[string]

	executions      atomic.Int64
	spawns          atomic.Int64
	timeouts        atomic.Int64
	cleanupFailures atomic.Int64
}

// Stats is a snapshot of the executor's counters.
type Stats struct {
	Executions      int64 `json:"executions"`
	Spawns          int64 `json:"spawns"`
	Timeouts        int64 `json:"timeouts"`
	CleanupFailures int64 `json:"cleanupFailures"`
}

// New creates a host Executor. The scratch directory must exist.
func New(cfg Config, registry *executor.Registry, logger *slog.Logger) (*Executor, error) {
	if registry == nil {
		return nil, errors.New("local: language registry is required")
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = DefaultConfig().ScratchDir
	}
	dir, err := filepath.Abs(cfg.ScratchDir)
	if err != nil {
		return nil, fmt.Errorf("local: resolving scratch dir: %w", err)
	}
	cfg.ScratchDir = dir

	return &Executor{
		config:   cfg,
		registry: registry,
		logger:   logger,
		inflight: mapset.NewSet[string](),
	}, nil
}

// Languages returns the descriptors this executor accepts.
func (e *Executor) Languages() []executor.Descriptor {
	return e.registry.All()
}

// Stats returns current counters.
func (e *Executor) Stats() Stats {
	return Stats{
		Executions:      e.executions.Load(),
		Spawns:          e.spawns.Load(),
		Timeouts:        e.timeouts.Load(),
		CleanupFailures: e.cleanupFailures.Load(),
	}
}

// Execute runs req.Code with the toolchain registered for req.Language.
func (e *Executor) Execute(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
	e.executions.Add(1)

	desc, ok := e.registry.Lookup(req.Language)
	if !ok {
		return nil, executor.Unsupported(req.Language)
	}

	e.logger.Debug("executing snippet",
		slog.String("language", string(desc.Name)),
		slog.Bool("compiled", desc.Compiled),
		slog.Int("bytes", len(req.Code)),
	)

	if desc.Compiled {
		return e.runCompiled(ctx, desc, req.Code)
	}
	return e.runInterpreted(ctx, desc, req.Code)
}

func (e *Executor) runInterpreted(ctx context.Context, desc executor.Descriptor, code string) (*executor.ExecutionResult, error) {
	out, err := e.runProcess(ctx, desc.Command, desc.Argv(code, "", ""))
	if err != nil {
		return e.processFailure(desc.Name, executor.StageRun, out, err)
	}
	return e.finish(desc.Name, executor.StageRun, out)
}

func (e *Executor) runCompiled(ctx context.Context, desc executor.Descriptor, code string) (*executor.ExecutionResult, error) {
	start := time.Now()

	art, err := e.newArtifact(desc, code)
	if err != nil {
		return nil, err
	}
	defer e.removeArtifact(desc.Name, art)

	out, err := e.runProcess(ctx, desc.Command, desc.Argv("", art.source, art.binary))
	if err != nil {
		return e.processFailure(desc.Name, executor.StageCompile, out, err)
	}
	if res, err := e.finish(desc.Name, executor.StageCompile, out); err != nil {
		return res, err
	}

	out, err = e.runProcess(ctx, art.binary, nil)
	if err != nil {
		return e.processFailure(desc.Name, executor.StageRun, out, err)
	}
	res, err := e.finish(desc.Name, executor.StageRun, out)
	res.Duration = time.Since(start)
	return res, err
}

// finish classifies a completed process and accounts for timeouts.
func (e *Executor) finish(lang executor.Language, stage executor.Stage, out *executor.Output) (*executor.ExecutionResult, error) {
	res, err := executor.Classify(lang, stage, out)
	if out.TimedOut {
		e.timeouts.Add(1)
		e.logger.Info("process timed out",
			slog.String("language", string(lang)),
			slog.String("stage", string(stage)),
			slog.Duration("duration", out.Duration),
		)
	}
	return res, err
}

func (e *Executor) processFailure(lang executor.Language, stage executor.Stage, out *executor.Output, err error) (*executor.ExecutionResult, error) {
	var spawnErr *spawnError
	switch {
	case errors.As(err, &spawnErr):
		e.logger.Warn("could not start process",
			slog.String("language", string(lang)),
			slog.String("stage", string(stage)),
			slog.String("error", spawnErr.Error()),
		)
		return nil, executor.SpawnFailed(lang, stage, spawnErr.err)
	case errors.Is(err, errParentCanceled):
		var res *executor.ExecutionResult
		if out != nil {
			res, _ = e.finish(lang, stage, out)
			res.Success = false
		}
		cancelErr := executor.Canceled(lang, stage, context.Canceled)
		cancelErr.Result = res
		return res, cancelErr
	default:
		return nil, executor.SpawnFailed(lang, stage, err)
	}
}
