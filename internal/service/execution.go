// Package service holds the business rules between the HTTP handlers and the
// executor/storage layers. Nothing here knows about HTTP.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sakif/codeflow/internal/apperror"
	"github.com/sakif/codeflow/internal/executor"
	"github.com/sakif/codeflow/internal/model"
	"github.com/sakif/codeflow/internal/repository"
)

const (
	MaxCodeLength    = 100000 // bytes
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// ExecutionService validates requests, runs them, and records the outcome.
type ExecutionService struct {
	exec   executor.Executor
	runs   repository.RunRepository // nil disables history
	logger *slog.Logger
}

func NewExecutionService(exec executor.Executor, runs repository.RunRepository, logger *slog.Logger) *ExecutionService {
	return &ExecutionService{exec: exec, runs: runs, logger: logger}
}

// Languages lists what the configured executor can run.
func (s *ExecutionService) Languages() []executor.Descriptor {
	return s.exec.Languages()
}

// Supports reports whether lang is one of Languages.
func (s *ExecutionService) Supports(lang executor.Language) bool {
	for _, d := range s.exec.Languages() {
		if d.Name == lang {
			return true
		}
	}
	return false
}

// Execute runs req outside of any session.
func (s *ExecutionService) Execute(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
	return s.run(ctx, origin{}, req)
}

// Run runs req on behalf of sessionID. It satisfies session.Runner.
func (s *ExecutionService) Run(ctx context.Context, sessionID string, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
	return s.run(ctx, origin{sessionID: sessionID}, req)
}

// Check normalizes req and returns the error Execute would fail with before
// anything runs. Session submits call it so a bad request is rejected up
// front instead of surfacing later as the session's outcome.
func (s *ExecutionService) Check(req executor.ExecutionRequest) (executor.ExecutionRequest, error) {
	req.Language = normalizeLanguage(req.Language)
	if err := validateRequest(req); err != nil {
		return req, err
	}
	if !s.Supports(req.Language) {
		return req, executor.Unsupported(req.Language)
	}
	return req, nil
}

// origin ties a recorded run back to where it came from.
type origin struct {
	sessionID string
	snippetID string
}

func (s *ExecutionService) run(ctx context.Context, from origin, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
	req.Language = normalizeLanguage(req.Language)
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	res, err := s.exec.Execute(ctx, req)

	switch {
	case err == nil:
		s.logger.Info("execution finished",
			slog.String("language", string(req.Language)),
			slog.Int("exitCode", res.ExitCode),
			slog.Duration("duration", res.Duration),
		)
	case errors.Is(err, executor.ErrUnsupportedLanguage):
		// nothing ran, nothing to record
		return nil, err
	case errors.Is(err, executor.ErrSpawn), errors.Is(err, executor.ErrScratch):
		s.logger.Error("execution could not start",
			slog.String("language", string(req.Language)),
			slog.String("error", err.Error()),
		)
	default:
		s.logger.Info("execution failed",
			slog.String("language", string(req.Language)),
			slog.String("kind", executor.KindName(err)),
		)
	}

	s.record(ctx, from, req, res, err)
	return res, err
}

// record stores the run in history. Storage failures are logged and never
// change the execution outcome. The write outlives ctx so a canceled run is
// still recorded.
func (s *ExecutionService) record(ctx context.Context, from origin, req executor.ExecutionRequest, res *executor.ExecutionResult, execErr error) {
	if s.runs == nil {
		return
	}

	run := &model.Run{
		SessionID: from.sessionID,
		SnippetID: from.snippetID,
		Language:  req.Language,
		Code:      req.Code,
	}
	if res != nil {
		run.Stdout = res.Stdout
		run.Stderr = res.Stderr
		run.ExitCode = res.ExitCode
		run.Duration = res.Duration
		run.Success = res.Success
		run.Stage = res.Stage
		run.Truncated = res.Truncated
	}
	if execErr != nil {
		run.Success = false
		run.ErrorKind = executor.KindName(execErr)
		run.ErrorMessage = execErr.Error()
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.runs.CreateRun(writeCtx, run); err != nil {
		s.logger.Warn("failed to record run",
			slog.String("language", string(req.Language)),
			slog.String("error", err.Error()),
		)
	}
}

// GetRun returns one recorded run.
func (s *ExecutionService) GetRun(ctx context.Context, id string) (*model.Run, error) {
	if s.runs == nil {
		return nil, apperror.NotFound("run", id)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperror.ValidationFailed("id", "run ID is required")
	}
	return s.runs.GetRun(ctx, id)
}

// History lists recorded runs, newest first.
func (s *ExecutionService) History(ctx context.Context, opts repository.RunListOptions) ([]model.Run, error) {
	if s.runs == nil {
		return []model.Run{}, nil
	}
	opts.Limit, opts.Offset = clampPage(opts.Limit, opts.Offset)

	runs, err := s.runs.ListRuns(ctx, opts)
	if err != nil {
		s.logger.Error("failed to list runs", slog.String("error", err.Error()))
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

func validateRequest(req executor.ExecutionRequest) error {
	if req.Language == "" {
		return apperror.ValidationFailed("language", "language is required")
	}
	if len(req.Code) > MaxCodeLength {
		return apperror.ValidationFailed("code",
			fmt.Sprintf("code must be %d bytes or less", MaxCodeLength))
	}
	return nil
}

func normalizeLanguage(lang executor.Language) executor.Language {
	return executor.Language(strings.ToLower(strings.TrimSpace(string(lang))))
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return limit, max(offset, 0)
}
