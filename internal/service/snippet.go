package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sakif/codeflow/internal/apperror"
	"github.com/sakif/codeflow/internal/executor"
	"github.com/sakif/codeflow/internal/model"
	"github.com/sakif/codeflow/internal/repository"
)

const MaxSnippetNameLength = 100

// SnippetInput carries the user-editable fields of a snippet.
type SnippetInput struct {
	Name        string
	Language    executor.Language
	Code        string
	Description string
}

// SnippetService handles saved snippets. It takes the repository interface,
// not *sqlite.DB, so tests can pass an in-memory fake.
type SnippetService struct {
	repo   repository.SnippetRepository
	exec   *ExecutionService
	logger *slog.Logger
}

func NewSnippetService(repo repository.SnippetRepository, exec *ExecutionService, logger *slog.Logger) *SnippetService {
	return &SnippetService{
		repo:   repo,
		exec:   exec,
		logger: logger,
	}
}

// Create validates and saves a new snippet.
func (s *SnippetService) Create(ctx context.Context, in SnippetInput) (*model.Snippet, error) {
	in, err := s.validate(in)
	if err != nil {
		return nil, err
	}

	snippet := &model.Snippet{
		Name:        in.Name,
		Language:    in.Language,
		Code:        in.Code,
		Description: in.Description,
	}
	if err := s.repo.Create(ctx, snippet); err != nil {
		s.logger.Error("failed to create snippet",
			slog.String("name", in.Name),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("creating snippet: %w", err)
	}

	s.logger.Info("snippet created",
		slog.String("id", snippet.ID),
		slog.String("language", string(snippet.Language)),
	)
	return snippet, nil
}

// GetByID returns apperror.ErrNotFound if the snippet doesn't exist.
func (s *SnippetService) GetByID(ctx context.Context, id string) (*model.Snippet, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperror.ValidationFailed("id", "snippet ID is required")
	}
	return s.repo.GetByID(ctx, id)
}

func (s *SnippetService) List(ctx context.Context, limit, offset int) ([]model.Snippet, error) {
	limit, offset = clampPage(limit, offset)

	snippets, err := s.repo.List(ctx, repository.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		s.logger.Error("failed to list snippets", slog.String("error", err.Error()))
		return nil, fmt.Errorf("listing snippets: %w", err)
	}
	return snippets, nil
}

// Update replaces a snippet's fields. An empty name or language keeps the
// stored value; code and description are always replaced, so they can be
// cleared.
func (s *SnippetService) Update(ctx context.Context, id string, in SnippetInput) (*model.Snippet, error) {
	snippet, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(in.Name) == "" {
		in.Name = snippet.Name
	}
	if strings.TrimSpace(string(in.Language)) == "" {
		in.Language = snippet.Language
	}
	in, err = s.validate(in)
	if err != nil {
		return nil, err
	}

	snippet.Name = in.Name
	snippet.Language = in.Language
	snippet.Code = in.Code
	snippet.Description = in.Description

	if err := s.repo.Update(ctx, snippet); err != nil {
		s.logger.Error("failed to update snippet",
			slog.String("id", snippet.ID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("updating snippet: %w", err)
	}

	s.logger.Info("snippet updated", slog.String("id", snippet.ID))
	return snippet, nil
}

func (s *SnippetService) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return apperror.ValidationFailed("id", "snippet ID is required")
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}

	s.logger.Info("snippet deleted", slog.String("id", id))
	return nil
}

// Run executes a stored snippet and records it against the snippet's id.
// The returned snippet lets callers show what was run.
func (s *SnippetService) Run(ctx context.Context, id string) (*model.Snippet, *executor.ExecutionResult, error) {
	snippet, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	req := executor.ExecutionRequest{Code: snippet.Code, Language: snippet.Language}
	res, err := s.exec.run(ctx, origin{snippetID: snippet.ID}, req)
	return snippet, res, err
}

// validate trims and checks in, returning the normalized copy.
func (s *SnippetService) validate(in SnippetInput) (SnippetInput, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	in.Language = normalizeLanguage(in.Language)

	if in.Name == "" {
		return in, apperror.ValidationFailed("name", "snippet name is required")
	}
	if len(in.Name) > MaxSnippetNameLength {
		return in, apperror.ValidationFailed("name",
			fmt.Sprintf("snippet name must be %d characters or less", MaxSnippetNameLength))
	}
	if in.Language == "" {
		return in, apperror.ValidationFailed("language", "language is required")
	}
	if !s.exec.Supports(in.Language) {
		return in, apperror.ValidationFailed("language",
			fmt.Sprintf("language %q is not supported", string(in.Language)))
	}
	if len(in.Code) > MaxCodeLength {
		return in, apperror.ValidationFailed("code",
			fmt.Sprintf("code must be %d bytes or less", MaxCodeLength))
	}
	return in, nil
}
