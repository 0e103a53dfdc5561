// Package repository declares the storage interfaces the services depend on.
// internal/repository/sqlite is the only implementation.
package repository

import (
	"context"

	"github.com/sakif/codeflow/internal/executor"
	"github.com/sakif/codeflow/internal/model"
)

type ListOptions struct {
	Limit  int
	Offset int
}

type SnippetRepository interface {
	Create(ctx context.Context, snippet *model.Snippet) error
	GetByID(ctx context.Context, id string) (*model.Snippet, error)
	List(ctx context.Context, opts ListOptions) ([]model.Snippet, error)
	Update(ctx context.Context, snippet *model.Snippet) error
	Delete(ctx context.Context, id string) error
}

// RunListOptions filters run history. Empty fields match everything.
type RunListOptions struct {
	ListOptions
	Language  executor.Language
	SessionID string
}

type RunRepository interface {
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, opts RunListOptions) ([]model.Run, error)
}
