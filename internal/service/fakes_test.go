package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/sakif/codeflow/internal/apperror"
	"github.com/sakif/codeflow/internal/executor"
	"github.com/sakif/codeflow/internal/model"
	"github.com/sakif/codeflow/internal/repository"
)

// In-memory fakes for the repository and executor interfaces. The services
// only see the interfaces, so none of these tests touch SQLite or a process.

type mockSnippetRepo struct {
	snippets map[string]*model.Snippet
	nextID   int
}

func newMockRepo() *mockSnippetRepo {
	return &mockSnippetRepo{snippets: make(map[string]*model.Snippet)}
}

func (m *mockSnippetRepo) Create(_ context.Context, snippet *model.Snippet) error {
	m.nextID++
	snippet.ID = fmt.Sprintf("mock-%d", m.nextID)
	stored := *snippet
	m.snippets[snippet.ID] = &stored
	return nil
}

func (m *mockSnippetRepo) GetByID(_ context.Context, id string) (*model.Snippet, error) {
	snippet, ok := m.snippets[id]
	if !ok {
		return nil, apperror.NotFound("snippet", id)
	}
	result := *snippet
	return &result, nil
}

func (m *mockSnippetRepo) List(_ context.Context, opts repository.ListOptions) ([]model.Snippet, error) {
	result := make([]model.Snippet, 0, len(m.snippets))
	for _, s := range m.snippets {
		result = append(result, *s)
	}
	if opts.Offset >= len(result) {
		return []model.Snippet{}, nil
	}
	result = result[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(result) {
		result = result[:opts.Limit]
	}
	return result, nil
}

func (m *mockSnippetRepo) Update(_ context.Context, snippet *model.Snippet) error {
	if _, ok := m.snippets[snippet.ID]; !ok {
		return apperror.NotFound("snippet", snippet.ID)
	}
	stored := *snippet
	m.snippets[snippet.ID] = &stored
	return nil
}

func (m *mockSnippetRepo) Delete(_ context.Context, id string) error {
	if _, ok := m.snippets[id]; !ok {
		return apperror.NotFound("snippet", id)
	}
	delete(m.snippets, id)
	return nil
}

// mockRunRepo records every run and can be told to fail.
type mockRunRepo struct {
	mu      sync.Mutex
	runs    []model.Run
	failErr error
	lastOpt repository.RunListOptions
}

func (m *mockRunRepo) CreateRun(ctx context.Context, run *model.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.failErr != nil {
		return m.failErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	run.ID = fmt.Sprintf("run-%d", len(m.runs)+1)
	m.runs = append(m.runs, *run)
	return nil
}

func (m *mockRunRepo) GetRun(_ context.Context, id string) (*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.ID == id {
			return &r, nil
		}
	}
	return nil, apperror.NotFound("run", id)
}

func (m *mockRunRepo) ListRuns(_ context.Context, opts repository.RunListOptions) ([]model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastOpt = opts
	return append([]model.Run(nil), m.runs...), nil
}

func (m *mockRunRepo) recorded() []model.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Run(nil), m.runs...)
}

// fakeExecutor knows python and rust. fn decides the outcome; by default
// every run succeeds and echoes the code to stdout.
type fakeExecutor struct {
	fn   func(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error)
	seen []executor.ExecutionRequest
}

func (f *fakeExecutor) Languages() []executor.Descriptor {
	return []executor.Descriptor{
		{Name: "python", Command: "python3", Args: []string{"-c", "{code}"}},
		{Name: "rust", Compiled: true, Command: "rustc", Args: []string{"{source}", "-o", "{binary}"}},
	}
}

func (f *fakeExecutor) Execute(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
	f.seen = append(f.seen, req)
	if req.Language != "python" && req.Language != "rust" {
		return nil, executor.Unsupported(req.Language)
	}
	if f.fn != nil {
		return f.fn(ctx, req)
	}
	return &executor.ExecutionResult{Stdout: req.Code, Success: true, Stage: executor.StageRun}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
