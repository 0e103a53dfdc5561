// Package executor defines the contract for running a source snippet in some
// language and collecting what it printed.
//
// TWO IMPLEMENTATIONS:
//   - local:  spawns the interpreter/compiler directly on the host
//   - docker: runs the same pipeline inside a throwaway container
//
// Both return the same ExecutionResult and the same error kinds (see errors.go),
// so callers never care which one is wired in.
package executor

import (
	"context"
	"time"
)

// Language is the tag a caller uses to pick a toolchain, e.g. "python" or "rust".
type Language string

// Stage names the step of the pipeline a result (or failure) belongs to.
type Stage string

const (
	StageCompile Stage = "compile"
	StageRun     Stage = "run"
)

// ExecutionRequest represents a request to execute a snippet.
// Code may be empty; an empty program is still a program.
type ExecutionRequest struct {
	Code     string   `json:"code"`
	Language Language `json:"language"`
}

// ExecutionResult represents the output and status of one execution.
//
// For a compile failure, Stdout/Stderr hold the compiler's output and Stage is
// StageCompile. Otherwise they hold the program's output and Stage is StageRun.
type ExecutionResult struct {
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  int           `json:"exitCode"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Stage     Stage         `json:"stage"`
	Truncated bool          `json:"truncated,omitempty"`
}

// Executor represents the core interface for running code.
//
// A non-nil error is always an *Error. For failures that happen after a process
// ran (compile, runtime, timeout, decode) the result is returned as well, so the
// caller can show whatever was captured.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
	Languages() []Descriptor
}
