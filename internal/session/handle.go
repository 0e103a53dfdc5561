package session

import (
	"context"
	"time"

	"github.com/sakif/codeflow/internal/executor"
)

// Outcome is the finished state of one run.
type Outcome struct {
	RunID      string                    `json:"runId"`
	Seq        uint64                    `json:"seq"`
	Language   executor.Language         `json:"language"`
	Result     *executor.ExecutionResult `json:"result,omitempty"`
	Err        error                     `json:"-"`
	StartedAt  time.Time                 `json:"startedAt"`
	FinishedAt time.Time                 `json:"finishedAt"`
}

// Handle is a cancellable in-flight run. Its outcome is published exactly
// once, by closing the done channel; every reader after that sees the same
// value.
type Handle struct {
	id     string
	seq    uint64
	cancel context.CancelFunc
	done   chan struct{}
	// written once, before done is closed
	outcome *Outcome
}

func newHandle(id string, seq uint64, cancel context.CancelFunc) *Handle {
	return &Handle{id: id, seq: seq, cancel: cancel, done: make(chan struct{})}
}

func (h *Handle) ID() string { return h.id }

// Done is closed when the run has finished, whatever the outcome.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Poll returns the outcome without blocking; ok is false while still running.
func (h *Handle) Poll() (*Outcome, bool) {
	select {
	case <-h.done:
		return h.outcome, true
	default:
		return nil, false
	}
}

// Wait blocks until the run finishes or ctx ends. Ending ctx does not cancel
// the run; use Cancel for that.
func (h *Handle) Wait(ctx context.Context) (*Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel asks the run to stop. It is safe to call any number of times, also
// after the run finished.
func (h *Handle) Cancel() { h.cancel() }

func (h *Handle) complete(o *Outcome) {
	h.outcome = o
	close(h.done)
	h.cancel()
}
