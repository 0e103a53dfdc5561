package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/sakif/codeflow/internal/executor"
)

// errParentCanceled marks a process that was killed because the caller
// canceled its context, as opposed to a timeout or deadline.
var errParentCanceled = errors.New("parent context canceled")

// spawnError wraps failures that happened before the child was running.
type spawnError struct{ err error }

func (e *spawnError) Error() string { return e.err.Error() }
func (e *spawnError) Unwrap() error { return e.err }

// runProcess starts command, captures both streams separately, and waits.
//
// Returned errors:
//   - *spawnError: the process never started (binary missing, not executable)
//   - errParentCanceled: ctx was canceled and the process was killed for it
//     (output still returned)
//   - anything else: Wait itself failed
//
// A non-zero exit or a timeout is NOT an error here; the caller reads
// ExitCode / TimedOut from the output. A deadline on ctx counts as a timeout.
func (e *Executor) runProcess(ctx context.Context, command string, args []string) (*executor.Output, error) {
	runCtx := ctx
	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	stdout := executor.NewOutputBuffer(e.config.MaxOutputBytes)
	stderr := executor.NewOutputBuffer(e.config.MaxOutputBytes)

	cmd := exec.CommandContext(runCtx, command, args...)
	cmd.Dir = e.config.ScratchDir
	cmd.Env = append(os.Environ(), e.config.Env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = e.config.WaitDelay
	configureProcessGroup(cmd)

	e.spawns.Add(1)
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &spawnError{err: err}
	}

	waitErr := cmd.Wait()
	out := &executor.Output{
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Duration:  time.Since(start),
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}

	// A process that exited by itself is judged by its exit code even when a
	// context ended right after. Only a killed process is blamed on one.
	exited := cmd.ProcessState != nil && cmd.ProcessState.Exited()
	if !exited && runCtx.Err() != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return out, errParentCanceled
		}
		// our own timeout or a deadline on the caller's context
		out.TimedOut = true
		return out, nil
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(waitErr, &exitErr):
			out.ExitCode = exitErr.ExitCode()
		case errors.Is(waitErr, exec.ErrWaitDelay):
			// the process exited; a leftover grandchild kept the pipe open
		default:
			return out, fmt.Errorf("waiting for %s: %w", command, waitErr)
		}
	}

	return out, nil
}
