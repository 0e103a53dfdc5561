// Package docker runs snippets inside throwaway containers.
//
// Every language descriptor names an image. The executor keeps a Pool of
// pre-warmed containers per image; each execution takes one, runs the
// pipeline through `docker exec`, and force-removes it afterwards, which also
// kills anything the snippet left running.
//
//	interpreted:  exec <interpreter> <flag> <code>
//	compiled:     exec sh -c 'cat > src' <stdin>  →  exec <compiler>  →  exec <bin>
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"golang.org/x/sync/errgroup"

	"github.com/sakif/codeflow/internal/executor"
)

var _ executor.Executor = (*Executor)(nil)

// errParentCanceled marks an exec that was stopped because the caller canceled
// its context, as opposed to a timeout or deadline.
var errParentCanceled = errors.New("parent context canceled")

// spawnError wraps failures that happened before the command was running.
type spawnError struct{ err error }

func (e *spawnError) Error() string { return e.err.Error() }
func (e *spawnError) Unwrap() error { return e.err }

// Executor implements the executor.Executor interface using Docker.
type Executor struct {
	cli      *client.Client
	config   Config
	registry *executor.Registry
	logger   *slog.Logger
	// keyed by image; built in New and read-only afterwards
	pools map[string]*Pool

	executions atomic.Int64
	timeouts   atomic.Int64
}

// New connects to the Docker daemon, makes sure every image named by the
// registry is available, and starts one warm pool per image.
func New(cfg Config, registry *executor.Registry, logger *slog.Logger) (*Executor, error) {
	if registry == nil {
		return nil, errors.New("docker: language registry is required")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = DefaultConfig().WorkDir
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	images := imagesOf(registry)
	if len(images) == 0 {
		cli.Close()
		return nil, errors.New("docker: no language in the registry names an image")
	}

	if !cfg.SkipPull {
		if err := pullImages(cli, images, logger); err != nil {
			cli.Close()
			return nil, err
		}
	}

	exec := &Executor{
		cli:      cli,
		config:   cfg,
		registry: registry,
		logger:   logger,
		pools:    make(map[string]*Pool, len(images)),
	}
	for _, img := range images {
		pool := NewPool(cli, img, cfg, logger)
		pool.Start()
		exec.pools[img] = pool
	}

	return exec, nil
}

func imagesOf(registry *executor.Registry) []string {
	seen := make(map[string]bool)
	var images []string
	for _, d := range registry.All() {
		if d.Image != "" && !seen[d.Image] {
			seen[d.Image] = true
			images = append(images, d.Image)
		}
	}
	return images
}

// pullImages pulls images concurrently and blocks until all are present.
func pullImages(cli *client.Client, images []string, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(3)
	for _, img := range images {
		g.Go(func() error {
			logger.Info("ensuring docker image is available", slog.String("image", img))
			reader, err := cli.ImagePull(ctx, img, image.PullOptions{})
			if err != nil {
				return fmt.Errorf("failed to pull image %s: %w", img, err)
			}
			defer reader.Close()
			// Read everything to block until the pull is complete
			if _, err := io.Copy(io.Discard, reader); err != nil {
				return fmt.Errorf("failed to pull image %s: %w", img, err)
			}
			logger.Info("docker image is ready", slog.String("image", img))
			return nil
		})
	}
	return g.Wait()
}

// Close shuts down every pool and the docker client.
func (e *Executor) Close() error {
	for _, pool := range e.pools {
		pool.Stop()
	}
	return e.cli.Close()
}

// Languages returns the descriptors that have an image to run in.
func (e *Executor) Languages() []executor.Descriptor {
	all := e.registry.All()
	out := all[:0]
	for _, d := range all {
		if d.Image != "" {
			out = append(out, d)
		}
	}
	return out
}

// Execute runs req.Code in a fresh container of the language's image.
func (e *Executor) Execute(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
	e.executions.Add(1)

	desc, ok := e.registry.Lookup(req.Language)
	if !ok || desc.Image == "" {
		return nil, executor.Unsupported(req.Language)
	}
	pool := e.pools[desc.Image]

	containerID, err := pool.GetContainer(ctx)
	if err != nil {
		return nil, e.acquireFailure(ctx, desc.Name, err)
	}
	defer pool.removeContainer(containerID)

	if desc.Compiled {
		return e.runCompiled(ctx, containerID, desc, req.Code)
	}
	cmd := append([]string{desc.Command}, desc.Argv(req.Code, "", "")...)
	out, err := e.runExec(ctx, containerID, cmd, "")
	if err != nil {
		return e.execFailure(desc.Name, executor.StageRun, out, err)
	}
	return e.finish(desc.Name, executor.StageRun, out)
}

func (e *Executor) runCompiled(ctx context.Context, containerID string, desc executor.Descriptor, code string) (*executor.ExecutionResult, error) {
	start := time.Now()

	ext := desc.Extension
	if ext == "" {
		ext = ".src"
	}
	binary := path.Join(e.config.WorkDir, "main")
	source := binary + ext

	// the source goes in over stdin, so its size is not bounded by ARG_MAX
	out, err := e.runExec(ctx, containerID, []string{"sh", "-c", `cat > "$0"`, source}, code)
	if err != nil {
		if errors.Is(err, errParentCanceled) {
			return nil, executor.Canceled(desc.Name, executor.StageCompile, context.Canceled)
		}
		return nil, executor.ScratchFailed(desc.Name, "could not write source file", err)
	}
	if out.ExitCode != 0 || out.TimedOut {
		return nil, executor.ScratchFailed(desc.Name, "could not write source file",
			fmt.Errorf("exit code %d: %s", out.ExitCode, strings.TrimSpace(string(out.Stderr))))
	}

	cmd := append([]string{desc.Command}, desc.Argv("", source, binary)...)
	out, err = e.runExec(ctx, containerID, cmd, "")
	if err != nil {
		return e.execFailure(desc.Name, executor.StageCompile, out, err)
	}
	if res, err := e.finish(desc.Name, executor.StageCompile, out); err != nil {
		return res, err
	}

	out, err = e.runExec(ctx, containerID, []string{binary}, "")
	if err != nil {
		return e.execFailure(desc.Name, executor.StageRun, out, err)
	}
	res, err := e.finish(desc.Name, executor.StageRun, out)
	res.Duration = time.Since(start)
	return res, err
}

// runExec starts cmd in the container, optionally feeds stdin, and collects
// both streams. Like its host counterpart, a non-zero exit or a timeout is
// reported in the output, not as an error; a deadline on ctx counts as a
// timeout and only cancellation yields errParentCanceled.
func (e *Executor) runExec(ctx context.Context, containerID string, cmd []string, stdin string) (*executor.Output, error) {
	runCtx := ctx
	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	execResp, err := e.cli.ContainerExecCreate(runCtx, containerID, container.ExecOptions{
		AttachStdin:  stdin != "",
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   e.config.WorkDir,
		Cmd:          cmd,
	})
	if err != nil {
		return nil, &spawnError{err: fmt.Errorf("failed to create exec: %w", err)}
	}

	attachResp, err := e.cli.ContainerExecAttach(runCtx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, &spawnError{err: fmt.Errorf("failed to attach to exec: %w", err)}
	}
	defer attachResp.Close()

	if stdin != "" {
		go func() {
			_, _ = io.Copy(attachResp.Conn, strings.NewReader(stdin))
			_ = attachResp.CloseWrite()
		}()
	}

	stdout := executor.NewOutputBuffer(e.config.MaxOutputBytes)
	stderr := executor.NewOutputBuffer(e.config.MaxOutputBytes)
	done := make(chan struct{})
	go func() {
		// Use stdcopy to demultiplex stdout from stderr
		_, _ = stdcopy.StdCopy(stdout, stderr, attachResp.Reader)
		close(done)
	}()

	// An exec whose streams closed first ran to completion and is judged by
	// its exit code, whatever happens to the contexts afterwards.
	interrupted := false
	select {
	case <-done:
	case <-runCtx.Done():
		// Closing the hijacked connection ends StdCopy; wait for it so the
		// buffers are no longer written to.
		attachResp.Close()
		<-done
		interrupted = true
	}

	out := &executor.Output{
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Duration:  time.Since(start),
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}

	if interrupted {
		out.ExitCode = -1
		if errors.Is(ctx.Err(), context.Canceled) {
			return out, errParentCanceled
		}
		// our own timeout or a deadline on the caller's context
		out.TimedOut = true
		return out, nil
	}

	inspectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inspect, err := e.cli.ContainerExecInspect(inspectCtx, execResp.ID)
	if err != nil {
		return out, fmt.Errorf("failed to inspect exec: %w", err)
	}
	out.ExitCode = inspect.ExitCode

	// The OCI runtime reports a missing binary on the exec's own streams.
	if inspect.ExitCode == 126 || inspect.ExitCode == 127 {
		msg := string(out.Stdout) + string(out.Stderr)
		if strings.Contains(msg, "executable file not found") ||
			(strings.Contains(msg, "no such file or directory") && strings.Contains(msg, "exec:")) {
			return nil, &spawnError{err: fmt.Errorf("%s: %s", cmd[0], strings.TrimSpace(msg))}
		}
	}

	return out, nil
}

// finish classifies a completed exec and accounts for timeouts.
func (e *Executor) finish(lang executor.Language, stage executor.Stage, out *executor.Output) (*executor.ExecutionResult, error) {
	res, err := executor.Classify(lang, stage, out)
	if out.TimedOut {
		e.timeouts.Add(1)
		e.logger.Info("container exec timed out",
			slog.String("language", string(lang)),
			slog.String("stage", string(stage)),
			slog.Duration("duration", out.Duration),
		)
	}
	return res, err
}

// acquireFailure maps a failed GetContainer. The caller's deadline is a
// timeout and its cancellation a cancel; anything else means no container
// could be had.
func (e *Executor) acquireFailure(ctx context.Context, lang executor.Language, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		e.timeouts.Add(1)
		return executor.TimedOut(lang, executor.StageRun, nil)
	case ctx.Err() != nil:
		return executor.Canceled(lang, executor.StageRun, ctx.Err())
	}
	e.logger.Error("no container to run in",
		slog.String("language", string(lang)),
		slog.String("error", err.Error()),
	)
	return executor.SpawnFailed(lang, executor.StageRun, err)
}

func (e *Executor) execFailure(lang executor.Language, stage executor.Stage, out *executor.Output, err error) (*executor.ExecutionResult, error) {
	var spawnErr *spawnError
	switch {
	case errors.As(err, &spawnErr):
		e.logger.Warn("could not start exec",
			slog.String("language", string(lang)),
			slog.String("stage", string(stage)),
			slog.String("error", spawnErr.Error()),
		)
		return nil, executor.SpawnFailed(lang, stage, spawnErr.err)
	case errors.Is(err, errParentCanceled):
		var res *executor.ExecutionResult
		if out != nil {
			res, _ = executor.Classify(lang, stage, out)
			res.Success = false
		}
		cancelErr := executor.Canceled(lang, stage, context.Canceled)
		cancelErr.Result = res
		return res, cancelErr
	default:
		return nil, executor.SpawnFailed(lang, stage, err)
	}
}
