package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/sakif/codeflow/internal/executor"
)

// Exit statuses for failures that have no program exit code of their own.
const (
	exitFailure     = 1
	exitTimeout     = 124 // same as timeout(1)
	exitInterrupted = 130
)

// interpretedExtensions covers languages whose descriptors carry no
// Extension because they never touch a source file.
var interpretedExtensions = map[string]executor.Language{
	".py": "python",
	".js": "javascript",
	".rb": "ruby",
	".sh": "bash",
}

// job is one file to run.
type job struct {
	name string
	req  executor.ExecutionRequest
}

// outcome is what a job produced, kept until it can be printed in order.
type outcome struct {
	res *executor.ExecutionResult
	err error
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.NArg() == 0 {
		return cli.Exit("run: at least one file (or - for stdin) is required", exitFailure)
	}

	exec, err := newExecutor(cmd.Root(), cmd.Duration("timeout"))
	if err != nil {
		return err
	}
	defer exec.close()

	jobs, err := loadJobs(cmd.Args().Slice(), executor.Language(cmd.String("lang")), exec.Languages(), os.Stdin)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}

	r := &runner{
		exec:     exec,
		stdout:   os.Stdout,
		stderr:   os.Stderr,
		parallel: int(cmd.Int("parallel")),
	}
	if code := r.runAll(ctx, jobs); code != 0 {
		return cli.Exit("", code)
	}
	return nil
}

// loadJobs reads every file ("-" is stdin) and settles its language.
func loadJobs(paths []string, lang executor.Language, known []executor.Descriptor, stdin io.Reader) ([]job, error) {
	jobs := make([]job, 0, len(paths))
	for _, path := range paths {
		var src []byte
		var err error
		if path == "-" {
			src, err = io.ReadAll(stdin)
		} else {
			src, err = os.ReadFile(path)
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}

		l := lang
		if l == "" {
			var ok bool
			if l, ok = guessLanguage(path, known); !ok {
				return nil, fmt.Errorf("%s: cannot tell the language, pass --lang", path)
			}
		}
		jobs = append(jobs, job{name: path, req: executor.ExecutionRequest{Code: string(src), Language: l}})
	}
	return jobs, nil
}

func guessLanguage(path string, known []executor.Descriptor) (executor.Language, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return "", false
	}
	for _, d := range known {
		if d.Extension == ext {
			return d.Name, true
		}
	}
	lang, ok := interpretedExtensions[ext]
	return lang, ok
}

type runner struct {
	exec     executor.Executor
	stdout   io.Writer
	stderr   io.Writer
	parallel int
}

// runAll executes jobs concurrently and prints them in argument order. It
// returns the exit status of the first job that failed, or 0.
func (r *runner) runAll(ctx context.Context, jobs []job) int {
	results := make([]outcome, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(r.parallel, 1))
	for i, j := range jobs {
		g.Go(func() error {
			res, err := r.exec.Execute(gctx, j.req)
			results[i] = outcome{res: res, err: err}
			// a failing program is a result, not a reason to stop the others
			return nil
		})
	}
	_ = g.Wait()

	code := 0
	for i, j := range jobs {
		if len(jobs) > 1 {
			color.New(color.FgCyan, color.Bold).Fprintf(r.stdout, "==> %s (%s)\n", j.name, j.req.Language)
		}
		c := r.print(results[i])
		if code == 0 {
			code = c
		}
	}
	return code
}

// print writes the captured streams and a status line, and returns the
// exit status the job maps to.
func (r *runner) print(o outcome) int {
	res := o.res
	if res == nil {
		res = executor.ResultOf(o.err)
	}
	if res != nil {
		io.WriteString(r.stdout, res.Stdout)
		io.WriteString(r.stderr, res.Stderr)
	}

	switch {
	case o.err == nil:
		color.New(color.FgGreen).Fprintf(r.stderr, "✓ ok in %s\n", res.Duration.Round(time.Millisecond))
		return 0
	case errors.Is(o.err, executor.ErrRuntime):
		color.New(color.FgRed).Fprintf(r.stderr, "✗ exited with code %d\n", res.ExitCode)
		if res.ExitCode > 0 && res.ExitCode < 256 {
			return res.ExitCode
		}
		return exitFailure
	case errors.Is(o.err, executor.ErrTimeout):
		color.New(color.FgYellow).Fprintf(r.stderr, "✗ %v\n", o.err)
		return exitTimeout
	case errors.Is(o.err, executor.ErrCanceled):
		color.New(color.FgYellow).Fprintf(r.stderr, "✗ interrupted\n")
		return exitInterrupted
	default:
		color.New(color.FgRed).Fprintf(r.stderr, "✗ %s: %v\n", executor.KindName(o.err), o.err)
		return exitFailure
	}
}
