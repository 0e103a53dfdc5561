package docker_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/codeflow/internal/executor"
	"github.com/sakif/codeflow/internal/executor/docker"
)

const testImage = "python:3.12-alpine"

// requireDocker skips unless a daemon answers a ping.
func requireDocker(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping docker test in short mode")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		t.Skipf("docker client unavailable: %v", err)
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		t.Skipf("docker daemon unavailable: %v", err)
	}
}

// testRegistry uses a single image for everything. "shc" is a compiled
// language whose compiler copies a shell script and marks it executable.
func testRegistry(t *testing.T) *executor.Registry {
	t.Helper()
	reg, err := executor.NewRegistry(
		executor.Descriptor{Name: "python", Command: "python3", Args: []string{"-c", "{code}"}, Image: testImage},
		executor.Descriptor{
			Name: "shc", Compiled: true, Command: "sh", Extension: ".sh",
			Args:  []string{"-c", `grep -q COMPILE_ERROR "$0" && { echo "error: rejected" >&2; exit 1; }; cp "$0" "$1" && chmod +x "$1"`, "{source}", "{binary}"},
			Image: testImage,
		},
		executor.Descriptor{Name: "noimage", Command: "sh", Args: []string{"-c", "{code}"}},
	)
	require.NoError(t, err)
	return reg
}

func TestDockerExecutor(t *testing.T) {
	requireDocker(t)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := docker.DefaultConfig()
	cfg.PoolSize = 1
	cfg.Timeout = 3 * time.Second

	exec, err := docker.New(cfg, testRegistry(t), logger)
	require.NoError(t, err, "Should initialize docker executor without error")
	t.Cleanup(func() { exec.Close() })

	ctx := context.Background()

	t.Run("languages with an image", func(t *testing.T) {
		var names []executor.Language
		for _, d := range exec.Languages() {
			names = append(names, d.Name)
		}
		assert.Equal(t, []executor.Language{"python", "shc"}, names)
	})

	t.Run("successful execution", func(t *testing.T) {
		res, err := exec.Execute(ctx, executor.ExecutionRequest{Language: "python", Code: `print("Hello from test sandbox!")`})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 0, res.ExitCode)
		assert.Equal(t, "Hello from test sandbox!\n", res.Stdout)
		assert.Empty(t, res.Stderr)
		assert.Greater(t, res.Duration, time.Duration(0))
	})

	t.Run("syntax error", func(t *testing.T) {
		res, err := exec.Execute(ctx, executor.ExecutionRequest{Language: "python", Code: `print("Missing parenthesis"`})
		require.ErrorIs(t, err, executor.ErrRuntime)
		assert.NotEqual(t, 0, res.ExitCode)
		assert.Contains(t, res.Stderr, "SyntaxError")
		assert.Empty(t, res.Stdout)
	})

	t.Run("multiline logic", func(t *testing.T) {
		code := strings.Join([]string{
			"def fib(n):",
			"    if n <= 1: return n",
			"    return fib(n-1) + fib(n-2)",
			"print(fib(10))",
		}, "\n")
		res, err := exec.Execute(ctx, executor.ExecutionRequest{Language: "python", Code: code})
		require.NoError(t, err)
		assert.Equal(t, "55\n", res.Stdout)
	})

	t.Run("no network", func(t *testing.T) {
		code := "import socket\nsocket.create_connection(('1.1.1.1', 53), timeout=1)"
		_, err := exec.Execute(ctx, executor.ExecutionRequest{Language: "python", Code: code})
		assert.ErrorIs(t, err, executor.ErrRuntime)
	})

	t.Run("infinite loop timeout", func(t *testing.T) {
		res, err := exec.Execute(ctx, executor.ExecutionRequest{Language: "python", Code: "while True: pass"})
		require.ErrorIs(t, err, executor.ErrTimeout)
		require.NotNil(t, res)
		assert.False(t, res.Success)
	})

	t.Run("compiled", func(t *testing.T) {
		res, err := exec.Execute(ctx, executor.ExecutionRequest{Language: "shc", Code: "#!/bin/sh\necho compiled hi\n"})
		require.NoError(t, err)
		assert.Equal(t, "compiled hi\n", res.Stdout)
		assert.Equal(t, executor.StageRun, res.Stage)
	})

	t.Run("compile error", func(t *testing.T) {
		res, err := exec.Execute(ctx, executor.ExecutionRequest{Language: "shc", Code: "#!/bin/sh\nCOMPILE_ERROR\n"})
		require.ErrorIs(t, err, executor.ErrCompile)
		assert.Equal(t, executor.StageCompile, res.Stage)
		assert.Contains(t, res.Stderr, "rejected")
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := exec.Execute(ctx, executor.ExecutionRequest{Language: "noimage", Code: "echo hi"})
		assert.ErrorIs(t, err, executor.ErrUnsupportedLanguage)

		_, err = exec.Execute(ctx, executor.ExecutionRequest{Language: "cobol", Code: "DISPLAY 'HI'."})
		assert.ErrorIs(t, err, executor.ErrUnsupportedLanguage)
	})
}
