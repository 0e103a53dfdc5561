package local

import (
	"os"
	"time"
)

// Config holds the configuration for host execution.
type Config struct {
	// ScratchDir is where compiled languages get their temporary source and
	// binary. Defaults to the OS temp directory.
	ScratchDir string
	// Timeout caps each process (compiler and program separately). Zero disables it.
	Timeout time.Duration
	// MaxOutputBytes caps how much of each stream is kept. Zero disables the cap.
	MaxOutputBytes int
	// Env is appended to the server's own environment for every child process.
	Env []string
	// WaitDelay bounds how long Wait keeps reading pipes after the process is
	// gone, for grandchildren that inherited stdout and outlived their parent.
	WaitDelay time.Duration
}

// DefaultConfig provides sensible defaults for running snippets on the host.
func DefaultConfig() Config {
	return Config{
		ScratchDir:     os.TempDir(),
		Timeout:        10 * time.Second,
		MaxOutputBytes: 1 << 20,
		WaitDelay:      2 * time.Second,
	}
}
