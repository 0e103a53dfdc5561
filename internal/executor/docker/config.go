package docker

import (
	"time"
)

// Config holds the configuration for Docker execution.
type Config struct {
	// MemoryLimit is the maximum amount of memory a container can use (in bytes).
	MemoryLimit int64
	// CPULimit is the number of CPUs a container can use.
	CPULimit float64
	// PidsLimit caps the number of processes inside a container, so a fork
	// bomb stays inside its own box.
	PidsLimit int64
	// Timeout applies to each process started in the container, separately
	// for the compile and the run stage.
	Timeout time.Duration
	// PoolSize is the number of pre-warmed containers kept per image.
	PoolSize int
	// AcquireTimeout bounds how long an execution waits for a pooled
	// container; 0 waits as long as the caller's context allows.
	AcquireTimeout time.Duration
	// MaxOutputBytes caps each captured stream; 0 means unlimited.
	MaxOutputBytes int
	// WorkDir is the writable tmpfs where sources and binaries live.
	WorkDir string
	// SkipPull assumes every image is already present locally.
	SkipPull bool
}

// DefaultConfig provides sensible defaults for an untrusted-code sandbox.
func DefaultConfig() Config {
	return Config{
		// 128 MB memory limit
		MemoryLimit: 128 * 1024 * 1024,
		// 0.5 CPU shares
		CPULimit:       0.5,
		PidsLimit:      64,
		Timeout:        5 * time.Second,
		PoolSize:       2,
		AcquireTimeout: 30 * time.Second,
		MaxOutputBytes: 1 << 20,
		WorkDir:        "/tmp",
	}
}
