// Package config reads server configuration from the environment.
//
// A .env file in the working directory, when present, is loaded first;
// variables already set in the real environment win over it.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/sakif/codeflow/internal/logging"
)

// Executor backends.
const (
	ExecutorLocal  = "local"
	ExecutorDocker = "docker"
)

type Config struct {
	Port      int
	DBPath    string
	LogLevel  slog.Level
	LogFormat string

	Executor      string
	ExecTimeout   time.Duration
	ScratchDir    string
	MaxOutput     int
	LanguagesFile string

	DockerPoolSize       int
	DockerMemoryLimit    int64
	DockerAcquireTimeout time.Duration

	SessionPolicy  string
	SessionIdleTTL time.Duration
	SessionSecret  string
	// TokenTTL is how long a session token stays valid. It is independent
	// of SessionIdleTTL; every authorized request hands out a fresh token.
	TokenTTL time.Duration
	// SecretGenerated is set when SESSION_SECRET was empty and a random one
	// was made up; tokens then do not survive a restart.
	SecretGenerated bool
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Load reads .env (if any) and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from lookup. Every invalid value is reported,
// not just the first.
func FromLookup(lookup LookupFunc) (Config, error) {
	p := parser{lookup: lookup}

	cfg := Config{
		Port:      p.int("PORT", 8080),
		DBPath:    p.string("DB_PATH", "data/codeflow.db"),
		LogFormat: p.string("LOG_FORMAT", logging.FormatText),

		Executor:      p.string("EXECUTOR", ExecutorLocal),
		ExecTimeout:   p.duration("EXEC_TIMEOUT", 10*time.Second),
		ScratchDir:    p.string("EXEC_SCRATCH_DIR", os.TempDir()),
		MaxOutput:     p.int("EXEC_MAX_OUTPUT", 1<<20),
		LanguagesFile: p.string("LANGUAGES_FILE", ""),

		DockerPoolSize:       p.int("DOCKER_POOL_SIZE", 2),
		DockerMemoryLimit:    int64(p.int("DOCKER_MEMORY_LIMIT", 128*1024*1024)),
		DockerAcquireTimeout: p.duration("DOCKER_ACQUIRE_TIMEOUT", 30*time.Second),

		SessionPolicy:  p.string("SESSION_POLICY", "replace"),
		SessionIdleTTL: p.duration("SESSION_IDLE_TTL", 30*time.Minute),
		SessionSecret:  p.string("SESSION_SECRET", ""),
		TokenTTL:       p.duration("SESSION_TOKEN_TTL", 24*time.Hour),
	}

	level, err := logging.ParseLevel(p.string("LOG_LEVEL", "info"))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	cfg.LogLevel = level

	if cfg.Port <= 0 || cfg.Port > 65535 {
		p.errs = append(p.errs, fmt.Errorf("PORT: %d is out of range", cfg.Port))
	}
	if cfg.Executor != ExecutorLocal && cfg.Executor != ExecutorDocker {
		p.errs = append(p.errs, fmt.Errorf("EXECUTOR: %q is not %s or %s", cfg.Executor, ExecutorLocal, ExecutorDocker))
	}
	if cfg.ExecTimeout <= 0 {
		p.errs = append(p.errs, errors.New("EXEC_TIMEOUT: must be positive"))
	}
	if cfg.TokenTTL <= 0 {
		p.errs = append(p.errs, errors.New("SESSION_TOKEN_TTL: must be positive"))
	}
	if cfg.MaxOutput < 0 {
		p.errs = append(p.errs, errors.New("EXEC_MAX_OUTPUT: must not be negative"))
	}

	if cfg.SessionSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			p.errs = append(p.errs, err)
		}
		cfg.SessionSecret = secret
		cfg.SecretGenerated = true
	} else if len(cfg.SessionSecret) < 16 {
		p.errs = append(p.errs, errors.New("SESSION_SECRET: must be at least 16 characters"))
	}

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// parser accumulates errors so a misconfigured deployment sees all of them.
type parser struct {
	lookup LookupFunc
	errs   []error
}

func (p *parser) string(key, fallback string) string {
	if v, ok := p.lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func (p *parser) int(key string, fallback int) int {
	raw, ok := p.lookup(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not an integer", key, raw))
		return fallback
	}
	return v
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	raw, ok := p.lookup(key)
	if !ok || raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a duration", key, raw))
		return fallback
	}
	return d
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating session secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
