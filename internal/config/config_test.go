package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupMap(env map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := FromLookup(lookupMap(nil))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "data/codeflow.db", cfg.DBPath)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, ExecutorLocal, cfg.Executor)
	assert.Equal(t, 10*time.Second, cfg.ExecTimeout)
	assert.Equal(t, 1<<20, cfg.MaxOutput)
	assert.Equal(t, "replace", cfg.SessionPolicy)
	assert.True(t, cfg.SecretGenerated)
	assert.Len(t, cfg.SessionSecret, 64)
}

func TestOverrides(t *testing.T) {
	cfg, err := FromLookup(lookupMap(map[string]string{
		"PORT":                   "9000",
		"LOG_LEVEL":              "debug",
		"LOG_FORMAT":             "json",
		"EXECUTOR":               "docker",
		"EXEC_TIMEOUT":           "2s",
		"EXEC_MAX_OUTPUT":        "4096",
		"LANGUAGES_FILE":         "/etc/codeflow/languages.toml",
		"SESSION_POLICY":         "queue",
		"SESSION_IDLE_TTL":       "5m",
		"SESSION_SECRET":         "0123456789abcdef0123",
		"SESSION_TOKEN_TTL":      "2h",
		"DOCKER_ACQUIRE_TIMEOUT": "15s",
	}))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, ExecutorDocker, cfg.Executor)
	assert.Equal(t, 2*time.Second, cfg.ExecTimeout)
	assert.Equal(t, 4096, cfg.MaxOutput)
	assert.Equal(t, "/etc/codeflow/languages.toml", cfg.LanguagesFile)
	assert.Equal(t, "queue", cfg.SessionPolicy)
	assert.Equal(t, 5*time.Minute, cfg.SessionIdleTTL)
	assert.Equal(t, 2*time.Hour, cfg.TokenTTL)
	assert.Equal(t, 15*time.Second, cfg.DockerAcquireTimeout)
	assert.False(t, cfg.SecretGenerated)
}

func TestReportsEveryInvalidValue(t *testing.T) {
	_, err := FromLookup(lookupMap(map[string]string{
		"PORT":           "eighty",
		"EXEC_TIMEOUT":   "soon",
		"EXECUTOR":       "vm",
		"LOG_LEVEL":      "loud",
		"SESSION_SECRET": "short",
	}))
	require.Error(t, err)

	for _, key := range []string{"PORT", "EXEC_TIMEOUT", "EXECUTOR", "LOG_LEVEL", "SESSION_SECRET"} {
		assert.Contains(t, err.Error(), key)
	}
}
