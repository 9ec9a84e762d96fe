package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 2*time.Minute, cfg.Orchestrator.StageTimeout)
	assert.Equal(t, 5, cfg.Outbox.MaxRetries)
	assert.Equal(t, 100, cfg.Outbox.BatchSize)
	assert.Equal(t, "host=localhost port=5432 user=postgres password= dbname=orchestrator sslmode=disable", cfg.DSN())
}

func TestLoadConfig_FileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: memory
queue:
  concurrency: 8
outbox:
  poll_interval: 250ms
tools:
  network_allowlist: ["example.com", "*.example.org"]
`)
	t.Setenv("ORCH_SERVER_ADDR", ":9090")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 8, cfg.Queue.Concurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.Outbox.PollInterval)
	assert.Equal(t, []string{"example.com", "*.example.org"}, cfg.Tools.NetworkAllowlist)
	assert.Equal(t, ":9090", cfg.Server.Addr)
}

func TestLoadConfig_Rejects(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit path must exist")

	_, err = LoadConfig(writeConfig(t, "storage:\n  driver: sqlite\n"))
	assert.ErrorContains(t, err, "unsupported storage driver")

	_, err = LoadConfig(writeConfig(t, "outbox:\n  max_retries: 0\n"))
	assert.ErrorContains(t, err, "max_retries")
}
