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
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "external:\n  base_url: https://api.example.test\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.test", cfg.External.BaseURL)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, 5*time.Minute, cfg.External.CacheTTL)
	assert.Equal(t, 5, cfg.Webhooks.MaxAttempts)
	assert.Equal(t, "X-Webhook-Signature", cfg.Webhooks.SignatureHeader)
	assert.Equal(t, 30, cfg.Reconcile.StatsWindowDays)
	assert.False(t, cfg.Webhooks.AllowUnsigned)
}

func TestLoad_FileOverridesAndEnv(t *testing.T) {
	path := writeConfig(t, `
webhooks:
  secret: from-file
  worker_count: 8
reconcile:
  full_timeout: 30m
`)
	t.Setenv("FIELDSYNC_WEBHOOKS_SECRET", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Webhooks.Secret)
	assert.Equal(t, 8, cfg.Webhooks.WorkerCount)
	assert.Equal(t, 30*time.Minute, cfg.Reconcile.FullTimeout)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
