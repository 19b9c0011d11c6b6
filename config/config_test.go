package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "fern", cfg.AppName)
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, 30*time.Second, cfg.HttpClientTimeout)
	assert.Equal(t, 5, cfg.PageMaxRetries)
	assert.Equal(t, time.Second, cfg.PageRetryBaseDelay)
	assert.Equal(t, 10*time.Minute, cfg.PageRetryMaxDelay)
	assert.Equal(t, []string{"GET", "POST", "PUT", "DELETE"}, cfg.AllowMethods)
	assert.True(t, cfg.SchedulerEnabled)
	assert.False(t, cfg.OTLPEnabled)
	assert.Equal(t, 1.0, cfg.OTLPSampleRatio)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("HTTP_CLIENT_TIMEOUT", "5s")
	t.Setenv("SCHEDULER_ENABLED", "false")
	t.Setenv("HTTP_SERVER_ALLOW_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, 5*time.Second, cfg.HttpClientTimeout)
	assert.False(t, cfg.SchedulerEnabled)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowOrigins)
}

func TestLoad_DotEnvFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(file, []byte("WORKER_COUNT=3\nSOURCES_FILE=/etc/fern/sources.yaml\n"), 0o600))
	t.Cleanup(func() {
		_ = os.Unsetenv("WORKER_COUNT")
		_ = os.Unsetenv("SOURCES_FILE")
	})

	cfg, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.WorkerCount)
	assert.Equal(t, "/etc/fern/sources.yaml", cfg.SourcesFile)
}
