// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/soundgrab
listen: ":9090"
max_concurrency: 4
max_attempts: 5
retry_backoff_base: 250ms
retry_backoff_max: 10s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/soundgrab", cfg.DataDir)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, 4, cfg.MaxConcurrency)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBackoffBase)
	assert.Equal(t, 10*time.Second, cfg.RetryBackoffMax)
	assert.Equal(t, filepath.Join("/tmp/soundgrab", "catalog.db"), cfg.DatabasePath)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/soundgrab
max_concurrency: 2
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8686", cfg.Listen)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryBackoffBase)
	assert.Equal(t, 30*time.Second, cfg.RetryBackoffMax)
}

func TestLoadRequiresMaxConcurrency(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/soundgrab
`)

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrMaxConcurrencyRequired)
}

func TestLoadRequiresDataDir(t *testing.T) {
	path := writeConfig(t, `
max_concurrency: 2
`)

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrDataDirRequired)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/soundgrab
max_concurrency: 2
`)

	t.Setenv("SG_MAX_CONCURRENCY", "7")
	t.Setenv("SG_LISTEN", ":7070")
	t.Setenv("SG_RETRY_BACKOFF_BASE", "1s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.MaxConcurrency)
	assert.Equal(t, ":7070", cfg.Listen)
	assert.Equal(t, time.Second, cfg.RetryBackoffBase)
}

func TestEnvInvalidValuesFallBack(t *testing.T) {
	t.Setenv("SG_MAX_CONCURRENCY", "not-a-number")
	t.Setenv("SG_RETRY_BACKOFF_BASE", "soon")

	assert.Equal(t, 3, ParseInt("SG_MAX_CONCURRENCY", 3))
	assert.Equal(t, time.Second, ParseDuration("SG_RETRY_BACKOFF_BASE", time.Second))
}
