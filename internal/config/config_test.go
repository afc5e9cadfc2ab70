package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CODEINDEX_DATA_DIR", dir)
	t.Setenv("CODEINDEX_AUTH_TOKEN", "")
	t.Setenv("CODEINDEX_BASE_URL", "")
	return dir
}

func TestLoadDefaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load(LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 5*time.Minute, cfg.SyncInterval)
	assert.Equal(t, 1000, cfg.BatchSize)
	assert.Equal(t, 20000, cfg.MaxFiles)
	assert.Equal(t, int64(1<<20), cfg.MaxFileSize)
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, 10000, cfg.MaxIterations)
	assert.Empty(t, cfg.ConfigFile)
}

func TestLoadEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("CODEINDEX_AUTH_TOKEN", "secret")
	t.Setenv("CODEINDEX_BASE_URL", "https://index.example.com")
	t.Setenv("CODEINDEX_SYNC_INTERVAL", "90s")
	t.Setenv("CODEINDEX_CONCURRENCY", "2")

	cfg, err := Load(LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.AuthToken)
	assert.Equal(t, "https://index.example.com", cfg.BaseURL)
	assert.Equal(t, 90*time.Second, cfg.SyncInterval)
	assert.Equal(t, 2, cfg.Concurrency)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigFileFromDataDir(t *testing.T) {
	dir := isolate(t)
	yaml := "base_url: https://from-file.example.com\nbatch_size: 250\nignore_patterns:\n  - vendor\n  - \"*.min.js\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load(LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "https://from-file.example.com", cfg.BaseURL)
	assert.Equal(t, 250, cfg.BatchSize)
	assert.Equal(t, []string{"vendor", "*.min.js"}, cfg.IgnorePatterns)
	assert.Equal(t, filepath.Join(dir, "config.yaml"), cfg.ConfigFile)

	t.Setenv("CODEINDEX_BATCH_SIZE", "400")
	cfg, err = Load(LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, 400, cfg.BatchSize)
}

func TestLoadExplicitConfigFile(t *testing.T) {
	isolate(t)
	_, err := Load(LoadOptions{ConfigFile: filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_retries: 7\n"), 0o644))
	cfg, err := Load(LoadOptions{ConfigFile: path})
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxRetries)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("CODEINDEX_LOG_LEVEL", "warn")
	t.Setenv("CODEINDEX_MAX_FILES", "10")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("log-level", "", "")
	fs.Int("max-files", 0, "")
	fs.String("unrelated", "", "")
	require.NoError(t, fs.Parse([]string{"--log-level=debug"}))

	cfg, err := Load(LoadOptions{Flags: fs})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 10, cfg.MaxFiles)
}

func TestValidate(t *testing.T) {
	cfg := &Config{BaseURL: "https://x.example.com"}
	assert.ErrorIs(t, cfg.Validate(), ErrMissingToken)

	cfg = &Config{AuthToken: "t"}
	assert.ErrorIs(t, cfg.Validate(), ErrMissingBaseURL)

	cfg = &Config{AuthToken: "t", BaseURL: "no-scheme"}
	assert.Error(t, cfg.Validate())

	cfg = &Config{AuthToken: "t", BaseURL: "https://x.example.com", BatchSize: -1}
	assert.Error(t, cfg.Validate())
}

func TestIndexerConfig(t *testing.T) {
	cfg := &Config{BatchSize: 5, MaxFiles: 6, MaxFileSize: 7, Concurrency: 2, MaxRetries: 1,
		RetryDelay: time.Second, MaxIterations: 9, SyncInterval: time.Minute,
		IgnorePatterns: []string{"tmp"}, DisableWatch: true}
	ic := cfg.Indexer()
	assert.Equal(t, 5, ic.BatchSize)
	assert.Equal(t, int64(7), ic.MaxFileSize)
	assert.Equal(t, time.Minute, ic.SyncInterval)
	assert.Equal(t, []string{"tmp"}, ic.IgnorePatterns)
	assert.True(t, ic.DisableWatch)
}
