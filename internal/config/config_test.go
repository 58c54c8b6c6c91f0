package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.ExtractModel)
	assert.Equal(t, "claude-sonnet-4-5-20250929", cfg.Anthropic.ValidateModel)
	assert.Equal(t, int64(2048), cfg.Anthropic.MaxTokens)
	assert.Equal(t, "sonar-pro", cfg.Perplexity.Model)
	assert.Equal(t, "https://s.jina.ai", cfg.Jina.SearchBaseURL)
	assert.Equal(t, 10, cfg.Pipeline.BatchSize)
	assert.Equal(t, 60, cfg.Pipeline.MinConfidence)
	assert.Equal(t, 5, cfg.Pipeline.SearchLimit)
	assert.True(t, cfg.Pipeline.UseConsensus)
	assert.InDelta(t, 1.0, cfg.Pipeline.RatePerSecond["jina"], 0.001)
	assert.InDelta(t, 0.5, cfg.Pipeline.RatePerSecond["generate"], 0.001)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
  sqlite_path: /tmp/archive.db
log:
  level: debug
  format: console
server:
  port: 9090
pipeline:
  batch_size: 3
  min_confidence: 80
  use_consensus: false
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/tmp/archive.db", cfg.Store.SQLitePath)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Pipeline.BatchSize)
	assert.Equal(t, 80, cfg.Pipeline.MinConfidence)
	assert.False(t, cfg.Pipeline.UseConsensus)
	// Untouched sections keep defaults.
	assert.Equal(t, "sonar-pro", cfg.Perplexity.Model)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())

	err := InitLogger(LogConfig{Level: "not-a-level", Format: "json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse log level")
}
