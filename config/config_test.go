package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spartan-array/spartan/config"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.NumShards)
	assert.Equal(t, 2*time.Second, cfg.HeartbeatInterval)
}

func TestLoadEmptyPathReturnsDefault(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)
}

func TestLoadMergesDocumentOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spartan.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"num_shards": 8, "checkpoint_path": "/tmp/shards"}`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.NumShards)
	assert.Equal(t, "/tmp/shards", cfg.CheckpointPath)
	// unspecified fields keep their default values
	assert.Equal(t, 3, cfg.WorkerFailedHeartbeatThreshold)
}

func TestLoadRejectsInvalidDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"num_shards": 0}`), 0o644))

	_, err := config.Load(path)
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "malformed.json")
	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o644))

	_, err := config.Load(path)
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}
