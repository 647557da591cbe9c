package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)

	_, statErr := os.Stat(path)
	assert.NoError(t, statErr, "defaults must be written to disk")

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, 20, cfg.Database.MaxConnections)
	assert.Equal(t, "samples", cfg.Storage.SampleBucket)
	assert.Equal(t, "cfg-results", cfg.Storage.ResultBucket)
	assert.Equal(t, 30, cfg.Sandbox.StatusCheckIntervalSecs)
	assert.Equal(t, 1000, cfg.Sandbox.SubmitIntervalMs)
	assert.Equal(t, 1000, cfg.Sandbox.PollBatchSize)
	assert.Equal(t, 60, cfg.Extractor.SyncIntervalSecs)
	assert.Equal(t, 1000, cfg.Extractor.PollBatchSize)

	assert.True(t, cfg.Recovery.Enabled)
	assert.Equal(t, 10, cfg.Recovery.InitialDelaySecs)
	assert.Equal(t, 300, cfg.Recovery.ScanIntervalSecs)
	assert.Equal(t, 20, cfg.Recovery.BatchSize)
	assert.Equal(t, 300, cfg.Recovery.StuckSubmittingThresholdSecs)

	assert.True(t, cfg.Sandbox.Retry.Enabled)
	assert.Equal(t, 3, cfg.Sandbox.Retry.MaxAttempts)
	assert.Equal(t, 5, cfg.Sandbox.Retry.InitialBackoffSecs)
	assert.Equal(t, 2.0, cfg.Sandbox.Retry.BackoffMultiplier)
}

func TestLoad_WrittenDefaultsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	first, err := Load(path)
	require.NoError(t, err)
	second, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, first.Server, second.Server)
	assert.Equal(t, first.Recovery, second.Recovery)
	assert.Equal(t, first.Sandbox, second.Sandbox)
	assert.Equal(t, first.Extractor, second.Extractor)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
triage:
  server:
    port: 9090
  recovery:
    scan_interval_secs: 120
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 120, cfg.Recovery.ScanIntervalSecs)
	// Untouched keys keep their defaults.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 20, cfg.Recovery.BatchSize)
}

func TestLoad_InvalidPortRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
triage:
  server:
    port: -1
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port")
}

func TestValidate_RecoveryBounds(t *testing.T) {
	cfg := defaults()

	cfg.Recovery.ScanIntervalSecs = 30
	assert.Error(t, cfg.ValidateAndApplyDefaults(), "scan interval below the 60s floor")

	cfg = defaults()
	cfg.Recovery.StuckSubmittingThresholdSecs = 60
	assert.Error(t, cfg.ValidateAndApplyDefaults(), "stuck threshold below the 120s floor")

	cfg = defaults()
	cfg.Recovery.BatchSize = 0
	assert.Error(t, cfg.ValidateAndApplyDefaults())
}

func TestValidate_RetryBounds(t *testing.T) {
	cfg := defaults()
	cfg.Sandbox.Retry.BackoffMultiplier = 0.5
	assert.Error(t, cfg.ValidateAndApplyDefaults())

	cfg = defaults()
	cfg.Sandbox.Retry.Enabled = false
	cfg.Sandbox.Retry.MaxAttempts = 0
	assert.NoError(t, cfg.ValidateAndApplyDefaults(), "disabled retry skips validation")
}

func TestValidate_PollBatchSizeFloors(t *testing.T) {
	cfg := defaults()
	cfg.Sandbox.PollBatchSize = 0
	cfg.Extractor.PollBatchSize = -5
	require.NoError(t, cfg.ValidateAndApplyDefaults())
	assert.Equal(t, 1000, cfg.Sandbox.PollBatchSize)
	assert.Equal(t, 1000, cfg.Extractor.PollBatchSize)
}

func TestValidate_LogLevel(t *testing.T) {
	cfg := defaults()
	cfg.Log.Level = "verbose"
	assert.Error(t, cfg.ValidateAndApplyDefaults())
}
