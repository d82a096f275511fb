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
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadServerConfig_Defaults(t *testing.T) {
	cfg, err := LoadServerConfig(writeConfig(t, "{}"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "/var/lib/planwise", cfg.DataDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "fs", cfg.Durable.Backend)
	assert.Equal(t, "/var/lib/planwise/durable", cfg.Durable.FS.Root)
	assert.Equal(t, "1s", cfg.Replication.SyncInterval)
	assert.Equal(t, int64(4<<20), cfg.CheckpointBytes())
	assert.Zero(t, cfg.UploadRateBytes())
	assert.Equal(t, "15m", cfg.Registry.IdleAfter)
	assert.Equal(t, "5m", cfg.Bulk.LeaseDuration)
	assert.Equal(t, "30s", cfg.Router.CacheTTL)
	assert.NoError(t, cfg.Validate())
}

func TestLoadServerConfig_Full(t *testing.T) {
	cfg, err := LoadServerConfig(writeConfig(t, `
listen: "127.0.0.1:9090"
data_dir: /srv/planwise
log_level: debug
durable:
  backend: s3
  s3:
    bucket: planwise-prod
    region: us-west-2
    endpoint: http://minio:9000
    force_path_style: true
replication:
  sync_interval: 250ms
  checkpoint_size: 1MB
  upload_rate: 10mbps
registry:
  idle_after: 5m
bulk:
  lease_duration: 10m
  publish_attempts: 5
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:9090", cfg.Listen)
	assert.Equal(t, "s3", cfg.Durable.Backend)
	assert.Equal(t, "planwise-prod", cfg.Durable.S3.Bucket)
	assert.Equal(t, "us-west-2", cfg.Durable.S3.Region)
	assert.True(t, cfg.Durable.S3.ForcePathStyle)
	assert.Equal(t, "PLANWISE_S3_ACCESS_KEY", cfg.Durable.S3.AccessKeyEnv)
	assert.Equal(t, "250ms", cfg.Replication.SyncInterval)
	assert.Equal(t, int64(1<<20), cfg.CheckpointBytes())
	assert.Equal(t, 1250000, cfg.UploadRateBytes())
	assert.Equal(t, "5m", cfg.Registry.IdleAfter)
	assert.Equal(t, "10m", cfg.Bulk.LeaseDuration)
	assert.Equal(t, 5, cfg.Bulk.PublishAttempts)
}

func TestLoadServerConfig_ExpandsHomeDir(t *testing.T) {
	cfg, err := LoadServerConfig(writeConfig(t, "data_dir: ~/planwise\n"))
	require.NoError(t, err)

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "planwise"), cfg.DataDir)
	assert.Equal(t, filepath.Join(home, "planwise", "tenants"), cfg.ScratchDir())
	assert.Equal(t, filepath.Join(home, "planwise", "bulk"), cfg.BulkWorkDir())
}

func TestLoadServerConfig_MissingFile(t *testing.T) {
	_, err := LoadServerConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadServerConfig_Malformed(t *testing.T) {
	_, err := LoadServerConfig(writeConfig(t, "listen: [not a string\n"))
	assert.Error(t, err)
}

func TestValidate_UnknownBackend(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Durable.Backend = "gcs"
	assert.ErrorContains(t, cfg.Validate(), "unknown durable backend")
}

func TestValidate_S3RequiresBucket(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Durable.Backend = "s3"
	assert.ErrorContains(t, cfg.Validate(), "bucket")
}

func TestValidate_BadDuration(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Registry.IdleAfter = "soon"
	assert.ErrorContains(t, cfg.Validate(), "idle_after")
}

func TestValidate_BadCheckpointSize(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Replication.CheckpointSize = "huge"
	assert.ErrorContains(t, cfg.Validate(), "checkpoint_size")
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 90*time.Second, Duration("90s", time.Minute))
	assert.Equal(t, time.Minute, Duration("bogus", time.Minute))
}
