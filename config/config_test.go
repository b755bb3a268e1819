package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hupe1980/indexshard"
	"github.com/hupe1980/indexshard/translog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Equal(t, filepath.Join("data", "index"), cfg.Storage.Local.Path)
	assert.Equal(t, filepath.Join("data", "_state"), cfg.StateStore.Path)
	assert.Equal(t, time.Second, cfg.Index.RefreshInterval)
	assert.Equal(t, 512*MiB, cfg.Index.FlushThresholdSize)

	settings, err := cfg.Index.Settings()
	require.NoError(t, err)
	assert.Equal(t, indexshard.DefaultSettings, settings)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Listen, cfg.Server.Listen)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
shard:
  id: "logs[3]"
  data_dir: /var/lib/shard
  allocation_id: a-1
index:
  refresh_interval: 250ms
  flush_threshold_size: 64MiB
  check_on_startup: checksum
translog:
  durability: request
  compression: zstd
resources:
  indexing_buffer: "1 GB"
  io_rate_limit: 10485760
storage:
  backend: minio
  minio:
    endpoint: localhost:9000
    bucket: shards
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "logs[3]", cfg.Shard.ID)
	assert.Equal(t, "/var/lib/shard/_state", cfg.StateStore.Path)
	assert.Equal(t, 250*time.Millisecond, cfg.Index.RefreshInterval)
	assert.Equal(t, 64*MiB, cfg.Index.FlushThresholdSize)
	assert.Equal(t, ByteSize(1_000_000_000), cfg.Resources.IndexingBuffer)
	assert.Equal(t, ByteSize(10*MiB), cfg.Resources.IORateLimit)
	assert.True(t, cfg.Storage.MinIO.Enabled)

	// Keys absent from the file keep their defaults.
	assert.True(t, cfg.Index.FlushOnClose)
	assert.Equal(t, "INFO", cfg.Logging.Level)

	settings, err := cfg.Index.Settings()
	require.NoError(t, err)
	assert.Equal(t, indexshard.CheckChecksum, settings.CheckOnStartup)

	fn, err := cfg.Translog.Options(cfg.TranslogDir())
	require.NoError(t, err)
	opts := translog.DefaultOptions
	fn(&opts)
	assert.Equal(t, "/var/lib/shard/translog", opts.Path)
	assert.Equal(t, translog.DurabilityRequest, opts.Durability)
	assert.Equal(t, translog.CompressionZstd, opts.Compression)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "index:\n  refresh_interval: 1s\n")
	t.Setenv("INDEXSHARD_INDEX_REFRESH_INTERVAL", "5s")
	t.Setenv("INDEXSHARD_SHARD_ID", "env[0]")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Index.RefreshInterval)
	assert.Equal(t, "env[0]", cfg.Shard.ID)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown backend", "storage:\n  backend: ftp\n"},
		{"s3 without bucket", "storage:\n  backend: s3\n"},
		{"bad durability", "translog:\n  durability: sometimes\n"},
		{"bad check mode", "index:\n  check_on_startup: maybe\n"},
		{"bad listen address", "server:\n  listen: nowhere\n"},
		{"bad byte size", "index:\n  flush_threshold_size: lots\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
		})
	}
}

func TestSave_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Shard.ID = "saved[1]"
	cfg.Index.FlushThresholdSize = 3 * GiB
	cfg.Storage.Backend = "s3"
	cfg.Storage.S3.Bucket = "bucket"
	cfg.Storage.S3.DynamoDBTable = "commits"

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, Save(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "saved[1]", got.Shard.ID)
	assert.Equal(t, 3*GiB, got.Index.FlushThresholdSize)
	assert.Equal(t, "commits", got.Storage.S3.DynamoDBTable)
	assert.True(t, got.Storage.S3.Enabled)
}

func TestByteSize(t *testing.T) {
	b, err := ParseByteSize("512MiB")
	require.NoError(t, err)
	assert.Equal(t, 512*MiB, b)
	assert.Equal(t, "512 MiB", b.String())

	var u ByteSize
	require.NoError(t, u.UnmarshalText([]byte("2 KiB")))
	assert.Equal(t, 2*KiB, u)
	require.Error(t, u.UnmarshalText([]byte("many")))
}

func TestWatch(t *testing.T) {
	path := writeConfig(t, "index:\n  refresh_interval: 1s\n")

	var latest atomic.Pointer[Config]
	require.NoError(t, Watch(path, nil, func(cfg *Config) { latest.Store(cfg) }))

	require.NoError(t, os.WriteFile(path, []byte("index:\n  refresh_interval: 2s\n"), 0o600))
	require.Eventually(t, func() bool {
		cfg := latest.Load()
		return cfg != nil && cfg.Index.RefreshInterval == 2*time.Second
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatch_MissingFile(t *testing.T) {
	require.Error(t, Watch(filepath.Join(t.TempDir(), "missing.yaml"), nil, func(*Config) {}))
}
