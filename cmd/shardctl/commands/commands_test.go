package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/indexshard"
	"github.com/hupe1980/indexshard/blobstore"
	"github.com/hupe1980/indexshard/config"
	"github.com/hupe1980/indexshard/engine"
	"github.com/hupe1980/indexshard/store"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		translogJSON, translogSource = false, false
		checkFix, checkChecksums = false, false
		configForce = false
	})
	err := rootCmd.Execute()
	return out.String(), err
}

// writeTestConfig saves a local-storage configuration rooted in a temp dir.
func writeTestConfig(t *testing.T) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Shard.DataDir = filepath.Join(dir, "data")
	cfg.Storage.Local.Path = ""
	cfg.StateStore.Path = ""
	config.ApplyDefaults(cfg)

	path := filepath.Join(dir, "shard.yaml")
	require.NoError(t, config.Save(cfg, path))
	return path, cfg
}

// populate indexes a into a commit and leaves b in the translog only.
func populate(t *testing.T, cfg *config.Config) {
	t.Helper()
	ctx := context.Background()
	tlogOpts, err := cfg.Translog.Options(cfg.TranslogDir())
	require.NoError(t, err)

	s, err := indexshard.New(cfg.Shard.ID, store.New(blobstore.NewLocalStore(cfg.Storage.Local.Path)),
		indexshard.WithTranslog(tlogOpts))
	require.NoError(t, err)
	require.NoError(t, s.RecoverFromStore(ctx))
	require.NoError(t, s.UpdateRoutingEntry(ctx, s.RoutingEntry().MoveToStarted(), false))

	_, err = s.Index(ctx, &engine.IndexOp{ID: "a", Source: []byte(`{"n":1}`), Origin: engine.OriginPrimary})
	require.NoError(t, err)
	_, err = s.Flush(ctx, indexshard.FlushRequest{Force: true, WaitIfOngoing: true})
	require.NoError(t, err)
	_, err = s.Index(ctx, &engine.IndexOp{ID: "b", Source: []byte(`{"n":2}`), Origin: engine.OriginPrimary})
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx, "test", false))
}

func TestConfigInitAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard.yaml")

	out, err := execute(t, "config", "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+path)

	_, err = execute(t, "config", "init", "--config", path)
	require.ErrorContains(t, err, "already exists")

	out, err = execute(t, "config", "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ok (shard shard[0], storage local)")
}

func TestConfigValidate_EnvOverride(t *testing.T) {
	path, _ := writeTestConfig(t)
	t.Setenv("INDEXSHARD_TRANSLOG_DURABILITY", "sometimes")

	_, err := execute(t, "config", "validate", "--config", path)
	require.Error(t, err)
}

func TestTranslogCommand(t *testing.T) {
	path, cfg := writeTestConfig(t)
	populate(t, cfg)

	out, err := execute(t, "translog", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "1 operations")
	assert.Contains(t, out, "index")

	out, err = execute(t, "translog", "--config", path, "--json", "--source")
	require.NoError(t, err)
	var e translogEntry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &e))
	assert.Equal(t, "b", e.ID)
	assert.JSONEq(t, `{"n":2}`, string(e.Source))
}

func TestCheckCommand(t *testing.T) {
	path, cfg := writeTestConfig(t)
	populate(t, cfg)

	out, err := execute(t, "check", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "clean: true")

	out, err = execute(t, "check", "--config", path, "--checksum")
	require.NoError(t, err)
	assert.Contains(t, out, "checksums ok")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "shardctl dev")
}
