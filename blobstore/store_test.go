package blobstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hupe1980/indexshard/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStores(t *testing.T) map[string]BlobStore {
	return map[string]BlobStore{
		"memory": NewMemoryStore(),
		"local":  NewLocalStore(t.TempDir()),
	}
}

func TestBlobStoreConformance(t *testing.T) {
	ctx := context.Background()

	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Open(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Put(ctx, "commit_1.json", []byte(`{"generation":1}`)))

			w, err := store.Create(ctx, "seg/_0.seg")
			require.NoError(t, err)
			_, err = w.Write([]byte("segment-"))
			require.NoError(t, err)
			_, err = w.Write([]byte("bytes"))
			require.NoError(t, err)
			require.NoError(t, w.Sync())
			require.NoError(t, w.Close())

			data, err := ReadAll(ctx, store, "seg/_0.seg")
			require.NoError(t, err)
			assert.Equal(t, "segment-bytes", string(data))

			b, err := store.Open(ctx, "seg/_0.seg")
			require.NoError(t, err)
			buf := make([]byte, 5)
			n, err := b.ReadAt(ctx, buf, 8)
			require.NoError(t, err)
			assert.Equal(t, 5, n)
			assert.Equal(t, "bytes", string(buf))
			require.NoError(t, b.Close())

			names, err := store.List(ctx, "")
			require.NoError(t, err)
			assert.Equal(t, []string{"commit_1.json", "seg/_0.seg"}, names)

			names, err = store.List(ctx, "commit_")
			require.NoError(t, err)
			assert.Equal(t, []string{"commit_1.json"}, names)

			require.NoError(t, store.Delete(ctx, "commit_1.json"))
			require.NoError(t, store.Delete(ctx, "commit_1.json"))
			_, err = store.Open(ctx, "commit_1.json")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestReadAllEmptyBlob(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), "empty", nil))

	data, err := ReadAll(context.Background(), store, "empty")
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestMemoryStoreCorrupt(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), "a", []byte{0x00}))

	assert.True(t, store.Corrupt("a", 0))
	assert.False(t, store.Corrupt("a", 5))
	assert.False(t, store.Corrupt("b", 0))

	data, err := ReadAll(context.Background(), store, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF}, data)
}

func TestLocalStoreFailedSyncLeavesNoBlob(t *testing.T) {
	dir := t.TempDir()
	faulty := fs.NewFaultyFS(nil)
	injected := errors.New("disk on fire")
	faulty.AddRule("_1.seg", fs.Fault{FailAfterBytes: -1, FailOnSync: true, Err: injected})

	store := NewLocalStoreWithFS(dir, faulty)
	err := store.Put(context.Background(), "_1.seg", []byte("data"))
	require.ErrorIs(t, err, injected)

	_, err = os.Stat(filepath.Join(dir, "_1.seg"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "_1.seg"+tmpSuffix))
	assert.True(t, os.IsNotExist(err))
}

func TestLocalStoreListSkipsTemporaryFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "_2.seg"+tmpSuffix), []byte("x"), 0600))

	store := NewLocalStore(dir)
	names, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, names)
}
