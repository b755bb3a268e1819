package shardstate

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/hupe1980/indexshard/internal/fs"
)

// FileStore keeps one JSON file per shard, replaced atomically on save.
type FileStore struct {
	fs  fs.FileSystem
	dir string
}

// NewFileStore stores state files under dir.
func NewFileStore(dir string) *FileStore {
	return NewFileStoreWithFS(fs.Default, dir)
}

// NewFileStoreWithFS stores state files under dir on fsys.
func NewFileStoreWithFS(fsys fs.FileSystem, dir string) *FileStore {
	return &FileStore{fs: fsys, dir: dir}
}

func (s *FileStore) path(shardID string) string {
	return filepath.Join(s.dir, "state-"+shardID+".json")
}

// Load reads the state of shardID.
func (s *FileStore) Load(ctx context.Context, shardID string) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := fs.ReadFile(s.fs, s.path(shardID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decode(data)
}

// Save writes the state of shardID.
func (s *FileStore) Save(ctx context.Context, shardID string, st *State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(st)
	if err != nil {
		return err
	}
	return fs.WriteFileAtomic(s.fs, s.path(shardID), data, 0o600)
}

// Delete removes the state file of shardID.
func (s *FileStore) Delete(ctx context.Context, shardID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.fs.Remove(s.path(shardID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }
