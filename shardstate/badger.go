package shardstate

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "shard/"

// BadgerStore keeps the state of many shards in one badger database.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens or creates a database at dir. An empty dir opens an
// in-memory database.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("shardstate: open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func stateKey(shardID string) []byte {
	return []byte(keyPrefix + shardID)
}

// Load reads the state of shardID.
func (s *BadgerStore) Load(ctx context.Context, shardID string) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var st *State
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(shardID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, err := decode(val)
			st = decoded
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Save writes the state of shardID.
func (s *BadgerStore) Save(ctx context.Context, shardID string, st *State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(st)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey(shardID), data)
	})
}

// Delete removes the state of shardID.
func (s *BadgerStore) Delete(ctx context.Context, shardID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(stateKey(shardID))
	})
}

// Shards lists the ids of all shards with saved state.
func (s *BadgerStore) Shards(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			ids = append(ids, string(it.Item().Key()[len(keyPrefix):]))
		}
		return nil
	})
	return ids, err
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
