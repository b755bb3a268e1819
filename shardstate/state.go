// Package shardstate persists the routing facts a shard needs after a restart:
// the routing version it last acknowledged, whether it was primary, and its
// allocation.
package shardstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Load when no state was saved for a shard.
var ErrNotFound = errors.New("shardstate: not found")

// State is the persisted shard state.
type State struct {
	Version      int64  `json:"version"`
	Primary      bool   `json:"primary"`
	AllocationID string `json:"allocation_id"`
	IndexUUID    string `json:"index_uuid,omitempty"`
}

func (s State) String() string {
	return fmt.Sprintf("version [%d], primary [%t], allocation [%s]", s.Version, s.Primary, s.AllocationID)
}

// Store loads and saves shard state.
type Store interface {
	Load(ctx context.Context, shardID string) (*State, error)
	Save(ctx context.Context, shardID string, st *State) error
	// Delete removes the state of shardID. Deleting missing state is not an
	// error.
	Delete(ctx context.Context, shardID string) error
	Close() error
}

func encode(st *State) ([]byte, error) {
	return json.Marshal(st)
}

func decode(data []byte) (*State, error) {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("shardstate: decode: %w", err)
	}
	return &st, nil
}
