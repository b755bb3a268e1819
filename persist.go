package indexshard

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/indexshard/shardstate"
)

// persistMetadata writes the shard state for an active routing unless the
// stored state already matches it. Write failures are logged.
func (s *IndexShard) persistMetadata(ctx context.Context, routing RoutingEntry) {
	if s.opts.stateStore == nil || !routing.Active() {
		return
	}

	prev, err := s.opts.stateStore.Load(ctx, s.shardID)
	if err != nil && !errors.Is(err, shardstate.ErrNotFound) {
		s.logger.WarnContext(ctx, "failed to load shard state", "error", err)
		return
	}

	var reason string
	switch {
	case prev == nil:
		reason = fmt.Sprintf("freshly started, version [%d]", routing.Version)
	case prev.Version != routing.Version:
		reason = fmt.Sprintf("version changed [%d]->[%d]", prev.Version, routing.Version)
	case prev.Primary != routing.Primary:
		reason = "primary changed"
	default:
		s.logger.DebugContext(ctx, "skip writing shard state, has been written before", "version", routing.Version)
		return
	}

	st := &shardstate.State{
		Version:      routing.Version,
		Primary:      routing.Primary,
		AllocationID: routing.AllocationID,
		IndexUUID:    s.opts.indexUUID,
	}
	if err := s.opts.stateStore.Save(ctx, s.shardID, st); err != nil {
		s.logger.WarnContext(ctx, "failed to write shard state", "error", err)
		return
	}
	s.logger.DebugContext(ctx, "wrote shard state", "reason", reason, "state", st.String())
}

// LoadShardState returns the persisted shard state, or shardstate.ErrNotFound.
func (s *IndexShard) LoadShardState(ctx context.Context) (*shardstate.State, error) {
	if s.opts.stateStore == nil {
		return nil, shardstate.ErrNotFound
	}
	return s.opts.stateStore.Load(ctx, s.shardID)
}

// DeleteShardState removes the persisted shard state. It refuses while the
// routing is active.
func (s *IndexShard) DeleteShardState(ctx context.Context) error {
	if s.RoutingEntry().Active() {
		return s.illegalState(s.State(), "can't delete shard state on an active shard")
	}
	if s.opts.stateStore == nil {
		return nil
	}
	if err := s.opts.stateStore.Delete(ctx, s.shardID); err != nil {
		return fmt.Errorf("indexshard: delete shard state: %w", err)
	}
	s.logger.DebugContext(ctx, "deleted shard state")
	return nil
}
