package indexshard

import (
	"context"
	"time"

	"github.com/hupe1980/indexshard/engine"
	"github.com/hupe1980/indexshard/store"
)

// SyncFlush stamps syncID on the last commit if it still is expected and no
// operation is pending. Copies that share a sync id hold identical data.
func (s *IndexShard) SyncFlush(ctx context.Context, syncID string, expected store.CommitID) (engine.SyncedFlushResult, error) {
	if err := s.verifyStartedOrRecovering(); err != nil {
		return 0, err
	}
	release, err := s.ops.acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	eng, err := s.engine()
	if err != nil {
		return 0, err
	}
	start := time.Now()
	res, err := eng.SyncFlush(ctx, syncID, expected)
	s.logger.DebugContext(ctx, "sync flush", "sync_id", syncID, "result", res.String(), "took", time.Since(start), "error", err)
	return res, err
}

// SnapshotIndex pins the last commit, flushing first if flushFirst is set.
// The snapshot must be released with ReleaseSnapshot.
func (s *IndexShard) SnapshotIndex(ctx context.Context, flushFirst bool) (*store.CommitSnapshot, error) {
	switch state := s.State(); state {
	case StateStarted, StateRelocated, StateClosed:
	default:
		return nil, s.illegalState(state, "snapshot is not allowed")
	}
	eng, err := s.engine()
	if err != nil {
		return nil, err
	}
	return eng.SnapshotIndex(ctx, flushFirst)
}

// ReleaseSnapshot releases a snapshot taken by SnapshotIndex.
func (s *IndexShard) ReleaseSnapshot(snap *store.CommitSnapshot) {
	if snap != nil {
		snap.Release()
	}
}

// ActivateThrottling serializes writes on the engine. A missing or closed
// engine is ignored.
func (s *IndexShard) ActivateThrottling() {
	if eng := s.handle.get(); eng != nil {
		s.handleBackgroundError("throttling", eng.ActivateThrottling())
	}
}

// DeactivateThrottling undoes one ActivateThrottling.
func (s *IndexShard) DeactivateThrottling() {
	if eng := s.handle.get(); eng != nil {
		s.handleBackgroundError("throttling", eng.DeactivateThrottling())
	}
}

// IsThrottled reports whether the engine serializes writes.
func (s *IndexShard) IsThrottled() bool {
	eng := s.handle.get()
	return eng != nil && eng.IsThrottled()
}
