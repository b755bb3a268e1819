package indexshard

import (
	"context"
	"testing"

	"github.com/hupe1980/indexshard/engine"
	"github.com/hupe1980/indexshard/translog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeUncommitted starts a shard, indexes ids without flushing and closes it.
func (env *shardEnv) writeUncommitted(t *testing.T, ids ...string) {
	t.Helper()
	s := env.startedShard(t)
	for _, id := range ids {
		index(t, s, id, `{"id":"`+id+`"}`)
	}
	require.NoError(t, s.Close(context.Background(), "test", false))
}

func TestRecovery_MarkAsRecoveringOnlyOnce(t *testing.T) {
	s := newShardEnv(t).newShard(t)
	assert.False(t, s.IgnoreRecoveryAttempt())

	prev, err := s.MarkAsRecovering("first", nil)
	require.NoError(t, err)
	assert.Equal(t, StateCreated, prev)
	assert.Equal(t, StateRecovering, s.State())
	require.NotNil(t, s.RecoveryState())
	assert.Equal(t, StageInit, s.RecoveryState().Stage())

	state, err := s.MarkAsRecovering("second", nil)
	require.ErrorIs(t, err, ErrIllegalState)
	assert.Equal(t, StateRecovering, state)
	assert.True(t, s.IgnoreRecoveryAttempt())
}

func TestRecovery_MarkAsRecoveringOnClosedShard(t *testing.T) {
	s := newShardEnv(t).newShard(t)
	require.NoError(t, s.Close(context.Background(), "test", false))

	state, err := s.MarkAsRecovering("late", nil)
	require.ErrorIs(t, err, ErrIllegalState)
	assert.Equal(t, StateClosed, state)
}

func TestRecovery_ReplaysTranslog(t *testing.T) {
	env := newShardEnv(t)
	env.writeUncommitted(t, "a", "b", "c")

	m := &BasicMetricsObserver{}
	s := env.newShard(t, WithMetricsObserver(m))
	ctx := context.Background()
	rs := NewRecoveryState(testShardID)

	_, err := s.MarkAsRecovering("from store", rs)
	require.NoError(t, err)
	require.NoError(t, s.PrepareForIndexRecovery())
	assert.Equal(t, StageIndex, rs.Stage())

	require.NoError(t, s.PerformTranslogRecovery(ctx, true))
	assert.Equal(t, StageTranslog, rs.Stage())
	assert.Equal(t, int64(3), rs.RecoveredOps())
	assert.Equal(t, int64(3), m.RecoveredOps.Load())

	_, err = s.Get(ctx, engine.Get{ID: "a"})
	require.ErrorIs(t, err, ErrIllegalState)

	require.NoError(t, s.FinalizeRecovery(ctx))
	assert.Equal(t, StageFinalize, rs.Stage())
	assert.Equal(t, StateRecovering, s.State())

	require.NoError(t, s.PostRecovery("done"))
	assert.Equal(t, StageDone, rs.Stage())
	assert.Equal(t, StatePostRecovery, s.State())

	for _, id := range []string{"a", "b", "c"} {
		got, err := s.Get(ctx, engine.Get{ID: id})
		require.NoError(t, err)
		assert.True(t, got.Found, id)
	}

	// Replayed operations are not written to the translog again.
	assert.Equal(t, 3, s.Stats().TranslogOperations)
}

func TestRecovery_RecoverFromStoreAfterFlush(t *testing.T) {
	env := newShardEnv(t)
	first := env.startedShard(t)
	index(t, first, "1", `{}`)
	_, err := first.Flush(context.Background(), FlushRequest{Force: true, WaitIfOngoing: true})
	require.NoError(t, err)
	index(t, first, "2", `{}`)
	require.NoError(t, first.Close(context.Background(), "test", false))

	s := env.newShard(t)
	require.NoError(t, s.RecoverFromStore(context.Background()))
	assert.Equal(t, int64(1), s.RecoveryState().RecoveredOps())

	searcher, err := s.AcquireSearcher("test")
	require.NoError(t, err)
	defer searcher.Close()
	assert.Equal(t, 2, searcher.NumDocs())

	res := index(t, startShard(t, s), "3", `{}`)
	assert.Greater(t, res.Location.SeqNo, uint64(2))
}

func startShard(t *testing.T, s *IndexShard) *IndexShard {
	t.Helper()
	require.NoError(t, s.UpdateRoutingEntry(context.Background(), s.RoutingEntry().MoveToStarted(), false))
	return s
}

func TestRecovery_PeerBatch(t *testing.T) {
	env := newShardEnv(t)
	s := env.newShard(t, WithRoutingEntry(RoutingEntry{ShardID: testShardID, Version: 1, AllocationID: "replica-1", State: RoutingInitializing}))
	ctx := context.Background()

	_, err := s.MarkAsRecovering("peer", nil)
	require.NoError(t, err)
	require.NoError(t, s.PrepareForIndexRecovery())
	require.NoError(t, s.SkipTranslogRecovery(ctx))

	ops := []translog.Operation{
		{Type: translog.OpIndex, SeqNo: 7, ID: "a", Version: 1, Source: []byte(`{}`)},
		{Type: translog.OpIndex, SeqNo: 8, ID: "b", Version: 1, Source: []byte(`{}`)},
		{Type: translog.OpIndex, SeqNo: 9, ID: "a", Version: 2, Source: []byte(`{"v":2}`)},
		{Type: translog.OpDelete, SeqNo: 10, ID: "b", Version: 2},
	}
	n, err := s.PerformBatchRecovery(ctx, ops)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, int64(4), s.RecoveryState().RecoveredOps())

	// Peer operations are written to the local translog.
	assert.Equal(t, 4, s.Stats().TranslogOperations)

	require.NoError(t, s.FinalizeRecovery(ctx))
	require.NoError(t, s.PostRecovery("peer recovery done"))

	got, err := s.Get(ctx, engine.Get{ID: "a"})
	require.NoError(t, err)
	require.True(t, got.Found)
	assert.Equal(t, `{"v":2}`, string(got.Doc.Source))

	got, err = s.Get(ctx, engine.Get{ID: "b"})
	require.NoError(t, err)
	assert.False(t, got.Found)
}

func TestRecovery_BatchRequiresRecovering(t *testing.T) {
	s := newShardEnv(t).startedShard(t)
	_, err := s.PerformBatchRecovery(context.Background(), []translog.Operation{{Type: translog.OpIndex, ID: "a"}})
	require.ErrorIs(t, err, ErrIllegalState)
}

func TestRecovery_PostRecoveryStates(t *testing.T) {
	s := newShardEnv(t).newShard(t)
	require.ErrorIs(t, s.PostRecovery("too early"), ErrIllegalState)

	require.NoError(t, s.RecoverFromStore(context.Background()))
	require.ErrorIs(t, s.PostRecovery("again"), ErrIllegalState)
	assert.Equal(t, StatePostRecovery, s.State())
}

func TestRecovery_Restart(t *testing.T) {
	env := newShardEnv(t)
	env.writeUncommitted(t, "a", "b")

	s := env.newShard(t)
	ctx := context.Background()
	_, err := s.MarkAsRecovering("attempt", nil)
	require.NoError(t, err)
	require.NoError(t, s.PrepareForIndexRecovery())
	require.NoError(t, s.PerformTranslogRecovery(ctx, true))
	assert.Equal(t, int64(2), s.RecoveryState().RecoveredOps())

	require.NoError(t, s.PerformRecoveryRestart())
	assert.Nil(t, s.handle.get())
	assert.Equal(t, StageInit, s.RecoveryState().Stage())
	assert.Equal(t, StateRecovering, s.State())
	assert.Zero(t, s.RecoveryState().RecoveredOps())

	require.NoError(t, s.PrepareForIndexRecovery())
	require.NoError(t, s.PerformTranslogRecovery(ctx, true))
	assert.Equal(t, StageTranslog, s.RecoveryState().Stage())
	assert.Equal(t, int64(2), s.RecoveryState().RecoveredOps())

	require.NoError(t, s.FinalizeRecovery(ctx))
	require.NoError(t, s.PostRecovery("second attempt"))
	assert.Equal(t, int64(2), s.RecoveryState().RecoveredOps())
}

func TestRecovery_FinalizeRequiresRecovering(t *testing.T) {
	env := newShardEnv(t)
	env.writeUncommitted(t, "a")

	s := env.newShard(t)
	ctx := context.Background()
	_, err := s.MarkAsRecovering("attempt", nil)
	require.NoError(t, err)
	require.NoError(t, s.PrepareForIndexRecovery())
	require.NoError(t, s.PerformTranslogRecovery(ctx, true))
	require.NoError(t, s.Close(ctx, "test", false))

	err = s.FinalizeRecovery(ctx)
	require.ErrorIs(t, err, ErrIllegalState)
	assert.Equal(t, StageTranslog, s.RecoveryState().Stage())
	assert.False(t, s.refresher.scheduled())

	started := newShardEnv(t).startedShard(t)
	require.ErrorIs(t, started.FinalizeRecovery(ctx), ErrIllegalState)
}

func TestRecovery_StageCannotMoveBackwards(t *testing.T) {
	env := newShardEnv(t)
	env.writeUncommitted(t, "a")

	s := env.newShard(t)
	ctx := context.Background()
	_, err := s.MarkAsRecovering("attempt", nil)
	require.NoError(t, err)
	require.NoError(t, s.PrepareForIndexRecovery())
	require.NoError(t, s.PerformTranslogRecovery(ctx, true))

	err = s.PrepareForIndexRecovery()
	require.ErrorIs(t, err, ErrIllegalState)
	var ise *IllegalStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, StateRecovering, ise.State)
	assert.Equal(t, StageTranslog, s.RecoveryState().Stage())
}

func TestRecovery_CheckOnStartupDetectsCorruption(t *testing.T) {
	env := newShardEnv(t)
	first := env.startedShard(t)
	index(t, first, "1", `{}`)
	require.NoError(t, first.Close(context.Background(), "test", true))

	names, err := env.blobs.List(context.Background(), "seg_")
	require.NoError(t, err)
	require.NotEmpty(t, names)
	require.True(t, env.blobs.Corrupt(names[0], 0))

	settings := testSettings()
	settings.CheckOnStartup = CheckChecksum
	s := env.newShard(t, WithSettings(settings))

	err = s.RecoverFromStore(context.Background())
	require.ErrorIs(t, err, ErrRecoveryFailed)

	var rfe *RecoveryFailedError
	require.ErrorAs(t, err, &rfe)
	assert.Equal(t, StageVerifyIndex, rfe.Stage)
	assert.Nil(t, s.handle.get())
}

func TestRecovery_CheckOnStartupFix(t *testing.T) {
	env := newShardEnv(t)
	first := env.startedShard(t)
	index(t, first, "1", `{}`)
	require.NoError(t, first.Close(context.Background(), "test", true))

	names, err := env.blobs.List(context.Background(), "seg_")
	require.NoError(t, err)
	require.True(t, env.blobs.Corrupt(names[0], 0))

	settings := testSettings()
	settings.CheckOnStartup = CheckFix
	s := env.newShard(t, WithSettings(settings))
	require.NoError(t, s.RecoverFromStore(context.Background()))

	got, err := s.Get(context.Background(), engine.Get{ID: "1"})
	require.NoError(t, err)
	assert.False(t, got.Found)
}

func TestParseCheckMode(t *testing.T) {
	for in, want := range map[string]CheckMode{
		"":         CheckOff,
		"false":    CheckOff,
		"checksum": CheckChecksum,
		"true":     CheckFull,
		"fix":      CheckFix,
	} {
		got, err := ParseCheckMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseCheckMode("sometimes")
	require.Error(t, err)
}

func TestRecoveryState_StagesMoveForward(t *testing.T) {
	rs := NewRecoveryState(testShardID)
	require.NoError(t, rs.setStage(StageIndex))
	require.NoError(t, rs.setStage(StageTranslog))
	require.Error(t, rs.setStage(StageIndex))
	assert.Equal(t, StageTranslog, rs.Stage())
	assert.GreaterOrEqual(t, rs.Took(StageIndex).Nanoseconds(), int64(0))

	rs.incrementRecoveredOps()
	rs.restart()
	assert.Equal(t, StageInit, rs.Stage())
	assert.Zero(t, rs.RecoveredOps())
	assert.Zero(t, rs.Took(StageIndex))
}
