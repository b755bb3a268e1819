package indexshard

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/hupe1980/indexshard/shardstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startedRouting(version int64) RoutingEntry {
	return RoutingEntry{ShardID: testShardID, Primary: true, Version: version, AllocationID: "alloc-1", State: RoutingStarted}
}

func TestRoutingEntry_EqualsIgnoringMetadata(t *testing.T) {
	a := startedRouting(1)
	b := startedRouting(7)
	b.Metadata = map[string]string{"node": "n1"}
	assert.True(t, a.EqualsIgnoringMetadata(b))

	c := a
	c.Primary = false
	assert.False(t, a.EqualsIgnoringMetadata(c))

	d := a.Relocate("n2")
	assert.False(t, a.EqualsIgnoringMetadata(d))
	assert.True(t, d.Active())
	assert.Equal(t, int64(2), d.Version)
}

func TestRoutingEntry_JSON(t *testing.T) {
	r := startedRouting(3)
	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"STARTED"`)

	var got RoutingEntry
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, r, got)

	require.Error(t, json.Unmarshal([]byte(`{"state":"BOGUS"}`), &got))
}

func TestUpdateRoutingEntry_RejectsOtherShardOrAllocation(t *testing.T) {
	s := newShardEnv(t).newShard(t, WithRoutingEntry(RoutingEntry{ShardID: testShardID, AllocationID: "alloc-1"}))
	ctx := context.Background()

	other := startedRouting(2)
	other.ShardID = "idx[1]"
	require.ErrorIs(t, s.UpdateRoutingEntry(ctx, other, false), ErrIllegalState)

	moved := startedRouting(2)
	moved.AllocationID = "alloc-2"
	require.ErrorIs(t, s.UpdateRoutingEntry(ctx, moved, false), ErrIllegalState)

	assert.Equal(t, "alloc-1", s.RoutingEntry().AllocationID)
}

func TestUpdateRoutingEntry_VersionOnlyUpdateStartsShard(t *testing.T) {
	l := &recordingListener{}
	s := newShardEnv(t).newShard(t, WithRoutingEntry(startedRouting(1)), WithEventListener(l))
	ctx := context.Background()

	require.NoError(t, s.RecoverFromStore(ctx))
	require.Equal(t, StatePostRecovery, s.State())

	require.NoError(t, s.UpdateRoutingEntry(ctx, startedRouting(2), false))
	assert.Equal(t, StateStarted, s.State())
	assert.Equal(t, int64(2), s.RoutingEntry().Version)
	assert.Equal(t, int32(1), l.started.Load())

	require.NoError(t, s.UpdateRoutingEntry(ctx, startedRouting(3), false))
	assert.Equal(t, StateStarted, s.State())
	assert.Equal(t, int64(3), s.RoutingEntry().Version)
	assert.Equal(t, int32(1), l.started.Load())
}

func TestUpdateRoutingEntry_InitializingRoutingDoesNotStart(t *testing.T) {
	s := newShardEnv(t).newShard(t)
	ctx := context.Background()
	require.NoError(t, s.RecoverFromStore(ctx))

	next := s.RoutingEntry()
	next.Version++
	next.Metadata = map[string]string{"k": "v"}
	require.NoError(t, s.UpdateRoutingEntry(ctx, next, false))
	assert.Equal(t, StatePostRecovery, s.State())
	assert.Equal(t, "v", s.RoutingEntry().Metadata["k"])
}

func TestUpdateRoutingEntry_BeforeRecoveryOnlyStoresRouting(t *testing.T) {
	l := &recordingListener{}
	s := newShardEnv(t).newShard(t, WithEventListener(l))

	require.NoError(t, s.UpdateRoutingEntry(context.Background(), s.RoutingEntry().MoveToStarted(), false))
	assert.Equal(t, StateCreated, s.State())
	assert.Equal(t, RoutingStarted, s.RoutingEntry().State)
	assert.Equal(t, int32(0), l.started.Load())
}

func TestUpdateRoutingEntry_PersistsActiveRouting(t *testing.T) {
	env := newShardEnv(t)
	states := shardstate.NewFileStore(t.TempDir())
	logs := &syncBuffer{}
	s := env.newShard(t,
		WithRoutingEntry(RoutingEntry{ShardID: testShardID, Primary: true, Version: 1, AllocationID: "alloc-1", State: RoutingInitializing}),
		WithStateStore(states, "uuid-1"),
		WithLogger(debugLogger(logs)),
	)
	ctx := context.Background()

	_, err := s.LoadShardState(ctx)
	require.ErrorIs(t, err, shardstate.ErrNotFound)

	require.NoError(t, s.RecoverFromStore(ctx))

	// Initializing routing is never persisted.
	require.NoError(t, s.UpdateRoutingEntry(ctx, s.RoutingEntry(), true))
	_, err = s.LoadShardState(ctx)
	require.ErrorIs(t, err, shardstate.ErrNotFound)

	require.NoError(t, s.UpdateRoutingEntry(ctx, s.RoutingEntry().MoveToStarted(), true))
	st, err := s.LoadShardState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Version)
	assert.True(t, st.Primary)
	assert.Equal(t, "uuid-1", st.IndexUUID)
	assert.Contains(t, logs.String(), "freshly started, version [2]")

	require.NoError(t, s.UpdateRoutingEntry(ctx, s.RoutingEntry(), true))
	assert.Contains(t, logs.String(), "skip writing shard state")

	next := s.RoutingEntry()
	next.Version = 5
	require.NoError(t, s.UpdateRoutingEntry(ctx, next, true))
	st, err = s.LoadShardState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.Version)
	assert.Contains(t, logs.String(), "version changed [2]->[5]")
}

func TestUpdateRoutingEntry_PersistsWithBadger(t *testing.T) {
	states, err := shardstate.OpenBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = states.Close() })

	s := newShardEnv(t).startedShard(t, WithStateStore(states, "uuid-2"))
	ctx := context.Background()
	require.NoError(t, s.UpdateRoutingEntry(ctx, s.RoutingEntry(), true))

	st, err := s.LoadShardState(ctx)
	require.NoError(t, err)
	assert.Equal(t, s.RoutingEntry().Version, st.Version)
	assert.Equal(t, "uuid-2", st.IndexUUID)
}

func TestIndexShard_DeleteShardState(t *testing.T) {
	states := shardstate.NewFileStore(t.TempDir())
	s := newShardEnv(t).startedShard(t, WithStateStore(states, "uuid-1"))
	ctx := context.Background()
	require.NoError(t, s.UpdateRoutingEntry(ctx, s.RoutingEntry(), true))
	_, err := s.LoadShardState(ctx)
	require.NoError(t, err)

	err = s.DeleteShardState(ctx)
	require.ErrorIs(t, err, ErrIllegalState)
	_, err = s.LoadShardState(ctx)
	require.NoError(t, err, "an active shard keeps its state")

	inactive := newShardEnv(t).newShard(t,
		WithRoutingEntry(RoutingEntry{ShardID: testShardID, Primary: false, Version: 3, State: RoutingInitializing}),
		WithStateStore(states, "uuid-1"),
	)
	require.NoError(t, inactive.DeleteShardState(ctx))
	_, err = inactive.LoadShardState(ctx)
	assert.ErrorIs(t, err, shardstate.ErrNotFound)
	assert.NoError(t, inactive.DeleteShardState(ctx), "deleting twice is fine")

	assert.NoError(t, newShardEnv(t).newShard(t).DeleteShardState(ctx), "no state store")
}
