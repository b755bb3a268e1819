package indexshard

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hupe1980/indexshard/blobstore"
	"github.com/hupe1980/indexshard/engine"
	"github.com/hupe1980/indexshard/resource"
	"github.com/hupe1980/indexshard/store"
	"github.com/hupe1980/indexshard/translog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testShardID = "idx[0]"

type shardEnv struct {
	blobs *blobstore.MemoryStore
	store *store.Store
	dir   string
}

func newShardEnv(t *testing.T) *shardEnv {
	t.Helper()
	blobs := blobstore.NewMemoryStore()
	return &shardEnv{blobs: blobs, store: store.New(blobs), dir: t.TempDir()}
}

func (env *shardEnv) translogOptions(o *translog.Options) {
	o.Path = env.dir
	o.Durability = translog.DurabilityRequest
}

func testSettings() Settings {
	s := DefaultSettings
	s.RefreshInterval = -1
	return s
}

func (env *shardEnv) newShard(t *testing.T, opts ...Option) *IndexShard {
	t.Helper()
	base := []Option{WithTranslog(env.translogOptions), WithSettings(testSettings())}
	s, err := New(testShardID, env.store, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background(), "test cleanup", false) })
	return s
}

// startedShard recovers a fresh shard and moves it to STARTED.
func (env *shardEnv) startedShard(t *testing.T, opts ...Option) *IndexShard {
	t.Helper()
	s := env.newShard(t, opts...)
	ctx := context.Background()
	require.NoError(t, s.RecoverFromStore(ctx))
	require.NoError(t, s.UpdateRoutingEntry(ctx, s.RoutingEntry().MoveToStarted(), false))
	require.Equal(t, StateStarted, s.State())
	return s
}

// hookEngine wraps an engine and runs hooks around selected calls.
type hookEngine struct {
	engine.Engine
	onIndex    func()
	onFlush    func()
	afterFlush func()
}

func (e *hookEngine) Index(ctx context.Context, op *engine.IndexOp) (engine.IndexResult, error) {
	if e.onIndex != nil {
		e.onIndex()
	}
	return e.Engine.Index(ctx, op)
}

func (e *hookEngine) Flush(ctx context.Context, force, waitIfOngoing bool) (store.CommitID, error) {
	if e.onFlush != nil {
		e.onFlush()
	}
	id, err := e.Engine.Flush(ctx, force, waitIfOngoing)
	if e.afterFlush != nil {
		e.afterFlush()
	}
	return id, err
}

func withHooks(h *hookEngine) Option {
	return WithEngineFactory(func(cfg engine.Config) (engine.Engine, error) {
		inner, err := engine.Open(cfg)
		if err != nil {
			return nil, err
		}
		h.Engine = inner
		return h, nil
	})
}

type recordingListener struct {
	BaseEventListener

	mu          sync.Mutex
	transitions []string
	started     atomic.Int32
	inactive    atomic.Int32
	closing     atomic.Int32
	failures    atomic.Int32
}

func (l *recordingListener) OnStateChanged(_ *IndexShard, prev, next State, _ string) {
	l.mu.Lock()
	l.transitions = append(l.transitions, prev.String()+"->"+next.String())
	l.mu.Unlock()
}

func (l *recordingListener) AfterIndexShardStarted(*IndexShard) { l.started.Add(1) }
func (l *recordingListener) OnShardInactive(*IndexShard)        { l.inactive.Add(1) }
func (l *recordingListener) BeforeIndexShardClosed(*IndexShard) { l.closing.Add(1) }
func (l *recordingListener) OnShardFailed(string, string, error) {
	l.failures.Add(1)
}

func (l *recordingListener) seen() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.transitions...)
}

type panickingListener struct {
	BaseEventListener
}

func (panickingListener) OnStateChanged(*IndexShard, State, State, string) {
	panic("boom")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func debugLogger(w *syncBuffer) *Logger {
	return NewLogger(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func index(t *testing.T, s *IndexShard, id, src string) engine.IndexResult {
	t.Helper()
	res, err := s.Index(context.Background(), &engine.IndexOp{ID: id, Source: []byte(src), Origin: engine.OriginPrimary})
	require.NoError(t, err)
	return res
}

func TestNew(t *testing.T) {
	env := newShardEnv(t)

	_, err := New("", env.store)
	require.Error(t, err)

	_, err = New(testShardID, nil)
	require.Error(t, err)

	_, err = New(testShardID, env.store, WithRoutingEntry(RoutingEntry{ShardID: "other[0]"}))
	require.Error(t, err)

	s := env.newShard(t)
	assert.Equal(t, StateCreated, s.State())
	assert.Equal(t, testShardID, s.ShardID())
	assert.True(t, s.RoutingEntry().Primary)
	assert.Equal(t, RoutingInitializing, s.RoutingEntry().State)
	assert.Nil(t, s.RecoveryState())
}

func TestIndexShard_Lifecycle(t *testing.T) {
	env := newShardEnv(t)
	l := &recordingListener{}
	s := env.newShard(t, WithEventListener(l))
	ctx := context.Background()

	require.NoError(t, s.RecoverFromStore(ctx))
	assert.Equal(t, StatePostRecovery, s.State())
	assert.Equal(t, StageDone, s.RecoveryState().Stage())

	require.NoError(t, s.UpdateRoutingEntry(ctx, s.RoutingEntry().MoveToStarted(), false))
	assert.Equal(t, StateStarted, s.State())

	require.NoError(t, s.Relocated("relocation done"))
	assert.Equal(t, StateRelocated, s.State())

	require.NoError(t, s.Close(ctx, "test", true))
	assert.Equal(t, StateClosed, s.State())

	assert.Equal(t, []string{
		"CREATED->RECOVERING",
		"RECOVERING->POST_RECOVERY",
		"POST_RECOVERY->STARTED",
		"STARTED->RELOCATED",
		"RELOCATED->CLOSED",
	}, l.seen())
	assert.Equal(t, int32(1), l.started.Load())
	assert.Equal(t, int32(1), l.closing.Load())
}

func TestIndexShard_RelocatedRequiresStarted(t *testing.T) {
	s := newShardEnv(t).newShard(t)

	err := s.Relocated("too early")
	require.ErrorIs(t, err, ErrIllegalState)

	var ise *IllegalStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, StateCreated, ise.State)
	assert.Equal(t, testShardID, ise.ShardID)
}

func TestIndexShard_DataOperations(t *testing.T) {
	env := newShardEnv(t)
	m := &BasicMetricsObserver{}
	s := env.startedShard(t, WithMetricsObserver(m))
	ctx := context.Background()

	res := index(t, s, "1", `{"a":1}`)
	assert.True(t, res.Created)

	got, err := s.Get(ctx, engine.Get{ID: "1", Realtime: true})
	require.NoError(t, err)
	assert.True(t, got.Found)

	require.NoError(t, s.Refresh(ctx, "test"))
	searcher, err := s.AcquireSearcher("test")
	require.NoError(t, err)
	assert.Equal(t, 1, searcher.NumDocs())
	require.NoError(t, searcher.Close())

	_, err = s.Delete(ctx, &engine.DeleteOp{ID: "1", Origin: engine.OriginPrimary})
	require.NoError(t, err)

	got, err = s.Get(ctx, engine.Get{ID: "1", Realtime: true})
	require.NoError(t, err)
	assert.False(t, got.Found)

	id, err := s.Flush(ctx, FlushRequest{Force: true, WaitIfOngoing: true})
	require.NoError(t, err)
	assert.Positive(t, id.Generation)

	assert.Equal(t, int64(1), m.IndexCount.Load())
	assert.Equal(t, int64(1), m.DeleteCount.Load())
	assert.Equal(t, int64(2), m.GetCount.Load())
	assert.Equal(t, int64(1), m.GetMisses.Load())
	assert.Equal(t, int64(1), m.FlushCount.Load())
	assert.Equal(t, 0, s.OperationsCount())
}

func TestIndexShard_StartedPrimaryRejectsStaleVersion(t *testing.T) {
	s := newShardEnv(t).startedShard(t)

	index(t, s, "1", `{}`)
	_, err := s.Index(context.Background(), &engine.IndexOp{ID: "1", Source: []byte(`{}`), Version: 5, Origin: engine.OriginPrimary})

	var conflict *engine.VersionConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestIndexShard_CloseWaitsForInFlightOperations(t *testing.T) {
	env := newShardEnv(t)
	release := make(chan struct{})
	var block atomic.Bool
	h := &hookEngine{onIndex: func() {
		if block.Load() {
			<-release
		}
	}}
	s := env.startedShard(t, withHooks(h))
	ctx := context.Background()

	block.Store(true)
	indexDone := make(chan error, 1)
	go func() {
		_, err := s.Index(ctx, &engine.IndexOp{ID: "slow", Source: []byte(`{}`), Origin: engine.OriginPrimary})
		indexDone <- err
	}()
	require.Eventually(t, func() bool { return s.OperationsCount() == 1 }, time.Second, time.Millisecond)

	closeDone := make(chan error, 1)
	go func() { closeDone <- s.Close(ctx, "test", true) }()

	require.Eventually(t, func() bool { return s.State() == StateClosed }, time.Second, time.Millisecond)
	select {
	case <-closeDone:
		t.Fatal("close returned while an operation was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := s.Index(ctx, &engine.IndexOp{ID: "late", Source: []byte(`{}`), Origin: engine.OriginPrimary})
	require.ErrorIs(t, err, ErrIllegalState)

	close(release)
	require.NoError(t, <-indexDone)
	require.NoError(t, <-closeDone)
	assert.Nil(t, s.handle.get())
}

func TestIndexShard_CloseIsIdempotent(t *testing.T) {
	l := &recordingListener{}
	s := newShardEnv(t).startedShard(t, WithEventListener(l))
	ctx := context.Background()

	require.NoError(t, s.Close(ctx, "first", true))
	require.NoError(t, s.Close(ctx, "second", true))
	assert.Equal(t, int32(1), l.closing.Load())

	_, err := s.Flush(ctx, FlushRequest{})
	require.ErrorIs(t, err, ErrIllegalState)
	require.ErrorIs(t, s.Refresh(ctx, "test"), ErrIllegalState)
}

func TestIndexShard_CloseFlushesOnClose(t *testing.T) {
	env := newShardEnv(t)
	s := env.startedShard(t)
	index(t, s, "1", `{}`)
	require.NoError(t, s.Close(context.Background(), "test", true))

	cp, err := env.store.ReadLastCommit(context.Background())
	require.NoError(t, err)
	n, err := cp.NumDocs()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIndexShard_CloseClosesQueryContexts(t *testing.T) {
	s := newShardEnv(t).startedShard(t)

	q, err := s.NewQueryContext("scroll")
	require.NoError(t, err)
	assert.Equal(t, "scroll", q.Source())
	assert.Equal(t, testShardID, q.ShardID())
	assert.Equal(t, 1, s.Stats().OpenQueryContexts)

	require.NoError(t, s.Close(context.Background(), "test", false))
	assert.Equal(t, 0, s.queryContexts.size())
	require.NoError(t, q.Close())
}

func TestIndexShard_ShardLock(t *testing.T) {
	env := newShardEnv(t)
	lockDir := t.TempDir()

	s := env.newShard(t, WithShardLock(lockDir))
	_, err := New(testShardID, env.store, WithShardLock(lockDir))
	require.ErrorIs(t, err, store.ErrLocked)

	require.NoError(t, s.Close(context.Background(), "test", false))
	other, err := New(testShardID, env.store, WithShardLock(lockDir))
	require.NoError(t, err)
	require.NoError(t, other.Close(context.Background(), "test", false))
}

func TestIndexShard_FailShard(t *testing.T) {
	l := &recordingListener{}
	s := newShardEnv(t).startedShard(t, WithEventListener(l), WithStateStore(nil, "uuid-1"))

	var failure atomic.Pointer[ShardFailure]
	s.AddFailureCallback(func(f ShardFailure) error {
		failure.Store(&f)
		return nil
	})
	s.AddFailureCallback(func(ShardFailure) error { return errors.New("callback failed") })

	cause := errors.New("disk on fire")
	require.NoError(t, s.FailShard("test failure", cause))

	require.Eventually(t, func() bool { return failure.Load() != nil }, time.Second, time.Millisecond)
	f := failure.Load()
	assert.Equal(t, "test failure", f.Reason)
	assert.ErrorIs(t, f.Cause, cause)
	assert.Equal(t, "uuid-1", f.IndexUUID)
	assert.Equal(t, testShardID, f.Routing.ShardID)
	require.Eventually(t, func() bool { return l.failures.Load() == 1 }, time.Second, time.Millisecond)

	_, err := s.Index(context.Background(), &engine.IndexOp{ID: "1", Source: []byte(`{}`), Origin: engine.OriginPrimary})
	require.Error(t, err)
}

func TestIndexShard_ListenerPanicDoesNotStopOthers(t *testing.T) {
	l := &recordingListener{}
	s := newShardEnv(t).newShard(t, WithEventListener(panickingListener{}), WithEventListener(l))

	require.NoError(t, s.RecoverFromStore(context.Background()))
	assert.Equal(t, []string{"CREATED->RECOVERING", "RECOVERING->POST_RECOVERY"}, l.seen())
	assert.Equal(t, StatePostRecovery, s.State())
}

func TestIndexShard_CheckIdle(t *testing.T) {
	l := &recordingListener{}
	s := newShardEnv(t).startedShard(t, WithEventListener(l))
	ctx := context.Background()

	assert.False(t, s.CheckIdle(ctx, time.Hour))

	index(t, s, "1", `{}`)
	time.Sleep(5 * time.Millisecond)

	assert.True(t, s.CheckIdle(ctx, time.Millisecond))
	assert.True(t, s.CheckIdle(ctx, time.Millisecond))
	assert.Equal(t, int32(1), l.inactive.Load())
	assert.False(t, s.Stats().Active)

	index(t, s, "2", `{}`)
	time.Sleep(5 * time.Millisecond)
	assert.True(t, s.CheckIdle(ctx, time.Millisecond))
	assert.Equal(t, int32(2), l.inactive.Load())
}

func TestIndexShard_IndexingMemoryWritesBuffer(t *testing.T) {
	env := newShardEnv(t)
	mem := resource.NewIndexingMemory(1, nil)
	s := env.startedShard(t, WithIndexingMemory(mem))

	index(t, s, "1", `{"a":"some bytes"}`)
	mem.Wait()

	assert.Zero(t, mem.ShardBytes(testShardID))
	assert.Zero(t, s.Stats().IndexingBufferBytes)
	assert.Zero(t, s.WritingBytes())

	require.NoError(t, s.Close(context.Background(), "test", false))
	assert.Zero(t, mem.Total())
}

func TestIndexShard_Stats(t *testing.T) {
	s := newShardEnv(t).startedShard(t)
	index(t, s, "1", `{}`)
	index(t, s, "2", `{}`)

	st := s.Stats()
	assert.Equal(t, testShardID, st.ShardID)
	assert.Equal(t, "STARTED", st.State)
	assert.Equal(t, "DONE", st.RecoveryStage)
	assert.Equal(t, 2, st.TranslogOperations)
	assert.Positive(t, st.TranslogSizeInBytes)
	assert.Positive(t, st.IndexingBufferBytes)
	assert.True(t, st.Active)
	assert.Equal(t, RoutingStarted, st.Routing.State)
}

func TestIndexShard_SyncOnClosedEngine(t *testing.T) {
	s := newShardEnv(t).startedShard(t)
	res := index(t, s, "1", `{}`)
	require.NoError(t, s.Sync(res.Location))

	require.NoError(t, s.Close(context.Background(), "test", false))
	require.NoError(t, s.Sync(res.Location))
}
