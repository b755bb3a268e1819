package indexshard

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hupe1980/indexshard/engine"
	"github.com/hupe1980/indexshard/internal/threadpool"
	"github.com/hupe1980/indexshard/store"
	"github.com/hupe1980/indexshard/translog"
)

// IndexShard is one shard copy: an engine, its lifecycle state, its routing
// and the maintenance that runs against it.
//
// Data operations read the state without locking. Lifecycle transitions and
// engine swaps are serialized by the shard mutex. Close waits for in-flight
// operations instead of preempting them.
type IndexShard struct {
	shardID string
	store   *store.Store
	opts    options
	logger  *Logger
	metrics MetricsObserver

	sm        stateMachine
	handle    engineHandle
	ops       *opCounter
	routing   atomic.Pointer[RoutingEntry]
	recovery  atomic.Pointer[RecoveryState]
	settings  atomic.Pointer[Settings]
	listeners *listenerSet

	pool      *threadpool.ThreadPool
	ownsPool  bool
	refresher *refresher
	dirLock   *store.DirLock

	flushRunning  atomic.Bool
	active        atomic.Bool
	writingBytes  atomic.Int64
	queryContexts *queryContexts
}

// New creates a shard in state CREATED on top of st. The engine is opened by
// recovery.
func New(shardID string, st *store.Store, optFns ...Option) (*IndexShard, error) {
	if shardID == "" {
		return nil, errors.New("indexshard: shard id must not be empty")
	}
	if st == nil {
		return nil, errors.New("indexshard: store must not be nil")
	}

	o := options{
		settings:      DefaultSettings,
		logger:        NoopLogger(),
		metrics:       NoopMetricsObserver{},
		engineFactory: engine.NewInternal,
	}
	for _, fn := range optFns {
		fn(&o)
	}

	routing := RoutingEntry{ShardID: shardID, Primary: true, Version: 1, State: RoutingInitializing}
	if o.routing != nil {
		routing = o.routing.clone()
	}
	if routing.ShardID != shardID {
		return nil, fmt.Errorf("indexshard: routing entry for shard [%s] given to shard [%s]", routing.ShardID, shardID)
	}

	logger := o.logger.WithShard(shardID)
	s := &IndexShard{
		shardID:       shardID,
		store:         st,
		opts:          o,
		logger:        logger,
		metrics:       o.metrics,
		ops:           newOpCounter(),
		listeners:     &listenerSet{logger: logger, listeners: append([]EventListener(nil), o.listeners...)},
		queryContexts: newQueryContexts(),
	}
	settings := o.settings
	s.settings.Store(&settings)
	s.routing.Store(&routing)

	if o.lockDir != "" {
		lock, err := store.LockDir(o.lockDir)
		if err != nil {
			return nil, err
		}
		s.dirLock = lock
	}

	s.pool = o.threadPool
	if s.pool == nil {
		s.pool = threadpool.New(threadpool.DefaultConfig, logger.Logger)
		s.ownsPool = true
	}
	s.refresher = newRefresher(s, settings.RefreshInterval)

	o.indexingMemory.Register(shardID, s)
	return s, nil
}

// ShardID returns the shard id.
func (s *IndexShard) ShardID() string { return s.shardID }

// Store returns the shard's store.
func (s *IndexShard) Store() *store.Store { return s.store }

// State returns the current lifecycle state.
func (s *IndexShard) State() State { return s.sm.load() }

// Settings returns the current dynamic settings.
func (s *IndexShard) Settings() Settings { return *s.settings.Load() }

// AddEventListener registers a lifecycle listener.
func (s *IndexShard) AddEventListener(l EventListener) { s.listeners.add(l) }

// AddFailureCallback registers a callback for engine failures.
func (s *IndexShard) AddFailureCallback(cb FailureCallback) { s.listeners.addCallback(cb) }

// unlockAndNotify releases the shard mutex and reports the transitions made
// while it was held.
func (s *IndexShard) unlockAndNotify() {
	for _, c := range s.sm.unlock() {
		s.logger.LogStateChange(context.Background(), c.prev, c.next, c.reason)
		s.metrics.RecordStateChange(s.shardID, c.prev, c.next)
		s.listeners.stateChanged(s, c)
	}
}

// Relocated moves a STARTED shard to RELOCATED.
func (s *IndexShard) Relocated(reason string) error {
	s.sm.lock()
	defer s.unlockAndNotify()

	if state := s.sm.load(); state != StateStarted {
		return s.illegalState(state, "shard not started")
	}
	s.sm.transition(StateRelocated, reason)
	return nil
}

// Index indexes one document.
func (s *IndexShard) Index(ctx context.Context, op *engine.IndexOp) (engine.IndexResult, error) {
	if err := s.writeAllowed(op.Origin); err != nil {
		return engine.IndexResult{}, err
	}
	release, err := s.ops.acquire()
	if err != nil {
		return engine.IndexResult{}, err
	}
	defer release()

	eng, err := s.engine()
	if err != nil {
		return engine.IndexResult{}, err
	}
	s.active.Store(true)

	start := time.Now()
	res, err := eng.Index(ctx, op)
	s.metrics.RecordIndex(s.shardID, time.Since(start), err)
	if err != nil {
		return res, err
	}
	s.opts.indexingMemory.BytesWritten(s.shardID, op.EstimateSize())
	s.maybeFlush()
	return res, nil
}

// Delete deletes one document.
func (s *IndexShard) Delete(ctx context.Context, op *engine.DeleteOp) (engine.DeleteResult, error) {
	if err := s.writeAllowed(op.Origin); err != nil {
		return engine.DeleteResult{}, err
	}
	release, err := s.ops.acquire()
	if err != nil {
		return engine.DeleteResult{}, err
	}
	defer release()

	eng, err := s.engine()
	if err != nil {
		return engine.DeleteResult{}, err
	}
	s.active.Store(true)

	start := time.Now()
	res, err := eng.Delete(ctx, op)
	s.metrics.RecordDelete(s.shardID, time.Since(start), err)
	if err != nil {
		return res, err
	}
	s.opts.indexingMemory.BytesWritten(s.shardID, int64(len(op.ID)))
	s.maybeFlush()
	return res, nil
}

// Get reads one document.
func (s *IndexShard) Get(ctx context.Context, get engine.Get) (engine.GetResult, error) {
	if err := s.readAllowed(); err != nil {
		return engine.GetResult{}, err
	}
	release, err := s.ops.acquire()
	if err != nil {
		return engine.GetResult{}, err
	}
	defer release()

	eng, err := s.engine()
	if err != nil {
		return engine.GetResult{}, err
	}
	start := time.Now()
	res, err := eng.Get(ctx, get)
	if err == nil {
		s.metrics.RecordGet(s.shardID, time.Since(start), res.Found)
	}
	return res, err
}

// AcquireSearcher returns a searcher over the last refresh. The caller must
// close it.
func (s *IndexShard) AcquireSearcher(source string) (*engine.Searcher, error) {
	if err := s.readAllowed(); err != nil {
		return nil, err
	}
	release, err := s.ops.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	eng, err := s.engine()
	if err != nil {
		return nil, err
	}
	return eng.AcquireSearcher(source)
}

// Refresh makes all writes visible to new searchers.
func (s *IndexShard) Refresh(ctx context.Context, source string) error {
	if err := s.verifyNotClosed(); err != nil {
		return err
	}
	release, err := s.ops.acquire()
	if err != nil {
		return err
	}
	defer release()

	eng, err := s.engine()
	if err != nil {
		return err
	}
	return s.refresh(ctx, eng, source)
}

func (s *IndexShard) refresh(ctx context.Context, eng engine.Engine, source string) error {
	bytes := eng.IndexingBufferBytes()
	s.writingBytes.Add(bytes)
	defer s.writingBytes.Add(-bytes)

	start := time.Now()
	err := eng.Refresh(ctx, source)
	took := time.Since(start)
	s.metrics.RecordRefresh(s.shardID, took, err)
	s.logger.LogRefresh(ctx, source, took, err)
	return err
}

// FlushRequest controls a flush.
type FlushRequest struct {
	// Force commits even when nothing changed.
	Force bool
	// WaitIfOngoing blocks behind a running flush instead of failing with
	// engine.ErrFlushInProgress.
	WaitIfOngoing bool
}

// Flush commits the engine and trims the translog.
func (s *IndexShard) Flush(ctx context.Context, req FlushRequest) (store.CommitID, error) {
	if err := s.verifyStartedOrRecovering(); err != nil {
		return store.CommitID{}, err
	}
	release, err := s.ops.acquire()
	if err != nil {
		return store.CommitID{}, err
	}
	defer release()

	eng, err := s.engine()
	if err != nil {
		return store.CommitID{}, err
	}
	start := time.Now()
	id, err := eng.Flush(ctx, req.Force, req.WaitIfOngoing)
	took := time.Since(start)
	s.metrics.RecordFlush(s.shardID, took, err)
	if !errors.Is(err, engine.ErrFlushInProgress) {
		s.logger.LogFlush(ctx, id.Generation, took, err)
	}
	return id, err
}

// Sync makes sure the translog is durable up to loc. A closed engine is not
// an error.
func (s *IndexShard) Sync(loc translog.Location) error {
	eng := s.handle.get()
	if eng == nil {
		return nil
	}
	if _, err := eng.EnsureTranslogSynced(loc); err != nil {
		if errors.Is(err, engine.ErrEngineClosed) {
			return nil
		}
		s.logger.Debug("failed to sync translog", "error", err)
		return fmt.Errorf("failed to sync translog: %w", err)
	}
	return nil
}

// WriteIndexingBuffer writes the engine's indexing buffer to the store
// without a commit. It is called when the node runs short of indexing
// memory.
func (s *IndexShard) WriteIndexingBuffer(ctx context.Context) error {
	if state := s.State(); !canWrite(state, engine.OriginReplica) {
		return s.illegalState(state, "shard cannot index")
	}
	eng, err := s.engine()
	if err != nil {
		return nil
	}
	bytes := eng.IndexingBufferBytes()
	s.logger.Debug("add writing bytes", "bytes", bytes)
	s.writingBytes.Add(bytes)
	defer s.writingBytes.Add(-bytes)

	err = eng.WriteIndexingBuffer(ctx)
	if errors.Is(err, engine.ErrEngineClosed) {
		return nil
	}
	return err
}

// WritingBytes returns the indexing buffer bytes currently being written.
func (s *IndexShard) WritingBytes() int64 { return s.writingBytes.Load() }

// OperationsCount returns the number of in-flight operations.
func (s *IndexShard) OperationsCount() int { return s.ops.count() }

// FailShard fails the engine. Failure callbacks and listeners are told
// asynchronously to the caller's error path.
func (s *IndexShard) FailShard(reason string, cause error) error {
	eng, err := s.engine()
	if err != nil {
		return err
	}
	eng.FailEngine(reason, cause)
	return nil
}

func (s *IndexShard) onEngineFailed(_, reason string, cause error) {
	s.logger.Error("engine failed", "reason", reason, "error", cause)
	s.listeners.shardFailed(ShardFailure{
		Routing:   s.RoutingEntry(),
		Reason:    reason,
		Cause:     cause,
		IndexUUID: s.opts.indexUUID,
	}, s.shardID)
}

// CheckIdle marks the shard inactive when the engine saw no writes for
// inactiveTime (Settings.InactiveTime if <= 0). The first time it does so
// after a write, the shard is flushed and OnShardInactive fires. It reports
// whether the shard is inactive.
func (s *IndexShard) CheckIdle(ctx context.Context, inactiveTime time.Duration) bool {
	if inactiveTime <= 0 {
		inactiveTime = s.Settings().InactiveTime
	}
	eng := s.handle.get()
	if eng == nil || time.Since(eng.LastWriteTime()) < inactiveTime {
		return false
	}
	if s.active.CompareAndSwap(true, false) {
		s.logger.DebugContext(ctx, "shard is now inactive")
		_, err := s.Flush(ctx, FlushRequest{WaitIfOngoing: true})
		s.handleBackgroundError("flush", err)
		s.listeners.onShardInactive(s)
	}
	return true
}

// UpdateSettings applies new dynamic settings. A changed refresh interval
// cancels the pending scheduled refresh and arms a new one.
func (s *IndexShard) UpdateSettings(next Settings) {
	s.sm.lock()
	state := s.sm.load()
	if state == StateClosed {
		s.unlockAndNotify()
		return
	}
	prev := s.Settings()
	s.settings.Store(&next)
	if next.FlushThresholdSize != prev.FlushThresholdSize {
		s.logger.Info("updating flush_threshold_size", "from", prev.FlushThresholdSize, "to", next.FlushThresholdSize)
	}
	if next.FlushOnClose != prev.FlushOnClose {
		s.logger.Info("updating flush_on_close", "from", prev.FlushOnClose, "to", next.FlushOnClose)
	}
	if next.RefreshInterval != prev.RefreshInterval {
		s.logger.Info("updating refresh_interval", "from", prev.RefreshInterval, "to", next.RefreshInterval)
		s.refresher.setInterval(next.RefreshInterval)
	}
	s.unlockAndNotify()

	eng := s.handle.get()
	if eng == nil {
		return
	}
	if next.GCDeletes != prev.GCDeletes {
		s.logger.Info("updating gc_deletes", "from", prev.GCDeletes, "to", next.GCDeletes)
		if g, ok := eng.(interface{ SetGCDeletes(time.Duration) }); ok {
			g.SetGCDeletes(next.GCDeletes)
		}
	}
	// Recovery keeps GC off until it finalizes.
	if next.GCDeletesEnabled != prev.GCDeletesEnabled && state != StateRecovering {
		eng.EnableGCDeletes(next.GCDeletesEnabled)
	}
}

// Close closes the shard: the state becomes CLOSED, the scheduled refresh is
// canceled, in-flight operations are drained and the engine is closed,
// flushing first when flushEngine and Settings.FlushOnClose are set. Open
// query contexts are closed last. Closing twice is a no-op.
//
// If ctx ends before the drain completes, the engine is closed anyway; it
// waits for its own running operations.
func (s *IndexShard) Close(ctx context.Context, reason string, flushEngine bool) error {
	if s.State() != StateClosed {
		s.listeners.beforeIndexShardClosed(s)
	}

	s.sm.lock()
	if s.sm.load() == StateClosed {
		s.unlockAndNotify()
		return nil
	}
	s.sm.transition(StateClosed, reason)
	s.refresher.stop()
	s.unlockAndNotify()

	if err := s.ops.beginDrain(ctx); err != nil {
		s.logger.WarnContext(ctx, "closing with operations in flight", "operations", s.ops.count(), "error", err)
	}

	s.sm.lock()
	eng := s.handle.take()
	s.unlockAndNotify()

	var errs []error
	if eng != nil {
		var err error
		if flushEngine && s.Settings().FlushOnClose {
			err = eng.FlushAndClose(ctx)
		} else {
			err = eng.Close()
		}
		if err != nil && !errors.Is(err, engine.ErrEngineClosed) {
			errs = append(errs, fmt.Errorf("close engine: %w", err))
		}
	}

	if n := s.queryContexts.closeAll(); n > 0 {
		s.logger.DebugContext(ctx, "closed open query contexts", "count", n)
	}
	s.opts.indexingMemory.Unregister(s.shardID)
	if s.ownsPool {
		s.pool.Close()
	}
	if s.dirLock != nil {
		if err := s.dirLock.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release shard lock: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ShardStats is a point-in-time summary of a shard.
type ShardStats struct {
	ShardID             string       `json:"shard_id"`
	State               string       `json:"state"`
	Routing             RoutingEntry `json:"routing"`
	RecoveryStage       string       `json:"recovery_stage,omitempty"`
	RecoveredOps        int64        `json:"recovered_ops"`
	OperationsCount     int          `json:"operations_count"`
	TranslogSizeInBytes int64        `json:"translog_size_in_bytes"`
	TranslogOperations  int          `json:"translog_operations"`
	IndexingBufferBytes int64        `json:"indexing_buffer_bytes"`
	WritingBytes        int64        `json:"writing_bytes"`
	Active              bool         `json:"active"`
	Throttled           bool         `json:"throttled"`
	OpenQueryContexts   int          `json:"open_query_contexts"`
}

// Stats returns a summary of the shard.
func (s *IndexShard) Stats() ShardStats {
	st := ShardStats{
		ShardID:           s.shardID,
		State:             s.State().String(),
		Routing:           s.RoutingEntry(),
		OperationsCount:   s.OperationsCount(),
		WritingBytes:      s.WritingBytes(),
		Active:            s.active.Load(),
		OpenQueryContexts: s.queryContexts.size(),
	}
	if rs := s.recovery.Load(); rs != nil {
		st.RecoveryStage = rs.Stage().String()
		st.RecoveredOps = rs.RecoveredOps()
	}
	if eng := s.handle.get(); eng != nil {
		st.TranslogSizeInBytes = eng.TranslogSizeInBytes()
		st.TranslogOperations = eng.Translog().TotalOperations()
		st.IndexingBufferBytes = eng.IndexingBufferBytes()
		st.Throttled = eng.IsThrottled()
	}
	return st
}
