package indexshard

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/indexshard/engine"
	"github.com/hupe1980/indexshard/translog"
)

// Stage is a recovery stage.
type Stage uint32

const (
	StageInit Stage = iota
	StageIndex
	StageVerifyIndex
	StageTranslog
	StageFinalize
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageInit:
		return "INIT"
	case StageIndex:
		return "INDEX"
	case StageVerifyIndex:
		return "VERIFY_INDEX"
	case StageTranslog:
		return "TRANSLOG"
	case StageFinalize:
		return "FINALIZE"
	case StageDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// RecoveryState tracks the progress of one recovery attempt. It is safe for
// concurrent readers.
type RecoveryState struct {
	shardID      string
	startTime    time.Time
	stage        atomic.Uint32
	recoveredOps atomic.Int64

	mu         sync.Mutex
	stageStart time.Time
	timings    map[Stage]time.Duration
}

// NewRecoveryState creates a RecoveryState in stage INIT.
func NewRecoveryState(shardID string) *RecoveryState {
	now := time.Now()
	return &RecoveryState{
		shardID:    shardID,
		startTime:  now,
		stageStart: now,
		timings:    make(map[Stage]time.Duration),
	}
}

// ShardID returns the recovering shard.
func (r *RecoveryState) ShardID() string { return r.shardID }

// Stage returns the current stage.
func (r *RecoveryState) Stage() Stage { return Stage(r.stage.Load()) }

// RecoveredOps returns the number of operations applied from a translog or a
// peer.
func (r *RecoveryState) RecoveredOps() int64 { return r.recoveredOps.Load() }

// StartTime returns when the recovery started.
func (r *RecoveryState) StartTime() time.Time { return r.startTime }

// Took returns the time spent in a completed stage.
func (r *RecoveryState) Took(stage Stage) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timings[stage]
}

// setStage moves to next. Stages never move backwards.
func (r *RecoveryState) setStage(next Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := Stage(r.stage.Load())
	if next < cur {
		return fmt.Errorf("can't move recovery to stage [%s], current stage [%s]", next, cur)
	}
	if next != cur {
		now := time.Now()
		r.timings[cur] += now.Sub(r.stageStart)
		r.stageStart = now
	}
	r.stage.Store(uint32(next))
	return nil
}

// restart resets the stage to INIT and drops the progress of the abandoned
// attempt.
func (r *RecoveryState) restart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stage.Store(uint32(StageInit))
	r.recoveredOps.Store(0)
	r.stageStart = time.Now()
	clear(r.timings)
}

func (r *RecoveryState) incrementRecoveredOps() {
	r.recoveredOps.Add(1)
}

// RecoveryState returns the state of the current or last recovery, or nil.
func (s *IndexShard) RecoveryState() *RecoveryState {
	return s.recovery.Load()
}

// MarkAsRecovering moves a CREATED shard to RECOVERING. It fails in every
// other state.
func (s *IndexShard) MarkAsRecovering(reason string, rs *RecoveryState) (State, error) {
	s.sm.lock()
	defer s.unlockAndNotify()

	state := s.sm.load()
	switch state {
	case StateClosed:
		return state, s.illegalState(state, "shard closed")
	case StateStarted:
		return state, s.illegalState(state, "already started")
	case StateRelocated:
		return state, s.illegalState(state, "already relocated")
	case StateRecovering, StatePostRecovery:
		return state, s.illegalState(state, "already recovering")
	}
	if rs == nil {
		rs = NewRecoveryState(s.shardID)
	}
	s.recovery.Store(rs)
	return s.sm.transition(StateRecovering, reason), nil
}

// IgnoreRecoveryAttempt reports whether a new recovery must be ignored
// because one ran or runs already.
func (s *IndexShard) IgnoreRecoveryAttempt() bool {
	switch s.State() {
	case StatePostRecovery, StateRecovering, StateStarted, StateRelocated, StateClosed:
		return true
	default:
		return false
	}
}

// PrepareForIndexRecovery enters stage INDEX.
func (s *IndexShard) PrepareForIndexRecovery() error {
	if err := s.verifyRecovering(); err != nil {
		return err
	}
	return s.advanceRecovery(s.recovery.Load(), StageIndex)
}

// PerformTranslogRecovery verifies the index, opens the engine and replays
// the local translog. The shard ends in stage TRANSLOG.
func (s *IndexShard) PerformTranslogRecovery(ctx context.Context, indexExists bool) error {
	if err := s.openEngineForRecovery(ctx, indexExists); err != nil {
		return err
	}
	eng, err := s.engine()
	if err != nil {
		return err
	}

	rs := s.recovery.Load()
	before := rs.RecoveredOps()
	_, err = eng.Translog().Replay(func(op translog.Operation) error {
		if err := s.applyRecoveryOp(ctx, eng, op, engine.OriginLocalTranslogRecovery); err != nil {
			return err
		}
		rs.incrementRecoveredOps()
		return nil
	})
	recovered := rs.RecoveredOps() - before
	s.metrics.RecordRecoveredOps(s.shardID, recovered)
	if err != nil {
		err = s.recoveryFailed("failed to recover from translog", err)
	}
	s.logger.LogRecovery(ctx, rs.Stage(), recovered, err)
	return err
}

// SkipTranslogRecovery verifies the index and opens the engine without
// replaying the translog. Operations are expected from a peer through
// PerformBatchRecovery.
func (s *IndexShard) SkipTranslogRecovery(ctx context.Context) error {
	exists, err := s.store.IndexExists(ctx)
	if err != nil {
		return s.recoveryFailed("failed to read index", err)
	}
	return s.openEngineForRecovery(ctx, exists)
}

// PerformBatchRecovery applies operations shipped by a peer and returns how
// many were applied.
func (s *IndexShard) PerformBatchRecovery(ctx context.Context, ops []translog.Operation) (int, error) {
	if err := s.verifyRecovering(); err != nil {
		return 0, err
	}
	eng, err := s.engine()
	if err != nil {
		return 0, err
	}
	rs := s.recovery.Load()
	for i, op := range ops {
		op.SeqNo = 0
		if err := s.applyRecoveryOp(ctx, eng, op, engine.OriginPeerRecovery); err != nil {
			return i, err
		}
		rs.incrementRecoveredOps()
	}
	return len(ops), nil
}

// FinalizeRecovery refreshes the engine, arms the scheduled refresh and
// enables tombstone GC again.
func (s *IndexShard) FinalizeRecovery(ctx context.Context) error {
	if err := s.verifyRecovering(); err != nil {
		return err
	}
	rs := s.recovery.Load()
	if err := s.advanceRecovery(rs, StageFinalize); err != nil {
		return err
	}
	eng, err := s.engine()
	if err != nil {
		return err
	}
	if err := s.refresh(ctx, eng, "recovery_finalization"); err != nil {
		return err
	}
	s.refresher.start()
	eng.EnableGCDeletes(s.Settings().GCDeletesEnabled)
	s.logger.LogRecovery(ctx, StageFinalize, rs.RecoveredOps(), nil)
	return nil
}

// PostRecovery marks the recovery DONE and moves the shard to POST_RECOVERY.
func (s *IndexShard) PostRecovery(reason string) error {
	s.sm.lock()
	defer s.unlockAndNotify()

	state := s.sm.load()
	switch state {
	case StateClosed:
		return s.illegalState(state, "shard closed")
	case StateStarted:
		return s.illegalState(state, "already started")
	case StateRelocated:
		return s.illegalState(state, "already relocated")
	case StateRecovering:
	default:
		return s.illegalState(state, "shard is not recovering")
	}
	if err := s.advanceRecovery(s.recovery.Load(), StageDone); err != nil {
		return err
	}
	s.sm.transition(StatePostRecovery, reason)
	return nil
}

// PerformRecoveryRestart closes the engine opened by the current attempt and
// resets the stage to INIT so recovery can be driven again.
func (s *IndexShard) PerformRecoveryRestart() error {
	s.sm.lock()
	defer s.unlockAndNotify()

	if state := s.sm.load(); state != StateRecovering {
		return s.illegalState(state, "shard is not recovering")
	}
	s.refresher.stop()
	if eng := s.handle.take(); eng != nil {
		if err := eng.Close(); err != nil {
			s.logger.Warn("failed to close engine on recovery restart", "error", err)
		}
	}
	s.recovery.Load().restart()
	return nil
}

// RecoverFromStore runs a complete local recovery: CREATED to POST_RECOVERY.
func (s *IndexShard) RecoverFromStore(ctx context.Context) error {
	if _, err := s.MarkAsRecovering("from store", NewRecoveryState(s.shardID)); err != nil {
		return err
	}
	if err := s.PrepareForIndexRecovery(); err != nil {
		return err
	}
	exists, err := s.store.IndexExists(ctx)
	if err != nil {
		return s.recoveryFailed("failed to read index", err)
	}
	if err := s.PerformTranslogRecovery(ctx, exists); err != nil {
		return err
	}
	if err := s.FinalizeRecovery(ctx); err != nil {
		return err
	}
	return s.PostRecovery("post recovery from store")
}

func (s *IndexShard) openEngineForRecovery(ctx context.Context, indexExists bool) error {
	if err := s.verifyRecovering(); err != nil {
		return err
	}
	rs := s.recovery.Load()
	if err := s.advanceRecovery(rs, StageVerifyIndex); err != nil {
		return err
	}
	if err := s.checkIndex(ctx); err != nil {
		err = s.recoveryFailed("check index failed", err)
		s.logger.LogRecovery(ctx, StageVerifyIndex, 0, err)
		return err
	}
	if err := s.advanceRecovery(rs, StageTranslog); err != nil {
		return err
	}
	return s.createEngine(!indexExists)
}

// advanceRecovery moves rs to next. A backwards move is a caller error in the
// current shard state.
func (s *IndexShard) advanceRecovery(rs *RecoveryState, next Stage) error {
	if err := rs.setStage(next); err != nil {
		return s.illegalState(s.State(), err.Error())
	}
	return nil
}

// createEngine opens the engine with tombstone GC disabled, so replayed
// operations cannot resurrect deleted documents.
func (s *IndexShard) createEngine(create bool) error {
	s.sm.lock()
	defer s.unlockAndNotify()

	state := s.sm.load()
	if state == StateClosed {
		return engine.ErrEngineClosed
	}
	if state != StateRecovering {
		return s.illegalState(state, "shard is not recovering")
	}
	if s.handle.get() != nil {
		return s.illegalState(state, "engine already created")
	}

	settings := s.Settings()
	eng, err := s.opts.engineFactory(engine.Config{
		ShardID:          s.shardID,
		Store:            s.store,
		Translog:         s.opts.translog,
		Create:           create,
		Logger:           s.logger.Logger,
		FailureListener:  engine.FailureListenerFunc(s.onEngineFailed),
		Resources:        s.opts.resources,
		GCDeletes:        settings.GCDeletes,
		GCDeletesEnabled: false,
	})
	if err != nil {
		return s.recoveryFailed("failed to open engine", err)
	}
	s.handle.set(eng)
	return nil
}

func (s *IndexShard) applyRecoveryOp(ctx context.Context, eng engine.Engine, op translog.Operation, origin engine.Origin) error {
	if err := s.writeAllowed(origin); err != nil {
		return err
	}
	switch op.Type {
	case translog.OpIndex:
		_, err := eng.Index(ctx, &engine.IndexOp{ID: op.ID, Source: op.Source, Version: op.Version, Origin: origin, SeqNo: op.SeqNo})
		return err
	case translog.OpDelete:
		_, err := eng.Delete(ctx, &engine.DeleteOp{ID: op.ID, Version: op.Version, Origin: origin, SeqNo: op.SeqNo})
		return err
	default:
		return nil
	}
}
