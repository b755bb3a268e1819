package indexshard

import (
	"fmt"

	"github.com/hupe1980/indexshard/engine"
)

// canRead reports whether reads are served in state s.
func canRead(s State) bool {
	return s == StateStarted || s == StateRelocated || s == StatePostRecovery
}

// canWrite reports whether a write with the given origin is accepted in
// state s. Primary writes need a started shard; replicated and recovery
// writes are also accepted while the shard catches up.
func canWrite(s State, origin engine.Origin) bool {
	switch s {
	case StateStarted, StateRelocated:
		return true
	case StateRecovering, StatePostRecovery:
		return origin != engine.OriginPrimary
	default:
		return false
	}
}

func (s *IndexShard) readAllowed() error {
	state := s.State()
	if !canRead(state) {
		return s.illegalState(state, "operations only allowed when shard state is one of [POST_RECOVERY, STARTED, RELOCATED]")
	}
	return nil
}

func (s *IndexShard) writeAllowed(origin engine.Origin) error {
	state := s.State()
	if !canWrite(state, origin) {
		return s.illegalState(state, fmt.Sprintf("operation only allowed when started/recovering, origin [%s]", origin))
	}
	return nil
}

func (s *IndexShard) verifyStartedOrRecovering() error {
	state := s.State()
	if state != StateStarted && state != StateRecovering && state != StatePostRecovery {
		return s.illegalState(state, "operation only allowed when started/recovering")
	}
	return nil
}

func (s *IndexShard) verifyNotClosed() error {
	if state := s.State(); state == StateClosed {
		return s.illegalState(state, "operation only allowed when not closed")
	}
	return nil
}

func (s *IndexShard) verifyRecovering() error {
	if state := s.State(); state != StateRecovering {
		return s.illegalState(state, "shard is not recovering")
	}
	return nil
}
