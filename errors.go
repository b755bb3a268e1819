package indexshard

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalState matches every *IllegalStateError.
	ErrIllegalState = errors.New("illegal shard state")

	// ErrRecoveryFailed matches every *RecoveryFailedError.
	ErrRecoveryFailed = errors.New("recovery failed")

	// ErrShardClosed is returned when an operation cannot start because the
	// shard is draining for close.
	ErrShardClosed = errors.New("shard closed")
)

// IllegalStateError reports an operation attempted in the wrong lifecycle
// state. It is local to the request; the shard itself is unaffected.
type IllegalStateError struct {
	ShardID string
	State   State
	Reason  string
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("[%s] illegal shard state [%s]: %s", e.ShardID, e.State, e.Reason)
}

// Is reports ErrIllegalState as a match.
func (e *IllegalStateError) Is(target error) bool { return target == ErrIllegalState }

// RecoveryFailedError aborts the current recovery attempt.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type RecoveryFailedError struct {
	ShardID string
	Stage   Stage
	Reason  string
	cause   error
}

func (e *RecoveryFailedError) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("[%s] recovery failed at stage [%s]: %s", e.ShardID, e.Stage, e.Reason)
	}
	return fmt.Sprintf("[%s] recovery failed at stage [%s]: %s: %v", e.ShardID, e.Stage, e.Reason, e.cause)
}

func (e *RecoveryFailedError) Unwrap() error { return e.cause }

// Is reports ErrRecoveryFailed as a match.
func (e *RecoveryFailedError) Is(target error) bool { return target == ErrRecoveryFailed }

func (s *IndexShard) illegalState(state State, reason string) error {
	return &IllegalStateError{ShardID: s.shardID, State: state, Reason: reason}
}

func (s *IndexShard) recoveryFailed(reason string, cause error) error {
	var stage Stage
	if rs := s.recovery.Load(); rs != nil {
		stage = rs.Stage()
	}
	return &RecoveryFailedError{ShardID: s.shardID, Stage: stage, Reason: reason, cause: cause}
}
