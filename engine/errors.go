package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrEngineClosed is returned by every operation after Close or a failure.
	ErrEngineClosed = errors.New("engine: closed")
	// ErrFlushInProgress is returned by Flush when another flush runs and the
	// caller did not ask to wait.
	ErrFlushInProgress = errors.New("engine: flush already in progress")
	// ErrVersionConflict matches every *VersionConflictError.
	ErrVersionConflict = errors.New("engine: version conflict")
	// ErrEngineFailed matches every *EngineFailedError.
	ErrEngineFailed = errors.New("engine: failed")
)

// VersionConflictError reports a primary write whose expected version does
// not match the current one.
type VersionConflictError struct {
	ID       string
	Expected int64
	Current  int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("engine: version conflict for [%s]: expected %d, current %d", e.ID, e.Expected, e.Current)
}

// Is reports ErrVersionConflict as a match.
func (e *VersionConflictError) Is(target error) bool { return target == ErrVersionConflict }

// EngineFailedError describes why an engine failed. It is handed to failure
// listeners and wrapped into ErrEngineClosed for later callers.
type EngineFailedError struct {
	ShardID string
	Reason  string
	cause   error
}

func (e *EngineFailedError) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("engine [%s] failed: %s", e.ShardID, e.Reason)
	}
	return fmt.Sprintf("engine [%s] failed: %s: %v", e.ShardID, e.Reason, e.cause)
}

func (e *EngineFailedError) Unwrap() error { return e.cause }

// Is reports ErrEngineFailed as a match.
func (e *EngineFailedError) Is(target error) bool { return target == ErrEngineFailed }

// NewEngineFailedError creates an EngineFailedError.
func NewEngineFailedError(shardID, reason string, cause error) *EngineFailedError {
	return &EngineFailedError{ShardID: shardID, Reason: reason, cause: cause}
}
