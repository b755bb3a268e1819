package indexshard

import (
	"fmt"
	"runtime/debug"
	"sync"
)

// EventListener receives shard lifecycle notifications. Calls are made
// outside the shard mutex, in registration order. A panic in one listener is
// logged and does not stop the others.
type EventListener interface {
	OnStateChanged(shard *IndexShard, prev, next State, reason string)
	OnShardFailed(shardID, reason string, cause error)
	AfterIndexShardStarted(shard *IndexShard)
	OnShardInactive(shard *IndexShard)
	BeforeIndexShardClosed(shard *IndexShard)
}

// BaseEventListener implements EventListener with no-ops. Embed it to
// implement only the callbacks you need.
type BaseEventListener struct{}

func (BaseEventListener) OnStateChanged(*IndexShard, State, State, string) {}
func (BaseEventListener) OnShardFailed(string, string, error)              {}
func (BaseEventListener) AfterIndexShardStarted(*IndexShard)               {}
func (BaseEventListener) OnShardInactive(*IndexShard)                      {}
func (BaseEventListener) BeforeIndexShardClosed(*IndexShard)               {}

// ShardFailure describes an engine failure.
type ShardFailure struct {
	Routing   RoutingEntry
	Reason    string
	Cause     error
	IndexUUID string
}

// FailureCallback is told about engine failures. A returned error is logged.
type FailureCallback func(failure ShardFailure) error

type listenerSet struct {
	logger *Logger

	mu        sync.RWMutex
	listeners []EventListener
	callbacks []FailureCallback
}

func (ls *listenerSet) add(l EventListener) {
	ls.mu.Lock()
	ls.listeners = append(ls.listeners, l)
	ls.mu.Unlock()
}

func (ls *listenerSet) addCallback(cb FailureCallback) {
	ls.mu.Lock()
	ls.callbacks = append(ls.callbacks, cb)
	ls.mu.Unlock()
}

func (ls *listenerSet) snapshot() ([]EventListener, []FailureCallback) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.listeners, ls.callbacks
}

// safely runs fn and turns a panic into a logged error.
func (ls *listenerSet) safely(event string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			ls.logger.Error("listener panicked", "event", event, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	if err := fn(); err != nil {
		ls.logger.Warn("listener failed", "event", event, "error", err)
	}
}

func (ls *listenerSet) each(event string, fn func(l EventListener)) {
	listeners, _ := ls.snapshot()
	for _, l := range listeners {
		ls.safely(event, func() error {
			fn(l)
			return nil
		})
	}
}

func (ls *listenerSet) stateChanged(s *IndexShard, c stateChange) {
	ls.each("state_changed", func(l EventListener) { l.OnStateChanged(s, c.prev, c.next, c.reason) })
}

func (ls *listenerSet) afterIndexShardStarted(s *IndexShard) {
	ls.each("shard_started", func(l EventListener) { l.AfterIndexShardStarted(s) })
}

func (ls *listenerSet) onShardInactive(s *IndexShard) {
	ls.each("shard_inactive", func(l EventListener) { l.OnShardInactive(s) })
}

func (ls *listenerSet) beforeIndexShardClosed(s *IndexShard) {
	ls.each("before_close", func(l EventListener) { l.BeforeIndexShardClosed(s) })
}

// shardFailed runs every failure callback, then every listener.
func (ls *listenerSet) shardFailed(failure ShardFailure, shardID string) {
	listeners, callbacks := ls.snapshot()
	for _, cb := range callbacks {
		ls.safely("shard_failed", func() error { return cb(failure) })
	}
	for _, l := range listeners {
		ls.safely("shard_failed", func() error {
			l.OnShardFailed(shardID, failure.Reason, failure.Cause)
			return nil
		})
	}
}
