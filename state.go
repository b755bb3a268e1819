package indexshard

import (
	"sync"
	"sync/atomic"
)

// State is the lifecycle state of a shard.
type State uint32

const (
	StateCreated State = iota
	StateRecovering
	StatePostRecovery
	StateStarted
	StateRelocated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateRecovering:
		return "RECOVERING"
	case StatePostRecovery:
		return "POST_RECOVERY"
	case StateStarted:
		return "STARTED"
	case StateRelocated:
		return "RELOCATED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

type stateChange struct {
	prev, next State
	reason     string
}

// stateMachine holds the shard state. The state is written only with mu held
// and read lock-free. Changes are queued while mu is held and handed out by
// unlock so listeners never run inside the critical section.
type stateMachine struct {
	mu      sync.Mutex
	current atomic.Uint32
	queued  []stateChange
}

func (m *stateMachine) load() State {
	return State(m.current.Load())
}

// transition must be called with mu held. It returns the previous state.
func (m *stateMachine) transition(next State, reason string) State {
	prev := m.load()
	m.current.Store(uint32(next))
	m.queued = append(m.queued, stateChange{prev: prev, next: next, reason: reason})
	return prev
}

func (m *stateMachine) lock() { m.mu.Lock() }

// unlock releases mu and returns the changes made while it was held.
func (m *stateMachine) unlock() []stateChange {
	changes := m.queued
	m.queued = nil
	m.mu.Unlock()
	return changes
}
