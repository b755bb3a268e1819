package threadpool

import (
	"sync"
	"time"
)

// Cancellable is a handle to a scheduled task.
type Cancellable interface {
	// Cancel prevents the task from running. It reports false if the task
	// already fired or was canceled before.
	Cancel() bool
}

// Scheduler runs one-shot delayed tasks on their own goroutine.
//
// Recurring behavior is built by the task rescheduling itself, so every
// firing can decide whether to continue.
type Scheduler struct {
	mu      sync.Mutex
	pending map[*scheduled]struct{}
	closed  bool
}

type scheduled struct {
	s     *Scheduler
	timer *time.Timer
}

func (t *scheduled) Cancel() bool {
	stopped := t.timer.Stop()
	t.s.forget(t)
	return stopped
}

type noopCancellable struct{}

func (noopCancellable) Cancel() bool { return false }

// NewScheduler creates a scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{pending: make(map[*scheduled]struct{})}
}

// Schedule runs task once after delay. After Close it returns a handle whose
// task never runs.
func (s *Scheduler) Schedule(delay time.Duration, task func()) Cancellable {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return noopCancellable{}
	}

	t := &scheduled{s: s}
	t.timer = time.AfterFunc(delay, func() {
		s.forget(t)
		task()
	})
	s.pending[t] = struct{}{}
	return t
}

// Pending returns the number of tasks that are scheduled and not yet fired.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) forget(t *scheduled) {
	s.mu.Lock()
	delete(s.pending, t)
	s.mu.Unlock()
}

// Close cancels every pending task. Later calls to Schedule are no-ops.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for t := range s.pending {
		t.timer.Stop()
	}
	clear(s.pending)
}
