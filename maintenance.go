package indexshard

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hupe1980/indexshard/engine"
	"github.com/hupe1980/indexshard/internal/threadpool"
)

// refresher runs scheduled refreshes. Every firing schedules the next one,
// so a firing that belongs to an older schedule (gen) stops the chain.
type refresher struct {
	s *IndexShard

	mu       sync.Mutex
	interval time.Duration
	armed    bool
	gen      uint64
	task     threadpool.Cancellable
}

func newRefresher(s *IndexShard, interval time.Duration) *refresher {
	return &refresher{s: s, interval: interval}
}

// start arms the refresher. Without a positive interval nothing is scheduled
// until setInterval enables it.
func (r *refresher) start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed = true
	r.rescheduleLocked()
	if r.interval > 0 {
		r.s.logger.Debug("scheduling refresher", "interval", r.interval)
	} else {
		r.s.logger.Debug("scheduled refresher disabled")
	}
}

// stop cancels the pending refresh and disarms the refresher.
func (r *refresher) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed = false
	r.cancelLocked()
}

func (r *refresher) setInterval(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d == r.interval {
		return
	}
	r.interval = d
	if r.armed {
		r.rescheduleLocked()
	}
}

// scheduled reports whether a refresh is pending.
func (r *refresher) scheduled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task != nil
}

func (r *refresher) cancelLocked() {
	r.gen++
	if r.task != nil {
		r.task.Cancel()
		r.task = nil
	}
}

func (r *refresher) rescheduleLocked() {
	r.cancelLocked()
	r.scheduleLocked(r.gen)
}

func (r *refresher) scheduleLocked(gen uint64) {
	if !r.armed || gen != r.gen || r.interval <= 0 || r.s.State() == StateClosed {
		r.task = nil
		return
	}
	r.task = r.s.pool.Scheduler().Schedule(r.interval, func() { r.run(gen) })
}

func (r *refresher) next(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduleLocked(gen)
}

func (r *refresher) run(gen uint64) {
	eng := r.s.handle.get()
	if eng == nil || !eng.RefreshNeeded() {
		r.next(gen)
		return
	}
	err := r.s.pool.Executor(threadpool.Refresh).Submit(context.Background(), func() {
		// The buffer may have been refreshed while the task was queued.
		if eng.RefreshNeeded() {
			r.s.handleBackgroundError("refresh", r.s.Refresh(context.Background(), "schedule"))
		}
		r.next(gen)
	})
	if err != nil {
		r.s.handleBackgroundError("refresh", err)
		r.next(gen)
	}
}

func (s *IndexShard) shouldFlush() bool {
	threshold := s.Settings().FlushThresholdSize
	if threshold <= 0 {
		return false
	}
	eng := s.handle.get()
	if eng == nil || eng.TranslogSizeInBytes() <= threshold {
		return false
	}
	// A freshly rolled generation holds only its header.
	return eng.Translog().TotalOperations() > 0
}

// maybeFlush submits an async flush when the translog is over the flush
// threshold and no async flush is running. It reports whether a flush was
// submitted.
func (s *IndexShard) maybeFlush() bool {
	if !s.shouldFlush() || !s.flushRunning.CompareAndSwap(false, true) {
		return false
	}
	// A flush that just finished may have made this one unnecessary.
	if !s.shouldFlush() {
		s.flushRunning.Store(false)
		return false
	}
	s.logger.Debug("submitting async flush request")
	if err := s.pool.Executor(threadpool.Flush).Submit(context.Background(), s.asyncFlush); err != nil {
		s.flushRunning.Store(false)
		s.handleBackgroundError("flush", err)
		return false
	}
	return true
}

// asyncFlush runs with flushRunning held. Writes that arrive during the flush
// can push the translog over the threshold again; they get one more flush.
func (s *IndexShard) asyncFlush() {
	for extra := 0; ; extra++ {
		_, err := s.Flush(context.Background(), FlushRequest{})
		s.handleBackgroundError("flush", err)
		s.flushRunning.Store(false)

		if extra > 0 || !s.shouldFlush() || !s.flushRunning.CompareAndSwap(false, true) {
			return
		}
	}
}

// handleBackgroundError logs a failed maintenance task. Failures caused by a
// concurrent close are expected and dropped.
func (s *IndexShard) handleBackgroundError(task string, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, engine.ErrEngineClosed),
		errors.Is(err, ErrShardClosed),
		errors.Is(err, threadpool.ErrPoolClosed):
		return
	case errors.Is(err, engine.ErrFlushInProgress):
		s.logger.Debug("skipped flush, another flush is running", "task", task)
		return
	}
	if s.State() != StateClosed {
		s.logger.Warn("failed to perform engine "+task, "error", err)
	}
}
