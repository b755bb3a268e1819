package threadpool

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("threadpool: pool closed")

// Pool manages a fixed set of goroutines executing background shard tasks.
type Pool struct {
	name       string
	numWorkers int
	workCh     chan func()
	stopCh     chan struct{}
	wg         sync.WaitGroup
	closed     atomic.Bool
	submitMu   sync.RWMutex
	active     atomic.Int64
	logger     *slog.Logger
}

// NewPool creates a pool named name with numWorkers goroutines and a queue
// holding up to queueSize pending tasks.
//
// numWorkers <= 0 defaults to GOMAXPROCS. queueSize <= 0 defaults to 2x numWorkers.
func NewPool(name string, numWorkers, queueSize int, logger *slog.Logger) *Pool {
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}
	if queueSize <= 0 {
		queueSize = numWorkers * 2
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	p := &Pool{
		name:       name,
		numWorkers: numWorkers,
		workCh:     make(chan func(), queueSize),
		stopCh:     make(chan struct{}),
		logger:     logger.With("pool", name),
	}

	p.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go p.worker()
	}

	return p
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// QueueDepth returns the number of queued tasks that have not started yet.
func (p *Pool) QueueDepth() int { return len(p.workCh) }

// Active returns the number of tasks currently executing.
func (p *Pool) Active() int64 { return p.active.Load() }

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			// Drain queued work before exiting.
			for {
				select {
				case task, ok := <-p.workCh:
					if !ok {
						return
					}
					p.run(task)
				default:
					return
				}
			}
		case task, ok := <-p.workCh:
			if !ok {
				return
			}
			p.run(task)
		}
	}
}

func (p *Pool) run(task func()) {
	p.active.Add(1)
	defer p.active.Add(-1)
	runSafe(p.logger, task)
}

// Submit enqueues task and returns without waiting for it to run.
//
// It blocks while the queue is full until ctx is done.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()

	if p.closed.Load() {
		return ErrPoolClosed
	}

	select {
	case p.workCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work, runs what is queued and waits for the workers.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}

	p.submitMu.Lock()
	close(p.stopCh)
	close(p.workCh)
	p.submitMu.Unlock()

	p.wg.Wait()
}
