// Package threadpool provides the named executors and the delayed-task
// scheduler used for shard maintenance.
package threadpool

import (
	"fmt"
	"log/slog"
)

// Executor names.
const (
	Refresh = "refresh"
	Flush   = "flush"
	Generic = "generic"
)

// Config sizes the executors.
type Config struct {
	RefreshWorkers int
	FlushWorkers   int
	GenericWorkers int
	QueueSize      int
}

// DefaultConfig mirrors the usual sizing: maintenance pools are small because
// each shard serializes its own refreshes and flushes.
var DefaultConfig = Config{
	RefreshWorkers: 2,
	FlushWorkers:   2,
	GenericWorkers: 4,
	QueueSize:      64,
}

// ThreadPool groups the executors and the scheduler shared by shards.
type ThreadPool struct {
	pools     map[string]*Pool
	scheduler *Scheduler
}

// New creates the executors described by cfg.
func New(cfg Config, logger *slog.Logger) *ThreadPool {
	return &ThreadPool{
		pools: map[string]*Pool{
			Refresh: NewPool(Refresh, cfg.RefreshWorkers, cfg.QueueSize, logger),
			Flush:   NewPool(Flush, cfg.FlushWorkers, cfg.QueueSize, logger),
			Generic: NewPool(Generic, cfg.GenericWorkers, cfg.QueueSize, logger),
		},
		scheduler: NewScheduler(),
	}
}

// Executor returns the named pool. It panics on an unknown name.
func (tp *ThreadPool) Executor(name string) *Pool {
	p, ok := tp.pools[name]
	if !ok {
		panic(fmt.Sprintf("threadpool: unknown executor %q", name))
	}
	return p
}

// Scheduler returns the delayed-task scheduler.
func (tp *ThreadPool) Scheduler() *Scheduler { return tp.scheduler }

// Close cancels scheduled tasks and shuts the executors down.
func (tp *ThreadPool) Close() {
	tp.scheduler.Close()
	for _, p := range tp.pools {
		p.Close()
	}
}
