package indexshard

import (
	"sync/atomic"
	"time"
)

// MetricsObserver receives operational metrics from a shard.
// The metrics package provides a Prometheus implementation.
type MetricsObserver interface {
	// RecordIndex is called after each index operation.
	RecordIndex(shardID string, duration time.Duration, err error)

	// RecordDelete is called after each delete operation.
	RecordDelete(shardID string, duration time.Duration, err error)

	// RecordGet is called after each get.
	RecordGet(shardID string, duration time.Duration, found bool)

	// RecordRefresh is called after each refresh, scheduled or explicit.
	RecordRefresh(shardID string, duration time.Duration, err error)

	// RecordFlush is called after each flush.
	RecordFlush(shardID string, duration time.Duration, err error)

	// RecordStateChange is called for every lifecycle transition.
	RecordStateChange(shardID string, prev, next State)

	// RecordRecoveredOps is called once the translog has been replayed.
	RecordRecoveredOps(shardID string, ops int64)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (NoopMetricsObserver) RecordIndex(string, time.Duration, error)   {}
func (NoopMetricsObserver) RecordDelete(string, time.Duration, error)  {}
func (NoopMetricsObserver) RecordGet(string, time.Duration, bool)      {}
func (NoopMetricsObserver) RecordRefresh(string, time.Duration, error) {}
func (NoopMetricsObserver) RecordFlush(string, time.Duration, error)   {}
func (NoopMetricsObserver) RecordStateChange(string, State, State)     {}
func (NoopMetricsObserver) RecordRecoveredOps(string, int64)           {}

// BasicMetricsObserver keeps simple in-memory counters.
// Useful for tests and debugging without a metrics backend.
type BasicMetricsObserver struct {
	IndexCount   atomic.Int64
	IndexErrors  atomic.Int64
	DeleteCount  atomic.Int64
	DeleteErrors atomic.Int64
	GetCount     atomic.Int64
	GetMisses    atomic.Int64
	RefreshCount atomic.Int64
	RefreshNanos atomic.Int64
	FlushCount   atomic.Int64
	FlushErrors  atomic.Int64
	FlushNanos   atomic.Int64
	Transitions  atomic.Int64
	RecoveredOps atomic.Int64
}

// RecordIndex implements MetricsObserver.
func (b *BasicMetricsObserver) RecordIndex(_ string, _ time.Duration, err error) {
	b.IndexCount.Add(1)
	if err != nil {
		b.IndexErrors.Add(1)
	}
}

// RecordDelete implements MetricsObserver.
func (b *BasicMetricsObserver) RecordDelete(_ string, _ time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// RecordGet implements MetricsObserver.
func (b *BasicMetricsObserver) RecordGet(_ string, _ time.Duration, found bool) {
	b.GetCount.Add(1)
	if !found {
		b.GetMisses.Add(1)
	}
}

// RecordRefresh implements MetricsObserver.
func (b *BasicMetricsObserver) RecordRefresh(_ string, d time.Duration, _ error) {
	b.RefreshCount.Add(1)
	b.RefreshNanos.Add(d.Nanoseconds())
}

// RecordFlush implements MetricsObserver.
func (b *BasicMetricsObserver) RecordFlush(_ string, d time.Duration, err error) {
	b.FlushCount.Add(1)
	b.FlushNanos.Add(d.Nanoseconds())
	if err != nil {
		b.FlushErrors.Add(1)
	}
}

// RecordStateChange implements MetricsObserver.
func (b *BasicMetricsObserver) RecordStateChange(string, State, State) {
	b.Transitions.Add(1)
}

// RecordRecoveredOps implements MetricsObserver.
func (b *BasicMetricsObserver) RecordRecoveredOps(_ string, ops int64) {
	b.RecoveredOps.Add(ops)
}
