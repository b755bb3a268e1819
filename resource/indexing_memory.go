package resource

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// BufferWriter moves a shard's indexing buffer into a segment.
type BufferWriter interface {
	WriteIndexingBuffer(ctx context.Context) error
}

// IndexingMemory tracks bytes indexed per shard since the last buffer write
// and asks the largest shard to write its buffer once the node-wide budget is
// exceeded.
type IndexingMemory struct {
	budget  int64
	total   atomic.Int64
	shards  *xsync.MapOf[string, *shardBuffer]
	logger  *slog.Logger
	writing atomic.Bool
	wg      sync.WaitGroup
}

type shardBuffer struct {
	bytes  atomic.Int64
	writer BufferWriter
}

// NewIndexingMemory creates an accountant with the given budget in bytes.
// A budget <= 0 disables buffer writes.
func NewIndexingMemory(budget int64, logger *slog.Logger) *IndexingMemory {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &IndexingMemory{
		budget: budget,
		shards: xsync.NewMapOf[string, *shardBuffer](),
		logger: logger,
	}
}

// Register adds a shard. Registering an existing shard replaces its writer.
func (m *IndexingMemory) Register(shardID string, w BufferWriter) {
	if m == nil {
		return
	}
	old, loaded := m.shards.LoadAndStore(shardID, &shardBuffer{writer: w})
	if loaded {
		m.total.Add(-old.bytes.Load())
	}
}

// Unregister removes a shard and forgets its accounted bytes.
func (m *IndexingMemory) Unregister(shardID string) {
	if m == nil {
		return
	}
	if old, ok := m.shards.LoadAndDelete(shardID); ok {
		m.total.Add(-old.bytes.Load())
	}
}

// BytesWritten records n indexed bytes for a shard.
func (m *IndexingMemory) BytesWritten(shardID string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	sb, ok := m.shards.Load(shardID)
	if !ok {
		return
	}
	sb.bytes.Add(n)
	if m.total.Add(n) > m.budget && m.budget > 0 {
		m.writeLargest()
	}
}

// Total returns the accounted bytes across all shards.
func (m *IndexingMemory) Total() int64 {
	if m == nil {
		return 0
	}
	return m.total.Load()
}

// ShardBytes returns the accounted bytes of one shard.
func (m *IndexingMemory) ShardBytes(shardID string) int64 {
	if m == nil {
		return 0
	}
	if sb, ok := m.shards.Load(shardID); ok {
		return sb.bytes.Load()
	}
	return 0
}

// Wait blocks until any buffer write started by BytesWritten has finished.
func (m *IndexingMemory) Wait() {
	if m != nil {
		m.wg.Wait()
	}
}

func (m *IndexingMemory) writeLargest() {
	if !m.writing.CompareAndSwap(false, true) {
		return
	}

	var (
		largestID string
		largest   *shardBuffer
	)
	m.shards.Range(func(id string, sb *shardBuffer) bool {
		if largest == nil || sb.bytes.Load() > largest.bytes.Load() {
			largestID, largest = id, sb
		}
		return true
	})
	if largest == nil {
		m.writing.Store(false)
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.writing.Store(false)

		n := largest.bytes.Load()
		if err := largest.writer.WriteIndexingBuffer(context.Background()); err != nil {
			m.logger.Warn("failed to write indexing buffer", "shard", largestID, "error", err)
			return
		}
		largest.bytes.Add(-n)
		m.total.Add(-n)
		m.logger.Debug("wrote indexing buffer", "shard", largestID, "bytes", n)
	}()
}
