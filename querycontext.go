package indexshard

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/indexshard/engine"
	"github.com/puzpuzpuz/xsync/v3"
)

// QueryContext carries the per-request state of a read: the searcher and
// the shard it belongs to. It is created per call and passed down explicitly.
// Contexts still open when the shard closes are closed with it.
type QueryContext struct {
	id       uint64
	shardID  string
	source   string
	searcher *engine.Searcher
	created  time.Time
	owner    *queryContexts
	closed   atomic.Bool
}

// ShardID returns the shard the context reads from.
func (q *QueryContext) ShardID() string { return q.shardID }

// Source names the caller that opened the context.
func (q *QueryContext) Source() string { return q.source }

// Searcher returns the point-in-time searcher.
func (q *QueryContext) Searcher() *engine.Searcher { return q.searcher }

// Age returns how long the context has been open.
func (q *QueryContext) Age() time.Duration { return time.Since(q.created) }

// Close releases the searcher. It is idempotent.
func (q *QueryContext) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	q.owner.open.Delete(q.id)
	return q.searcher.Close()
}

type queryContexts struct {
	seq  atomic.Uint64
	open *xsync.MapOf[uint64, *QueryContext]
}

func newQueryContexts() *queryContexts {
	return &queryContexts{open: xsync.NewMapOf[uint64, *QueryContext]()}
}

func (c *queryContexts) add(shardID, source string, searcher *engine.Searcher) *QueryContext {
	q := &QueryContext{
		id:       c.seq.Add(1),
		shardID:  shardID,
		source:   source,
		searcher: searcher,
		created:  time.Now(),
		owner:    c,
	}
	c.open.Store(q.id, q)
	return q
}

func (c *queryContexts) closeAll() int {
	n := 0
	c.open.Range(func(_ uint64, q *QueryContext) bool {
		if q.closed.Load() {
			return true
		}
		_ = q.Close()
		n++
		return true
	})
	return n
}

func (c *queryContexts) size() int { return c.open.Size() }

// NewQueryContext acquires a searcher and wraps it in a QueryContext. The
// caller must close it.
func (s *IndexShard) NewQueryContext(source string) (*QueryContext, error) {
	searcher, err := s.AcquireSearcher(source)
	if err != nil {
		return nil, err
	}
	return s.queryContexts.add(s.shardID, source, searcher), nil
}
