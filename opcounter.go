package indexshard

import (
	"context"
	"sync"
	"sync/atomic"
)

// drainingBit marks the counter as draining. It shares the word with the
// reference count so a reference can never be taken after draining began.
const drainingBit int64 = 1 << 62

// opCounter counts in-flight guarded operations. It starts with one
// reference owned by the shard; drain drops it and waits for zero.
type opCounter struct {
	state atomic.Int64
	zero  chan struct{}
}

func newOpCounter() *opCounter {
	c := &opCounter{zero: make(chan struct{})}
	c.state.Store(1)
	return c
}

// acquire takes a reference. The returned release is idempotent.
func (c *opCounter) acquire() (func(), error) {
	for {
		ok, retry := c.tryAcquire(c.state.Load())
		if ok {
			break
		}
		if !retry {
			return nil, ErrShardClosed
		}
	}
	var once sync.Once
	return func() { once.Do(c.decRef) }, nil
}

// tryAcquire takes a reference if the counter still holds observed. retry
// reports a lost race with a counter that is not draining.
func (c *opCounter) tryAcquire(observed int64) (ok, retry bool) {
	if observed&drainingBit != 0 || observed <= 0 {
		return false, false
	}
	if c.state.CompareAndSwap(observed, observed+1) {
		return true, false
	}
	return false, true
}

func (c *opCounter) decRef() {
	if c.state.Add(-1)&^drainingBit == 0 {
		close(c.zero)
	}
}

// beginDrain refuses new references, drops the baseline and blocks until the
// last outstanding reference is released or ctx ends. Calling it again only
// waits.
func (c *opCounter) beginDrain(ctx context.Context) error {
	for {
		n := c.state.Load()
		if n&drainingBit != 0 {
			break
		}
		next := (n | drainingBit) - 1
		if c.state.CompareAndSwap(n, next) {
			if next&^drainingBit == 0 {
				close(c.zero)
			}
			break
		}
	}
	select {
	case <-c.zero:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *opCounter) draining() bool {
	return c.state.Load()&drainingBit != 0
}

// count returns the number of outstanding operations, not counting the
// baseline.
func (c *opCounter) count() int {
	n := c.state.Load()
	if n&drainingBit != 0 {
		return int(n &^ drainingBit)
	}
	return int(max(n-1, 0))
}
