package resource

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_Memory(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 100})
	ctx := context.Background()

	require.NoError(t, c.AcquireMemory(ctx, 60))
	require.NoError(t, c.AcquireMemory(ctx, 30))
	assert.Equal(t, int64(90), c.MemoryUsage())

	assert.False(t, c.TryAcquireMemory(20))
	assert.Equal(t, int64(90), c.MemoryUsage())

	timeout, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.AcquireMemory(timeout, 20), context.DeadlineExceeded)

	c.ReleaseMemory(60)
	assert.Equal(t, int64(30), c.MemoryUsage())
	assert.True(t, c.TryAcquireMemory(20))
	assert.Equal(t, int64(50), c.MemoryUsage())
}

func TestController_Unlimited(t *testing.T) {
	c := NewController(Config{})

	require.NoError(t, c.AcquireMemory(context.Background(), 1<<30))
	c.ReleaseMemory(1 << 29)
	assert.Equal(t, int64(1<<29), c.MemoryUsage())
	require.NoError(t, c.AcquireIO(context.Background(), 1<<20))
}

func TestController_NilIsNoop(t *testing.T) {
	var c *Controller
	ctx := context.Background()

	require.NoError(t, c.AcquireMemory(ctx, 10))
	assert.True(t, c.TryAcquireMemory(10))
	c.ReleaseMemory(10)
	require.NoError(t, c.AcquireFlush(ctx))
	assert.True(t, c.TryAcquireFlush())
	c.ReleaseFlush()
	require.NoError(t, c.AcquireIO(ctx, 10))
	assert.Zero(t, c.MemoryUsage())
}

func TestController_FlushSlots(t *testing.T) {
	c := NewController(Config{MaxConcurrentFlushes: 2})

	require.NoError(t, c.AcquireFlush(context.Background()))
	require.NoError(t, c.AcquireFlush(context.Background()))
	assert.False(t, c.TryAcquireFlush())

	c.ReleaseFlush()
	assert.True(t, c.TryAcquireFlush())
}

func TestThrottledWriter(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 64})
	var buf bytes.Buffer
	w := NewThrottledWriter(context.Background(), &buf, c)

	// Larger than the burst; split into burst-sized waits.
	payload := bytes.Repeat([]byte("x"), 100)
	n, err := w.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, payload, buf.Bytes())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewThrottledWriter(ctx, &buf, c).Write(payload)
	assert.Error(t, err)
}

type recordingWriter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *recordingWriter) WriteIndexingBuffer(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

func (r *recordingWriter) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestIndexingMemory_WritesLargestShard(t *testing.T) {
	m := NewIndexingMemory(100, nil)
	small, large := &recordingWriter{}, &recordingWriter{}
	m.Register("s0", small)
	m.Register("s1", large)

	m.BytesWritten("s0", 20)
	m.BytesWritten("s1", 70)
	m.Wait()
	assert.Zero(t, large.Calls())
	assert.Equal(t, int64(90), m.Total())

	m.BytesWritten("s1", 20)
	m.Wait()
	assert.Equal(t, 1, large.Calls())
	assert.Zero(t, small.Calls())
	assert.Equal(t, int64(0), m.ShardBytes("s1"))
	assert.Equal(t, int64(20), m.Total())
}

func TestIndexingMemory_FailedWriteKeepsBytes(t *testing.T) {
	m := NewIndexingMemory(10, nil)
	w := &recordingWriter{err: errors.New("engine closed")}
	m.Register("s0", w)

	m.BytesWritten("s0", 50)
	m.Wait()
	assert.Equal(t, 1, w.Calls())
	assert.Equal(t, int64(50), m.ShardBytes("s0"))
}

func TestIndexingMemory_Unregister(t *testing.T) {
	m := NewIndexingMemory(0, nil)
	m.Register("s0", &recordingWriter{})
	m.BytesWritten("s0", 30)
	m.BytesWritten("unknown", 30)
	assert.Equal(t, int64(30), m.Total())

	m.Unregister("s0")
	assert.Zero(t, m.Total())
	assert.Zero(t, m.ShardBytes("s0"))
}
