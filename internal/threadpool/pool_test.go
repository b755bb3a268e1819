package threadpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	p := NewPool("test", 2, 8, nil)
	defer p.Close()

	var wg sync.WaitGroup
	var ran atomic.Int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), func() {
			defer wg.Done()
			ran.Add(1)
		}))
	}
	wg.Wait()
	assert.Equal(t, int64(20), ran.Load())
}

func TestPoolSubmitAfterClose(t *testing.T) {
	p := NewPool("test", 1, 1, nil)
	p.Close()
	p.Close() // idempotent

	err := p.Submit(context.Background(), func() {})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolSubmitRespectsContext(t *testing.T) {
	p := NewPool("test", 1, 1, nil)
	defer p.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() {
		close(started)
		<-block
	}))
	<-started
	// Fill the queue.
	require.NoError(t, p.Submit(context.Background(), func() {}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
}

func TestPoolRecoversPanics(t *testing.T) {
	p := NewPool("test", 1, 4, nil)
	defer p.Close()

	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() { panic("boom") }))
	require.NoError(t, p.Submit(context.Background(), func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
}

func TestPoolCloseDrainsQueue(t *testing.T) {
	p := NewPool("test", 1, 16, nil)

	var ran atomic.Int64
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(context.Background(), func() { ran.Add(1) }))
	}
	p.Close()
	assert.Equal(t, int64(10), ran.Load())
}
