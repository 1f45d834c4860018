package workerpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunsTasksInSubmissionOrder(t *testing.T) {
	p := New(1, nil)
	t.Cleanup(p.Shutdown)

	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		require.True(t, p.Enqueue(func() {
			defer wg.Done()
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	wg.Wait()

	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v, "single worker must observe FIFO order")
	}
}

func TestPool_PanicDoesNotKillWorker(t *testing.T) {
	p := New(1, nil)
	t.Cleanup(p.Shutdown)

	p.Enqueue(func() { panic("boom") })

	ran := make(chan struct{})
	p.Enqueue(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
}

func TestPool_ShutdownDrainsQueuedTasks(t *testing.T) {
	p := New(2, nil)

	block := make(chan struct{})
	var executed atomic.Int64
	p.Enqueue(func() { <-block; executed.Add(1) })
	p.Enqueue(func() { <-block; executed.Add(1) })
	for i := 0; i < 10; i++ {
		p.Enqueue(func() { executed.Add(1) })
	}

	done := make(chan struct{})
	go func() {
		p.Shutdown()
		close(done)
	}()

	// Shutdown must wait for the blocked tasks.
	select {
	case <-done:
		t.Fatal("Shutdown returned before queued tasks ran")
	case <-time.After(50 * time.Millisecond):
	}
	close(block)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return")
	}
	assert.Equal(t, int64(12), executed.Load())
}

func TestPool_EnqueueAfterShutdownIsDropped(t *testing.T) {
	p := New(1, nil)
	p.Shutdown()
	p.Shutdown() // idempotent

	var ran atomic.Bool
	assert.False(t, p.Enqueue(func() { ran.Store(true) }))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, ran.Load())
	assert.Equal(t, 0, p.Pending())
}

func TestPool_AutoSize(t *testing.T) {
	p := New(0, nil)
	t.Cleanup(p.Shutdown)

	assert.Equal(t, CoreCount(), p.Size())
	assert.GreaterOrEqual(t, p.Size(), 1)
}
