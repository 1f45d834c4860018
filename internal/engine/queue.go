package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/pool/pbytes"

	"github.com/andy6609/roomchat-server/internal/metrics"
)

// BufferSize is the capacity of every operation buffer.
const BufferSize = 2048

// OpKind tells a read completion from a write completion.
type OpKind int

const (
	OpRead OpKind = iota
	OpWrite
)

func (k OpKind) String() string {
	switch k {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// PendingOp is one outstanding read or write. Between submission and
// completion it is owned by whichever goroutine performs the I/O; after the
// completion is posted it belongs to the I/O goroutine that receives it.
type PendingOp struct {
	Kind      OpKind
	SessionID int64

	conn *conn
	buf  []byte
	n    int
	err  error

	queue    *completionQueue
	released atomic.Bool
}

// release returns the buffer to the pool. Only the first call has an effect.
func (op *PendingOp) release() {
	if !op.released.CompareAndSwap(false, true) {
		return
	}
	pbytes.Put(op.buf)
	op.buf = nil
	op.queue.inflight.Add(-1)
	metrics.InFlightOps.Dec()
}

type waitStatus int

const (
	waitCompleted waitStatus = iota
	waitTimeout
	waitStopped
)

// completionQueue carries finished operations to the I/O goroutines. Closing
// done wakes every waiter at once; posts that race with the close release
// their operation instead of enqueueing it.
type completionQueue struct {
	ch       chan *PendingOp
	done     chan struct{}
	inflight atomic.Int64

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

func newCompletionQueue(capacity int) *completionQueue {
	return &completionQueue{
		ch:   make(chan *PendingOp, capacity),
		done: make(chan struct{}),
	}
}

func (q *completionQueue) newOp(kind OpKind, id int64, c *conn) *PendingOp {
	q.inflight.Add(1)
	metrics.InFlightOps.Inc()
	return &PendingOp{
		Kind:      kind,
		SessionID: id,
		conn:      c,
		buf:       pbytes.GetLen(BufferSize),
		queue:     q,
	}
}

// post delivers a completion. It reports false, having released op, once
// the queue has been woken for shutdown.
func (q *completionQueue) post(op *PendingOp) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		op.release()
		return false
	}
	select {
	case q.ch <- op:
		return true
	case <-q.done:
		op.release()
		return false
	}
}

// wait blocks for the next completion, at most timeout. Shutdown takes
// precedence over queued completions.
func (q *completionQueue) wait(timer *time.Timer, timeout time.Duration) (*PendingOp, waitStatus) {
	select {
	case <-q.done:
		return nil, waitStopped
	default:
	}

	timer.Reset(timeout)
	select {
	case <-q.done:
		return nil, waitStopped
	case op := <-q.ch:
		return op, waitCompleted
	case <-timer.C:
		return nil, waitTimeout
	}
}

func (q *completionQueue) wake() {
	q.once.Do(func() {
		close(q.done)
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
	})
}

// drain releases completions nobody will consume. Call only after wake.
func (q *completionQueue) drain() int {
	n := 0
	for {
		select {
		case op := <-q.ch:
			op.release()
			n++
		default:
			return n
		}
	}
}
