package engine

import (
	"sync"

	"github.com/andy6609/roomchat-server/internal/workerpool"
)

// taskChain runs one connection's callbacks on the Executor in submission
// order, at most one at a time. Different connections still run in parallel.
type taskChain struct {
	mu      sync.Mutex
	pending []workerpool.Task
	running bool
}

// push queues task and reports whether the caller must schedule a drain.
func (t *taskChain) push(task workerpool.Task) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, task)
	if t.running {
		return false
	}
	t.running = true
	return true
}

func (t *taskChain) next() (workerpool.Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		t.running = false
		return nil, false
	}
	task := t.pending[0]
	t.pending[0] = nil
	t.pending = t.pending[1:]
	return task, true
}

// drain runs queued tasks until none is left. If a task panics the rest of
// the chain is handed to reschedule before the panic continues to the
// executor.
func (t *taskChain) drain(reschedule func()) {
	for {
		task, ok := t.next()
		if !ok {
			return
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					reschedule()
					panic(r)
				}
			}()
			task()
		}()
	}
}

// abandon drops every queued task after the executor refused a drain and
// returns how many were dropped.
func (t *taskChain) abandon() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.pending)
	t.pending = nil
	t.running = false
	return n
}
