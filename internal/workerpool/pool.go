// Package workerpool runs application work on a bounded set of goroutines
// fed by an unbounded FIFO queue, so I/O completion handling never waits on
// application processing.
package workerpool

import (
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/andy6609/roomchat-server/internal/metrics"
)

// Task is a unit of work executed by a worker.
type Task func()

// Pool is a fixed set of workers consuming a FIFO task queue.
//
// Enqueue never blocks. Shutdown drains tasks queued before it was called and
// then joins every worker; tasks enqueued afterwards are dropped.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []Task
	stopped bool

	size   int
	wg     sync.WaitGroup
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// New starts a pool with size workers. A size of 0 or less means one worker
// per available core.
func New(size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = CoreCount()
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		size:   size,
		done:   make(chan struct{}),
		logger: logger.With("component", "workerpool"),
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	p.logger.Info("worker pool started", "workers", size)
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Enqueue appends task to the queue and wakes one idle worker. It reports
// false, dropping the task, once the pool has been shut down.
func (p *Pool) Enqueue(task Task) bool {
	if task == nil {
		return false
	}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return false
	}
	p.tasks = append(p.tasks, task)
	depth := len(p.tasks)
	p.mu.Unlock()

	metrics.WorkerQueueDepth.Set(float64(depth))
	p.cond.Signal()
	return true
}

// Pending returns the number of queued tasks not yet picked up by a worker.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Shutdown stops accepting tasks, lets the workers drain the queue and waits
// for them to exit. It is safe to call more than once but must not be called
// from inside a task.
func (p *Pool) Shutdown() {
	p.once.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
		p.cond.Broadcast()

		p.wg.Wait()
		close(p.done)
		p.logger.Info("worker pool stopped")
	})
	<-p.done
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.tasks) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if len(p.tasks) == 0 {
			// stopped and drained
			p.mu.Unlock()
			return
		}
		task := p.tasks[0]
		p.tasks[0] = nil
		p.tasks = p.tasks[1:]
		depth := len(p.tasks)
		p.mu.Unlock()

		metrics.WorkerQueueDepth.Set(float64(depth))
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			metrics.WorkerPanics.Inc()
			p.logger.Error("worker panic recovered, task failed but worker continues",
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	task()
}

// CoreCount reports the number of logical cores, never less than one.
func CoreCount() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		n = runtime.NumCPU()
	}
	if n < 1 {
		n = 1
	}
	return n
}
