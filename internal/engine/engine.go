// Package engine accepts TCP connections and drives their reads and writes
// through a shared completion queue serviced by a fixed set of I/O
// goroutines. Application callbacks never run on those goroutines; they are
// handed to an Executor.
package engine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/andy6609/roomchat-server/internal/metrics"
	"github.com/andy6609/roomchat-server/internal/session"
	"github.com/andy6609/roomchat-server/internal/workerpool"
)

var (
	ErrAlreadyStarted = errors.New("engine already started")
	ErrStopped        = errors.New("engine stopped")
)

const (
	defaultWaitTimeout   = 100 * time.Millisecond
	defaultWriteQueue    = 256
	defaultWriteTimeout  = 5 * time.Second
	defaultQueueCapacity = 1024
)

// Handler receives connection events. Every call runs on the Executor.
// Calls for one session are made one at a time in the order the events
// happened: OnConnect first, then each line as read, then OnDisconnect.
// Calls for different sessions may run concurrently.
type Handler interface {
	OnConnect(id int64)
	OnMessage(id int64, line string)
	OnDisconnect(s session.Session)
}

// Executor runs tasks off the I/O goroutines. *workerpool.Pool satisfies it.
type Executor interface {
	Enqueue(task workerpool.Task) bool
}

// AdmitFunc decides whether a new connection may proceed. A non-nil error
// rejects it; the error text is written to the peer as one line and the
// connection is closed without ever becoming a session.
type AdmitFunc func(remoteAddr string) error

type Config struct {
	Addr string

	// IOThreads is the number of goroutines servicing completions; zero
	// means one per core.
	IOThreads int

	// WaitTimeout bounds each completion wait so idle I/O goroutines
	// re-check the running flag.
	WaitTimeout time.Duration

	// WriteQueue is the number of write operations a connection may have
	// outstanding before Send reports failure.
	WriteQueue   int
	WriteTimeout time.Duration

	Admit AdmitFunc
}

// Engine owns the listener, the completion queue and every connection
// handle. Sessions themselves live in the session registry.
type Engine struct {
	cfg      Config
	sessions *session.Registry
	exec     Executor
	handler  Handler
	logger   *slog.Logger

	queue   *completionQueue
	running atomic.Bool

	mu      sync.Mutex
	started bool
	ln      net.Listener

	acceptWG sync.WaitGroup
	ioWG     sync.WaitGroup
	connWG   sync.WaitGroup
	stopOnce sync.Once

	acceptErrLog rate.Sometimes
}

func New(cfg Config, sessions *session.Registry, exec Executor, handler Handler, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IOThreads <= 0 {
		cfg.IOThreads = workerpool.CoreCount()
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}
	if cfg.WriteQueue <= 0 {
		cfg.WriteQueue = defaultWriteQueue
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Engine{
		cfg:          cfg,
		sessions:     sessions,
		exec:         exec,
		handler:      handler,
		logger:       logger.With("component", "engine"),
		queue:        newCompletionQueue(defaultQueueCapacity),
		acceptErrLog: rate.Sometimes{Interval: time.Second},
	}
}

// Start binds the listener and launches the I/O goroutines and the accept
// loop. Nothing is started when binding fails.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}
	select {
	case <-e.queue.done:
		return ErrStopped
	default:
	}

	ln, err := net.Listen("tcp", e.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", e.cfg.Addr, err)
	}
	e.ln = ln
	e.started = true
	e.running.Store(true)

	e.ioWG.Add(e.cfg.IOThreads)
	for i := 0; i < e.cfg.IOThreads; i++ {
		go e.ioLoop()
	}
	e.acceptWG.Add(1)
	go e.acceptLoop(ln)

	e.logger.Info("engine started", "addr", ln.Addr().String(), "io_threads", e.cfg.IOThreads)
	return nil
}

// Addr is the bound listener address, or nil before Start.
func (e *Engine) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ln == nil {
		return nil
	}
	return e.ln.Addr()
}

// InFlight is the number of operations whose buffers are still checked out.
func (e *Engine) InFlight() int64 {
	return e.queue.inflight.Load()
}

// Stop closes the listener, wakes and joins every I/O goroutine, then
// force-closes the remaining connections without disconnect callbacks. It is
// idempotent and never waits on the Executor, so a task may call it.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.running.Store(false)

		e.mu.Lock()
		ln := e.ln
		e.mu.Unlock()
		if ln != nil {
			ln.Close()
		}
		e.acceptWG.Wait()

		e.queue.wake()
		e.ioWG.Wait()

		closed := 0
		for _, s := range e.sessions.Snapshot() {
			if _, ok := e.sessions.Remove(s.ID); !ok {
				continue
			}
			if s.Handle != nil {
				s.Handle.Close()
			}
			metrics.ConnectedClients.Dec()
			closed++
		}
		e.connWG.Wait()
		dropped := e.queue.drain()

		e.logger.Info("engine stopped", "closed_sessions", closed, "dropped_completions", dropped)
	})
}

func (e *Engine) acceptLoop(ln net.Listener) {
	defer e.acceptWG.Done()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if !e.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			e.acceptErrLog.Do(func() {
				e.logger.Warn("accept failed", "error", err)
			})
			time.Sleep(5 * time.Millisecond)
			continue
		}
		e.accept(nc)
	}
}

func (e *Engine) accept(nc net.Conn) {
	remote := nc.RemoteAddr().String()
	if e.cfg.Admit != nil {
		if err := e.cfg.Admit(remote); err != nil {
			e.logger.Info("connection rejected", "addr", remote, "reason", err)
			go rejectConn(nc, err.Error(), e.cfg.WriteTimeout)
			return
		}
	}

	c := newConn(nc, e.cfg.WriteQueue)
	c.id = e.sessions.Create(c, remote)
	metrics.ConnectedClients.Inc()
	e.logger.Info("client connected", "id", c.id, "addr", remote)

	e.connWG.Add(1)
	go func() {
		defer e.connWG.Done()
		c.writePump(e.queue, e.cfg.WriteTimeout)
	}()

	id := c.id
	e.dispatchTo(c, func() { e.handler.OnConnect(id) })
	e.postRead(c)
}

// postRead submits the next read for c. The goroutine performing it is the
// only owner of op until the completion is posted.
func (e *Engine) postRead(c *conn) {
	op := e.queue.newOp(OpRead, c.id, c)
	go func() {
		op.n, op.err = c.nc.Read(op.buf)
		e.queue.post(op)
	}()
}

func (e *Engine) ioLoop() {
	defer e.ioWG.Done()

	timer := time.NewTimer(e.cfg.WaitTimeout)
	defer timer.Stop()

	for {
		op, status := e.queue.wait(timer, e.cfg.WaitTimeout)
		switch status {
		case waitStopped:
			return
		case waitTimeout:
			if !e.running.Load() {
				return
			}
			continue
		}
		e.complete(op)
	}
}

func (e *Engine) complete(op *PendingOp) {
	defer op.release()

	switch op.Kind {
	case OpRead:
		if op.n > 0 {
			metrics.CompletionsTotal.WithLabelValues("read", "ok").Inc()
			e.sessions.UpdateActivity(op.SessionID)
			if lines := op.conn.frame(op.buf[:op.n]); len(lines) > 0 {
				id := op.SessionID
				e.dispatchTo(op.conn, func() {
					for _, line := range lines {
						e.handler.OnMessage(id, line)
					}
				})
			}
		}
		if op.err != nil || op.n == 0 {
			result := "error"
			if op.err == nil || errors.Is(op.err, io.EOF) {
				result = "eof"
			}
			metrics.CompletionsTotal.WithLabelValues("read", result).Inc()
			if e.Disconnect(op.SessionID) && result == "error" {
				e.logger.Debug("read failed", "id", op.SessionID, "error", op.err)
			}
			return
		}
		if e.running.Load() {
			e.postRead(op.conn)
		}

	case OpWrite:
		if op.err != nil {
			metrics.CompletionsTotal.WithLabelValues("write", "error").Inc()
			if e.Disconnect(op.SessionID) {
				e.logger.Debug("write failed", "id", op.SessionID, "error", op.err)
			}
			return
		}
		metrics.CompletionsTotal.WithLabelValues("write", "ok").Inc()
	}
}

// dispatchTo runs task after every task already dispatched for c.
func (e *Engine) dispatchTo(c *conn, task workerpool.Task) {
	if c.tasks.push(task) {
		e.schedule(c)
	}
}

func (e *Engine) schedule(c *conn) {
	drain := func() { c.tasks.drain(func() { e.schedule(c) }) }
	if !e.exec.Enqueue(drain) {
		dropped := c.tasks.abandon()
		e.logger.Debug("tasks dropped, executor stopped", "id", c.id, "count", dropped)
	}
}

func (e *Engine) dispatch(task workerpool.Task) {
	if !e.exec.Enqueue(task) {
		e.logger.Debug("task dropped, executor stopped")
	}
}

// Send queues payload for session id. It reports false when the session is
// gone or its write queue has no room; it never waits for the write.
func (e *Engine) Send(id int64, payload []byte) bool {
	h, ok := e.sessions.Handle(id)
	if !ok {
		return false
	}
	c, ok := h.(*conn)
	if !ok {
		return false
	}
	return e.send(id, c, payload)
}

func (e *Engine) send(id int64, c *conn, payload []byte) bool {
	if len(payload) == 0 {
		return true
	}
	ops := make([]*PendingOp, 0, (len(payload)+BufferSize-1)/BufferSize)
	for len(payload) > 0 {
		op := e.queue.newOp(OpWrite, id, c)
		op.n = copy(op.buf, payload)
		payload = payload[op.n:]
		ops = append(ops, op)
	}
	if !c.submit(ops) {
		for _, op := range ops {
			op.release()
		}
		return false
	}
	return true
}

// Broadcast sends payload to every session except excludeID and returns how
// many sends were queued.
func (e *Engine) Broadcast(payload []byte, excludeID int64) int {
	sent := 0
	for id, h := range e.sessions.Handles(excludeID) {
		if c, ok := h.(*conn); ok && e.send(id, c, payload) {
			sent++
		}
	}
	return sent
}

// Disconnect tears a session down. Only the caller that removes it from the
// registry closes the handle and schedules OnDisconnect, so racing triggers
// are harmless; the others get false.
func (e *Engine) Disconnect(id int64) bool {
	s, ok := e.sessions.Remove(id)
	if !ok {
		return false
	}
	if s.Handle != nil {
		if err := s.Handle.Close(); err != nil {
			e.logger.Debug("close handle", "id", id, "error", err)
		}
	}
	metrics.ConnectedClients.Dec()
	e.logger.Info("client disconnected", "id", id, "name", s.Name)

	task := func() { e.handler.OnDisconnect(s) }
	if c, ok := s.Handle.(*conn); ok {
		e.dispatchTo(c, task)
	} else {
		e.dispatch(task)
	}
	return true
}
