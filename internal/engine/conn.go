package engine

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// MaxLineLength bounds a single inbound line. Longer lines are cut at this
// length and the rest, up to the next newline, is discarded.
const MaxLineLength = 4096

// conn is the transport handle stored in the session registry.
type conn struct {
	id int64
	nc net.Conn

	mu     sync.Mutex
	closed bool
	out    chan *PendingOp

	// framing state; only the goroutine handling this connection's single
	// outstanding read touches it
	partial []byte
	discard bool

	tasks taskChain
}

func newConn(nc net.Conn, queueLen int) *conn {
	return &conn{
		nc:  nc,
		out: make(chan *PendingOp, queueLen),
	}
}

// submit queues write operations in order without blocking. Either all of
// them are queued or none is.
func (c *conn) submit(ops []*PendingOp) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || cap(c.out)-len(c.out) < len(ops) {
		return false
	}
	for _, op := range ops {
		c.out <- op
	}
	return true
}

// Close stops accepting writes and unblocks a pending read. The writer
// flushes what is already queued and then closes the socket.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.out)
	c.mu.Unlock()

	_ = c.nc.SetReadDeadline(time.Now())
	return nil
}

// writePump drains the write queue in order and posts one completion per
// operation. After the first failure the remaining operations complete with
// the same error without touching the socket.
func (c *conn) writePump(q *completionQueue, timeout time.Duration) {
	defer c.nc.Close()

	w := bufio.NewWriter(c.nc)
	var failed error
	for op := range c.out {
		if failed == nil {
			_ = c.nc.SetWriteDeadline(time.Now().Add(timeout))
			if _, err := w.Write(op.buf[:op.n]); err != nil {
				failed = err
			} else if len(c.out) == 0 {
				if err := w.Flush(); err != nil {
					failed = err
				}
			}
		}
		op.err = failed
		q.post(op)
	}
	if failed == nil {
		_ = w.Flush()
	}
}

// frame appends freshly read bytes and returns every complete line, without
// the trailing CR LF.
func (c *conn) frame(data []byte) []string {
	var lines []string
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			if !c.discard {
				c.partial = append(c.partial, data...)
			}
			break
		}
		if !c.discard {
			c.partial = append(c.partial, data[:i]...)
			if len(c.partial) > MaxLineLength {
				c.partial = c.partial[:MaxLineLength]
			}
			lines = append(lines, strings.TrimRight(string(c.partial), "\r"))
		}
		c.partial = c.partial[:0]
		c.discard = false
		data = data[i+1:]
	}

	if len(c.partial) > MaxLineLength {
		lines = append(lines, string(c.partial[:MaxLineLength]))
		c.partial = c.partial[:0]
		c.discard = true
	}
	return lines
}

func rejectConn(nc net.Conn, reason string, timeout time.Duration) {
	defer nc.Close()
	_ = nc.SetWriteDeadline(time.Now().Add(timeout))
	_, _ = io.WriteString(nc, reason+"\n")
}
