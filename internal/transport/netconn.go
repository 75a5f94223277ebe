package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"code.hybscloud.com/iox"

	"tcpsess/internal/dispatch"
	"tcpsess/util"
)

// Buffer limits for the NetConn backend.
const (
	DefaultReadBufferSize  = 64 * 1024
	DefaultWriteBufferSize = 64 * 1024

	// DefaultFlushTimeout bounds how long a closing writer keeps trying
	// to hand its pending bytes to the socket.
	DefaultFlushTimeout = 5 * time.Second
)

// NetConn runs a channel pair over a blocking net.Conn.  A reader
// goroutine stages inbound bytes and a writer goroutine flushes a
// bounded outbound buffer, so neither direction ever blocks its caller.
// It works on every platform the net package supports.
type NetConn struct {
	Dialer          Dialer // nil means a TCPDialer without timeout
	ReadBufferSize  int    // staged inbound bytes before the reader pauses
	WriteBufferSize int    // pending outbound bytes before Write refuses

	// FlushTimeout bounds writes still in flight when the writer closes
	// (default DefaultFlushTimeout).
	FlushTimeout time.Duration
}

// Pair returns unopened channels for host:port.  Nothing is dialled
// until one of them is opened.
func (t *NetConn) Pair(host string, port uint16) (ReadChannel, WriteChannel, error) {
	if host == "" {
		return nil, nil, fmt.Errorf("netconn: empty host")
	}
	d := t.Dialer
	if d == nil {
		d = &TCPDialer{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &netPair{addr: util.FormatAddr(host, port), dialer: d, ctx: ctx, cancel: cancel}
	p.refs.Store(2)

	r := &netReader{pair: p, limit: sizeOr(t.ReadBufferSize, DefaultReadBufferSize)}
	r.cond = sync.NewCond(&r.mu)
	w := &netWriter{pair: p, limit: sizeOr(t.WriteBufferSize, DefaultWriteBufferSize), flush: t.FlushTimeout}
	if w.flush <= 0 {
		w.flush = DefaultFlushTimeout
	}
	w.cond = sync.NewCond(&w.mu)
	p.r, p.w = r, w
	return r, w, nil
}

func sizeOr(n, def int) int {
	if n > 0 {
		return n
	}
	return def
}

// ── Shared connection ────────────────────────────────────────────────

// netPair owns the connection both channels share.  It is closed once
// both channels have been closed.
type netPair struct {
	addr   string
	dialer Dialer
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	refs   atomic.Int32

	mu     sync.Mutex
	conn   net.Conn
	closed bool

	r *netReader
	w *netWriter
}

func (p *netPair) dial() {
	p.once.Do(func() {
		go func() {
			conn, err := p.dialer.Dial(p.ctx, "tcp", p.addr)
			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				if conn != nil {
					conn.Close()
				}
				return
			}
			p.conn = conn
			p.mu.Unlock()

			p.r.connected(conn, err)
			p.w.connected(conn, err)
		}()
	})
}

func (p *netPair) release() {
	if p.refs.Add(-1) != 0 {
		return
	}
	p.cancel()
	p.mu.Lock()
	conn := p.conn
	p.conn, p.closed = nil, true
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// ── Read direction ───────────────────────────────────────────────────

type netReader struct {
	events notifier
	pair   *netPair
	limit  int
	once   sync.Once

	mu      sync.Mutex
	cond    *sync.Cond
	opened  bool
	dialed  bool
	started bool
	closed  bool
	eof     bool
	conn    net.Conn
	dialErr error
	err     error
	staged  []byte
}

func (c *netReader) Open() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.opened = true
	c.mu.Unlock()

	c.pair.dial()
	c.start()
	return true
}

func (c *netReader) connected(conn net.Conn, err error) {
	c.mu.Lock()
	c.dialed, c.conn, c.dialErr = true, conn, err
	c.mu.Unlock()
	c.start()
}

func (c *netReader) start() {
	c.mu.Lock()
	if !c.opened || !c.dialed || c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	conn, err := c.conn, c.dialErr
	if err != nil {
		c.err = err
	}
	c.mu.Unlock()

	if err != nil {
		c.events.emit(EventErrorOccurred)
		return
	}
	c.events.emit(EventOpenCompleted)
	go c.readLoop(conn)
}

func (c *netReader) readLoop(conn net.Conn) {
	buf := make([]byte, util.DefaultBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			c.mu.Lock()
			for len(c.staged) >= c.limit && !c.closed {
				c.cond.Wait()
			}
			if c.closed {
				c.mu.Unlock()
				return
			}
			c.staged = append(c.staged, buf[:n]...)
			c.mu.Unlock()
			c.events.emit(EventHasBytesAvailable)
		}
		if err != nil {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			if errors.Is(err, io.EOF) {
				c.eof = true
				c.mu.Unlock()
				c.events.emit(EventEndEncountered)
				return
			}
			c.err = err
			c.mu.Unlock()
			c.events.emit(EventErrorOccurred)
			return
		}
	}
}

func (c *netReader) HasBytesAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.staged) > 0
}

func (c *netReader) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.staged) == 0 {
		switch {
		case c.closed:
			return 0, net.ErrClosed
		case c.eof:
			return 0, io.EOF
		case c.err != nil:
			return 0, c.err
		default:
			return 0, iox.ErrWouldBlock
		}
	}
	n := copy(p, c.staged)
	c.staged = c.staged[n:]
	if len(c.staged) == 0 {
		c.staged = nil
	}
	c.cond.Broadcast()
	return n, nil
}

func (c *netReader) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.staged = nil
		c.cond.Broadcast()
		c.mu.Unlock()
		c.pair.release()
	})
	return nil
}

func (c *netReader) SetClient(cl Client, q *dispatch.Queue) bool { return c.events.set(cl, q) }
func (c *netReader) ClearClient()                                 { c.events.clear() }

func (c *netReader) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// ── Write direction ──────────────────────────────────────────────────

type netWriter struct {
	events notifier
	pair   *netPair
	limit  int
	flush  time.Duration
	once   sync.Once

	mu      sync.Mutex
	cond    *sync.Cond
	opened  bool
	dialed  bool
	started bool
	running bool // writer goroutine alive; it releases the pair on exit
	closed  bool
	conn    net.Conn
	dialErr error
	err     error
	pending []byte
}

func (c *netWriter) Open() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.opened = true
	c.mu.Unlock()

	c.pair.dial()
	c.start()
	return true
}

func (c *netWriter) connected(conn net.Conn, err error) {
	c.mu.Lock()
	c.dialed, c.conn, c.dialErr = true, conn, err
	c.mu.Unlock()
	c.start()
}

func (c *netWriter) start() {
	c.mu.Lock()
	if !c.opened || !c.dialed || c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	conn, err := c.conn, c.dialErr
	if err != nil {
		c.err = err
	} else {
		c.running = true
	}
	c.mu.Unlock()

	if err != nil {
		c.events.emit(EventErrorOccurred)
		return
	}
	c.events.emit(EventOpenCompleted)
	c.events.emit(EventCanAcceptBytes)
	go c.writeLoop(conn)
}

func (c *netWriter) writeLoop(conn net.Conn) {
	var spare []byte
	for {
		c.mu.Lock()
		for len(c.pending) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			out := c.pending
			c.pending = nil
			c.mu.Unlock()
			if len(out) > 0 {
				conn.SetWriteDeadline(time.Now().Add(c.flush)) //nolint:errcheck
				conn.Write(out)                               //nolint:errcheck
			}
			c.pair.release()
			return
		}
		out := c.pending
		c.pending = spare[:0]
		c.mu.Unlock()

		if _, err := conn.Write(out); err != nil {
			c.mu.Lock()
			c.running = false
			closed := c.closed
			if !closed {
				c.err = err
			}
			c.mu.Unlock()
			if closed {
				// Close saw the goroutine running and left the release to it.
				c.pair.release()
			} else {
				c.events.emit(EventErrorOccurred)
			}
			return
		}
		spare = out
		c.events.emit(EventCanAcceptBytes)
	}
}

func (c *netWriter) CanAcceptBytes() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running && !c.closed && c.err == nil && len(c.pending) < c.limit
}

func (c *netWriter) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed:
		return 0, net.ErrClosed
	case c.err != nil:
		return 0, c.err
	case !c.running:
		return 0, iox.ErrWouldBlock
	}
	space := c.limit - len(c.pending)
	if space <= 0 {
		return 0, iox.ErrWouldBlock
	}
	n := min(len(p), space)
	c.pending = append(c.pending, p[:n]...)
	c.cond.Signal()
	return n, nil
}

// Close stops accepting bytes.  Bytes already accepted are still
// flushed, for a bounded time, before the connection is released.
func (c *netWriter) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		running, conn := c.running, c.conn
		c.cond.Broadcast()
		c.mu.Unlock()
		if !running {
			c.pair.release()
			return
		}
		// A write blocked on a peer that stopped reading must give up
		// so the goroutine can release the connection.
		conn.SetWriteDeadline(time.Now().Add(c.flush)) //nolint:errcheck
	})
	return nil
}

func (c *netWriter) SetClient(cl Client, q *dispatch.Queue) bool { return c.events.set(cl, q) }
func (c *netWriter) ClearClient()                                 { c.events.clear() }

func (c *netWriter) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
