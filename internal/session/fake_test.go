package session

import (
	"bytes"
	"sync"

	"code.hybscloud.com/iox"

	"tcpsess/internal/dispatch"
	"tcpsess/internal/transport"
)

// fakeChannel is the scripted half shared by fakeReader and fakeWriter.
type fakeChannel struct {
	mu       sync.Mutex
	openOK   bool
	reject   bool // SetClient fails
	opens    int
	closes   int
	cleared  int
	client   transport.Client
	q        *dispatch.Queue
	err      error
	onOpened []transport.Event
}

func (c *fakeChannel) Open() bool {
	c.mu.Lock()
	c.opens++
	ok := c.openOK
	evs := c.onOpened
	c.mu.Unlock()
	if ok {
		for _, ev := range evs {
			c.emit(ev)
		}
	}
	return ok
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) SetClient(cl transport.Client, q *dispatch.Queue) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reject || cl == nil || q == nil {
		return false
	}
	c.client, c.q = cl, q
	return true
}

func (c *fakeChannel) ClearClient() {
	c.mu.Lock()
	c.client, c.q = nil, nil
	c.cleared++
	c.mu.Unlock()
}

func (c *fakeChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeChannel) emit(ev transport.Event) {
	c.mu.Lock()
	q := c.q
	c.mu.Unlock()
	if q == nil {
		return
	}
	q.Async(func() {
		c.mu.Lock()
		cl := c.client
		c.mu.Unlock()
		if cl != nil {
			cl(ev)
		}
	})
}

func (c *fakeChannel) fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.emit(transport.EventErrorOccurred)
}

func (c *fakeChannel) counts() (opens, closes, cleared int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens, c.closes, c.cleared
}

func (c *fakeChannel) registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

// fakeReader serves staged bytes.
type fakeReader struct {
	fakeChannel
	staged []byte
	reads  []int // size of each buffer handed to Read
}

func (r *fakeReader) HasBytesAvailable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.staged) > 0
}

func (r *fakeReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads = append(r.reads, len(p))
	if len(r.staged) == 0 {
		return 0, iox.ErrWouldBlock
	}
	n := copy(p, r.staged)
	r.staged = r.staged[n:]
	return n, nil
}

// feed stages p and announces it.
func (r *fakeReader) feed(p []byte) {
	r.mu.Lock()
	r.staged = append(r.staged, p...)
	r.mu.Unlock()
	r.emit(transport.EventHasBytesAvailable)
}

func (r *fakeReader) readSizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.reads...)
}

// fakeWriter accepts at most space bytes until granted more.
type fakeWriter struct {
	fakeChannel
	space   int
	written bytes.Buffer
}

func (w *fakeWriter) CanAcceptBytes() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.space > 0
}

func (w *fakeWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.space == 0 {
		return 0, iox.ErrWouldBlock
	}
	n := min(len(p), w.space)
	w.written.Write(p[:n])
	w.space -= n
	return n, nil
}

func (w *fakeWriter) grant(n int) {
	w.mu.Lock()
	w.space += n
	w.mu.Unlock()
	w.emit(transport.EventCanAcceptBytes)
}

func (w *fakeWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written.String()
}

// fakeTransport hands out one scripted pair.
type fakeTransport struct {
	mu    sync.Mutex
	r     *fakeReader
	w     *fakeWriter
	err   error
	pairs int
	noR   bool
	noW   bool
}

func newFakeTransport() *fakeTransport {
	r := &fakeReader{}
	r.openOK = true
	r.onOpened = []transport.Event{transport.EventOpenCompleted}
	w := &fakeWriter{space: 1 << 20}
	w.openOK = true
	w.onOpened = []transport.Event{transport.EventOpenCompleted, transport.EventCanAcceptBytes}
	return &fakeTransport{r: r, w: w}
}

func (f *fakeTransport) Pair(host string, port uint16) (transport.ReadChannel, transport.WriteChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pairs++
	if f.err != nil {
		return nil, nil, f.err
	}
	var rch transport.ReadChannel
	var wch transport.WriteChannel
	if !f.noR {
		rch = f.r
	}
	if !f.noW {
		wch = f.w
	}
	return rch, wch, nil
}

// recorder is a Delegate that reports every callback on channels.
type recorder struct {
	opened  chan struct{}
	closed  chan error
	data    chan []byte
	consume func(p []byte) int // nil consumes everything

	mu        sync.Mutex
	nOpened   int
	nClosed   int
	nDelivery int
}

func newRecorder() *recorder {
	return &recorder{
		opened: make(chan struct{}, 16),
		closed: make(chan error, 16),
		data:   make(chan []byte, 64),
	}
}

func (r *recorder) OnSessionOpened(*Session) {
	r.mu.Lock()
	r.nOpened++
	r.mu.Unlock()
	r.opened <- struct{}{}
}

func (r *recorder) OnSessionClosed(_ *Session, err error) {
	r.mu.Lock()
	r.nClosed++
	r.mu.Unlock()
	r.closed <- err
}

func (r *recorder) OnDataReceived(_ *Session, p []byte) DrainResult {
	r.mu.Lock()
	r.nDelivery++
	r.mu.Unlock()
	r.data <- bytes.Clone(p)
	if r.consume != nil {
		return Consume(r.consume(p))
	}
	return Consume(len(p))
}

func (r *recorder) counts() (opened, closed, deliveries int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nOpened, r.nClosed, r.nDelivery
}
