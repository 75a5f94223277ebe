// Package session implements the TCP session engine.  A Session drives
// a pair of non-blocking transport channels through a connection state
// machine, keeps outbound bytes in an ordered buffer that is drained as
// the socket accepts them, and coalesces each burst of inbound reads
// into a single delivery to its Delegate.
//
// Connection state is guarded by an exclusive.Box.  Inbound and
// outbound work each run on their own serial queue, so the two
// directions proceed in parallel without interleaving within one.
package session

import (
	"fmt"
	"sync"
	"sync/atomic"

	"code.hybscloud.com/iox"
	"github.com/google/uuid"

	"tcpsess/internal/buffer"
	"tcpsess/internal/dispatch"
	tcperr "tcpsess/internal/errors"
	"tcpsess/internal/exclusive"
	"tcpsess/internal/flow"
	"tcpsess/internal/metrics"
	"tcpsess/internal/transport"
	"tcpsess/util"
)

// Session is one client TCP connection.
type Session struct {
	id   string
	host string
	port uint16

	rch transport.ReadChannel
	wch transport.WriteChannel

	readQ  *dispatch.Queue
	writeQ *dispatch.Queue
	in     *flow.Adapter
	out    *flow.Adapter
	state  *exclusive.Box[State]
	pool   *util.ChunkPool

	delegate atomic.Pointer[Delegate]
	opened   atomic.Bool // reached Opened at least once
	reported atomic.Bool // close recorded in metrics
	sent     atomic.Int64 // bytes the write channel accepted
	released atomic.Bool
	release  sync.Once

	log     *util.Logger
	metrics *metrics.Collector
}

// ── Options ──────────────────────────────────────────────────────────

// Option configures a Session at construction.
type Option func(*options)

type options struct {
	secure    bool
	transport transport.Transport
	delegate  Delegate
	logger    *util.Logger
	metrics   *metrics.Collector
	chunkSize int
}

// WithSecure requests a TLS connection.  TLS is not implemented and New
// rejects it.
func WithSecure(secure bool) Option { return func(o *options) { o.secure = secure } }

// WithTransport selects the channel backend (default transport.Default()).
func WithTransport(t transport.Transport) Option { return func(o *options) { o.transport = t } }

// WithDelegate sets the initial delegate.
func WithDelegate(d Delegate) Option { return func(o *options) { o.delegate = d } }

// WithLogger sets the parent logger; the session logs under its own name.
func WithLogger(l *util.Logger) Option { return func(o *options) { o.logger = l } }

// WithMetrics sets the collector the session reports to.
func WithMetrics(m *metrics.Collector) Option { return func(o *options) { o.metrics = m } }

// WithChunkSize sets the size of a single inbound read (default 1024).
func WithChunkSize(n int) Option { return func(o *options) { o.chunkSize = n } }

// ── Construction ─────────────────────────────────────────────────────

// New creates an unopened session for host:port.  Nothing is sent on
// the network until Open is called.
func New(host string, port uint16, opts ...Option) (*Session, error) {
	o := options{chunkSize: util.DefaultChunkSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.secure {
		return nil, tcperr.ErrNotImplemented
	}
	tr := o.transport
	if tr == nil {
		tr = transport.Default()
	}

	addr := util.FormatAddr(host, port)
	rch, wch, err := tr.Pair(host, port)
	switch {
	case err != nil:
		return nil, tcperr.Wrap("create", addr, fmt.Errorf("%w: %w", tcperr.ErrNoReadStream, err))
	case rch == nil:
		return nil, tcperr.Wrap("create", addr, tcperr.ErrNoReadStream)
	case wch == nil:
		rch.Close()
		return nil, tcperr.Wrap("create", addr, tcperr.ErrNoWriteStream)
	}

	id := uuid.NewString()
	s := &Session{
		id:      id,
		host:    host,
		port:    port,
		rch:     rch,
		wch:     wch,
		readQ:   dispatch.NewQueue("tcpsess.read"),
		writeQ:  dispatch.NewQueue("tcpsess.write"),
		state:   exclusive.New(State{phase: Initial}),
		pool:    util.NewChunkPool(o.chunkSize),
		log:     o.logger.Named("session " + id[:8]),
		metrics: o.metrics,
	}
	s.in = flow.New(s.readQ)
	s.out = flow.New(s.writeQ)
	s.in.SetDrainHandler(s.deliver)
	s.out.SetDrainHandler(s.writeLoop)
	if o.delegate != nil {
		s.delegate.Store(&o.delegate)
	}

	if !rch.SetClient(s.onReadEvent, s.readQ) {
		s.Release()
		return nil, tcperr.Wrap("create", addr, tcperr.ErrNoReadStream)
	}
	if !wch.SetClient(s.onWriteEvent, s.writeQ) {
		s.Release()
		return nil, tcperr.Wrap("create", addr, tcperr.ErrNoWriteStream)
	}

	s.log.Debug("created for %s", addr)
	return s, nil
}

// ── Public surface ───────────────────────────────────────────────────

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Host returns the destination host.
func (s *Session) Host() string { return s.host }

// Port returns the destination port.
func (s *Session) Port() uint16 { return s.port }

// Addr returns the destination as host:port.
func (s *Session) Addr() string { return util.FormatAddr(s.host, s.port) }

// Open starts connecting and returns once both channels have been
// opened.  The outcome is reported to the delegate.  Called from a
// delegate callback, Open is queued instead of waited for.
func (s *Session) Open() error {
	return s.fire(event{kind: evOpen}, dispatch.Blocking)
}

// Close shuts the session down cleanly and returns once both channels
// have been closed.  Closing a closed session does nothing.  Called from
// a delegate callback, Close is queued instead of waited for.
func (s *Session) Close() error {
	return s.fire(event{kind: evClose}, dispatch.Blocking)
}

// Send queues p for transmission.  It fails with ErrNotOpen unless the
// session is open.  p may be reused once Send returns.
func (s *Session) Send(p []byte) error {
	if s.released.Load() || !s.state.Peek().IsOpened() {
		return tcperr.ErrNotOpen
	}
	s.out.AppendAsync(p)
	return nil
}

// BytesSent returns how many bytes the write channel has accepted.
// Bytes passed to Send but still queued are not counted.
func (s *Session) BytesSent() int64 { return s.sent.Load() }

// State returns the current state.  Outside the engine it waits for an
// in-flight transition to finish; from a delegate callback it returns
// the last committed state.
func (s *Session) State() State {
	if s.onEngineContext() {
		return s.state.Peek()
	}
	return s.state.Read()
}

// SetDelegate replaces the delegate and offers it any bytes received
// while no delegate consumed them.  A nil d detaches the delegate.
func (s *Session) SetDelegate(d Delegate) {
	if d == nil {
		s.delegate.Store(nil)
		return
	}
	s.delegate.Store(&d)
	s.in.DrainAsync()
}

// Release tears down both channel registrations and closes them,
// whatever the state, then stops the session's queues.  It does not
// run the close handshake and the delegate is not notified.  Release is
// idempotent; the session is unusable afterwards.
func (s *Session) Release() {
	s.release.Do(func() {
		s.released.Store(true)
		s.teardown()
		// A session that never left Initial was never counted as started.
		st := s.state.Peek()
		if st.phase != Initial && st.phase != Closed && s.reported.CompareAndSwap(false, true) {
			s.metrics.SessionClosed(s.opened.Load(), nil)
		}
		s.log.Debug("released")

		// A queue cannot wait for itself; stop from outside the engine.
		if s.onEngineContext() {
			go s.stop()
		} else {
			s.stop()
		}
	})
}

func (s *Session) stop() {
	s.state.Close()
	s.readQ.Stop()
	s.writeQ.Stop()
}

func (s *Session) teardown() {
	s.rch.ClearClient()
	s.rch.Close()
	s.wch.ClearClient()
	s.wch.Close()
}

func (s *Session) onEngineContext() bool {
	return s.state.InSection() || s.readQ.IsCurrent() || s.writeQ.IsCurrent()
}

func (s *Session) currentDelegate() Delegate {
	if d := s.delegate.Load(); d != nil {
		return *d
	}
	return nil
}

// ── State machine ────────────────────────────────────────────────────

func (s *Session) fire(ev event, mode dispatch.Mode) error {
	if s.released.Load() {
		return tcperr.ErrReleased
	}
	if mode == dispatch.Blocking && s.onEngineContext() {
		mode = dispatch.Deferred
	}
	s.state.Transact(mode, s.step(ev))
	return nil
}

// fireInline runs ev as part of the transition that holds tx.
func (s *Session) fireInline(tx *exclusive.Tx[State], ev event) {
	tx.Transact(s.step(ev))
}

func (s *Session) step(ev event) func(State) exclusive.Op[State] {
	return func(cur State) exclusive.Op[State] {
		next, cmd, ok := transition(cur, ev)
		if !ok {
			s.log.Debug("dropped %s in %s", ev, cur)
			s.metrics.EventDropped()
			return exclusive.Keep[State]()
		}
		s.log.Debug("%s -> %s on %s", cur, next, ev)
		s.metrics.Transition()
		return exclusive.Set(next, func(tx *exclusive.Tx[State]) {
			s.run(tx, cmd)
		})
	}
}

func (s *Session) run(tx *exclusive.Tx[State], cmd command) {
	switch cmd.kind {
	case cmdOpen:
		s.openChannels(tx)
	case cmdOpened:
		s.opened.Store(true)
		s.metrics.SessionOpened()
		if d := s.currentDelegate(); d != nil {
			d.OnSessionOpened(s)
		}
	case cmdClose:
		s.closeChannels()
		s.fireInline(tx, event{kind: evClosed, err: cmd.err})
	case cmdClosed:
		if s.reported.CompareAndSwap(false, true) {
			s.metrics.SessionClosed(s.opened.Load(), cmd.err)
		}
		if d := s.currentDelegate(); d != nil {
			d.OnSessionClosed(s, cmd.err)
		}
	}
}

// openChannels opens both directions on their own queues and waits for
// both before deciding the outcome.
func (s *Session) openChannels(tx *exclusive.Tx[State]) {
	var rOK, wOK bool
	var g dispatch.Group
	g.Go(s.readQ, func() { rOK = s.rch.Open() })
	g.Go(s.writeQ, func() { wOK = s.wch.Open() })
	g.Wait()

	switch {
	case !rOK:
		s.log.Verbose("read channel did not open")
		s.fireInline(tx, event{kind: evClose, err: tcperr.ErrNoReadStream})
	case !wOK:
		s.log.Verbose("write channel did not open")
		s.fireInline(tx, event{kind: evClose, err: tcperr.ErrNoWriteStream})
	default:
		s.fireInline(tx, event{kind: evOpened})
	}
}

func (s *Session) closeChannels() {
	var g dispatch.Group
	g.Go(s.readQ, func() {
		s.rch.ClearClient()
		s.rch.Close()
	})
	g.Go(s.writeQ, func() {
		s.wch.ClearClient()
		s.wch.Close()
	})
	g.Wait()
}

// ── Transport events ─────────────────────────────────────────────────

func (s *Session) onReadEvent(ev transport.Event) {
	switch ev {
	case transport.EventHasBytesAvailable:
		s.readLoop()
	case transport.EventEndEncountered:
		s.log.Verbose("peer closed the connection")
		s.fire(event{kind: evClose}, dispatch.Deferred) //nolint:errcheck
	case transport.EventErrorOccurred:
		s.channelFailed("read", s.rch)
	}
}

func (s *Session) onWriteEvent(ev transport.Event) {
	switch ev {
	case transport.EventCanAcceptBytes:
		s.out.Drain()
	case transport.EventErrorOccurred:
		s.channelFailed("write", s.wch)
	}
}

func (s *Session) channelFailed(dir string, ch transport.Channel) {
	err := ch.Err()
	if err == nil {
		err = tcperr.ErrUnknown
	}
	s.log.Verbose("%s channel: %v", dir, err)
	s.fire(event{kind: evClose, err: err}, dispatch.Deferred) //nolint:errcheck
}

// ── Data paths ───────────────────────────────────────────────────────

// writeLoop is the outbound drain handler.  It hands the socket as much
// of p as it accepts and reports what was taken.
func (s *Session) writeLoop(p []byte) buffer.DrainResult {
	total := 0
	for total < len(p) && s.wch.CanAcceptBytes() {
		n, err := s.wch.Write(p[total:])
		total += n
		if err != nil {
			if !iox.IsWouldBlock(err) {
				s.log.Verbose("write: %v", err)
			}
			break
		}
		if n == 0 {
			break
		}
	}
	if total == 0 {
		return buffer.NoOp()
	}
	s.sent.Add(int64(total))
	s.metrics.BytesSent(int64(total))
	return buffer.Consume(total)
}

// readLoop drains the read channel in chunk-sized reads and delivers
// the whole burst once.
func (s *Session) readLoop() {
	appended := false
	chunk := s.pool.Get()
	defer s.pool.Put(chunk)

	for s.rch.HasBytesAvailable() {
		n, err := s.rch.Read(*chunk)
		if n > 0 {
			s.in.Append((*chunk)[:n], false)
			s.metrics.BytesReceived(int64(n))
			appended = true
		}
		if err != nil {
			if !iox.IsWouldBlock(err) {
				s.log.Debug("read: %v", err)
			}
			break
		}
		if n == 0 {
			break
		}
	}
	if appended {
		s.in.Drain()
	}
}

// deliver is the inbound drain handler.  Without a delegate the bytes
// stay buffered.
func (s *Session) deliver(p []byte) buffer.DrainResult {
	d := s.currentDelegate()
	if d == nil {
		return buffer.NoOp()
	}
	return d.OnDataReceived(s, p)
}
