//go:build linux

package transport

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"golang.org/x/sys/unix"

	"tcpsess/internal/dispatch"
	tcperr "tcpsess/internal/errors"
	"tcpsess/util"
)

const epollSupported = true

// Epoll runs a channel pair over a non-blocking socket watched by one
// process-wide edge-triggered epoll instance.
type Epoll struct {
	Timeout time.Duration // connect timeout (0 = none)
}

// Pair returns unopened channels for host:port.  The socket is created
// when the first channel is opened.
func (t *Epoll) Pair(host string, port uint16) (ReadChannel, WriteChannel, error) {
	if host == "" {
		return nil, nil, fmt.Errorf("epoll: empty host")
	}
	p, err := sharedPoller()
	if err != nil {
		return nil, nil, err
	}
	s := &epollSocket{host: host, port: port, timeout: t.Timeout, poller: p, fd: -1, refs: 2}
	s.r = &epollReader{s: s}
	s.w = &epollWriter{s: s}
	return s.r, s.w, nil
}

// ── Poller ───────────────────────────────────────────────────────────

var (
	pollerOnce sync.Once
	pollerInst *poller
	pollerErr  error
)

func sharedPoller() (*poller, error) {
	pollerOnce.Do(func() {
		pollerInst, pollerErr = newPoller()
		if pollerErr == nil {
			go pollerInst.run()
		}
	})
	return pollerInst, pollerErr
}

// poller multiplexes readiness for every registered socket.  Sockets
// are looked up by token, which is never 0.  The shared poller lives as
// long as the process.
type poller struct {
	epfd int
	next atomix.Uint32

	mu      sync.Mutex
	sockets map[uint32]*epollSocket
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &poller{epfd: epfd, sockets: make(map[uint32]*epollSocket)}, nil
}

func (p *poller) add(fd int, s *epollSocket) (uint32, error) {
	token := p.next.Add(1)
	if token == 0 {
		token = p.next.Add(1)
	}
	p.mu.Lock()
	p.sockets[token] = s
	p.mu.Unlock()

	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP | uint32(unix.EPOLLET),
		Fd:     int32(fd),
		Pad:    int32(token),
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		p.mu.Lock()
		delete(p.sockets, token)
		p.mu.Unlock()
		return 0, os.NewSyscallError("epoll_ctl", err)
	}
	return token, nil
}

func (p *poller) remove(token uint32, fd int) {
	p.mu.Lock()
	delete(p.sockets, token)
	p.mu.Unlock()
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *poller) lookup(token uint32) *epollSocket {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sockets[token]
}

func (p *poller) run() {
	defer unix.Close(p.epfd)

	events := make([]unix.EpollEvent, 128)
	for {
		n, err := unix.EpollWait(p.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			if s := p.lookup(uint32(ev.Pad)); s != nil {
				s.ready(ev.Events)
			}
		}
	}
}

// ── Socket ───────────────────────────────────────────────────────────

// epollSocket is the descriptor both channels share.  It is closed once
// both channels have been closed.
type epollSocket struct {
	host    string
	port    uint16
	timeout time.Duration
	poller  *poller
	r       *epollReader
	w       *epollWriter

	mu        sync.Mutex
	fd        int
	token     uint32
	refs      int
	started   bool
	released  bool
	connected bool
	readable  bool
	writable  bool
	eof       bool
	err       error
	timer     *time.Timer
	rOpen     bool
	wOpen     bool
}

func (s *epollSocket) open(reader bool) bool {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return false
	}
	if reader {
		s.rOpen = true
	} else {
		s.wOpen = true
	}
	first := !s.started
	s.started = true
	connected, readable, writable, failed := s.connected, s.readable, s.writable, s.err != nil
	s.mu.Unlock()

	if first {
		return s.connect()
	}

	// The other direction already connected or failed; catch this one up.
	switch {
	case failed:
		s.emit(reader, EventErrorOccurred)
	case connected && reader:
		s.r.events.emit(EventOpenCompleted)
		if readable {
			s.r.events.emit(EventHasBytesAvailable)
		}
	case connected:
		s.w.events.emit(EventOpenCompleted)
		if writable {
			s.w.events.emit(EventCanAcceptBytes)
		}
	}
	return true
}

func (s *epollSocket) emit(reader bool, ev Event) {
	if reader {
		s.r.events.emit(ev)
	} else {
		s.w.events.emit(ev)
	}
}

// connect starts a non-blocking connect.  Only a failure to create the
// socket makes Open fail; everything later is reported as an event.
func (s *epollSocket) connect() bool {
	addr, err := util.ResolveTCPAddr(s.host, s.port)
	if err != nil {
		s.fail(err)
		return true
	}

	domain, sa := sockaddr(addr)
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		s.fail(os.NewSyscallError("socket", err))
		return false
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	// The lock is held until the socket is registered so a concurrent
	// release cannot close the descriptor in between.
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		unix.Close(fd)
		return false
	}
	s.fd = fd

	// Register after connect so an unconnected socket's HUP is never seen.
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		s.mu.Unlock()
		s.fail(os.NewSyscallError("connect", err))
		return true
	}
	token, err := s.poller.add(fd, s)
	if err != nil {
		s.mu.Unlock()
		s.fail(err)
		return true
	}
	s.token = token
	if s.timeout > 0 {
		s.timer = time.AfterFunc(s.timeout, s.connectTimeout)
	}
	s.mu.Unlock()
	return true
}

func sockaddr(addr *net.TCPAddr) (int, unix.Sockaddr) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return unix.AF_INET, sa
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	if addr.Zone != "" {
		if ifi, err := net.InterfaceByName(addr.Zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return unix.AF_INET6, sa
}

func (s *epollSocket) connectTimeout() {
	s.mu.Lock()
	if s.connected || s.released || s.err != nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.fail(tcperr.Wrap("connect", util.FormatAddr(s.host, s.port), tcperr.ErrTimeout))
}

// fail records the first socket error and reports it on both
// directions.
func (s *epollSocket) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.r.events.emit(EventErrorOccurred)
	s.w.events.emit(EventErrorOccurred)
}

// ready handles an epoll notification.  It runs on the poller goroutine.
func (s *epollSocket) ready(events uint32) {
	s.mu.Lock()
	if s.released || s.fd < 0 || s.err != nil {
		s.mu.Unlock()
		return
	}

	var rEv, wEv []Event
	if !s.connected {
		if events&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) == 0 {
			s.mu.Unlock()
			return
		}
		if err := s.soError(); err != nil {
			s.mu.Unlock()
			s.fail(os.NewSyscallError("connect", err))
			return
		}
		s.connected = true
		if s.timer != nil {
			s.timer.Stop()
		}
		if s.rOpen {
			rEv = append(rEv, EventOpenCompleted)
		}
		if s.wOpen {
			wEv = append(wEv, EventOpenCompleted)
		}
	}

	if events&unix.EPOLLERR != 0 {
		if err := s.soError(); err != nil {
			s.mu.Unlock()
			s.fail(os.NewSyscallError("socket", err))
			return
		}
	}
	if events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP) != 0 {
		s.readable = true
		rEv = append(rEv, EventHasBytesAvailable)
	}
	if events&unix.EPOLLOUT != 0 {
		s.writable = true
		wEv = append(wEv, EventCanAcceptBytes)
	}
	s.mu.Unlock()

	for _, ev := range rEv {
		s.r.events.emit(ev)
	}
	for _, ev := range wEv {
		s.w.events.emit(ev)
	}
}

// soError returns the pending socket error.  s.mu must be held.
func (s *epollSocket) soError() error {
	v, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

func (s *epollSocket) read(p []byte) (int, error) {
	s.mu.Lock()
	switch {
	case s.released:
		s.mu.Unlock()
		return 0, net.ErrClosed
	case s.err != nil:
		err := s.err
		s.mu.Unlock()
		return 0, err
	case s.eof:
		s.mu.Unlock()
		return 0, io.EOF
	case !s.connected:
		s.mu.Unlock()
		return 0, iox.ErrWouldBlock
	}

	n, err := unix.Read(s.fd, p)
	for err == unix.EINTR {
		n, err = unix.Read(s.fd, p)
	}
	switch {
	case err == unix.EAGAIN:
		s.readable = false
		s.mu.Unlock()
		return 0, iox.ErrWouldBlock
	case err != nil:
		s.err = os.NewSyscallError("read", err)
		err = s.err
		s.mu.Unlock()
		s.r.events.emit(EventErrorOccurred)
		return 0, err
	case n == 0 && len(p) > 0:
		s.eof = true
		s.readable = false
		s.mu.Unlock()
		s.r.events.emit(EventEndEncountered)
		return 0, io.EOF
	}
	s.mu.Unlock()
	return n, nil
}

func (s *epollSocket) write(p []byte) (int, error) {
	s.mu.Lock()
	switch {
	case s.released:
		s.mu.Unlock()
		return 0, net.ErrClosed
	case s.err != nil:
		err := s.err
		s.mu.Unlock()
		return 0, err
	case !s.connected:
		s.mu.Unlock()
		return 0, iox.ErrWouldBlock
	}

	n, err := unix.Write(s.fd, p)
	for err == unix.EINTR {
		n, err = unix.Write(s.fd, p)
	}
	switch {
	case err == unix.EAGAIN:
		s.writable = false
		s.mu.Unlock()
		return 0, iox.ErrWouldBlock
	case err != nil:
		s.err = os.NewSyscallError("write", err)
		err = s.err
		s.mu.Unlock()
		s.w.events.emit(EventErrorOccurred)
		return 0, err
	}
	s.mu.Unlock()
	return n, nil
}

func (s *epollSocket) release() {
	s.mu.Lock()
	s.refs--
	if s.refs > 0 || s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	fd, token := s.fd, s.token
	s.fd = -1
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	if fd < 0 {
		return
	}
	if token != 0 {
		s.poller.remove(token, fd)
	}
	unix.Close(fd)
}

func (s *epollSocket) lastErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ── Channels ─────────────────────────────────────────────────────────

type epollReader struct {
	events notifier
	s      *epollSocket
	once   sync.Once
}

func (c *epollReader) Open() bool { return c.s.open(true) }

func (c *epollReader) Close() error {
	c.once.Do(c.s.release)
	return nil
}

func (c *epollReader) HasBytesAvailable() bool {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.connected && c.s.readable && !c.s.eof && !c.s.released && c.s.err == nil
}

func (c *epollReader) Read(p []byte) (int, error) { return c.s.read(p) }

func (c *epollReader) SetClient(cl Client, q *dispatch.Queue) bool { return c.events.set(cl, q) }
func (c *epollReader) ClearClient()                                 { c.events.clear() }
func (c *epollReader) Err() error                                   { return c.s.lastErr() }

type epollWriter struct {
	events notifier
	s      *epollSocket
	once   sync.Once
}

func (c *epollWriter) Open() bool { return c.s.open(false) }

func (c *epollWriter) Close() error {
	c.once.Do(c.s.release)
	return nil
}

func (c *epollWriter) CanAcceptBytes() bool {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.connected && c.s.writable && !c.s.released && c.s.err == nil
}

func (c *epollWriter) Write(p []byte) (int, error) { return c.s.write(p) }

func (c *epollWriter) SetClient(cl Client, q *dispatch.Queue) bool { return c.events.set(cl, q) }
func (c *epollWriter) ClearClient()                                 { c.events.clear() }
func (c *epollWriter) Err() error                                   { return c.s.lastErr() }
