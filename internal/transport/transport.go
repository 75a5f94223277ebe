// Package transport provides the socket endpoints a session drives.  A
// Transport creates a pair of channels for one TCP connection, one per
// direction.  Channels never block: they report readiness through
// events delivered on a dispatch.Queue chosen by the channel's client,
// and reads or writes that cannot make progress fail with
// iox.ErrWouldBlock.
package transport

import (
	"fmt"
	"runtime"
	"sync"

	"tcpsess/internal/dispatch"
)

// Event is a readiness or lifecycle notification raised by a channel.
type Event int

const (
	EventOpenCompleted Event = iota
	EventErrorOccurred
	EventEndEncountered
	EventHasBytesAvailable
	EventCanAcceptBytes
)

func (e Event) String() string {
	switch e {
	case EventOpenCompleted:
		return "open-completed"
	case EventErrorOccurred:
		return "error-occurred"
	case EventEndEncountered:
		return "end-encountered"
	case EventHasBytesAvailable:
		return "has-bytes-available"
	case EventCanAcceptBytes:
		return "can-accept-bytes"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Client receives a channel's events.
type Client func(ev Event)

// Channel is one direction of a connection.
type Channel interface {
	// Open starts connecting.  It returns false if the channel cannot be
	// opened at all; connection failures are reported later through
	// EventErrorOccurred.
	Open() bool

	// Close releases the channel.  Closing twice is harmless.
	Close() error

	// SetClient registers c to receive events on q, replacing any
	// previous registration.
	SetClient(c Client, q *dispatch.Queue) bool

	// ClearClient removes the registration.  Events already queued for
	// delivery are discarded.
	ClearClient()

	// Err returns the error behind the last EventErrorOccurred, if any.
	Err() error
}

// ReadChannel is the inbound direction.
type ReadChannel interface {
	Channel
	HasBytesAvailable() bool
	Read(p []byte) (int, error)
}

// WriteChannel is the outbound direction.
type WriteChannel interface {
	Channel
	CanAcceptBytes() bool
	Write(p []byte) (int, error)
}

// Transport creates channel pairs.
type Transport interface {
	// Pair returns unopened channels for a connection to host:port.
	Pair(host string, port uint16) (ReadChannel, WriteChannel, error)
}

// ── Backend selection ────────────────────────────────────────────────

// Names accepted by ByName.
const (
	NameAuto    = "auto"
	NameEpoll   = "epoll"
	NameNetConn = "netconn"
)

// Default returns the preferred transport for this platform: the epoll
// backend on linux, the net.Conn backend elsewhere.
func Default() Transport {
	if epollSupported {
		return &Epoll{}
	}
	return &NetConn{}
}

// ByName returns the transport called name.  An empty name means auto.
func ByName(name string) (Transport, error) {
	switch name {
	case "", NameAuto:
		return Default(), nil
	case NameNetConn:
		return &NetConn{}, nil
	case NameEpoll:
		if !epollSupported {
			return nil, fmt.Errorf("transport %q is not available on %s", name, runtime.GOOS)
		}
		return &Epoll{}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}

// ── Event delivery ───────────────────────────────────────────────────

// notifier holds a channel's client registration.  The client is looked
// up again when a queued event runs, so clearing the registration also
// drops events still in flight.
type notifier struct {
	mu     sync.Mutex
	client Client
	q      *dispatch.Queue
}

func (n *notifier) set(c Client, q *dispatch.Queue) bool {
	if c == nil || q == nil {
		return false
	}
	n.mu.Lock()
	n.client, n.q = c, q
	n.mu.Unlock()
	return true
}

func (n *notifier) clear() {
	n.mu.Lock()
	n.client, n.q = nil, nil
	n.mu.Unlock()
}

func (n *notifier) emit(ev Event) {
	n.mu.Lock()
	q := n.q
	n.mu.Unlock()
	if q == nil {
		return
	}
	q.Async(func() {
		n.mu.Lock()
		c := n.client
		same := n.q == q
		n.mu.Unlock()
		if c != nil && same {
			c(ev)
		}
	})
}
