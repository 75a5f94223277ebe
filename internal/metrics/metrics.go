// Package metrics provides lightweight, lock-free counters for tracking
// the runtime statistics of tcpsess sessions.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for one or more sessions.
// A nil Collector is safe to use; every method is a no-op.
type Collector struct {
	sessionsActive  atomic.Int64
	sessionsOpened  atomic.Int64
	sessionsClosed  atomic.Int64
	closedWithError atomic.Int64
	bytesIn         atomic.Int64
	bytesOut        atomic.Int64
	transitions     atomic.Int64
	droppedEvents   atomic.Int64
	errorsTotal     atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Session lifecycle ────────────────────────────────────────────────

// SessionOpened records a session reaching the opened state.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(1)
	c.sessionsOpened.Add(1)
}

// SessionClosed records a session reaching the closed state.  wasOpen
// says whether it had been counted by SessionOpened; err is the
// terminal error, nil for a clean close.
func (c *Collector) SessionClosed(wasOpen bool, err error) {
	if c == nil {
		return
	}
	if wasOpen {
		c.sessionsActive.Add(-1)
	}
	c.sessionsClosed.Add(1)
	if err != nil {
		c.closedWithError.Add(1)
		c.RecordError(err.Error())
	}
}

// ActiveSessions returns the number of sessions currently open.
func (c *Collector) ActiveSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsActive.Load()
}

// OpenedSessions returns the lifetime count of opened sessions.
func (c *Collector) OpenedSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsOpened.Load()
}

// ClosedSessions returns the lifetime count of closed sessions.
func (c *Collector) ClosedSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsClosed.Load()
}

// ── State machine ────────────────────────────────────────────────────

// Transition records an accepted state transition.
func (c *Collector) Transition() {
	if c == nil {
		return
	}
	c.transitions.Add(1)
}

// EventDropped records an event the state machine ignored.
func (c *Collector) EventDropped() {
	if c == nil {
		return
	}
	c.droppedEvents.Add(1)
}

// Transitions returns the number of accepted transitions.
func (c *Collector) Transitions() int64 {
	if c == nil {
		return 0
	}
	return c.transitions.Load()
}

// DroppedEvents returns the number of ignored events.
func (c *Collector) DroppedEvents() int64 {
	if c == nil {
		return 0
	}
	return c.droppedEvents.Load()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records n bytes delivered from the network.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// BytesSent records n bytes accepted by the network.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	SessionsActive   int64  `json:"sessions_active"`
	SessionsOpened   int64  `json:"sessions_opened"`
	SessionsClosed   int64  `json:"sessions_closed"`
	ClosedWithError  int64  `json:"closed_with_error"`
	BytesIn          int64  `json:"bytes_in"`
	BytesOut         int64  `json:"bytes_out"`
	Transitions      int64  `json:"transitions"`
	DroppedEvents    int64  `json:"dropped_events"`
	ErrorsTotal      int64  `json:"errors_total"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:          time.Since(c.startTime).Truncate(time.Second).String(),
		SessionsActive:  c.sessionsActive.Load(),
		SessionsOpened:  c.sessionsOpened.Load(),
		SessionsClosed:  c.sessionsClosed.Load(),
		ClosedWithError: c.closedWithError.Load(),
		BytesIn:         c.bytesIn.Load(),
		BytesOut:        c.bytesOut.Load(),
		Transitions:     c.transitions.Load(),
		DroppedEvents:   c.droppedEvents.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
