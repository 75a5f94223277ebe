// Package flow turns pushed writes into pulled consumption: an Adapter
// wraps a buffer.Buffer and runs its drain handler after every append.
package flow

import (
	"sync/atomic"

	"tcpsess/internal/buffer"
	"tcpsess/internal/dispatch"
)

// Adapter owns one buffer and an optional drain handler.
//
// With no handler attached, drains do nothing and bytes accumulate.
// Attaching a handler later does not deliver what is already buffered;
// call Drain or DrainAsync to retry.
type Adapter struct {
	buf     *buffer.Buffer
	handler atomic.Pointer[buffer.Handler]
}

// New returns an adapter whose buffer runs on q.
func New(q *dispatch.Queue) *Adapter {
	return &Adapter{buf: buffer.New(q)}
}

// Queue returns the adapter's serial queue.
func (a *Adapter) Queue() *dispatch.Queue { return a.buf.Queue() }

// SetDrainHandler attaches h, or detaches the current handler when h is nil.
func (a *Adapter) SetDrainHandler(h buffer.Handler) {
	if h == nil {
		a.handler.Store(nil)
		return
	}
	a.handler.Store(&h)
}

// AppendAsync appends p and then drains, both on the adapter's queue.
func (a *Adapter) AppendAsync(p []byte) {
	a.buf.AppendAsync(p, a.Drain)
}

// Append appends p and, if drain is set, drains immediately.  The caller
// must be running on the adapter's queue.
func (a *Adapter) Append(p []byte, drain bool) {
	a.buf.Append(p)
	if drain {
		a.Drain()
	}
}

// Drain runs the current handler against the buffer.  The caller must be
// running on the adapter's queue.
func (a *Adapter) Drain() {
	h := a.handler.Load()
	if h == nil {
		return
	}
	a.buf.Drain(*h)
}

// DrainAsync schedules Drain on the adapter's queue.
func (a *Adapter) DrainAsync() {
	a.Queue().Async(a.Drain)
}

// Len returns the buffered byte count.  The caller must be running on the
// adapter's queue.
func (a *Adapter) Len() int { return a.buf.Len() }
