// Package buffer provides an append-only byte buffer whose appends and
// drains are serialized on a dispatch.Queue, so they always run one at a
// time and in submission order.
package buffer

import (
	"bytes"
	"fmt"

	"tcpsess/internal/dispatch"
)

// DrainResult reports how many leading bytes a drain handler consumed.
type DrainResult struct {
	n       int
	consume bool
}

// NoOp leaves the buffer untouched.
func NoOp() DrainResult { return DrainResult{} }

// Consume evicts the first n bytes.
func Consume(n int) DrainResult { return DrainResult{n: n, consume: true} }

// Consumed returns the byte count and whether the result is a Consume.
func (r DrainResult) Consumed() (int, bool) { return r.n, r.consume }

func (r DrainResult) String() string {
	if !r.consume {
		return "NoOp"
	}
	return fmt.Sprintf("Consume(%d)", r.n)
}

// Handler inspects the buffered bytes and reports what it consumed.  The
// slice is only valid for the duration of the call.
type Handler func(p []byte) DrainResult

// Buffer is an ordered byte buffer bound to one serial queue.
type Buffer struct {
	q    *dispatch.Queue
	data bytes.Buffer
}

// New returns an empty buffer whose operations run on q.
func New(q *dispatch.Queue) *Buffer {
	return &Buffer{q: q}
}

// Queue returns the queue the buffer is bound to.
func (b *Buffer) Queue() *dispatch.Queue { return b.q }

// AppendAsync appends a copy of p on the buffer's queue and then runs
// onDone, if set.
func (b *Buffer) AppendAsync(p []byte, onDone func()) {
	cp := bytes.Clone(p)
	b.q.Async(func() {
		b.data.Write(cp)
		if onDone != nil {
			onDone()
		}
	})
}

// DrainAsync runs h against the buffered bytes on the buffer's queue and
// then runs onDone, if set.
func (b *Buffer) DrainAsync(h Handler, onDone func()) {
	b.q.Async(func() {
		b.drain(h)
		if onDone != nil {
			onDone()
		}
	})
}

// Append appends p.  The caller must be running on the buffer's queue.
func (b *Buffer) Append(p []byte) {
	b.q.MustBeCurrent()
	b.data.Write(p)
}

// Drain runs h against the buffered bytes.  The caller must be running
// on the buffer's queue.
func (b *Buffer) Drain(h Handler) {
	b.q.MustBeCurrent()
	b.drain(h)
}

// Len returns the number of buffered bytes.  The caller must be running
// on the buffer's queue.
func (b *Buffer) Len() int {
	b.q.MustBeCurrent()
	return b.data.Len()
}

func (b *Buffer) drain(h Handler) {
	n, ok := h(b.data.Bytes()).Consumed()
	if !ok {
		return
	}
	if n < 0 || n > b.data.Len() {
		panic(fmt.Sprintf("buffer: consumed %d bytes but only %d are buffered", n, b.data.Len()))
	}
	b.data.Next(n)
	if b.data.Len() == 0 {
		b.data.Reset()
	}
}
