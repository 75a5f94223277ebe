// Package exclusive provides Box, a value container with linearized read
// and read-modify-write access.  Many readers may observe the value at
// once; writes and transactions run one at a time on the box's own
// writer queue, with readers excluded while they run.
package exclusive

import (
	"fmt"
	"sync"
	"sync/atomic"

	"tcpsess/internal/dispatch"
)

// Op is the outcome of a transaction function: either leave the value
// alone (Keep) or replace it (Set), optionally running a completion.
type Op[T any] struct {
	set   bool
	value T
	then  func(tx *Tx[T])
}

// Keep leaves the value unchanged.
func Keep[T any]() Op[T] { return Op[T]{} }

// Set commits v.  If then is non-nil it runs after the commit, still
// inside the exclusive section, and may chain further transactions
// through the Tx it receives.
func Set[T any](v T, then func(tx *Tx[T])) Op[T] {
	return Op[T]{set: true, value: v, then: then}
}

// Box guards a single value.  The zero Box is not usable; call New.
type Box[T any] struct {
	mu    sync.RWMutex
	value T
	snap  atomic.Pointer[T]
	q     *dispatch.Queue
}

// New returns a Box holding v.
func New[T any](v T) *Box[T] {
	b := &Box[T]{
		value: v,
		q:     dispatch.NewQueue("exclusive.box"),
	}
	b.snap.Store(&v)
	return b
}

// Read returns the current value, waiting for an in-flight transaction
// to finish.  Calling Read from inside the box's exclusive section would
// deadlock and panics instead.
func (b *Box[T]) Read() T {
	if b.q.IsCurrent() {
		panic("exclusive: Read called inside the exclusive section")
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.value
}

// Peek returns the value committed by the most recent transaction
// without waiting.  It never blocks and is safe from any goroutine,
// including completions and callbacks that an exclusive section may be
// waiting on.
func (b *Box[T]) Peek() T {
	return *b.snap.Load()
}

// InSection reports whether the caller is running inside the box's
// exclusive section, where Read would deadlock.
func (b *Box[T]) InSection() bool { return b.q.IsCurrent() }

// Write schedules an exclusive assignment and returns immediately.
func (b *Box[T]) Write(v T) {
	b.q.Async(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.commit(v)
	})
}

// Transact submits f to run exclusively against the current value.
// mode must be Blocking or Deferred; chained transactions from inside a
// completion go through Tx.Transact.
func (b *Box[T]) Transact(mode dispatch.Mode, f func(T) Op[T]) {
	switch mode {
	case dispatch.Blocking, dispatch.Deferred:
	default:
		panic(fmt.Sprintf("exclusive: Transact with %s mode; use Tx.Transact", mode))
	}
	b.q.Execute(mode, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.apply(f)
	})
}

// Close stops the writer queue once pending work has run.
func (b *Box[T]) Close() { b.q.Stop() }

func (b *Box[T]) commit(v T) {
	b.value = v
	b.snap.Store(&v)
}

func (b *Box[T]) apply(f func(T) Op[T]) {
	op := f(b.value)
	if !op.set {
		return
	}
	b.commit(op.value)
	if op.then == nil {
		return
	}
	tx := &Tx[T]{box: b, live: true}
	defer func() { tx.live = false }()
	op.then(tx)
}

// Tx is the handle a completion receives.  It lets the completion run
// further transactions inline, inside the section it already holds.
type Tx[T any] struct {
	box  *Box[T]
	live bool
}

// Transact runs f synchronously in the current exclusive section.  It
// panics if the completion that received tx has already returned or if
// called from another goroutine.
func (tx *Tx[T]) Transact(f func(T) Op[T]) {
	if !tx.live {
		panic("exclusive: Tx used after its completion returned")
	}
	tx.box.q.MustBeCurrent()
	tx.box.apply(f)
}

// Value returns the value committed so far in this section.
func (tx *Tx[T]) Value() T {
	tx.box.q.MustBeCurrent()
	return tx.box.value
}
