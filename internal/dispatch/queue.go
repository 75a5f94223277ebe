package dispatch

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Queue is a serialized execution context: one worker goroutine runs
// submitted work one item at a time, in submission order.  Submission
// never blocks on the worker, so work running on the queue may submit
// more work to the same queue.
type Queue struct {
	label string

	mu      sync.Mutex
	pending []func()
	stopped bool

	wake   chan struct{}
	done   chan struct{}
	worker atomic.Uint64 // goroutine id of the worker
}

// NewQueue starts a queue whose worker is identified by label in panics
// and logs.
func NewQueue(label string) *Queue {
	q := &Queue{
		label: label,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	started := make(chan struct{})
	go q.run(started)
	<-started
	return q
}

// Label returns the name the queue was created with.
func (q *Queue) Label() string { return q.label }

func (q *Queue) run(started chan struct{}) {
	q.worker.Store(goroutineID())
	close(started)
	defer close(q.done)

	var batch []func()
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.stopped {
			q.mu.Unlock()
			<-q.wake
			q.mu.Lock()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		// Swap buffers so work may enqueue while the batch runs.
		batch, q.pending = q.pending, batch[:0]
		q.mu.Unlock()

		for i, work := range batch {
			work()
			batch[i] = nil
		}
	}
}

func (q *Queue) submit(work func()) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, work)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// IsCurrent reports whether the caller is running on the queue's worker.
func (q *Queue) IsCurrent() bool {
	return goroutineID() == q.worker.Load()
}

// MustBeCurrent panics unless the caller is running on the queue's worker.
func (q *Queue) MustBeCurrent() {
	if !q.IsCurrent() {
		panic(fmt.Sprintf("dispatch: %s: not on queue", q.label))
	}
}

// Execute submits work under mode.
func (q *Queue) Execute(mode Mode, work func()) {
	switch mode {
	case Inline:
		q.MustBeCurrent()
		work()
	case Blocking:
		q.Sync(work)
	case Deferred:
		q.Async(work)
	default:
		panic(fmt.Sprintf("dispatch: %s: invalid mode %d", q.label, int(mode)))
	}
}

// Async submits work and returns.  Work submitted after Stop is dropped.
func (q *Queue) Async(work func()) {
	q.submit(work)
}

// Sync submits work and waits for it to finish.  It reports false if
// the queue was stopped and work did not run.  Calling Sync from the
// queue's own worker would deadlock and panics instead.
func (q *Queue) Sync(work func()) bool {
	if q.IsCurrent() {
		panic(fmt.Sprintf("dispatch: %s: Sync called from its own queue", q.label))
	}
	done := make(chan struct{})
	if !q.submit(func() {
		defer close(done)
		work()
	}) {
		return false
	}
	<-done
	return true
}

// Stop lets the worker finish what has already been submitted and then
// exits it.  Stop waits for the worker unless called from it.  Stopping
// twice is harmless.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	if !q.IsCurrent() {
		<-q.done
	}
}

// Group joins work spread over several queues.
type Group struct {
	wg sync.WaitGroup
}

// Go runs work on q as part of the group.  If q has been stopped the
// work is skipped.
func (g *Group) Go(q *Queue, work func()) {
	g.wg.Add(1)
	if !q.submit(func() {
		defer g.wg.Done()
		work()
	}) {
		g.wg.Done()
	}
}

// Wait blocks until every work item added with Go has finished.
func (g *Group) Wait() { g.wg.Wait() }
