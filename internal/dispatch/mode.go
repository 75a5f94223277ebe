// Package dispatch provides the execution contexts the engine runs on: an
// ExecutionMode that says how a unit of work is submitted, and a serialized
// single-worker queue that runs submitted work one at a time in FIFO order.
package dispatch

// Mode controls how work is submitted to an execution context.
type Mode int

const (
	// Inline runs work on the caller's goroutine with no scheduling.  Only
	// valid when the caller is already inside the target's exclusive
	// section, e.g. from a transaction completion.
	Inline Mode = iota
	// Blocking submits work and waits until it has run.
	Blocking
	// Deferred submits work and returns immediately.
	Deferred
)

func (m Mode) String() string {
	switch m {
	case Inline:
		return "inline"
	case Blocking:
		return "blocking"
	case Deferred:
		return "deferred"
	default:
		return "unknown"
	}
}
