package session

import "tcpsess/internal/buffer"

// DrainResult reports how many received bytes a delegate consumed.
type DrainResult = buffer.DrainResult

// NoOp keeps every received byte for the next delivery.
func NoOp() DrainResult { return buffer.NoOp() }

// Consume drops the first n received bytes.
func Consume(n int) DrainResult { return buffer.Consume(n) }

// Delegate receives a session's lifecycle and data callbacks.
//
// OnSessionOpened and OnSessionClosed run inside the state transition
// that caused them.  OnDataReceived runs on the session's read queue
// with every byte received and not yet consumed; the slice is only
// valid during the call.
type Delegate interface {
	OnSessionOpened(s *Session)
	OnSessionClosed(s *Session, err error)
	OnDataReceived(s *Session, p []byte) DrainResult
}

// DelegateFuncs adapts plain functions to a Delegate.  Nil fields are
// skipped; a nil OnData keeps received bytes buffered.
type DelegateFuncs struct {
	OnOpen  func(s *Session)
	OnClose func(s *Session, err error)
	OnData  func(s *Session, p []byte) DrainResult
}

func (d DelegateFuncs) OnSessionOpened(s *Session) {
	if d.OnOpen != nil {
		d.OnOpen(s)
	}
}

func (d DelegateFuncs) OnSessionClosed(s *Session, err error) {
	if d.OnClose != nil {
		d.OnClose(s, err)
	}
}

func (d DelegateFuncs) OnDataReceived(s *Session, p []byte) DrainResult {
	if d.OnData != nil {
		return d.OnData(s, p)
	}
	return NoOp()
}
