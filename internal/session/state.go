package session

import "fmt"

// Phase is the coarse position of a session in its lifecycle.
type Phase int

const (
	Initial Phase = iota
	Opening
	Opened
	Closing
	Closed
)

func (p Phase) String() string {
	switch p {
	case Initial:
		return "initial"
	case Opening:
		return "opening"
	case Opened:
		return "opened"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is a session's connection state.  A Closed state carries the
// error that ended the session, nil for a clean close.
type State struct {
	phase Phase
	err   error
}

// Phase returns the lifecycle phase.
func (s State) Phase() Phase { return s.phase }

// Err returns the terminal error of a Closed state.
func (s State) Err() error { return s.err }

// IsOpened reports whether bytes may be sent.
func (s State) IsOpened() bool { return s.phase == Opened }

// WillClose reports whether the session is closing or closed.
func (s State) WillClose() bool { return s.phase == Closing || s.phase == Closed }

func (s State) String() string {
	if s.phase == Closed && s.err != nil {
		return fmt.Sprintf("closed(%v)", s.err)
	}
	return s.phase.String()
}

// ── Events and commands ──────────────────────────────────────────────

type eventKind int

const (
	evOpen eventKind = iota
	evOpened
	evClose
	evClosed
)

type event struct {
	kind eventKind
	err  error
}

func (e event) String() string {
	switch e.kind {
	case evOpen:
		return "open"
	case evOpened:
		return "opened"
	case evClose:
		return errSuffix("close", e.err)
	case evClosed:
		return errSuffix("closed", e.err)
	default:
		return fmt.Sprintf("event(%d)", int(e.kind))
	}
}

type commandKind int

const (
	cmdNone commandKind = iota
	cmdOpen
	cmdOpened
	cmdClose
	cmdClosed
)

type command struct {
	kind commandKind
	err  error
}

func errSuffix(name string, err error) string {
	if err == nil {
		return name
	}
	return fmt.Sprintf("%s(%v)", name, err)
}

// transition applies ev to cur.  The first matching row wins; ok is
// false when no row matches and the event must be dropped.
func transition(cur State, ev event) (next State, cmd command, ok bool) {
	switch {
	case cur.phase == Initial && ev.kind == evOpen:
		return State{phase: Opening}, command{kind: cmdOpen}, true
	case cur.phase == Opening && ev.kind == evOpened:
		return State{phase: Opened}, command{kind: cmdOpened}, true
	case !cur.WillClose() && ev.kind == evClose:
		return State{phase: Closing}, command{kind: cmdClose, err: ev.err}, true
	case cur.phase == Closing && ev.kind == evClosed:
		return State{phase: Closed, err: ev.err}, command{kind: cmdClosed, err: ev.err}, true
	}
	return cur, command{kind: cmdNone}, false
}
