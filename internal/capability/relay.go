package capability

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"tcpsess/internal/session"
	"tcpsess/util"
)

// Relay copies local input to the session and received bytes to Stdout,
// the default interactive and pipe mode.
type Relay struct {
	// Input carries local input chunks; it is closed at EOF.  Reading
	// local input lives outside the relay so it can outlast a session
	// that is retried.
	Input <-chan []byte
	// Stdout receives everything the peer sends.
	Stdout io.Writer

	// Interactive keeps the session open after Input ends until the
	// peer closes or ctx is cancelled.
	Interactive bool
	// IdleTimeout closes a non-interactive session once Input has ended
	// and nothing has arrived for this long.  0 waits for the peer.
	IdleTimeout time.Duration

	Logger *util.Logger

	// pending holds input chunks taken from Input that no session has
	// put on the wire yet, oldest first.  It outlives one Handle so a
	// retried session replays them.
	pending [][]byte
}

// Handle attaches the relay to sess and shuttles bytes until the
// session closes or ctx is cancelled.  It returns the error the session
// closed with.  Input left unsent when the session ends is sent first by
// the next Handle.
func (r *Relay) Handle(ctx context.Context, sess *session.Session) (Stats, error) {
	var received atomic.Int64
	closed := make(chan error, 1)
	activity := make(chan struct{}, 1)
	opened := make(chan struct{}, 1)

	sess.SetDelegate(session.DelegateFuncs{
		OnOpen: func(*session.Session) {
			select {
			case opened <- struct{}{}:
			default:
			}
		},
		OnData: func(s *session.Session, p []byte) session.DrainResult {
			if _, err := r.Stdout.Write(p); err != nil {
				r.Logger.Verbose("stdout: %v", err)
				s.Close() //nolint:errcheck
			}
			received.Add(int64(len(p)))
			select {
			case activity <- struct{}{}:
			default:
			}
			return session.Consume(len(p))
		},
		OnClose: func(_ *session.Session, err error) {
			closed <- err
		},
	})

	// queued counts pending chunks already handed to sess.Send; settled
	// counts accepted bytes already dropped from pending.
	queued := 0
	var settled int64
	settle := func() int64 {
		sent := sess.BytesSent()
		queued -= r.dropSent(sent - settled)
		settled = sent
		return sent
	}
	flush := func() {
		settle()
		for queued < len(r.pending) {
			if err := sess.Send(r.pending[queued]); err != nil {
				r.Logger.Verbose("send: %v", err)
				return
			}
			queued++
		}
	}
	result := func() Stats {
		return Stats{Sent: settle(), Received: received.Load()}
	}

	// The session may have closed before the relay was attached.
	if st := sess.State(); st.Phase() == session.Closed {
		return result(), st.Err()
	}
	flush()

	input := r.Input
	var idle *time.Timer
	var idleC <-chan time.Time
	defer func() {
		if idle != nil {
			idle.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			sess.Close() //nolint:errcheck
			return result(), ctx.Err()

		case err := <-closed:
			return result(), err

		case p, ok := <-input:
			if !ok {
				input = nil
				r.Logger.Verbose("local input finished")
				if !r.Interactive && r.IdleTimeout > 0 {
					idle = time.NewTimer(r.IdleTimeout)
					idleC = idle.C
				}
				continue
			}
			r.pending = append(r.pending, p)
			flush()

		case <-opened:
			flush()

		case <-activity:
			if idle != nil {
				idle.Reset(r.IdleTimeout)
				idleC = idle.C
			}

		case <-idleC:
			r.Logger.Verbose("idle for %v after input ended, closing", r.IdleTimeout)
			sess.Close() //nolint:errcheck
			idleC = nil
		}
	}
}

// dropSent forgets the first n pending bytes, which have reached the
// transport, and returns how many whole chunks went.
func (r *Relay) dropSent(n int64) int {
	dropped := 0
	for n > 0 && len(r.pending) > 0 {
		head := r.pending[0]
		if int64(len(head)) > n {
			r.pending[0] = head[n:]
			break
		}
		n -= int64(len(head))
		r.pending[0] = nil
		r.pending = r.pending[1:]
		dropped++
	}
	return dropped
}
