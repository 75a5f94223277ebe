// Package capability defines what happens over an open session.  Each
// Capability encapsulates a single behaviour and operates on a
// session.Session rather than a raw connection, which keeps it testable
// and independent of the transport backend.
package capability

import (
	"context"

	"tcpsess/internal/session"
)

// Capability drives one open session.
type Capability interface {
	// Handle runs against sess until the session closes or ctx is
	// cancelled.  The returned Stats say how much it moved, which lets
	// the caller decide whether a failed session may be retried.
	Handle(ctx context.Context, sess *session.Session) (Stats, error)
}

// Stats counts the bytes a capability moved over one session.
type Stats struct {
	Sent     int64 // local input the transport accepted
	Received int64 // handed to local output
}

// Idle reports whether nothing moved in either direction.
func (s Stats) Idle() bool { return s.Sent == 0 && s.Received == 0 }
