// Package core is the orchestration layer.  It composes a transport,
// sessions and a capability into the CLI's connect mode and provides a
// builder that assembles that mode from a Config.
//
// Architecture layers (bottom → top):
//
//	transport  →  session  →  capability  →  core  →  cmd (CLI)
package core

import "context"

// Mode is a complete operational mode of tcpsess.  It owns its full
// lifecycle from connection establishment to teardown.
type Mode interface {
	Run(ctx context.Context) error
}
