package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultTransport selects the platform's preferred backend.
	DefaultTransport = "auto"

	// DefaultChunkSize is the size of a single inbound socket read.
	DefaultChunkSize = 1024

	// MaxChunkSize caps --chunk-size.
	MaxChunkSize = 1 << 20

	// DefaultConnTimeout is the TCP connection timeout.
	DefaultConnTimeout = 30 * time.Second

	// DefaultRetries is how many extra connection attempts the CLI makes
	// after a failed open.
	DefaultRetries = 0

	// DefaultInitialBackoff is the first delay between attempts.
	DefaultInitialBackoff = 500 * time.Millisecond

	// DefaultMaxReconnectBackoff caps the exponential backoff between
	// connection attempts.
	DefaultMaxReconnectBackoff = 60 * time.Second
)
