// Package config defines the runtime configuration for tcpsess and the
// layers it is assembled from: defaults, a config file, environment
// variables and command-line flags.
package config

import (
	"fmt"
	"strings"
	"time"

	tcperr "tcpsess/internal/errors"
	"tcpsess/internal/transport"
	"tcpsess/util"
)

// Config holds every tuneable for a single tcpsess run.
type Config struct {
	// ── Connection ───────────────────────────────────────────────────
	Host      string
	Port      uint16 // destination port
	LocalPort int    // -p: local source port (netconn only)
	Timeout   time.Duration
	Transport string // auto, epoll or netconn
	Secure    bool

	// ── Session ──────────────────────────────────────────────────────
	ChunkSize int // inbound read size
	Retries   int // extra attempts after a failed open

	// ── Output ───────────────────────────────────────────────────────
	Verbose     int
	ShowMetrics bool
	ConfigFile  string

	// Interactive is set by the CLI when stdin is a terminal.
	Interactive bool
}

// Default returns a Config populated from defaults.go.
func Default() *Config {
	return &Config{
		Timeout:   DefaultConnTimeout,
		Transport: DefaultTransport,
		ChunkSize: DefaultChunkSize,
		Retries:   DefaultRetries,
	}
}

// Addr returns the destination as host:port.
func (c *Config) Addr() string {
	return util.FormatAddr(c.Host, c.Port)
}

var transportNames = []string{transport.NameAuto, transport.NameEpoll, transport.NameNetConn}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Host == "" {
		return &tcperr.ConfigError{
			Field:   "host",
			Message: "hostname is required",
			Hint:    "usage: tcpsess [options] host port",
		}
	}
	if c.Port == 0 {
		return &tcperr.ConfigError{
			Field:   "port",
			Message: "destination port is required",
			Hint:    "usage: tcpsess [options] host port",
		}
	}

	name := strings.ToLower(c.Transport)
	if name == "" {
		name = transport.NameAuto
	}
	known := false
	for _, n := range transportNames {
		if n == name {
			known = true
		}
	}
	if !known {
		return &tcperr.ConfigError{
			Field:   "transport",
			Value:   c.Transport,
			Message: "unknown transport",
			Hint:    "use one of: " + strings.Join(transportNames, ", "),
		}
	}

	if c.LocalPort < 0 || c.LocalPort > 65535 {
		return &tcperr.ConfigError{
			Field:   "port",
			Value:   c.LocalPort,
			Message: "local port must be between 0 and 65535",
		}
	}
	if c.LocalPort > 0 && name == transport.NameEpoll {
		return &tcperr.ConfigError{
			Field:   "port",
			Value:   c.LocalPort,
			Message: "local port binding requires the netconn transport",
			Hint:    "add --transport netconn",
		}
	}

	if c.ChunkSize < 1 || c.ChunkSize > MaxChunkSize {
		return &tcperr.ConfigError{
			Field:   "chunk-size",
			Value:   c.ChunkSize,
			Message: fmt.Sprintf("chunk size must be between 1 and %d", MaxChunkSize),
			Hint:    fmt.Sprintf("the default is %d", DefaultChunkSize),
		}
	}
	if c.Retries < 0 {
		return &tcperr.ConfigError{
			Field:   "retries",
			Value:   c.Retries,
			Message: "retries cannot be negative",
		}
	}
	if c.Timeout < 0 {
		return &tcperr.ConfigError{
			Field:   "timeout",
			Value:   c.Timeout,
			Message: "timeout cannot be negative",
			Hint:    "use 0 to disable the timeout",
		}
	}

	return nil
}
