package core

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"time"

	"tcpsess/internal/capability"
	tcperr "tcpsess/internal/errors"
	"tcpsess/internal/metrics"
	"tcpsess/internal/retry"
	"tcpsess/internal/session"
	"tcpsess/util"
)

// ConnectMode opens a session to Host:Port and relays stdin and stdout
// over it, the default client mode.  A session that fails before any
// byte moved is rebuilt and opened again under Retry; input it never
// sent is replayed to the new session.
type ConnectMode struct {
	Host    string
	Port    uint16
	Options []session.Option // transport, chunk size, secure

	// Retry governs reconnects; nil makes a single attempt.
	Retry *retry.Backoff

	Interactive bool
	IdleTimeout time.Duration

	// Capability overrides the stdin/stdout relay.
	Capability capability.Capability

	Logger  *util.Logger
	Metrics *metrics.Collector

	// Stdin/Stdout default to os.Stdin/os.Stdout when nil.
	Stdin  io.Reader
	Stdout io.Writer
}

func (m *ConnectMode) stdin() io.Reader {
	if m.Stdin != nil {
		return m.Stdin
	}
	return os.Stdin
}

func (m *ConnectMode) stdout() io.Writer {
	if m.Stdout != nil {
		return m.Stdout
	}
	return os.Stdout
}

// Run connects and relays until the session ends or ctx is cancelled.
func (m *ConnectMode) Run(ctx context.Context) error {
	c := m.Capability
	if c == nil {
		c = &capability.Relay{
			Input:       m.pumpInput(ctx),
			Stdout:      m.stdout(),
			Interactive: m.Interactive,
			IdleTimeout: m.IdleTimeout,
			Logger:      m.Logger,
		}
	}

	b := retry.Backoff{MaxAttempts: 1}
	if m.Retry != nil {
		b = *m.Retry
	}
	addr := util.FormatAddr(m.Host, m.Port)
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		m.Logger.Warn("attempt %d failed: %v; retrying in %v", attempt, err, wait.Round(time.Millisecond))
	}

	return b.Do(ctx, func(attempt int) error {
		stats, err := m.attempt(ctx, c, attempt)
		if err != nil && !stats.Idle() {
			// Bytes already on the wire cannot be taken back.
			return retry.Permanent(err)
		}
		if err != nil {
			m.Logger.Verbose("%s: %v", addr, err)
		}
		return err
	})
}

func (m *ConnectMode) attempt(ctx context.Context, c capability.Capability, n int) (capability.Stats, error) {
	opts := append([]session.Option{
		session.WithLogger(m.Logger),
		session.WithMetrics(m.Metrics),
	}, m.Options...)

	sess, err := session.New(m.Host, m.Port, opts...)
	if err != nil {
		return capability.Stats{}, retry.Permanent(err)
	}
	defer sess.Release()

	m.Logger.Verbose("connecting to %s (attempt %d, session %s)", sess.Addr(), n, sess.ID())
	if err := sess.Open(); err != nil {
		return capability.Stats{}, retry.Permanent(err)
	}

	stats, err := c.Handle(ctx, sess)
	switch {
	case err == nil:
		m.Logger.Verbose("%s closed (%d bytes sent, %d received)", sess.Addr(), stats.Sent, stats.Received)
		return stats, nil
	case ctx.Err() != nil:
		return stats, retry.Permanent(err)
	}

	var ne *tcperr.NetworkError
	if !errors.As(err, &ne) {
		err = tcperr.Wrap("connect", sess.Addr(), err)
	}
	return stats, err
}

// pumpInput reads stdin once for the whole run, so a retried session
// continues from the same input.  The channel is closed at EOF.
func (m *ConnectMode) pumpInput(ctx context.Context) <-chan []byte {
	ch := make(chan []byte, 16)
	go func() {
		err := util.Pump(ctx, m.stdin(), func(p []byte) error {
			select {
			case ch <- bytes.Clone(p):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if ctx.Err() != nil {
			// The reader may still be blocked and send later.
			return
		}
		if err != nil {
			m.Logger.Verbose("stdin: %v", err)
		}
		close(ch)
	}()
	return ch
}
