package core

import (
	"strings"

	"tcpsess/config"
	tcperr "tcpsess/internal/errors"
	"tcpsess/internal/metrics"
	"tcpsess/internal/retry"
	"tcpsess/internal/session"
	"tcpsess/internal/transport"
	"tcpsess/util"
)

// Build constructs the connect mode from a validated configuration.
func Build(cfg *config.Config, logger *util.Logger, m *metrics.Collector) (Mode, error) {
	if cfg.Secure {
		return nil, tcperr.ErrNotImplemented
	}
	tr, err := buildTransport(cfg)
	if err != nil {
		return nil, &tcperr.ConfigError{
			Field:   "transport",
			Value:   cfg.Transport,
			Message: err.Error(),
		}
	}

	idle := cfg.Timeout
	if cfg.Interactive {
		idle = 0
	}

	return &ConnectMode{
		Host: cfg.Host,
		Port: cfg.Port,
		Options: []session.Option{
			session.WithTransport(tr),
			session.WithChunkSize(cfg.ChunkSize),
			session.WithSecure(cfg.Secure),
		},
		Retry:       retry.ForRetries(cfg.Retries, config.DefaultInitialBackoff, config.DefaultMaxReconnectBackoff),
		Interactive: cfg.Interactive,
		IdleTimeout: idle,
		Logger:      logger,
		Metrics:     m,
	}, nil
}

// buildTransport resolves the configured backend and applies the
// connection timeout and source port to it.
func buildTransport(cfg *config.Config) (transport.Transport, error) {
	name := strings.ToLower(cfg.Transport)
	if cfg.LocalPort > 0 && (name == "" || name == transport.NameAuto) {
		// Only the net.Conn dialer can bind a source port.
		name = transport.NameNetConn
	}

	tr, err := transport.ByName(name)
	if err != nil {
		return nil, err
	}
	switch t := tr.(type) {
	case *transport.NetConn:
		t.Dialer = &transport.TCPDialer{Timeout: cfg.Timeout, LocalPort: cfg.LocalPort}
	case *transport.Epoll:
		t.Timeout = cfg.Timeout
	}
	return tr, nil
}
