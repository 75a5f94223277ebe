package core

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"tcpsess/internal/metrics"
	"tcpsess/internal/retry"
	"tcpsess/internal/session"
	"tcpsess/internal/transport"
	"tcpsess/util"
)

func listen(t *testing.T) (net.Listener, uint16) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln, uint16(ln.Addr().(*net.TCPAddr).Port)
}

func netconnOptions() []session.Option {
	return []session.Option{session.WithTransport(&transport.NetConn{
		Dialer: &transport.TCPDialer{Timeout: 2 * time.Second},
	})}
}

// TestConnectMode_TCP verifies end-to-end connect mode with the relay.
func TestConnectMode_TCP(t *testing.T) {
	ln, port := listen(t)

	// Server: accept one conn, send greeting, close.
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("hello from server\n")) //nolint:errcheck
	}()

	output := &bytes.Buffer{}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	mode := &ConnectMode{
		Host:    "127.0.0.1",
		Port:    port,
		Options: netconnOptions(),
		Logger:  util.NewLogger(0),
		Stdin:   bytes.NewBufferString(""),
		Stdout:  output,
	}

	if err := mode.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := output.String(); got != "hello from server\n" {
		t.Errorf("output = %q, want %q", got, "hello from server\n")
	}
}

// TestConnectMode_SendData verifies data flows from client to server.
func TestConnectMode_SendData(t *testing.T) {
	ln, port := listen(t)

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var buf bytes.Buffer
		io.Copy(&buf, conn) //nolint:errcheck
		received <- buf.String()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	mode := &ConnectMode{
		Host:        "127.0.0.1",
		Port:        port,
		Options:     netconnOptions(),
		IdleTimeout: 200 * time.Millisecond,
		Logger:      util.NewLogger(0),
		Stdin:       bytes.NewBufferString("payload from client"),
		Stdout:      io.Discard,
	}

	if err := mode.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	select {
	case got := <-received:
		if got != "payload from client" {
			t.Errorf("server got %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for data")
	}
}

// TestConnectMode_RetriesRefused verifies each retry builds a fresh
// session and the last error is reported.
func TestConnectMode_RetriesRefused(t *testing.T) {
	ln, port := listen(t)
	ln.Close()

	m := metrics.New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mode := &ConnectMode{
		Host:    "127.0.0.1",
		Port:    port,
		Options: netconnOptions(),
		Retry: &retry.Backoff{
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			MaxAttempts:  3,
		},
		Logger:  util.NewLogger(0),
		Metrics: m,
		Stdin:   strings.NewReader(""),
		Stdout:  io.Discard,
	}

	err := mode.Run(ctx)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "gave up after 3 attempts") {
		t.Errorf("err = %v", err)
	}
	if got := m.ClosedSessions(); got != 3 {
		t.Errorf("closed sessions = %d, want 3", got)
	}
	if got := m.ActiveSessions(); got != 0 {
		t.Errorf("active sessions = %d, want 0", got)
	}
}

// TestConnectMode_RetriesRefusedWithInput verifies piped input read
// before the refusal does not count as sent and does not stop retries.
func TestConnectMode_RetriesRefusedWithInput(t *testing.T) {
	ln, port := listen(t)
	ln.Close()

	m := metrics.New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mode := &ConnectMode{
		Host:    "127.0.0.1",
		Port:    port,
		Options: netconnOptions(),
		Retry: &retry.Backoff{
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			MaxAttempts:  3,
		},
		Logger:  util.NewLogger(0),
		Metrics: m,
		Stdin:   strings.NewReader("hi\n"),
		Stdout:  io.Discard,
	}

	err := mode.Run(ctx)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "gave up after 3 attempts") {
		t.Errorf("err = %v", err)
	}
	if got := m.ClosedSessions(); got != 3 {
		t.Errorf("closed sessions = %d, want 3", got)
	}
	if got := m.TotalBytesOut(); got != 0 {
		t.Errorf("bytes out = %d, want 0", got)
	}
}

// TestConnectMode_Cancelled verifies cancellation ends the run.
func TestConnectMode_Cancelled(t *testing.T) {
	ln, port := listen(t)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(io.Discard, conn) //nolint:errcheck
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	pr, pw := io.Pipe()
	defer pw.Close()
	mode := &ConnectMode{
		Host:        "127.0.0.1",
		Port:        port,
		Options:     netconnOptions(),
		Interactive: true,
		Logger:      util.NewLogger(0),
		Stdin:       pr,
		Stdout:      io.Discard,
	}

	if err := mode.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}
