package capability

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tcpsess/internal/session"
	"tcpsess/internal/transport"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// serve accepts one connection and runs handle on it.
func serve(t *testing.T, handle func(net.Conn)) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func openSession(t *testing.T, port uint16) *session.Session {
	t.Helper()
	s, err := session.New("127.0.0.1", port, session.WithTransport(&transport.NetConn{}))
	require.NoError(t, err)
	t.Cleanup(s.Release)
	require.NoError(t, s.Open())
	return s
}

func inputOf(chunks ...string) <-chan []byte {
	ch := make(chan []byte, len(chunks))
	for _, c := range chunks {
		ch <- []byte(c)
	}
	close(ch)
	return ch
}

// TestRelay_PipedEcho sends piped input to an echo server and closes
// once the echo has gone quiet.
func TestRelay_PipedEcho(t *testing.T) {
	port := serve(t, func(c net.Conn) { io.Copy(c, c) }) //nolint:errcheck
	sess := openSession(t, port)

	out := &syncBuffer{}
	relay := &Relay{Input: inputOf("hello ", "relay\n"), Stdout: out, IdleTimeout: 200 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stats, err := relay.Handle(ctx, sess)

	require.NoError(t, err)
	assert.Equal(t, "hello relay\n", out.String())
	assert.Equal(t, Stats{Sent: 12, Received: 12}, stats)
	assert.Equal(t, session.Closed, sess.State().Phase())
}

// TestRelay_PeerCloses returns when the server hangs up, even though
// local input is still open.
func TestRelay_PeerCloses(t *testing.T) {
	port := serve(t, func(c net.Conn) { c.Write([]byte("banner\n")) }) //nolint:errcheck
	sess := openSession(t, port)

	out := &syncBuffer{}
	relay := &Relay{Input: make(chan []byte), Stdout: out, Interactive: true}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stats, err := relay.Handle(ctx, sess)

	require.NoError(t, err)
	assert.Equal(t, "banner\n", out.String())
	assert.Equal(t, int64(7), stats.Received)
}

// TestRelay_ContextCancel closes the session when ctx ends.
func TestRelay_ContextCancel(t *testing.T) {
	hold := make(chan struct{})
	t.Cleanup(func() { close(hold) })
	port := serve(t, func(net.Conn) { <-hold })
	sess := openSession(t, port)

	relay := &Relay{Input: make(chan []byte), Stdout: io.Discard, Interactive: true}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := relay.Handle(ctx, sess)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, session.Closed, sess.State().Phase())
}

// TestRelay_RefusedIsIdle reports a failed connection with no traffic.
func TestRelay_RefusedIsIdle(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	sess := openSession(t, port)
	relay := &Relay{Input: make(chan []byte), Stdout: io.Discard}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stats, err := relay.Handle(ctx, sess)

	assert.Error(t, err)
	assert.True(t, stats.Idle())
}

// TestRelay_ReplaysUnsentInput hands input that never reached a refused
// peer to the next session.
func TestRelay_ReplaysUnsentInput(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	refused := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()

	relay := &Relay{Input: inputOf("first ", "try\n"), Stdout: io.Discard, IdleTimeout: 200 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats, err := relay.Handle(ctx, openSession(t, refused))
	assert.Error(t, err)
	assert.Zero(t, stats.Sent, "nothing reached a refused peer")

	got := make(chan string, 1)
	port := serve(t, func(c net.Conn) {
		b, _ := io.ReadAll(c)
		got <- string(b)
	})
	stats, err = relay.Handle(ctx, openSession(t, port))
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.Sent)

	select {
	case s := <-got:
		assert.Equal(t, "first try\n", s)
	case <-ctx.Done():
		t.Fatal("server never saw the input")
	}
}
