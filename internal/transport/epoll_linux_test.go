//go:build linux

package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestPoller_TokensAreDistinct(t *testing.T) {
	p, err := newPoller()
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(p.epfd) })

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fds[0]); unix.Close(fds[1]) })

	a, err := p.add(fds[0], &epollSocket{})
	require.NoError(t, err)
	b, err := p.add(fds[1], &epollSocket{})
	require.NoError(t, err)
	assert.NotZero(t, a)
	assert.NotEqual(t, a, b)
	assert.NotNil(t, p.lookup(a))

	p.remove(a, fds[0])
	assert.Nil(t, p.lookup(a))
}

func TestEpoll_SharedPoller(t *testing.T) {
	p1, err := sharedPoller()
	require.NoError(t, err)
	p2, err := sharedPoller()
	require.NoError(t, err)
	assert.Same(t, p1, p2)
}

func TestEpoll_ReleaseUnregisters(t *testing.T) {
	port := pingServer(t)
	r, w, err := (&Epoll{}).Pair("127.0.0.1", port)
	require.NoError(t, err)

	wev := record(t, w, "test.write")
	require.True(t, w.Open())
	waitFor(t, wev, EventOpenCompleted)

	s := r.(*epollReader).s
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()
	require.NotZero(t, token)
	assert.NotNil(t, s.poller.lookup(token))

	require.NoError(t, r.Close())
	assert.NotNil(t, s.poller.lookup(token), "one direction still open")
	require.NoError(t, w.Close())
	assert.Nil(t, s.poller.lookup(token))
}

func TestEpoll_ConnectTimeout(t *testing.T) {
	// 192.0.2.0/24 is reserved for documentation and never routed.
	r, w, err := (&Epoll{Timeout: 50 * time.Millisecond}).Pair("192.0.2.1", 9)
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	rev := record(t, r, "test.read")
	require.True(t, r.Open())
	waitFor(t, rev, EventErrorOccurred)
	assert.Error(t, r.Err())
}
