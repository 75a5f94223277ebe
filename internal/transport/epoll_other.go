//go:build !linux

package transport

import (
	"fmt"
	"runtime"
	"time"
)

const epollSupported = false

// Epoll is only available on linux.
type Epoll struct {
	Timeout time.Duration
}

func (t *Epoll) Pair(host string, port uint16) (ReadChannel, WriteChannel, error) {
	return nil, nil, fmt.Errorf("epoll transport is not available on %s", runtime.GOOS)
}
