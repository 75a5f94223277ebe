package util

import (
	"context"
	"errors"
	"io"
	"net"
)

// DefaultBufSize is the read size used when pumping local input (32 KiB).
const DefaultBufSize = 32 * 1024

// Pump reads r until EOF and hands every chunk to send, which must not
// retain the slice.  It returns nil at EOF, the first send or read
// error, or ctx.Err() once ctx is done.  A read blocked on r is
// abandoned rather than interrupted when ctx ends.
func Pump(ctx context.Context, r io.Reader, send func(p []byte) error) error {
	errCh := make(chan error, 1)
	go func() {
		buf := make([]byte, DefaultBufSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				if serr := send(buf[:n]); serr != nil {
					errCh <- serr
					return
				}
			}
			if err != nil {
				if isHarmless(err) {
					err = nil
				}
				errCh <- err
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// isHarmless returns true for errors that are expected during shutdown.
func isHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}
