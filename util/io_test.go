package util

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func TestPump_DeliversUntilEOF(t *testing.T) {
	var got bytes.Buffer
	err := Pump(context.Background(), bytes.NewBufferString("hello world\n"), func(p []byte) error {
		got.Write(p)
		return nil
	})
	if err != nil {
		t.Fatalf("Pump: %v", err)
	}
	if got.String() != "hello world\n" {
		t.Errorf("got %q", got.String())
	}
}

func TestPump_StopsOnSendError(t *testing.T) {
	boom := errors.New("not open")
	calls := 0
	err := Pump(context.Background(), bytes.NewBufferString("data"), func([]byte) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if calls != 1 {
		t.Errorf("send called %d times, want 1", calls)
	}
}

func TestPump_ContextCancel(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := Pump(ctx, r, func([]byte) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestIsHarmless(t *testing.T) {
	if !isHarmless(nil) {
		t.Error("nil should be harmless")
	}
	if !isHarmless(io.EOF) {
		t.Error("io.EOF should be harmless")
	}
	if !isHarmless(net.ErrClosed) {
		t.Error("net.ErrClosed should be harmless")
	}
	if isHarmless(io.ErrUnexpectedEOF) {
		t.Error("ErrUnexpectedEOF should NOT be harmless")
	}
}
