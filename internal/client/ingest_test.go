package client

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	logx "plantmon/pkg/logx"
)

func TestIngestDropsMalformedFrames(t *testing.T) {
	t.Parallel()
	srv, cli := net.Pipe()
	h := NewHistory(50)
	in := NewIngest(cli, h, nil, 50*time.Millisecond, logx.Nop())

	go func() {
		defer srv.Close()
		for _, f := range []string{"abc\n", "1.0\n", "1.0,2.0,3.0\n", "61000.00,1000.00\n", "nan,1\n", "59000.50,900.25\r\n"} {
			if _, err := io.WriteString(srv, f); err != nil {
				return
			}
		}
	}()

	err := in.Run(context.Background())
	if !errors.Is(err, ErrServerClosed) {
		t.Fatalf("Run = %v, want ErrServerClosed", err)
	}
	received, malformed := in.Counts()
	if received != 2 || malformed != 4 {
		t.Fatalf("received=%d malformed=%d", received, malformed)
	}
	got := h.Samples()
	if len(got) != 2 || got[0].CentrifugeSpeed != 61000 || got[1].PowerOutput != 900.25 {
		t.Fatalf("history = %+v", got)
	}
	if got[0].At.IsZero() {
		t.Fatal("arrival time not stamped")
	}
}

func TestIngestStopsOnCancel(t *testing.T) {
	t.Parallel()
	srv, cli := net.Pipe()
	defer srv.Close()
	in := NewIngest(cli, NewHistory(5), nil, 20*time.Millisecond, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not observe cancellation")
	}
}
