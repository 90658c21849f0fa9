package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
)

var ErrNoFreePort = errors.New("client: no free port")

// ListenFirstFree binds host:basePort, moving to the next port while the
// address is in use, for at most attempts ports. Any other bind error is
// returned immediately. basePort 0 asks the kernel for an ephemeral port.
func ListenFirstFree(ctx context.Context, host string, basePort, attempts int) (net.Listener, int, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var lc net.ListenConfig
	for i := 0; i < attempts; i++ {
		port := basePort + i
		if port > 65535 {
			break
		}
		ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return ln, ln.Addr().(*net.TCPAddr).Port, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, 0, fmt.Errorf("listen on port %d: %w", port, err)
		}
		if basePort == 0 {
			break
		}
	}
	return nil, 0, fmt.Errorf("%w: tried %d ports from %d", ErrNoFreePort, attempts, basePort)
}
