package retry

import (
	"context"
	"fmt"
	"net"
	"time"
)

// DialTimeout bounds every reachability attempt
const DialTimeout = time.Second

// WaitTCP waits until addr accepts a TCP connection. Each attempt is a
// single dial bounded by DialTimeout; p controls attempts and spacing.
func WaitTCP(ctx context.Context, addr string, p Policy) (int, error) {
	dialer := &net.Dialer{Timeout: DialTimeout}
	return Do(ctx, p, func(ctx context.Context, attempt int) error {
		dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
		defer cancel()

		conn, err := dialer.DialContext(dialCtx, "tcp", addr)
		if err != nil {
			return Retryable(fmt.Errorf("%s not reachable: %w", addr, err))
		}
		_ = conn.Close()
		return nil
	})
}
