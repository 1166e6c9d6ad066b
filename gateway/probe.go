package gateway

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/moltworks/moltgate/sandbox"
)

// WaitReachable blocks until a TCP connection to the gateway port succeeds,
// the timeout elapses, or ctx is done. A successful connection is closed
// immediately: the probe asserts only that something is accepting on the
// port, with no protocol exchange. On expiry it returns a
// *ReadinessTimeoutError; a canceled ctx returns the ctx error instead,
// since caller departure says nothing about the gateway.
func WaitReachable(ctx context.Context, env sandbox.Environment, port int, timeout time.Duration) error {
	return waitReachable(ctx, env, port, timeout, DefaultProbeInterval, nil)
}

// waitReachable is the probe loop behind WaitReachable. The optional alive
// callback runs after each failed attempt; a non-nil return aborts the wait
// early, which lets a launch probe fail fast when the process dies instead
// of burning the whole timeout.
func waitReachable(ctx context.Context, env sandbox.Environment, port int, timeout, interval time.Duration, alive func(context.Context) error) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		attemptCtx, attemptCancel := context.WithTimeout(probeCtx, dialAttemptTimeout)
		conn, err := env.Dial(attemptCtx, "tcp", addr)
		attemptCancel()
		if err == nil {
			conn.Close()
			return nil
		}

		if alive != nil {
			if aerr := alive(probeCtx); aerr != nil {
				return aerr
			}
		}

		select {
		case <-probeCtx.Done():
			if err := ctx.Err(); err != nil {
				return err
			}
			return &ReadinessTimeoutError{Port: port, Timeout: timeout}
		case <-ticker.C:
		}
	}
}
