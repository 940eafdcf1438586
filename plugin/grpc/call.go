// Package grpc carries the worker protocol: the client facade relay uses
// to reach a worker, the callback server workers report to, the launcher
// that starts worker processes and the server library workers are built
// on.
package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/plugin/grpc/protocol"
)

// Default timeouts when none are configured
const (
	DefaultCallTimeout   = 10 * time.Second
	DefaultHealthTimeout = 3 * time.Second
)

// withConn opens a connection to addr, runs fn under timeout and closes the
// connection again. Connections are never reused.
func withConn(ctx context.Context, addr string, timeout time.Duration, fn func(context.Context, *grpc.ClientConn) error) error {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return errors.Wrapf(err, "failed to create connection to %s", addr)
	}
	defer conn.Close()

	return fn(ctx, conn)
}

// invoke performs one unary protocol call on a fresh connection
func invoke(ctx context.Context, addr, method string, req, resp interface{}, timeout time.Duration) error {
	return withConn(ctx, addr, timeout, func(ctx context.Context, conn *grpc.ClientConn) error {
		if err := conn.Invoke(ctx, method, req, resp, protocol.CallOptions()...); err != nil {
			return errors.Wrapf(err, "call %s on %s failed", method, addr)
		}
		return nil
	})
}
