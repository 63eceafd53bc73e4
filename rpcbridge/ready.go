package rpcbridge

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Ping sends an MCP ping and waits for any response.
func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.Submit(ctx, MethodPing, nil, c.config.PingTimeout)
	return err
}

// Pinger is implemented by *Conn.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PollReady pings p every interval until it answers or ctx is done. Any
// JSON-RPC reply, including an error, counts as an answer.
func PollReady(ctx context.Context, p Pinger, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		err := p.Ping(ctx)
		if err == nil {
			return nil
		}
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return nil
		}
		if errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrNotStarted) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("agent not ready: %w (last error: %v)", ctx.Err(), err)
		case <-ticker.C:
		}
	}
}

func (c *Conn) handshake(ctx context.Context) error {
	h := c.config.Handshake
	method := h.Method
	if method == "" {
		method = MethodInitialize
	}
	result, err := c.Submit(ctx, method, h.Params, 0)
	if err != nil {
		return fmt.Errorf("handshake %s: %w", method, err)
	}
	c.serverInfo.Store(&result)
	c.logger.Debug("handshake complete", "method", method)

	if h.InitializedMethod != "" {
		if err := c.Notify(ctx, h.InitializedMethod, nil); err != nil {
			return fmt.Errorf("handshake %s: %w", h.InitializedMethod, err)
		}
	}
	return nil
}
