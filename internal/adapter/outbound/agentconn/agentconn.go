// Package agentconn is the Agent's half of the framed channel: it dials the
// Server over TCP, wraps the connection in a multiplexer.Connector for
// auto-reconnect with backoff, and demultiplexes inbound frames by request
// id so local ingress callers can each wait on their own response channel.
package agentconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/carapace-gateway/carapace/internal/codec"
	"github.com/carapace-gateway/carapace/internal/domain/wire"
	"github.com/carapace-gateway/carapace/internal/multiplexer"
)

// Client maintains the Agent's single connection to the Server and routes
// inbound envelopes to per-request channels registered via Mux.
type Client struct {
	ServerAddr    string
	MaxFrameBytes int

	Mux *multiplexer.Multiplexer
	Log *slog.Logger

	connector *multiplexer.Connector

	mu      sync.Mutex
	conn    net.Conn // current connection, for Send; nil while disconnected
	writeMu sync.Mutex
}

// NewClient builds a Client that dials serverAddr and demultiplexes via mux.
func NewClient(serverAddr string, maxFrameBytes int, mux *multiplexer.Multiplexer, logger *slog.Logger) *Client {
	c := &Client{ServerAddr: serverAddr, MaxFrameBytes: maxFrameBytes, Mux: mux, Log: logger}
	c.connector = multiplexer.NewConnector(c.dial, c.handle, logger)
	return c
}

// Start runs the reconnect loop until ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	return c.connector.Start(ctx)
}

// Close stops the reconnect loop and drops the current connection.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	return c.connector.Close()
}

func (c *Client) dial(ctx context.Context) (multiplexer.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("agentconn: dial %s: %w", c.ServerAddr, err)
	}
	return conn, nil
}

// handle owns one connection's lifetime: it publishes conn for Send to use,
// reads frames until the connection breaks, and on exit broadcasts
// transport_closed to every still-registered request id (at-most-once — the
// Agent does not retry in-flight requests across a reconnect).
func (c *Client) handle(ctx context.Context, rwc multiplexer.Conn) error {
	conn, ok := rwc.(net.Conn)
	if !ok {
		return errors.New("agentconn: connection does not implement net.Conn")
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.Mux.CloseAll(wire.ErrTransportClosed, "connection to server lost")
	}()

	max := uint32(codec.DefaultMaxFrameSize)
	if c.MaxFrameBytes > 0 {
		max = uint32(c.MaxFrameBytes)
	}
	dec := codec.NewDecoderSize(conn, max)

	for {
		if ctx.Err() != nil {
			return nil
		}
		env, err := dec.Decode()
		if err != nil {
			return err
		}
		c.Mux.Dispatch(env)
	}
}

// Send writes env on the current connection. Multiple local ingress callers
// (CLI socket, HTTP listener) dispatch concurrently, so writes are
// serialized under writeMu — mirroring the Server listener's own
// mutex-guarded write path.
func (c *Client) Send(env *wire.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("agentconn: not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return codec.Encode(conn, env)
}
