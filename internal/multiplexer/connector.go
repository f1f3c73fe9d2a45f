package multiplexer

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/carapace-gateway/carapace/internal/port/inbound"
)

// Connector satisfies the inbound.ProxyService port so carapace-agent can
// manage it through the same Start/Close lifecycle as any other inbound
// adapter.
var _ inbound.ProxyService = (*Connector)(nil)

// DefaultReconnectBase is the initial reconnect delay; it doubles (capped at
// DefaultReconnectMax) on each consecutive failure.
const DefaultReconnectBase = 5 * time.Second

// DefaultReconnectMax caps the exponential backoff.
const DefaultReconnectMax = 60 * time.Second

// Conn is the minimal transport a Connector manages: a framed
// byte-stream connection the caller reads/writes Envelopes over.
type Conn = io.ReadWriteCloser

// Connector maintains the Agent's single connection to the Server,
// reconnecting with exponential backoff whenever the connection drops.
// Implements the inbound.ProxyService-shaped Start/Close lifecycle.
type Connector struct {
	Dial    func(ctx context.Context) (Conn, error)
	Handle  func(ctx context.Context, conn Conn) error
	Base    time.Duration
	Max     time.Duration
	Logger  *slog.Logger
	closeCh chan struct{}
}

// NewConnector builds a Connector. dial opens a fresh connection; handle
// runs the read/write loop over it and returns when the connection is lost
// or ctx is cancelled.
func NewConnector(dial func(ctx context.Context) (Conn, error), handle func(ctx context.Context, conn Conn) error, logger *slog.Logger) *Connector {
	return &Connector{
		Dial:    dial,
		Handle:  handle,
		Base:    DefaultReconnectBase,
		Max:     DefaultReconnectMax,
		Logger:  logger,
		closeCh: make(chan struct{}),
	}
}

// Start dials and handles the connection in a loop, backing off
// exponentially between attempts, until ctx is cancelled or Close is
// called. It returns nil when stopped deliberately.
func (c *Connector) Start(ctx context.Context) error {
	delay := c.Base
	for {
		conn, err := c.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.Logger.Warn("connector: dial failed, backing off", "delay", delay, "error", err)
			if !c.sleep(ctx, delay) {
				return nil
			}
			delay = nextDelay(delay, c.Max)
			continue
		}

		delay = c.Base // reset backoff after a successful connect

		err = c.Handle(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.Logger.Warn("connector: connection lost, reconnecting", "error", err)
		}
		if !c.sleep(ctx, c.Base) {
			return nil
		}
	}
}

// Close stops the reconnect loop.
func (c *Connector) Close() error {
	select {
	case <-c.closeCh:
	default:
		close(c.closeCh)
	}
	return nil
}

func (c *Connector) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.closeCh:
		return false
	case <-timer.C:
		return true
	}
}

func nextDelay(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		next = max
	}
	return next
}
