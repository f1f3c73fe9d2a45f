// Package tcp implements the Server's half of the framed channel: it
// accepts Agent connections, demultiplexes inbound CliRequest/HttpRequest
// envelopes to independent dispatch tasks, and writes responses/SSE events
// back through a mutex-guarded encoder so concurrent dispatches never
// interleave their frames.
package tcp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/carapace-gateway/carapace/internal/codec"
	"github.com/carapace-gateway/carapace/internal/domain/wire"
	"github.com/carapace-gateway/carapace/internal/observability/metrics"
	"github.com/carapace-gateway/carapace/internal/port/inbound"
	"github.com/carapace-gateway/carapace/internal/service"
)

// Listener satisfies the inbound.ProxyService port so carapace-server can
// manage it through the same Start/Close lifecycle as any other inbound
// adapter.
var _ inbound.ProxyService = (*Listener)(nil)

// Listener accepts Agent connections on Addr and runs each through
// Dispatch.
type Listener struct {
	Addr          string
	Dispatch      *service.DispatchService
	Logger        *slog.Logger
	MaxFrameBytes uint32
	Metrics       *metrics.Metrics // nil disables recording

	mu sync.Mutex
	ln net.Listener
}

// NewListener builds a Listener. maxFrameBytes<=0 uses codec.DefaultMaxFrameSize.
func NewListener(addr string, dispatch *service.DispatchService, logger *slog.Logger, maxFrameBytes int) *Listener {
	max := uint32(codec.DefaultMaxFrameSize)
	if maxFrameBytes > 0 {
		max = uint32(maxFrameBytes)
	}
	return &Listener{Addr: addr, Dispatch: dispatch, Logger: logger, MaxFrameBytes: max}
}

// WithMetrics enables Prometheus recording of connection counts on an
// already-built Listener.
func (l *Listener) WithMetrics(m *metrics.Metrics) *Listener {
	l.Metrics = m
	return l
}

// Start binds Addr and serves connections until ctx is cancelled or Close is
// called. Implements the inbound.ProxyService Start/Close lifecycle shape.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	l.Logger.Info("tcp listener started", "addr", l.Addr)

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var netErr net.Error
			if errors.As(err, &netErr) && !netErr.Timeout() {
				l.Logger.Warn("accept error", "error", err)
				continue
			}
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.handleConn(ctx, conn)
		}()
	}
	wg.Wait()
	return nil
}

// Close stops accepting new connections. In-flight connections are closed
// by the caller cancelling ctx, which unblocks each connection's read loop.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

// handleConn owns one Agent connection: a single read loop demultiplexing
// frames, and a mutex-guarded write path shared by every dispatch task it
// spawns.
func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	l.Logger.Info("agent connected", "remote", remote)
	if l.Metrics != nil {
		l.Metrics.ActiveConnections.Inc()
		defer l.Metrics.ActiveConnections.Dec()
	}
	defer l.Logger.Info("agent disconnected", "remote", remote)

	var writeMu sync.Mutex
	send := func(env *wire.Envelope) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := codec.Encode(conn, env); err != nil {
			l.Logger.Warn("write frame failed", "remote", remote, "error", err)
		}
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	dec := codec.NewDecoderSize(conn, l.MaxFrameBytes)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		env, err := dec.Decode()
		if err != nil {
			var tooLarge *codec.ErrFrameTooLarge
			if errors.As(err, &tooLarge) {
				send(wire.WrapError(&wire.ErrorMessage{Kind: wire.ErrProtocolError, Detail: tooLarge.Error()}))
			}
			return
		}

		switch {
		case env.CliRequest != nil:
			req := env.CliRequest
			wg.Add(1)
			go func() {
				defer wg.Done()
				if resp := l.Dispatch.HandleCli(connCtx, req); resp != nil {
					send(resp)
				}
			}()

		case env.HttpRequest != nil:
			req := env.HttpRequest
			wg.Add(1)
			go func() {
				defer wg.Done()
				if resp := l.Dispatch.HandleHttp(connCtx, req, send); resp != nil {
					send(resp)
				}
			}()

		default:
			// An envelope with no recognized payload (unexpected Type, or a
			// response/event type the Server should never receive): report
			// and keep reading rather than tearing down the connection.
			id := env.RequestID()
			send(wire.WrapError(&wire.ErrorMessage{ID: id, Kind: wire.ErrProtocolError, Detail: "unrecognized or unexpected envelope"}))
		}
	}
}
