// Package clisocket is the Agent's local-facing CLI ingress: a Unix domain
// socket that accepts one framed CliRequest per connection, forwards it to
// the Server over the Agent's connection, and writes back the terminal
// CliResponse or ErrorMessage on the same connection.
package clisocket

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/carapace-gateway/carapace/internal/codec"
	"github.com/carapace-gateway/carapace/internal/domain/wire"
	"github.com/carapace-gateway/carapace/internal/multiplexer"
)

// Sender forwards an envelope to the Server. agentconn.Client satisfies
// this.
type Sender interface {
	Send(env *wire.Envelope) error
}

// Server accepts local CLI requests on a Unix domain socket.
type Server struct {
	SocketPath    string
	Mux           *multiplexer.Multiplexer
	Send          Sender
	Logger        *slog.Logger
	MaxFrameBytes uint32

	mu sync.Mutex
	ln net.Listener
}

// NewServer builds a Server. maxFrameBytes<=0 uses codec.DefaultMaxFrameSize.
func NewServer(socketPath string, mux *multiplexer.Multiplexer, send Sender, logger *slog.Logger, maxFrameBytes int) *Server {
	max := uint32(codec.DefaultMaxFrameSize)
	if maxFrameBytes > 0 {
		max = uint32(maxFrameBytes)
	}
	return &Server{SocketPath: socketPath, Mux: mux, Send: send, Logger: logger, MaxFrameBytes: max}
}

// Start removes any stale socket file, binds SocketPath, and serves
// connections until ctx is cancelled or Close is called.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	s.Logger.Info("cli socket listening", "path", s.SocketPath)

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var netErr net.Error
			if errors.As(err, &netErr) && !netErr.Timeout() {
				s.Logger.Warn("cli socket accept error", "error", err)
				continue
			}
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
	wg.Wait()
	return nil
}

// Close stops accepting new connections and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	_ = os.Remove(s.SocketPath)
	return err
}

// handleConn reads exactly one CliRequest frame, forwards it, waits for the
// matching terminal envelope, and writes the response back before closing —
// a one-shot request/response exchange per connection, matching how a CLI
// shim opens the socket, issues one call, and exits.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	dec := codec.NewDecoderSize(conn, s.MaxFrameBytes)
	env, err := dec.Decode()
	if err != nil {
		var tooLarge *codec.ErrFrameTooLarge
		if errors.As(err, &tooLarge) {
			_ = codec.Encode(conn, wire.WrapError(&wire.ErrorMessage{Kind: wire.ErrProtocolError, Detail: tooLarge.Error()}))
		}
		return
	}

	req := env.CliRequest
	if req == nil {
		_ = codec.Encode(conn, wire.WrapError(&wire.ErrorMessage{Kind: wire.ErrProtocolError, Detail: "cli socket accepts only cli_request envelopes"}))
		return
	}

	if req.ID == "" {
		req.ID = wire.RequestId(uuid.NewString())
	}

	ch, err := s.Mux.RegisterUnique(req.ID)
	if err != nil {
		_ = codec.Encode(conn, wire.WrapError(&wire.ErrorMessage{ID: req.ID, Kind: wire.ErrDispatchError, Detail: err.Error()}))
		return
	}

	if err := s.Send.Send(wire.WrapCliRequest(req)); err != nil {
		s.Mux.Deregister(req.ID)
		_ = codec.Encode(conn, wire.WrapError(&wire.ErrorMessage{ID: req.ID, Kind: wire.ErrDispatchError, Detail: err.Error()}))
		return
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			_ = codec.Encode(conn, wire.WrapError(&wire.ErrorMessage{ID: req.ID, Kind: wire.ErrTransportClosed, Detail: "connection to server lost"}))
			return
		}
		if err := codec.Encode(conn, resp); err != nil {
			s.Logger.Warn("cli socket write failed", "request_id", req.ID, "error", err)
		}
	case <-ctx.Done():
		s.Mux.Deregister(req.ID)
	}
}
