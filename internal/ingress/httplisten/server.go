// Package httplisten is the Agent's local-facing HTTP ingress: a plain
// net/http listener that turns an incoming request into a framed
// HttpRequest, forwards it to the Server, and either writes back a
// single buffered response or renders a Server-forwarded event stream as
// text/event-stream.
package httplisten

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carapace-gateway/carapace/internal/domain/wire"
	"github.com/carapace-gateway/carapace/internal/multiplexer"
)

// maxRequestBodySize caps the body accepted from a local caller (1 MB,
// mirroring the Server's own inbound transport limits).
const maxRequestBodySize = 1 << 20

// ToolHeader lets a local caller name its tool explicitly, bypassing the
// path-prefix convention below. Set by trusted local callers that already
// know which policy entry they want.
const ToolHeader = "X-Carapace-Tool"

// Sender forwards an envelope to the Server. agentconn.Client satisfies
// this.
type Sender interface {
	Send(env *wire.Envelope) error
}

// Server is the Agent's local HTTP ingress.
type Server struct {
	Addr   string
	Mux    *multiplexer.Multiplexer
	Send   Sender
	Logger *slog.Logger

	// RequestTimeout bounds how long a local call waits for a terminal
	// response before the ingress gives up and reports a gateway timeout.
	// It does not apply to an established SSE stream.
	RequestTimeout time.Duration

	srv *http.Server
}

// NewServer builds a Server. A zero RequestTimeout defaults to 30s.
func NewServer(addr string, mux *multiplexer.Multiplexer, send Sender, logger *slog.Logger, requestTimeout time.Duration) *Server {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &Server{Addr: addr, Mux: mux, Send: send, Logger: logger, RequestTimeout: requestTimeout}
}

// Start binds Addr and serves until ctx is cancelled or Close is called.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleProxy)

	s.srv = &http.Server{Addr: s.Addr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	s.Logger.Info("local http ingress listening", "addr", s.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close shuts the listener down.
func (s *Server) Close() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": s.Mux.Len(),
	})
}

// resolveTool picks the target tool name by the X-Carapace-Tool header if
// present, otherwise by the request path's first segment, which is then
// stripped from the path forwarded upstream — e.g. a request for
// /github/repos/acme/widgets names tool "github" and forwards path
// "/repos/acme/widgets".
func resolveTool(r *http.Request) (tool, path string) {
	if h := r.Header.Get(ToolHeader); h != "" {
		return h, r.URL.Path
	}
	trimmed := strings.TrimPrefix(r.URL.Path, "/")
	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 {
		return trimmed, "/"
	}
	return trimmed[:idx], trimmed[idx:]
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	tool, path := resolveTool(r)
	if tool == "" {
		http.Error(w, "no tool resolved from request", http.StatusBadRequest)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		if strings.EqualFold(k, ToolHeader) {
			continue
		}
		headers[k] = r.Header.Get(k)
	}

	req := &wire.HttpRequest{
		ID:      wire.RequestId(uuid.NewString()),
		Tool:    wire.Tool(tool),
		Method:  r.Method,
		Path:    path,
		Headers: headers,
		Body:    body,
	}

	ch, err := s.Mux.RegisterUnique(req.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := s.Send.Send(wire.WrapHttpRequest(req)); err != nil {
		s.Mux.Deregister(req.ID)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	s.pump(r.Context(), w, req.ID, ch)
}

// pump relays envelopes for one request id to the local HTTP response,
// switching into SSE rendering the moment the first SseEvent arrives. A
// terminal HttpResponse or ErrorMessage ends the exchange; an SseEvent
// stream runs until the connection closes or the Server reports
// transport_closed, since no terminal envelope ever follows an SSE stream.
func (s *Server) pump(ctx context.Context, w http.ResponseWriter, id wire.RequestId, ch <-chan *wire.Envelope) {
	var (
		flusher   http.Flusher
		streaming bool
	)

	timeout := time.NewTimer(s.RequestTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Mux.Deregister(id)
			return

		case <-timeout.C:
			if streaming {
				continue
			}
			http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
			s.Mux.Deregister(id)
			return

		case env, ok := <-ch:
			if !ok {
				if !streaming {
					http.Error(w, "connection to server lost", http.StatusBadGateway)
				}
				return
			}

			switch {
			case env.SseEvent != nil:
				if !streaming {
					streaming = true
					f, ok := w.(http.Flusher)
					if !ok {
						http.Error(w, "streaming not supported", http.StatusInternalServerError)
						s.Mux.Deregister(id)
						return
					}
					flusher = f
					w.Header().Set("Content-Type", "text/event-stream")
					w.Header().Set("Cache-Control", "no-cache")
					w.Header().Set("Connection", "keep-alive")
					w.WriteHeader(http.StatusOK)
				}
				ev := env.SseEvent
				if ev.Event != "" {
					fmt.Fprintf(w, "event: %s\n", ev.Event)
				}
				for _, line := range strings.Split(ev.Data, "\n") {
					fmt.Fprintf(w, "data: %s\n", line)
				}
				fmt.Fprint(w, "\n")
				flusher.Flush()

			case env.HttpResponse != nil:
				resp := env.HttpResponse
				for k, v := range resp.Headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(resp.Status)
				_, _ = w.Write(resp.Body)
				return

			case env.ErrorMessage != nil:
				writeErrorResponse(w, env.ErrorMessage)
				return

			default:
				return
			}
		}
	}
}

// writeErrorResponse renders a denial or dispatch failure as a JSON body,
// status-mapped from the error kind.
func writeErrorResponse(w http.ResponseWriter, e *wire.ErrorMessage) {
	status := http.StatusInternalServerError
	switch e.Kind {
	case wire.ErrUnknownTool, wire.ErrNotInAllowlist:
		status = http.StatusNotFound
	case wire.ErrArgvDenied, wire.ErrMethodDenied, wire.ErrParamDenied, wire.ErrCwdDenied, wire.ErrContentDenied, wire.ErrFiltered:
		status = http.StatusForbidden
	case wire.ErrRateLimited:
		status = http.StatusTooManyRequests
	case wire.ErrTimeout:
		status = http.StatusGatewayTimeout
	case wire.ErrTransportClosed, wire.ErrDispatchError:
		status = http.StatusBadGateway
	case wire.ErrProtocolError, wire.ErrAuditQueueFull:
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"kind":   string(e.Kind),
		"detail": e.Detail,
	})
}
