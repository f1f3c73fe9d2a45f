// Package httpdispatch dispatches an approved HttpRequest to its policy's upstream:
// a per-tool reverse proxy that strips hop-by-hop headers, injects
// X-Forwarded-* headers, and either buffers a regular JSON response
// (subject to the response-filter pipeline) or incrementally parses and
// forwards a Server-Sent-Events stream without buffering it.
package httpdispatch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/carapace-gateway/carapace/internal/domain/policy"
	"github.com/carapace-gateway/carapace/internal/domain/wire"
	"github.com/carapace-gateway/carapace/internal/filter"
)

// hopByHopHeaders are stripped from the proxied request; RFC 7230 §6.1 plus
// the de facto Connection-named extensions.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// DefaultSseEventPathSuffix is used when a policy does not override it.
const DefaultSseEventPathSuffix = "/events"

// SseSender forwards one parsed SSE event as it is read from the upstream,
// with no intermediate buffering.
type SseSender func(*wire.SseEvent)

// Dispatcher proxies HttpRequests to their policy's upstream.
type Dispatcher struct {
	Client *http.Client
}

// NewDispatcher builds a Dispatcher with redirect-passthrough semantics: the
// caller decides what to do with a 3xx, matching the client's own HTTP
// handling rather than following it transparently.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		Client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Dispatch executes req against pol. When the response is identified as SSE
// (path suffix match and a text/event-stream content type), it streams
// events to send and returns (nil, nil, nil): there is no terminal
// HttpResponse for a streamed request. Otherwise it returns a buffered,
// filtered HttpResponse and the list of filter actions that fired.
func (d *Dispatcher) Dispatch(ctx context.Context, req *wire.HttpRequest, pol *policy.HttpPolicy, send SseSender) (*wire.HttpResponse, []string, error) {
	upstreamURL := strings.TrimRight(pol.Upstream, "/") + req.Path

	timeout := time.Duration(pol.TimeoutSecs) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)

	var body io.Reader
	if len(req.Body) > 0 {
		body = strings.NewReader(string(req.Body))
	}

	outReq, err := http.NewRequestWithContext(runCtx, req.Method, upstreamURL, body)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("http dispatch: build request: %w", err)
	}
	for k, v := range req.Headers {
		outReq.Header.Set(k, v)
	}
	for _, h := range hopByHopHeaders {
		outReq.Header.Del(h)
	}
	injectForwardedHeaders(outReq)

	resp, err := d.Client.Do(outReq)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("http dispatch: upstream unreachable: %w", err)
	}

	suffix := pol.SseEventPathSuffix
	if suffix == "" {
		suffix = DefaultSseEventPathSuffix
	}
	isSse := strings.HasSuffix(req.Path, suffix) &&
		strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")

	if isSse {
		go func() {
			defer cancel()
			defer resp.Body.Close()
			streamSse(resp.Body, req.ID, req.Tool, pol.ResponseFilters, send)
		}()
		return nil, nil, nil
	}
	defer cancel()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("http dispatch: read upstream body: %w", err)
	}

	filtered := raw
	var actions []string
	if len(pol.ResponseFilters) > 0 {
		res, err := filter.Apply(raw, pol.ResponseFilters)
		if err != nil {
			return nil, nil, fmt.Errorf("http dispatch: apply response filters: %w", err)
		}
		if res.Blocked {
			return nil, res.Actions, errBlocked
		}
		filtered = res.Body
		actions = res.Actions
	}

	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	return &wire.HttpResponse{
		ID:      req.ID,
		Status:  resp.StatusCode,
		Headers: headers,
		Body:    filtered,
	}, actions, nil
}

// errBlocked signals that a ContentDeny(action=block) filter fired; the
// caller translates this into a content_denied ErrorMessage rather than an
// HttpResponse.
var errBlocked = fmt.Errorf("http dispatch: response blocked by content filter")

// ErrBlocked reports whether err is the content-filter block sentinel.
func ErrBlocked(err error) bool { return err == errBlocked }

// injectForwardedHeaders marks the request as having passed through
// Carapace. There is no real client socket at this layer — the wire
// protocol carries only headers, not a remote address — so the forwarded-for
// value is a fixed marker rather than a resolved IP.
func injectForwardedHeaders(req *http.Request) {
	const viaCarapace = "carapace"
	if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
		req.Header.Set("X-Forwarded-For", prior+", "+viaCarapace)
	} else {
		req.Header.Set("X-Forwarded-For", viaCarapace)
	}
	req.Header.Set("X-Forwarded-Proto", "https")
}

// streamSse reads r as a byte stream and incrementally parses SSE blocks
// (separated by a blank line; each containing "event: <type>" and one or
// more "data: <line>" lines), forwarding every complete event via send as
// soon as it is parsed. It never buffers the whole body: send is called
// event-by-event until r reaches EOF or the connection drops.
//
// Each event's data is run through the tool's response-filter pipeline
// before forwarding, applied per event rather than cumulatively across the
// stream (spec.md §9's open question on MaxOutputSize for SSE, resolved
// per-event). A ContentDeny(action=block) match drops that one event
// instead of ending the stream, since there is no terminal response to
// replace with an ErrorMessage mid-stream.
func streamSse(r io.Reader, id wire.RequestId, tool wire.Tool, filters []policy.FilterSpec, send SseSender) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType string
	var dataLines []string

	flush := func() {
		if len(dataLines) == 0 && eventType == "" {
			return
		}
		data := strings.Join(dataLines, "\n")
		if len(filters) > 0 {
			res, err := filter.Apply([]byte(data), filters)
			if err == nil {
				if res.Blocked {
					eventType = ""
					dataLines = dataLines[:0]
					return
				}
				data = string(res.Body)
			}
		}
		send(&wire.SseEvent{
			ID:    id,
			Tool:  tool,
			Event: eventType,
			Data:  data,
		})
		eventType = ""
		dataLines = dataLines[:0]
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// Comment lines (":") and unrecognized fields (id:, retry:) are
			// ignored; Carapace only relays event/data to the local caller.
		}
	}
	flush()
}
