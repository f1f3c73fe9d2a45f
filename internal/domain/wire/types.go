// Package wire defines the message types exchanged between the Agent and
// the Server over a framed channel, and the local ingress surfaces that
// feed the Agent.
package wire

// RequestId is an opaque, nonempty identifier unique per in-flight request
// on a connection. It is never parsed, only compared and used as a map key.
type RequestId string

// Tool names a policy entry. Every request carries a Tool; a Tool with no
// matching policy entry is denied with reason unknown_tool.
type Tool string

// CliRequest asks the Server to execute an approved CLI tool.
type CliRequest struct {
	ID   RequestId         `json:"id"`
	Tool Tool              `json:"tool"`
	Argv []string          `json:"argv"`
	Env  map[string]string `json:"env"`
	Cwd  string            `json:"cwd,omitempty"`
	Stdin []byte           `json:"stdin,omitempty"`
}

// CliResponse carries the outcome of an executed CliRequest.
type CliResponse struct {
	ID        RequestId `json:"id"`
	ExitCode  int       `json:"exit_code"`
	Stdout    []byte    `json:"stdout"`
	Stderr    []byte    `json:"stderr"`
	Truncated bool      `json:"truncated"`
}

// HttpRequest asks the Server to proxy an approved HTTP/JSON-RPC call
// upstream.
type HttpRequest struct {
	ID      RequestId         `json:"id"`
	Tool    Tool              `json:"tool"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
}

// HttpResponse carries a single, non-streamed upstream response.
type HttpResponse struct {
	ID      RequestId         `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
}

// SseEvent carries one Server-Sent Event. Multiple SseEvents share a
// RequestId and are delivered in the order the Server emitted them; no
// terminal HttpResponse follows an SSE stream.
type SseEvent struct {
	ID    RequestId `json:"id"`
	Tool  Tool      `json:"tool"`
	Event string    `json:"event"`
	Data  string    `json:"data"`
}

// ErrorKind enumerates the observable error kinds described in the error
// handling design. Each is audited and, where applicable, surfaced to the
// client as an ErrorMessage.
type ErrorKind string

const (
	ErrUnknownTool     ErrorKind = "unknown_tool"
	ErrArgvDenied      ErrorKind = "argv_denied"
	ErrNotInAllowlist  ErrorKind = "not_in_allowlist"
	ErrMethodDenied    ErrorKind = "method_denied"
	ErrParamDenied     ErrorKind = "param_denied"
	ErrRateLimited     ErrorKind = "rate_limited"
	ErrCwdDenied       ErrorKind = "cwd_denied"
	ErrDispatchError   ErrorKind = "dispatch_error"
	ErrTimeout         ErrorKind = "timeout"
	ErrContentDenied   ErrorKind = "content_denied"
	ErrTransportClosed ErrorKind = "transport_closed"
	ErrProtocolError   ErrorKind = "protocol_error"
	ErrAuditQueueFull  ErrorKind = "audit_queue_full"
	ErrFiltered        ErrorKind = "filtered"
)

// ErrorMessage reports a denial or failure. ID is empty for connection-level
// errors (e.g. protocol_error) that are not tied to a single request.
type ErrorMessage struct {
	ID     RequestId `json:"id,omitempty"`
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail"`
}

// Envelope is the self-describing tagged JSON object carried by every
// frame. Exactly one of the payload fields is populated, selected by Type.
type Envelope struct {
	Type string `json:"type"`

	CliRequest   *CliRequest   `json:"cli_request,omitempty"`
	CliResponse  *CliResponse  `json:"cli_response,omitempty"`
	HttpRequest  *HttpRequest  `json:"http_request,omitempty"`
	HttpResponse *HttpResponse `json:"http_response,omitempty"`
	SseEvent     *SseEvent     `json:"sse_event,omitempty"`
	ErrorMessage *ErrorMessage `json:"error_message,omitempty"`
}

// Envelope type discriminators.
const (
	TypeCliRequest   = "cli_request"
	TypeCliResponse  = "cli_response"
	TypeHttpRequest  = "http_request"
	TypeHttpResponse = "http_response"
	TypeSseEvent     = "sse_event"
	TypeErrorMessage = "error_message"
)

// RequestID returns the correlation id carried by the envelope's payload,
// or "" if the payload carries no id (e.g. a connection-level ErrorMessage).
func (e *Envelope) RequestID() RequestId {
	switch {
	case e.CliRequest != nil:
		return e.CliRequest.ID
	case e.CliResponse != nil:
		return e.CliResponse.ID
	case e.HttpRequest != nil:
		return e.HttpRequest.ID
	case e.HttpResponse != nil:
		return e.HttpResponse.ID
	case e.SseEvent != nil:
		return e.SseEvent.ID
	case e.ErrorMessage != nil:
		return e.ErrorMessage.ID
	default:
		return ""
	}
}

// Terminal reports whether this envelope ends the request's lifecycle for
// its id: a CliResponse, HttpResponse, or an ErrorMessage carrying an id.
// An SseEvent is never terminal; the stream ends on transport close.
func (e *Envelope) Terminal() bool {
	if e.SseEvent != nil {
		return false
	}
	return e.CliResponse != nil || e.HttpResponse != nil ||
		(e.ErrorMessage != nil && e.ErrorMessage.ID != "")
}

// WrapCliRequest builds an Envelope around a CliRequest.
func WrapCliRequest(r *CliRequest) *Envelope { return &Envelope{Type: TypeCliRequest, CliRequest: r} }

// WrapCliResponse builds an Envelope around a CliResponse.
func WrapCliResponse(r *CliResponse) *Envelope {
	return &Envelope{Type: TypeCliResponse, CliResponse: r}
}

// WrapHttpRequest builds an Envelope around an HttpRequest.
func WrapHttpRequest(r *HttpRequest) *Envelope {
	return &Envelope{Type: TypeHttpRequest, HttpRequest: r}
}

// WrapHttpResponse builds an Envelope around an HttpResponse.
func WrapHttpResponse(r *HttpResponse) *Envelope {
	return &Envelope{Type: TypeHttpResponse, HttpResponse: r}
}

// WrapSseEvent builds an Envelope around an SseEvent.
func WrapSseEvent(e *SseEvent) *Envelope { return &Envelope{Type: TypeSseEvent, SseEvent: e} }

// WrapError builds an Envelope around an ErrorMessage.
func WrapError(e *ErrorMessage) *Envelope { return &Envelope{Type: TypeErrorMessage, ErrorMessage: e} }
