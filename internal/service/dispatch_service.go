package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/carapace-gateway/carapace/internal/domain/audit"
	"github.com/carapace-gateway/carapace/internal/domain/policy"
	"github.com/carapace-gateway/carapace/internal/domain/wire"
	"github.com/carapace-gateway/carapace/internal/dispatcher/cli"
	"github.com/carapace-gateway/carapace/internal/dispatcher/httpdispatch"
	"github.com/carapace-gateway/carapace/internal/filter"
	"github.com/carapace-gateway/carapace/internal/observability/metrics"
)

// SseSender forwards one SseEvent envelope to the requesting connection,
// bypassing the terminal-response path entirely.
type SseSender func(*wire.Envelope)

// DispatchService ties policy evaluation, CLI/HTTP dispatch, response
// filtering, and audit recording into the single operation the Server's
// framed listener runs per request: evaluate, execute if allowed, filter the
// output, record the audit trail, and produce the terminal envelope to
// return (or nil, for a request whose output streams as SSE instead).
type DispatchService struct {
	Engine policy.Engine
	Lookup policy.Lookup

	Cli  *cli.Dispatcher
	Http *httpdispatch.Dispatcher

	Audit   *AuditService
	Logger  *slog.Logger
	Metrics *metrics.Metrics // nil disables Prometheus recording

	// Tracer and the OTel instruments below are nil until WithTracing is
	// called, mirroring the teacher-pack's dual-telemetry shape (Prometheus
	// for scraping, OTel spans/counters for the stdout debug pipeline).
	Tracer       trace.Tracer
	otelRequests metric.Int64Counter
	otelDuration metric.Float64Histogram
}

// NewDispatchService builds a DispatchService from its collaborators.
func NewDispatchService(engine policy.Engine, lookup policy.Lookup, cliDispatcher *cli.Dispatcher, httpDispatcher *httpdispatch.Dispatcher, auditSvc *AuditService, logger *slog.Logger) *DispatchService {
	return &DispatchService{
		Engine: engine,
		Lookup: lookup,
		Cli:    cliDispatcher,
		Http:   httpDispatcher,
		Audit:  auditSvc,
		Logger: logger,
		Tracer: noop.NewTracerProvider().Tracer(""),
	}
}

// WithMetrics enables Prometheus recording on an already-built
// DispatchService.
func (s *DispatchService) WithMetrics(m *metrics.Metrics) *DispatchService {
	s.Metrics = m
	return s
}

// WithTracing enables OTel spans around policy evaluation and dispatch,
// plus a parallel request counter/duration histogram recorded through the
// OTel meter rather than Prometheus. A no-op tracer/meter (the default
// before Setup runs) makes every call here a cheap no-op, so this is safe
// to leave enabled unconditionally.
func (s *DispatchService) WithTracing(tracer trace.Tracer, meter metric.Meter) *DispatchService {
	s.Tracer = tracer
	counter, err := meter.Int64Counter("carapace.requests",
		metric.WithDescription("Requests handled by the dispatch service, by action type and outcome"))
	if err == nil {
		s.otelRequests = counter
	}
	hist, err := meter.Float64Histogram("carapace.dispatch.duration_ms",
		metric.WithDescription("Dispatch duration in milliseconds, by action type"))
	if err == nil {
		s.otelDuration = hist
	}
	return s
}

func (s *DispatchService) recordDecision(d policy.Decision) {
	if s.Metrics == nil {
		return
	}
	if d.Allow {
		s.Metrics.PolicyEvaluations.WithLabelValues("allow").Inc()
	} else {
		s.Metrics.PolicyEvaluations.WithLabelValues("deny").Inc()
	}
}

func (s *DispatchService) recordDispatch(ctx context.Context, actionType string, start time.Time, status string) {
	durationMs := float64(time.Since(start).Milliseconds())
	if s.Metrics != nil {
		s.Metrics.RequestsTotal.WithLabelValues(actionType, status).Inc()
		s.Metrics.RequestDuration.WithLabelValues(actionType).Observe(time.Since(start).Seconds())
	}
	if s.otelRequests != nil {
		attrs := metric.WithAttributes(attribute.String("action_type", actionType), attribute.String("status", status))
		s.otelRequests.Add(ctx, 1, attrs)
	}
	if s.otelDuration != nil {
		s.otelDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("action_type", actionType)))
	}
}

// startSpan begins a span using s.Tracer, which defaults to an OTel no-op
// tracer until WithTracing is called, so HandleCli/HandleHttp never need a
// nil check around span.End()/SetStatus().
func (s *DispatchService) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// HandleCli evaluates and, if allowed, executes a CliRequest, returning the
// terminal envelope (a CliResponse or an ErrorMessage) to send back.
func (s *DispatchService) HandleCli(ctx context.Context, req *wire.CliRequest) *wire.Envelope {
	start := time.Now()

	ctx, span := s.startSpan(ctx, "carapace.dispatch.cli",
		attribute.String("tool", string(req.Tool)), attribute.String("request_id", string(req.ID)))
	defer span.End()

	argv := req.Argv
	if len(argv) > 0 {
		argv = argv[1:] // argv[0] is the logical command name, elided from matching per spec.
	}
	evalCtx := policy.EvaluationContext{ToolName: string(req.Tool), Time: start, Argv: argv}

	decision, err := s.Engine.Evaluate(ctx, evalCtx)
	if err != nil {
		s.Logger.Error("policy evaluation failed", "tool", req.Tool, "request_id", req.ID, "error", err)
		span.SetStatus(codes.Error, err.Error())
		return s.denyEnvelope(req.ID, wire.ErrDispatchError, fmt.Sprintf("policy evaluation error: %v", err))
	}

	tp, ok := s.Lookup.ToolPolicy(string(req.Tool))

	rec := audit.Record{
		Timestamp:    start,
		RequestID:    req.ID,
		Tool:         req.Tool,
		ActionType:   audit.ActionCli,
		ArgvOrMethod: strings.Join(audit.RedactArgv(argv), " "),
	}
	if ok && tp.Cli != nil {
		rec.RedactPatterns = tp.Cli.Audit.RedactPatterns
	}

	s.recordDecision(decision)
	if !decision.Allow {
		rec.PolicyResult = audit.PolicyDeny
		rec.Reason = decision.Reason
		rec.ErrorKind = decision.Kind
		rec.DurationMs = time.Since(start).Milliseconds()
		s.Audit.Record(rec)
		s.recordDispatch(ctx, "cli", start, "denied")
		span.SetStatus(codes.Error, string(decision.Kind))
		return s.denyEnvelope(req.ID, decision.Kind, decision.Reason)
	}
	rec.PolicyResult = audit.PolicyAllow
	rec.Reason = decision.MatchedRule

	if !ok || tp.Cli == nil {
		rec.ErrorKind = wire.ErrDispatchError
		rec.DurationMs = time.Since(start).Milliseconds()
		s.Audit.Record(rec)
		s.recordDispatch(ctx, "cli", start, "error")
		span.SetStatus(codes.Error, "no cli policy for tool")
		return s.denyEnvelope(req.ID, wire.ErrDispatchError, fmt.Sprintf("tool %q has no CLI policy", req.Tool))
	}

	resp, err := s.Cli.Dispatch(ctx, req, tp.Cli)
	if err != nil {
		rec.ErrorKind = wire.ErrDispatchError
		rec.DurationMs = time.Since(start).Milliseconds()
		s.Audit.Record(rec)
		s.recordDispatch(ctx, "cli", start, "error")
		span.SetStatus(codes.Error, err.Error())
		return s.denyEnvelope(req.ID, wire.ErrDispatchError, err.Error())
	}

	if len(tp.Cli.ResponseFilters) > 0 {
		res, ferr := filter.Apply(resp.Stdout, tp.Cli.ResponseFilters)
		if ferr != nil {
			s.Logger.Warn("cli response filter failed, passing through unfiltered", "tool", req.Tool, "request_id", req.ID, "error", ferr)
		} else {
			rec.FilterActions = res.Actions
			if res.Blocked {
				rec.ErrorKind = wire.ErrContentDenied
				rec.DurationMs = time.Since(start).Milliseconds()
				s.Audit.Record(rec)
				span.SetStatus(codes.Error, "response blocked by content filter")
				return s.denyEnvelope(req.ID, wire.ErrContentDenied, "response blocked by content filter")
			}
			resp.Stdout = res.Body
			resp.Truncated = resp.Truncated || res.Truncated
		}
	}

	rec.ExitCodeOrStatus = resp.ExitCode
	rec.DurationMs = time.Since(start).Milliseconds()
	s.Audit.Record(rec)
	s.recordDispatch(ctx, "cli", start, "ok")

	return wire.WrapCliResponse(resp)
}

// HandleHttp evaluates and, if allowed, proxies an HttpRequest. For a
// non-streamed response it returns the terminal envelope; for an SSE
// response it forwards events via send and returns nil, since no terminal
// HttpResponse follows an SSE stream.
func (s *DispatchService) HandleHttp(ctx context.Context, req *wire.HttpRequest, send SseSender) *wire.Envelope {
	start := time.Now()

	ctx, span := s.startSpan(ctx, "carapace.dispatch.http",
		attribute.String("tool", string(req.Tool)), attribute.String("request_id", string(req.ID)))
	defer span.End()

	method, params := extractJSONRPC(req.Body)
	if method == "" {
		method = req.Method
	}
	evalCtx := policy.EvaluationContext{ToolName: string(req.Tool), Time: start, Method: method, Params: params}

	decision, err := s.Engine.Evaluate(ctx, evalCtx)
	if err != nil {
		s.Logger.Error("policy evaluation failed", "tool", req.Tool, "request_id", req.ID, "error", err)
		span.SetStatus(codes.Error, err.Error())
		return s.denyEnvelope(req.ID, wire.ErrDispatchError, fmt.Sprintf("policy evaluation error: %v", err))
	}

	tp, ok := s.Lookup.ToolPolicy(string(req.Tool))

	rec := audit.Record{
		Timestamp:    start,
		RequestID:    req.ID,
		Tool:         req.Tool,
		ActionType:   audit.ActionHttp,
		ArgvOrMethod: method,
	}
	if ok && tp.Http != nil {
		rec.RedactPatterns = tp.Http.Audit.RedactPatterns
	}

	s.recordDecision(decision)
	if !decision.Allow {
		rec.PolicyResult = audit.PolicyDeny
		rec.Reason = decision.Reason
		rec.ErrorKind = decision.Kind
		rec.DurationMs = time.Since(start).Milliseconds()
		s.Audit.Record(rec)
		s.recordDispatch(ctx, "http", start, "denied")
		span.SetStatus(codes.Error, string(decision.Kind))
		return s.denyEnvelope(req.ID, decision.Kind, decision.Reason)
	}
	rec.PolicyResult = audit.PolicyAllow
	rec.Reason = decision.MatchedRule

	if !ok || tp.Http == nil {
		rec.ErrorKind = wire.ErrDispatchError
		rec.DurationMs = time.Since(start).Milliseconds()
		s.Audit.Record(rec)
		s.recordDispatch(ctx, "http", start, "error")
		span.SetStatus(codes.Error, "no http policy for tool")
		return s.denyEnvelope(req.ID, wire.ErrDispatchError, fmt.Sprintf("tool %q has no HTTP policy", req.Tool))
	}

	var sseSend httpdispatch.SseSender
	if send != nil {
		sseSend = func(ev *wire.SseEvent) { send(wire.WrapSseEvent(ev)) }
	}

	resp, actions, err := s.Http.Dispatch(ctx, req, tp.Http, sseSend)
	if err != nil {
		if httpdispatch.ErrBlocked(err) {
			rec.ErrorKind = wire.ErrContentDenied
			rec.FilterActions = actions
			rec.DurationMs = time.Since(start).Milliseconds()
			s.Audit.Record(rec)
			s.recordDispatch(ctx, "http", start, "denied")
			span.SetStatus(codes.Error, "response blocked by content filter")
			return s.denyEnvelope(req.ID, wire.ErrContentDenied, "response blocked by content filter")
		}
		rec.ErrorKind = wire.ErrDispatchError
		rec.DurationMs = time.Since(start).Milliseconds()
		s.Audit.Record(rec)
		s.recordDispatch(ctx, "http", start, "error")
		span.SetStatus(codes.Error, err.Error())
		return s.denyEnvelope(req.ID, wire.ErrDispatchError, err.Error())
	}

	if resp == nil {
		// SSE: events already forwarded; no terminal response, no exit
		// code/status to record, but the allow decision still gets an
		// audit trail.
		rec.DurationMs = time.Since(start).Milliseconds()
		s.Audit.Record(rec)
		s.recordDispatch(ctx, "http", start, "ok")
		return nil
	}

	rec.ExitCodeOrStatus = resp.Status
	rec.FilterActions = actions
	rec.DurationMs = time.Since(start).Milliseconds()
	s.Audit.Record(rec)
	s.recordDispatch(ctx, "http", start, "ok")

	return wire.WrapHttpResponse(resp)
}

func (s *DispatchService) denyEnvelope(id wire.RequestId, kind wire.ErrorKind, detail string) *wire.Envelope {
	return wire.WrapError(&wire.ErrorMessage{ID: id, Kind: kind, Detail: detail})
}

// jsonrpcEnvelope is the subset of a JSON-RPC 2.0 request body this gateway
// reads: the method name and params, for policy matching. Everything else
// (id, jsonrpc version) is the upstream's concern, not Carapace's.
type jsonrpcEnvelope struct {
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params"`
}

// extractJSONRPC parses body as a JSON-RPC call for policy matching. A
// non-JSON-RPC body (no "method" field, or not JSON at all) yields an empty
// method, and the caller falls back to the request's HTTP verb: not every
// HTTP tool speaks JSON-RPC.
func extractJSONRPC(body []byte) (method string, params map[string]interface{}) {
	if len(body) == 0 {
		return "", nil
	}
	var env jsonrpcEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", nil
	}
	return env.Method, env.Params
}
