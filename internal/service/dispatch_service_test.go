package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/carapace-gateway/carapace/internal/domain/audit"
	"github.com/carapace-gateway/carapace/internal/domain/policy"
	"github.com/carapace-gateway/carapace/internal/domain/wire"
	"github.com/carapace-gateway/carapace/internal/dispatcher/cli"
	"github.com/carapace-gateway/carapace/internal/dispatcher/httpdispatch"
)

// recordingAuditStore captures every record Append receives, for assertions
// without depending on a real file/sqlite backend.
type recordingAuditStore struct {
	mu      sync.Mutex
	records []audit.Record
}

func (s *recordingAuditStore) Append(_ context.Context, records ...audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return nil
}
func (s *recordingAuditStore) Flush(context.Context) error { return nil }
func (s *recordingAuditStore) Close() error                { return nil }

func (s *recordingAuditStore) all() []audit.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Record, len(s.records))
	copy(out, s.records)
	return out
}

func newTestAuditService(t *testing.T, store *recordingAuditStore) *AuditService {
	t.Helper()
	svc := NewAuditService(store, discardLogger(), WithBatchSize(1), WithChannelSize(16), WithFlushInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	t.Cleanup(func() {
		cancel()
		svc.Stop()
	})
	return svc
}

func shOrSkip(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("unix shell test")
	}
	path, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return path
}

func TestDispatchService_HandleCli_S1_AllowedRequestRunsAndAudits(t *testing.T) {
	sh := shOrSkip(t)
	p := &policy.Policy{Tools: map[string]policy.ToolPolicy{
		"op": {
			Name: "op",
			Type: policy.ToolTypeCli,
			Cli: &policy.CliPolicy{
				Binary:      sh,
				ArgvAllow:   []string{"-c *"},
				TimeoutSecs: 5,
				EnvInject:   map[string]string{"OP_TOKEN": "X"},
			},
		},
	}}
	policySvc, err := NewPolicyService(context.Background(), staticStore{p}, nil, discardLogger())
	if err != nil {
		t.Fatalf("NewPolicyService: %v", err)
	}
	store := &recordingAuditStore{}
	auditSvc := newTestAuditService(t, store)

	svc := NewDispatchService(policySvc, policySvc, cli.NewDispatcher(), httpdispatch.NewDispatcher(), auditSvc, discardLogger())

	req := &wire.CliRequest{
		ID:   "req-1",
		Tool: "op",
		Argv: []string{"op-client", "-c", "echo hi"},
		Env:  map[string]string{"OP_TOKEN": "attacker-supplied"},
	}
	env := svc.HandleCli(context.Background(), req)
	if env == nil || env.CliResponse == nil {
		t.Fatalf("HandleCli() = %+v, want a CliResponse envelope", env)
	}
	if env.CliResponse.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", env.CliResponse.ExitCode)
	}

	time.Sleep(50 * time.Millisecond)
	recs := store.all()
	if len(recs) != 1 {
		t.Fatalf("got %d audit records, want 1", len(recs))
	}
	if recs[0].PolicyResult != audit.PolicyAllow {
		t.Errorf("PolicyResult = %q, want allow", recs[0].PolicyResult)
	}
}

func TestDispatchService_HandleCli_S2_DeniedRequestNeverSpawnsAndAudits(t *testing.T) {
	sh := shOrSkip(t)
	p := &policy.Policy{Tools: map[string]policy.ToolPolicy{
		"op": {
			Name: "op",
			Type: policy.ToolTypeCli,
			Cli: &policy.CliPolicy{
				Binary:      sh,
				ArgvAllow:   []string{"item get *"},
				ArgvDeny:    []string{"item delete *"},
				TimeoutSecs: 5,
			},
		},
	}}
	policySvc, err := NewPolicyService(context.Background(), staticStore{p}, nil, discardLogger())
	if err != nil {
		t.Fatalf("NewPolicyService: %v", err)
	}
	store := &recordingAuditStore{}
	auditSvc := newTestAuditService(t, store)
	svc := NewDispatchService(policySvc, policySvc, cli.NewDispatcher(), httpdispatch.NewDispatcher(), auditSvc, discardLogger())

	req := &wire.CliRequest{ID: "req-2", Tool: "op", Argv: []string{"op-client", "item", "delete", "Email"}}
	env := svc.HandleCli(context.Background(), req)
	if env == nil || env.ErrorMessage == nil {
		t.Fatalf("HandleCli() = %+v, want an ErrorMessage envelope", env)
	}
	if env.ErrorMessage.Kind != wire.ErrArgvDenied {
		t.Errorf("Kind = %q, want %q", env.ErrorMessage.Kind, wire.ErrArgvDenied)
	}

	time.Sleep(50 * time.Millisecond)
	recs := store.all()
	if len(recs) != 1 {
		t.Fatalf("got %d audit records, want 1", len(recs))
	}
	if recs[0].PolicyResult != audit.PolicyDeny {
		t.Errorf("PolicyResult = %q, want deny", recs[0].PolicyResult)
	}
}

func TestDispatchService_HandleCli_UnknownToolIsDenied(t *testing.T) {
	policySvc, err := NewPolicyService(context.Background(), staticStore{&policy.Policy{Tools: map[string]policy.ToolPolicy{}}}, nil, discardLogger())
	if err != nil {
		t.Fatalf("NewPolicyService: %v", err)
	}
	store := &recordingAuditStore{}
	auditSvc := newTestAuditService(t, store)
	svc := NewDispatchService(policySvc, policySvc, cli.NewDispatcher(), httpdispatch.NewDispatcher(), auditSvc, discardLogger())

	env := svc.HandleCli(context.Background(), &wire.CliRequest{ID: "req-3", Tool: "ghost", Argv: []string{"x"}})
	if env == nil || env.ErrorMessage == nil || env.ErrorMessage.Kind != wire.ErrUnknownTool {
		t.Fatalf("HandleCli() = %+v, want ErrorMessage{Kind: unknown_tool}", env)
	}
}

func TestDispatchService_HandleHttp_S3_ParamDeniedNeverCallsUpstream(t *testing.T) {
	upstreamCalled := false
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalled = true
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p := &policy.Policy{Tools: map[string]policy.ToolPolicy{
		"signal": {
			Name: "signal",
			Type: policy.ToolTypeHttp,
			Http: &policy.HttpPolicy{
				Upstream:            upstream.URL,
				JsonrpcAllowMethods: []string{"send"},
				JsonrpcParamFilters: map[string][]policy.FieldRule{
					"send": {{Path: "recipientNumber", DenyPatterns: []string{"+1555*"}}},
				},
				TimeoutSecs: 5,
			},
		},
	}}
	policySvc, err := NewPolicyService(context.Background(), staticStore{p}, nil, discardLogger())
	if err != nil {
		t.Fatalf("NewPolicyService: %v", err)
	}
	store := &recordingAuditStore{}
	auditSvc := newTestAuditService(t, store)
	svc := NewDispatchService(policySvc, policySvc, cli.NewDispatcher(), httpdispatch.NewDispatcher(), auditSvc, discardLogger())

	body, _ := json.Marshal(map[string]interface{}{
		"method": "send",
		"params": map[string]interface{}{"recipientNumber": "+15551234567"},
	})
	req := &wire.HttpRequest{ID: "req-4", Tool: "signal", Method: "POST", Path: "/send", Body: body}
	env := svc.HandleHttp(context.Background(), req, nil)
	if env == nil || env.ErrorMessage == nil || env.ErrorMessage.Kind != wire.ErrParamDenied {
		t.Fatalf("HandleHttp() = %+v, want ErrorMessage{Kind: param_denied}", env)
	}
	if upstreamCalled {
		t.Error("upstream was called despite param_denied; policy must short-circuit before dispatch")
	}
}

func TestDispatchService_HandleHttp_AllowedRequestProxiesAndFilters(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages":[{"subject":"Hi"},{"subject":"Password Reset Request"},{"subject":"Bye"}]}`))
	}))
	defer upstream.Close()

	p := &policy.Policy{Tools: map[string]policy.ToolPolicy{
		"gog": {
			Name: "gog",
			Type: policy.ToolTypeHttp,
			Http: &policy.HttpPolicy{
				Upstream:    upstream.URL,
				TimeoutSecs: 5,
				ResponseFilters: []policy.FilterSpec{{
					Kind: policy.FilterKindContentDeny,
					Fields: []policy.FieldRule{{
						Path:         "messages[*].subject",
						DenyPatterns: []string{"*password reset*"},
						Action:       policy.FilterOmit,
					}},
				}},
			},
		},
	}}
	policySvc, err := NewPolicyService(context.Background(), staticStore{p}, nil, discardLogger())
	if err != nil {
		t.Fatalf("NewPolicyService: %v", err)
	}
	store := &recordingAuditStore{}
	auditSvc := newTestAuditService(t, store)
	svc := NewDispatchService(policySvc, policySvc, cli.NewDispatcher(), httpdispatch.NewDispatcher(), auditSvc, discardLogger())

	req := &wire.HttpRequest{ID: "req-5", Tool: "gog", Method: "GET", Path: "/messages"}
	env := svc.HandleHttp(context.Background(), req, nil)
	if env == nil || env.HttpResponse == nil {
		t.Fatalf("HandleHttp() = %+v, want an HttpResponse envelope", env)
	}
	var got struct {
		Messages []struct {
			Subject string `json:"subject"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(env.HttpResponse.Body, &got); err != nil {
		t.Fatalf("unmarshal filtered body: %v", err)
	}
	if len(got.Messages) != 2 || got.Messages[0].Subject != "Hi" || got.Messages[1].Subject != "Bye" {
		t.Errorf("Messages = %+v, want [Hi Bye] (password-reset element omitted)", got.Messages)
	}
}
