package policy

import (
	"context"
	"time"
)

// EvaluationContext carries everything the engine needs to decide one
// request. Exactly one of Argv or (Method, Params) is populated, matching
// the request's CLI or HTTP shape.
type EvaluationContext struct {
	ToolName string
	Time     time.Time

	// CLI path: argv[1:], argv[0] elided per the matching contract.
	Argv []string

	// HTTP path.
	Method string
	Params map[string]interface{}
}

// policyDecisionKey is the context key type for policy decisions.
type policyDecisionKey struct{}

// WithDecision stores a policy decision in the context so the audit sink
// can read it after dispatch completes.
func WithDecision(ctx context.Context, d *Decision) context.Context {
	return context.WithValue(ctx, policyDecisionKey{}, d)
}

// DecisionFromContext retrieves a policy decision from the context.
// Returns nil if no decision is stored.
func DecisionFromContext(ctx context.Context) *Decision {
	d, _ := ctx.Value(policyDecisionKey{}).(*Decision)
	return d
}
