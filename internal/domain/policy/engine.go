package policy

import "context"

// Engine evaluates requests against the loaded, immutable Policy. Decisions
// are total functions of policy + request (+ wall clock for rate limits).
type Engine interface {
	Evaluate(ctx context.Context, evalCtx EvaluationContext) (Decision, error)
}

// Store loads the policy snapshot the Server runs with. Policy is
// immutable after load (no hot reload, per design note §9): a restart is
// the only way to pick up a changed policy file.
type Store interface {
	Load(ctx context.Context) (*Policy, error)
}

// Lookup resolves a tool's compiled ToolPolicy for dispatch, after Evaluate
// has allowed the request — the dispatcher needs the binary/upstream and
// other dispatch-time fields that a Decision does not carry.
type Lookup interface {
	ToolPolicy(name string) (ToolPolicy, bool)
}
