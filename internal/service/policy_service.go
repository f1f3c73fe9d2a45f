// Package service contains application services: the policy decision
// engine that sits between ingress and the dispatchers.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/carapace-gateway/carapace/internal/domain/policy"
	"github.com/carapace-gateway/carapace/internal/domain/ratelimit"
	"github.com/carapace-gateway/carapace/internal/domain/wire"
	"github.com/carapace-gateway/carapace/internal/jsonpath"
)

// lruEntry is a doubly-linked list node for the decision cache.
type lruEntry struct {
	key      uint64
	decision policy.Decision
	prev     *lruEntry
	next     *lruEntry
}

// ResultCache is a bounded LRU cache of policy decisions keyed by a hash of
// the evaluation context. Thread-safe with a mutex since both Get and Put
// mutate LRU order.
type ResultCache struct {
	mu      sync.Mutex
	entries map[uint64]*lruEntry
	head    *lruEntry
	tail    *lruEntry
	maxSize int
}

// NewResultCache creates an LRU cache holding at most maxSize decisions.
func NewResultCache(maxSize int) *ResultCache {
	return &ResultCache{
		entries: make(map[uint64]*lruEntry, maxSize),
		maxSize: maxSize,
	}
}

// Get retrieves a cached decision, promoting it to most-recently-used.
func (c *ResultCache) Get(key uint64) (policy.Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.moveToHeadLocked(e)
		return e.decision, true
	}
	return policy.Decision{}, false
}

// Put stores a decision, evicting the least-recently-used entry if at
// capacity.
func (c *ResultCache) Put(key uint64, decision policy.Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.decision = decision
		c.moveToHeadLocked(e)
		return
	}
	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}
	e := &lruEntry{key: key, decision: decision}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

// Size returns the current number of cached entries.
func (c *ResultCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ResultCache) moveToHeadLocked(e *lruEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

func (c *ResultCache) pushHeadLocked(e *lruEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *ResultCache) unlinkLocked(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *ResultCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}

// computeCacheKey hashes everything the decision can depend on: tool name,
// argv or method, and params.
func computeCacheKey(evalCtx policy.EvaluationContext) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(evalCtx.ToolName)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(strings.Join(evalCtx.Argv, "\x1f"))
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(evalCtx.Method)
	_, _ = h.Write([]byte{0})
	if len(evalCtx.Params) > 0 {
		paramsJSON, _ := json.Marshal(evalCtx.Params)
		_, _ = h.Write(paramsJSON)
	}
	return h.Sum64()
}

// PolicyService implements policy.Engine over a Policy loaded once at
// startup and held as an immutable, atomically-swapped snapshot — there is
// no Reload: Carapace policy has no hot-reload RPC.
type PolicyService struct {
	snapshot atomic.Value // *policy.Policy
	cache    *ResultCache
	limiter  ratelimit.RateLimiter
	logger   *slog.Logger
}

// PolicyServiceOption configures PolicyService.
type PolicyServiceOption func(*PolicyService)

// WithCacheSize overrides the default decision-cache size.
func WithCacheSize(size int) PolicyServiceOption {
	return func(s *PolicyService) { s.cache = NewResultCache(size) }
}

// NewPolicyService loads the policy once from store and returns a service
// ready to evaluate requests. A malformed policy file fails startup.
func NewPolicyService(ctx context.Context, store policy.Store, limiter ratelimit.RateLimiter, logger *slog.Logger, opts ...PolicyServiceOption) (*PolicyService, error) {
	p, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy service: load: %w", err)
	}

	s := &PolicyService{
		cache:   NewResultCache(1000),
		limiter: limiter,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.snapshot.Store(p)

	logger.Info("policy service initialized", "tools", len(p.Tools))
	return s, nil
}

func (s *PolicyService) policy() *policy.Policy {
	return s.snapshot.Load().(*policy.Policy)
}

// ToolPolicy returns the compiled policy entry for name, implementing
// policy.Lookup for the dispatch orchestration service.
func (s *PolicyService) ToolPolicy(name string) (policy.ToolPolicy, bool) {
	tp, ok := s.policy().Tools[name]
	return tp, ok
}

// ToolCount returns the number of tools in the loaded policy, for the admin
// stats surface.
func (s *PolicyService) ToolCount() int {
	return len(s.policy().Tools)
}

// Evaluate decides whether one request is allowed. Unknown tool, argv/method/
// param deny, and rate-limit exhaustion all short-circuit with Allow=false;
// the request cwd is not checked here (the CLI dispatcher checks it at
// spawn). Results are cached by (tool, argv/method, params) — rate-limit
// consumption happens on every allowed call regardless of cache hit, since
// the bucket state is time-dependent and must not be memoized.
func (s *PolicyService) Evaluate(ctx context.Context, evalCtx policy.EvaluationContext) (policy.Decision, error) {
	p := s.policy()
	tp, ok := p.Tools[evalCtx.ToolName]
	if !ok {
		return policy.Decision{Allow: false, Kind: wire.ErrUnknownTool, Reason: fmt.Sprintf("unknown tool %q", evalCtx.ToolName)}, nil
	}

	cacheKey := computeCacheKey(evalCtx)
	if d, ok := s.cache.Get(cacheKey); ok {
		if !d.Allow {
			return d, nil
		}
		if rl, err := s.checkRateLimit(ctx, tp); err != nil {
			return policy.Decision{}, err
		} else if !rl.Allow {
			return rl, nil
		}
		return d, nil
	}

	var d policy.Decision
	switch tp.Type {
	case policy.ToolTypeCli:
		d = evaluateCli(tp.Cli, evalCtx)
	case policy.ToolTypeHttp:
		d = evaluateHttp(tp.Http, evalCtx)
	default:
		d = policy.Decision{Allow: false, Kind: wire.ErrDispatchError, Reason: fmt.Sprintf("tool %q has unknown type %q", evalCtx.ToolName, tp.Type)}
	}
	s.cache.Put(cacheKey, d)

	if !d.Allow {
		return d, nil
	}
	if rl, err := s.checkRateLimit(ctx, tp); err != nil {
		return policy.Decision{}, err
	} else if !rl.Allow {
		return rl, nil
	}
	return d, nil
}

func (s *PolicyService) checkRateLimit(ctx context.Context, tp policy.ToolPolicy) (policy.Decision, error) {
	var rl *policy.RateLimit
	if tp.Cli != nil {
		rl = tp.Cli.RateLimit
	} else if tp.Http != nil {
		rl = tp.Http.RateLimit
	}
	if rl == nil || s.limiter == nil {
		return policy.Decision{Allow: true}, nil
	}
	key := ratelimit.FormatKey(ratelimit.KeyTypeTool, tp.Name)
	cfg := ratelimit.RateLimitConfig{
		Rate:   rl.MaxRequests,
		Burst:  rl.MaxRequests,
		Period: time.Duration(rl.WindowSecs) * time.Second,
	}
	res, err := s.limiter.Allow(ctx, key, cfg)
	if err != nil {
		return policy.Decision{}, fmt.Errorf("policy service: rate limit check for tool %q: %w", tp.Name, err)
	}
	if !res.Allowed {
		return policy.Decision{Allow: false, Kind: wire.ErrRateLimited, Reason: fmt.Sprintf("tool %q rate limit exceeded, retry after %s", tp.Name, res.RetryAfter)}, nil
	}
	return policy.Decision{Allow: true}, nil
}

// evaluateCli matches argv[1:] against argv_deny then argv_allow, deny-first.
// An empty argv_allow means "no allowlist restriction" (anything not denied
// is allowed); a non-empty argv_allow requires at least one match.
func evaluateCli(cp *policy.CliPolicy, evalCtx policy.EvaluationContext) policy.Decision {
	for _, pattern := range cp.ArgvDeny {
		if matchArgv(pattern, evalCtx.Argv) {
			return policy.Decision{Allow: false, Kind: wire.ErrArgvDenied, Reason: "argv matched deny pattern", MatchedRule: pattern}
		}
	}
	if len(cp.ArgvAllow) == 0 {
		return policy.Decision{Allow: true}
	}
	for _, pattern := range cp.ArgvAllow {
		if matchArgv(pattern, evalCtx.Argv) {
			return policy.Decision{Allow: true, MatchedRule: pattern}
		}
	}
	return policy.Decision{Allow: false, Kind: wire.ErrNotInAllowlist, Reason: "argv matched no allow pattern"}
}

// matchArgv splits pattern on spaces and matches each token against the
// corresponding argv token with filepath.Match, token-wise and
// position-wise, following the teacher's glob-matching technique
// (filepath.Match(rule.ToolMatch, name)) generalized from a single
// tool-name string to a token sequence. Token counts must match exactly.
func matchArgv(pattern string, argv []string) bool {
	tokens := strings.Fields(pattern)
	if len(tokens) != len(argv) {
		return false
	}
	for i, tok := range tokens {
		ok, err := filepath.Match(tok, argv[i])
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// evaluateHttp matches the JSON-RPC method against deny then allow lists,
// deny-first, then applies parameter field filters.
func evaluateHttp(hp *policy.HttpPolicy, evalCtx policy.EvaluationContext) policy.Decision {
	for _, pattern := range hp.JsonrpcDenyMethods {
		if ok, _ := filepath.Match(pattern, evalCtx.Method); ok {
			return policy.Decision{Allow: false, Kind: wire.ErrMethodDenied, Reason: "method matched deny pattern", MatchedRule: pattern}
		}
	}
	if len(hp.JsonrpcAllowMethods) > 0 {
		matched := false
		var matchedPattern string
		for _, pattern := range hp.JsonrpcAllowMethods {
			if ok, _ := filepath.Match(pattern, evalCtx.Method); ok {
				matched = true
				matchedPattern = pattern
				break
			}
		}
		if !matched {
			return policy.Decision{Allow: false, Kind: wire.ErrMethodDenied, Reason: "method matched no allow pattern"}
		}
		if d := evaluateParamFilters(hp, evalCtx); !d.Allow {
			return d
		}
		return policy.Decision{Allow: true, MatchedRule: matchedPattern}
	}
	return evaluateParamFilters(hp, evalCtx)
}

// evaluateParamFilters applies jsonrpc_param_filters for the request's
// method. A path naming an absent field is treated as not matched (allow).
func evaluateParamFilters(hp *policy.HttpPolicy, evalCtx policy.EvaluationContext) policy.Decision {
	rules, ok := hp.JsonrpcParamFilters[evalCtx.Method]
	if !ok || len(rules) == 0 {
		return policy.Decision{Allow: true}
	}
	for _, rule := range rules {
		values := jsonpath.Collect(evalCtx.Params, rule.Path)
		for _, v := range values {
			cmp := v
			if !rule.CaseSensitive {
				cmp = strings.ToLower(v)
			}
			for _, pattern := range rule.DenyPatterns {
				pat := pattern
				if !rule.CaseSensitive {
					pat = strings.ToLower(pat)
				}
				if ok, _ := filepath.Match(pat, cmp); ok {
					return policy.Decision{Allow: false, Kind: wire.ErrParamDenied, Reason: fmt.Sprintf("param %q matched deny pattern", rule.Path), MatchedRule: pattern}
				}
			}
		}
		if len(rule.AllowPatterns) == 0 {
			continue
		}
		for _, v := range values {
			cmp := v
			if !rule.CaseSensitive {
				cmp = strings.ToLower(v)
			}
			matched := false
			for _, pattern := range rule.AllowPatterns {
				pat := pattern
				if !rule.CaseSensitive {
					pat = strings.ToLower(pat)
				}
				if ok, _ := filepath.Match(pat, cmp); ok {
					matched = true
					break
				}
			}
			if !matched {
				return policy.Decision{Allow: false, Kind: wire.ErrParamDenied, Reason: fmt.Sprintf("param %q matched no allow pattern", rule.Path)}
			}
		}
	}
	return policy.Decision{Allow: true}
}
