// Package policy contains the declarative policy model: per-tool CLI and
// HTTP policies, response-filter specs, and the decision type the policy
// engine returns.
package policy

import (
	"time"

	"github.com/carapace-gateway/carapace/internal/domain/wire"
)

// FilterAction names the outcome ContentDeny takes on a match.
type FilterAction string

const (
	FilterBlock  FilterAction = "block"
	FilterRedact FilterAction = "redact"
	FilterOmit   FilterAction = "omit"
)

// FieldRule addresses a scalar field in structured output or request
// parameters by dot path, with [*] iterating arrays, and glob-matches it
// against allow/deny patterns.
// CaseSensitive defaults to false (case-insensitive matching), per
// spec.md's ContentDeny default; set it to require exact-case matches.
type FieldRule struct {
	Path          string       `yaml:"path" json:"path"`
	AllowPatterns []string     `yaml:"allow_patterns,omitempty" json:"allow_patterns,omitempty"`
	DenyPatterns  []string     `yaml:"deny_patterns,omitempty" json:"deny_patterns,omitempty"`
	Action        FilterAction `yaml:"action,omitempty" json:"action,omitempty"`
	CaseSensitive bool         `yaml:"case_sensitive,omitempty" json:"case_sensitive,omitempty"`
}

// FilterSpec is one stage of the response-filter pipeline. Exactly one of
// ContentDeny, FieldRedact, MaxOutputSize is populated, selected by Kind.
type FilterSpec struct {
	Kind string `yaml:"kind" json:"kind"`

	// ContentDeny fields.
	Fields []FieldRule `yaml:"fields,omitempty" json:"fields,omitempty"`

	// FieldRedact fields.
	RedactPaths []string `yaml:"paths,omitempty" json:"paths,omitempty"`
	Replacement string   `yaml:"replacement,omitempty" json:"replacement,omitempty"`

	// MaxOutputSize field.
	MaxBytes int `yaml:"max_bytes,omitempty" json:"max_bytes,omitempty"`
}

const (
	FilterKindContentDeny   = "content_deny"
	FilterKindFieldRedact   = "field_redact"
	FilterKindMaxOutputSize = "max_output_size"
)

// AuditConfig controls per-tool audit redaction.
type AuditConfig struct {
	RedactPatterns []string `yaml:"redact_patterns,omitempty" json:"redact_patterns,omitempty"`
}

// RateLimit is a token-bucket configuration keyed by tool.
type RateLimit struct {
	MaxRequests int `yaml:"max_requests" json:"max_requests"`
	WindowSecs  int `yaml:"window_secs" json:"window_secs"`
}

// CliPolicy authorizes CLI executions for one tool.
type CliPolicy struct {
	Binary          string            `yaml:"binary" json:"binary" validate:"required"`
	ArgvAllow       []string          `yaml:"argv_allow,omitempty" json:"argv_allow,omitempty"`
	ArgvDeny        []string          `yaml:"argv_deny,omitempty" json:"argv_deny,omitempty"`
	EnvInject       map[string]string `yaml:"env_inject,omitempty" json:"env_inject,omitempty"`
	CwdAllow        []string          `yaml:"cwd_allow,omitempty" json:"cwd_allow,omitempty"`
	TimeoutSecs     int               `yaml:"timeout_secs" json:"timeout_secs" validate:"required,gt=0"`
	Audit           AuditConfig       `yaml:"audit,omitempty" json:"audit,omitempty"`
	ResponseFilters []FilterSpec      `yaml:"response_filters,omitempty" json:"response_filters,omitempty"`
	RateLimit       *RateLimit        `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
}

// HttpPolicy authorizes proxied HTTP/JSON-RPC calls for one tool.
type HttpPolicy struct {
	Upstream            string                 `yaml:"upstream" json:"upstream" validate:"required,url"`
	JsonrpcAllowMethods []string               `yaml:"jsonrpc_allow_methods,omitempty" json:"jsonrpc_allow_methods,omitempty"`
	JsonrpcDenyMethods  []string               `yaml:"jsonrpc_deny_methods,omitempty" json:"jsonrpc_deny_methods,omitempty"`
	JsonrpcParamFilters map[string][]FieldRule `yaml:"jsonrpc_param_filters,omitempty" json:"jsonrpc_param_filters,omitempty"`
	RateLimit           *RateLimit             `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	TimeoutSecs         int                    `yaml:"timeout_secs" json:"timeout_secs" validate:"required,gt=0"`
	Audit               AuditConfig            `yaml:"audit,omitempty" json:"audit,omitempty"`
	ResponseFilters     []FilterSpec           `yaml:"response_filters,omitempty" json:"response_filters,omitempty"`
	// SseEventPathSuffix identifies SSE endpoints by path suffix (default "/events").
	SseEventPathSuffix string `yaml:"sse_event_path_suffix,omitempty" json:"sse_event_path_suffix,omitempty"`
}

// ToolPolicy is a CliPolicy or an HttpPolicy, never both.
type ToolPolicy struct {
	Name string      `yaml:"-" json:"name"`
	Type string      `yaml:"type" json:"type"`
	Cli  *CliPolicy  `yaml:"cli,omitempty" json:"cli,omitempty"`
	Http *HttpPolicy `yaml:"http,omitempty" json:"http,omitempty"`
}

const (
	ToolTypeCli  = "cli"
	ToolTypeHttp = "http"
)

// Policy is the full, immutable rule set loaded at Server start: Tool name
// to ToolPolicy.
type Policy struct {
	Tools map[string]ToolPolicy `yaml:"tools" json:"tools"`
	// LoadedAt is when this snapshot was compiled, for audit/debug only.
	LoadedAt time.Time `yaml:"-" json:"-"`
}

// Decision is the total result of evaluating one request against a Policy:
// a function of policy + request (+ wall clock for rate limits), as
// required by the engine contract.
type Decision struct {
	Allow bool
	// Kind is the error kind to report when Allow is false; zero value when
	// Allow is true.
	Kind        wire.ErrorKind
	Reason      string
	MatchedRule string
}
