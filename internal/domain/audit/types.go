// Package audit contains the domain types for the audit trail: one record
// per dispatched request, written regardless of allow/deny outcome.
package audit

import (
	"path"
	"strings"
	"time"

	"github.com/carapace-gateway/carapace/internal/domain/wire"
)

// ActionType distinguishes the two dispatch kinds a record can describe.
type ActionType string

const (
	ActionCli  ActionType = "cli"
	ActionHttp ActionType = "http"
)

// PolicyResult is the outcome of policy evaluation for the request.
type PolicyResult string

const (
	PolicyAllow PolicyResult = "allow"
	PolicyDeny  PolicyResult = "deny"
)

// Record is a single auditable event: the policy decision for a request,
// plus (when allowed and dispatched) the outcome of running it.
// ExitCodeOrStatus holds the exit code (CLI) or the status (HTTP), as
// ActionType selects.
type Record struct {
	// Timestamp is when the request was received.
	Timestamp time.Time `json:"ts"`
	// RequestID correlates this record with the originating CliRequest or
	// HttpRequest.
	RequestID wire.RequestId `json:"request_id"`
	// Tool is the policy entry name the request was evaluated against.
	Tool wire.Tool `json:"tool"`
	// ActionType is "cli" or "http".
	ActionType ActionType `json:"action_type"`
	// ArgvOrMethod is the CLI argv (space-joined) or the JSON-RPC method
	// name, whichever ActionType selects. A CLI argv's argv[0] is always
	// elided, per the CLI dispatcher's own redaction of the policy binary.
	ArgvOrMethod string `json:"argv_or_method"`
	// PolicyResult is "allow" or "deny".
	PolicyResult PolicyResult `json:"policy_result"`
	// Reason explains a deny, or names the matched allow rule; empty is
	// valid for an unconditional allow.
	Reason string `json:"reason,omitempty"`
	// ErrorKind is set when PolicyResult is deny, or when dispatch itself
	// failed after an allow (e.g. timeout, dispatch_error).
	ErrorKind wire.ErrorKind `json:"error_kind,omitempty"`
	// ExitCodeOrStatus is the subprocess exit code (CLI) or the upstream
	// HTTP status code (HTTP). Zero when the request was denied before
	// dispatch.
	ExitCodeOrStatus int `json:"exit_code_or_status,omitempty"`
	// DurationMs is the wall-clock time from receipt to completion.
	DurationMs int64 `json:"duration_ms"`
	// FilterActions names each response-filter stage that took effect
	// (e.g. "content_deny:redact", "max_output_size:truncated"), in
	// pipeline order; empty when no filter matched.
	FilterActions []string `json:"filter_actions,omitempty"`
	// RedactPatterns carries the originating tool's audit.redact_patterns
	// (policy.AuditConfig.RedactPatterns) through to the sink that
	// serializes this record, per spec's "replaced with *** before
	// serialization." Never persisted itself.
	RedactPatterns []string `json:"-"`
}

// ApplyRedactPatterns glob-matches each whitespace-separated token of
// rec.ArgvOrMethod against rec.RedactPatterns (case-insensitive, matching
// the response-filter pipeline's ContentDeny default) and masks matches
// with "***". PolicyResult and every other field are left untouched — the
// data model's "never the policy_result" invariant holds by construction,
// since only ArgvOrMethod is rewritten. Sinks must call this immediately
// before serializing rec; it clears RedactPatterns either way so the
// transient field never itself reaches disk via a future json tag change.
func ApplyRedactPatterns(rec Record) Record {
	patterns := rec.RedactPatterns
	rec.RedactPatterns = nil
	if len(patterns) == 0 || rec.ArgvOrMethod == "" {
		return rec
	}

	tokens := strings.Fields(rec.ArgvOrMethod)
	for i, tok := range tokens {
		lower := strings.ToLower(tok)
		for _, pat := range patterns {
			if ok, err := path.Match(strings.ToLower(pat), lower); err == nil && ok {
				tokens[i] = "***"
				break
			}
		}
	}
	rec.ArgvOrMethod = strings.Join(tokens, " ")
	return rec
}

// sensitiveKeywords lists substrings that indicate a sensitive argv token or
// header/param key. Comparison is case-insensitive.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "auth", "private_key", "privatekey",
}

const redactedPlaceholder = "***REDACTED***"

// RedactSensitiveArgs returns a copy of args with sensitive values masked.
// A key is considered sensitive if it contains any of the sensitiveKeywords
// (case-insensitive).
func RedactSensitiveArgs(args map[string]interface{}) map[string]interface{} {
	if len(args) == 0 {
		return args
	}
	redacted := make(map[string]interface{}, len(args))
	for k, v := range args {
		if isSensitiveKey(k) {
			redacted[k] = redactedPlaceholder
		} else {
			redacted[k] = v
		}
	}
	return redacted
}

// RedactArgv returns a copy of argv with the value of any "--flag=value" or
// "--flag value"-shaped pair masked when the flag name looks sensitive. Plain
// positional tokens are left untouched; there is no structure to key them
// by.
func RedactArgv(argv []string) []string {
	out := make([]string, len(argv))
	copy(out, argv)
	for i, tok := range out {
		name, hasValue := splitFlag(tok)
		if !hasValue {
			if strings.HasPrefix(tok, "-") && isSensitiveKey(tok) && i+1 < len(out) && !strings.HasPrefix(out[i+1], "-") {
				out[i+1] = redactedPlaceholder
			}
			continue
		}
		if !isSensitiveKey(name) {
			continue
		}
		out[i] = name + "=" + redactedPlaceholder
	}
	return out
}

func splitFlag(tok string) (name string, hasValue bool) {
	if !strings.HasPrefix(tok, "-") {
		return "", false
	}
	idx := strings.IndexByte(tok, '=')
	if idx < 0 {
		return "", false
	}
	return tok[:idx], true
}

// isSensitiveKey checks if a key name indicates sensitive data.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
