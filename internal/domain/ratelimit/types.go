// Package ratelimit provides rate limiting domain types.
package ratelimit

import (
	"fmt"
	"strings"
	"time"
)

// RateLimitConfig defines the rate limiting parameters.
type RateLimitConfig struct {
	// Rate is the number of allowed events in the period.
	Rate int

	// Burst is the maximum number of events that can occur at once.
	// Burst should be >= Rate for meaningful operation.
	Burst int

	// Period is the time window for the rate limit.
	Period time.Duration
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	// Allowed indicates whether the request is allowed.
	Allowed bool

	// Remaining is the number of remaining requests in the current window.
	Remaining int

	// RetryAfter is the duration until the next request will be allowed.
	// Only meaningful when Allowed is false.
	RetryAfter time.Duration

	// ResetAfter is the duration until the rate limit resets.
	ResetAfter time.Duration
}

// KeyType identifies the type of rate limit key. Carapace rate-limits are
// keyed by tool, not by client (spec: "per-tool token-bucket").
type KeyType string

// KeyTypeTool is the only key type Carapace uses: rate limits are per-tool.
const KeyTypeTool KeyType = "tool"

// keyPrefix is the base prefix for all rate limit keys.
const keyPrefix = "ratelimit"

// FormatKey returns a structured rate limit key.
// Format: "ratelimit:{type}:{value}"
// Example: FormatKey(KeyTypeTool, "op") -> "ratelimit:tool:op"
func FormatKey(keyType KeyType, value string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, keyType, value)
}

// ParseToolKey extracts the tool name from a key built by
// FormatKey(KeyTypeTool, tool). It returns ok=false for any key not in that
// shape, which storage backends use to tell Carapace's tool-scoped keys
// apart from keys belonging to other KeyType values they might also hold.
func ParseToolKey(key string) (tool string, ok bool) {
	prefix := keyPrefix + ":" + string(KeyTypeTool) + ":"
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	return key[len(prefix):], true
}
