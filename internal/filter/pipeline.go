// Package filter implements the response-filter pipeline: an ordered list
// of FilterSpec stages (ContentDeny, FieldRedact, MaxOutputSize) applied to
// a dispatched response body before it reaches the client. Every stage may
// only redact, omit, truncate, or block — never add or reveal information.
package filter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/carapace-gateway/carapace/internal/domain/policy"
	"github.com/carapace-gateway/carapace/internal/jsonpath"
)

// Result is the outcome of running a body through the pipeline.
type Result struct {
	// Body is the (possibly transformed) body to forward, or the empty
	// body when Blocked is true.
	Body []byte
	// Truncated is set when MaxOutputSize cut the body short.
	Truncated bool
	// Blocked is set when a ContentDeny stage with action=block matched;
	// callers replace the response with a content_denied error.
	Blocked bool
	// Actions names each stage that took effect, in pipeline order, for
	// the audit record's filter_actions field.
	Actions []string
}

// Apply runs body through specs in order.
func Apply(body []byte, specs []policy.FilterSpec) (Result, error) {
	res := Result{Body: body}

	var doc interface{}
	parsed := false
	parseable := true

	for _, spec := range specs {
		switch spec.Kind {
		case policy.FilterKindContentDeny, policy.FilterKindFieldRedact:
			if !parsed {
				if err := json.Unmarshal(res.Body, &doc); err != nil {
					parseable = false
				}
				parsed = true
			}
			if !parseable {
				res.Actions = append(res.Actions, spec.Kind+":skip_non_json")
				continue
			}

			switch spec.Kind {
			case policy.FilterKindContentDeny:
				blocked, action := applyContentDeny(doc, spec.Fields)
				if action != "" {
					res.Actions = append(res.Actions, action)
				}
				if blocked {
					res.Blocked = true
					res.Body = nil
					return res, nil
				}
			case policy.FilterKindFieldRedact:
				if applyFieldRedact(doc, spec.RedactPaths, spec.Replacement) {
					res.Actions = append(res.Actions, "field_redact")
				}
			}

			out, err := json.Marshal(doc)
			if err != nil {
				return Result{}, fmt.Errorf("filter: re-marshal: %w", err)
			}
			res.Body = out

		case policy.FilterKindMaxOutputSize:
			if spec.MaxBytes > 0 && len(res.Body) > spec.MaxBytes {
				res.Body = truncateUTF8Safe(res.Body, spec.MaxBytes)
				res.Truncated = true
				res.Actions = append(res.Actions, "max_output_size:truncated")
			}

		default:
			return Result{}, fmt.Errorf("filter: unknown stage kind %q", spec.Kind)
		}
	}

	return res, nil
}

// applyContentDeny walks each field rule's path, glob-matching every
// addressed scalar against deny_patterns (deny-first; an allow_patterns
// list, if present, must also match for the value to survive). A match's
// action governs the outcome: block short-circuits the whole response,
// redact replaces the scalar in place, omit drops the enclosing array
// element when the rule's path contains a [*] wildcard segment and otherwise
// falls back to redact, per the resolved non-array-omit semantics.
func applyContentDeny(doc interface{}, fields []policy.FieldRule) (blocked bool, action string) {
	for _, rule := range fields {
		// A path is an "array path" if any segment is a [*] wildcard,
		// not only the final one: "messages[*].subject" addresses a
		// scalar nested beneath a wildcard array element, and omit on
		// that match must drop the enclosing message, not just redact
		// its subject field in place.
		isArrayPath := strings.Contains(rule.Path, "[*]")
		matchedAny := false

		jsonpath.Transform(doc, rule.Path, func(value string) (string, bool) {
			if !fieldMatches(value, rule) {
				return value, false
			}
			matchedAny = true
			switch rule.Action {
			case policy.FilterOmit:
				if isArrayPath {
					return value, true
				}
				return "[redacted]", false
			case policy.FilterBlock:
				return value, false
			default: // redact, or empty Action defaults to redact
				return "[redacted]", false
			}
		})

		if !matchedAny {
			continue
		}
		if rule.Action == policy.FilterBlock {
			return true, "content_deny:block"
		}
		if rule.Action == policy.FilterOmit && isArrayPath {
			action = "content_deny:omit"
		} else {
			action = "content_deny:redact"
		}
	}
	return false, action
}

// fieldMatches reports whether value should be denied by rule: it matches
// deny_patterns (case-insensitive by default, per spec) and, if
// allow_patterns is non-empty, fails to match any of them.
func fieldMatches(value string, rule policy.FieldRule) bool {
	denied := false
	for _, pat := range rule.DenyPatterns {
		if globMatch(pat, value, rule.CaseSensitive) {
			denied = true
			break
		}
	}
	if !denied {
		return false
	}
	if len(rule.AllowPatterns) == 0 {
		return true
	}
	for _, pat := range rule.AllowPatterns {
		if globMatch(pat, value, rule.CaseSensitive) {
			return false
		}
	}
	return true
}

// globMatch glob-matches value against pattern, folding case unless the
// rule opted into case_sensitive matching.
func globMatch(pattern, value string, caseSensitive bool) bool {
	if !caseSensitive {
		pattern, value = strings.ToLower(pattern), strings.ToLower(value)
	}
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

// applyFieldRedact unconditionally replaces every scalar addressed by each
// path with replacement.
func applyFieldRedact(doc interface{}, paths []string, replacement string) bool {
	any := false
	for _, p := range paths {
		jsonpath.Transform(doc, p, func(string) (string, bool) {
			any = true
			return replacement, false
		})
	}
	return any
}

// truncateUTF8Safe cuts b to at most limit bytes without splitting a UTF-8
// code point.
func truncateUTF8Safe(b []byte, limit int) []byte {
	if limit >= len(b) {
		return b
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(b[cut]) {
		cut--
	}
	return bytes.Clone(b[:cut])
}
