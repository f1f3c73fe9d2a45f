// Package admin exposes a small read-only JSON status endpoint alongside
// the Prometheus /metrics surface: policy decision counters, audit queue
// depth, and rate-limiter bucket occupancy, for an operator who wants a
// single human-readable snapshot without standing up a scrape pipeline.
// It carries no mutation endpoints — Carapace's policy is immutable after
// load (no hot reload), so there is nothing here to write.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// ToolCounter reports how many tools the loaded policy defines.
type ToolCounter interface {
	ToolCount() int
}

// AuditStats reports the async audit queue's current backpressure state.
type AuditStats interface {
	ChannelDepth() int
	ChannelCapacity() int
	DroppedRecords() int64
}

// RateLimitStats reports the in-memory rate limiter's tracked key count.
type RateLimitStats interface {
	Size() int
}

// Handler serves GET /admin/stats. Every field is optional: a nil
// collaborator leaves its fields of the response at their zero values
// rather than failing the request, since the admin endpoint is diagnostic,
// not load-bearing.
type Handler struct {
	Registry *prometheus.Registry
	Policy   ToolCounter
	Audit    AuditStats
	Limiter  RateLimitStats
}

// NewHandler builds a Handler from the Server's already-wired collaborators.
func NewHandler(reg *prometheus.Registry, policySvc ToolCounter, auditSvc AuditStats, limiter RateLimitStats) *Handler {
	return &Handler{Registry: reg, Policy: policySvc, Audit: auditSvc, Limiter: limiter}
}

// StatsResponse is the JSON body returned by GET /admin/stats.
type StatsResponse struct {
	Tools               int   `json:"tools"`
	PolicyAllowed       int64 `json:"policy_allowed"`
	PolicyDenied        int64 `json:"policy_denied"`
	AuditQueueDepth     int   `json:"audit_queue_depth"`
	AuditQueueCapacity  int   `json:"audit_queue_capacity"`
	AuditRecordsDropped int64 `json:"audit_records_dropped"`
	RateLimitKeys       int   `json:"rate_limit_keys"`
}

// ServeHTTP writes the current StatsResponse as JSON. Only GET is accepted.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := StatsResponse{}

	if h.Policy != nil {
		resp.Tools = h.Policy.ToolCount()
	}
	if h.Audit != nil {
		resp.AuditQueueDepth = h.Audit.ChannelDepth()
		resp.AuditQueueCapacity = h.Audit.ChannelCapacity()
		resp.AuditRecordsDropped = h.Audit.DroppedRecords()
	}
	if h.Limiter != nil {
		resp.RateLimitKeys = h.Limiter.Size()
	}
	if h.Registry != nil {
		resp.PolicyAllowed, resp.PolicyDenied = h.readPolicyCounters()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// readPolicyCounters gathers the carapace_policy_evaluations_total counter
// family from the registry and sums its allow/deny label values, the same
// metric-family walk the Prometheus client's own tests use to read back a
// counter's current value.
func (h *Handler) readPolicyCounters() (allowed, denied int64) {
	families, err := h.Registry.Gather()
	if err != nil {
		return 0, 0
	}
	for _, mf := range families {
		if mf.GetName() != "carapace_policy_evaluations_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			result := labelValue(m, "result")
			switch result {
			case "allow":
				allowed += int64(m.GetCounter().GetValue())
			case "deny":
				denied += int64(m.GetCounter().GetValue())
			}
		}
	}
	return allowed, denied
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
