package audit

import (
	"context"
	"errors"
	"time"
)

// ErrDateRangeExceeded is returned when a query's date range exceeds the
// maximum allowed window.
var ErrDateRangeExceeded = errors.New("date range exceeds maximum of 7 days")

// Store persists audit records. Append must be non-blocking from the
// caller's perspective: the priority-queueing sink in front of a concrete
// Store absorbs backpressure and drops low-priority records on overflow
// rather than block the request path.
type Store interface {
	// Append stores audit records.
	Append(ctx context.Context, records ...Record) error

	// Flush forces pending records to storage. Called during shutdown.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Filter specifies query parameters for audit log queries.
type Filter struct {
	// StartTime is the beginning of the time range (required).
	StartTime time.Time
	// EndTime is the end of the time range (required).
	EndTime time.Time
	// Tool filters by tool name (optional).
	Tool string
	// ActionType filters by "cli" or "http" (optional).
	ActionType string
	// PolicyResult filters by "allow" or "deny" (optional).
	PolicyResult string
	// Limit is the maximum number of records to return (default 100, max 1000).
	Limit int
	// Cursor is the pagination cursor for fetching the next page (optional).
	Cursor string
}

// ToolStats contains per-tool audit statistics.
type ToolStats struct {
	Calls   int64
	Allowed int64
	Denied  int64
}

// Stats contains aggregated audit statistics for a time period.
type Stats struct {
	TotalCalls int64
	ByTool     map[string]ToolStats
	ByResult   map[string]int64
}

// QueryStore provides read access to the audit trail for the admin/metrics
// surface. Separate from Store, which handles writes only.
type QueryStore interface {
	// Query retrieves audit records matching the filter, newest first.
	// Returns records, the next page's cursor (empty if no more pages), and
	// an error. Returns ErrDateRangeExceeded if EndTime - StartTime exceeds
	// the store's maximum query window.
	Query(ctx context.Context, filter Filter) ([]Record, string, error)

	// QueryStats returns aggregated statistics for the given time range.
	QueryStats(ctx context.Context, start, end time.Time) (*Stats, error)
}
