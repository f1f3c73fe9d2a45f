// Package sqliteaudit provides a queryable index alongside the append-only
// JSON-Lines audit store: every record appended here also lands in a
// SQLite table so the admin/metrics surface can run filtered, windowed
// queries without scanning log files. It is never the audit-of-record
// itself — Append failures here must never block the file store's.
package sqliteaudit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/carapace-gateway/carapace/internal/domain/audit"
	"github.com/carapace-gateway/carapace/internal/domain/wire"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	request_id TEXT NOT NULL,
	ts TEXT NOT NULL,
	tool TEXT NOT NULL,
	action_type TEXT NOT NULL,
	argv_or_method TEXT,
	policy_result TEXT NOT NULL,
	reason TEXT,
	error_kind TEXT,
	exit_code_or_status INTEGER,
	duration_ms INTEGER,
	filter_actions TEXT
);

CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts);
CREATE INDEX IF NOT EXISTS idx_audit_tool ON audit_log(tool);
CREATE INDEX IF NOT EXISTS idx_audit_result ON audit_log(policy_result);
`

// maxQueryWindow bounds a single Query call's time range, per
// audit.ErrDateRangeExceeded.
const maxQueryWindow = 7 * 24 * time.Hour

// Store is a SQLite-backed audit.QueryStore that also accepts Append calls,
// so it can run as a secondary sink alongside the file store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore opens (or creates) the SQLite database at path and ensures its
// schema.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("sqliteaudit: create dir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqliteaudit: open %s: %w", path, err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqliteaudit: wal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqliteaudit: busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqliteaudit: schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Append indexes records in one transaction. Any begin, prepare, insert or
// commit error is returned to the caller; Append itself logs nothing.
func (s *Store) Append(ctx context.Context, records ...audit.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqliteaudit: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO audit_log
		(request_id, ts, tool, action_type, argv_or_method, policy_result, reason, error_kind, exit_code_or_status, duration_ms, filter_actions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqliteaudit: prepare: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		rec = audit.ApplyRedactPatterns(rec)
		actions, _ := json.Marshal(rec.FilterActions)
		if _, err := stmt.ExecContext(ctx,
			string(rec.RequestID), rec.Timestamp.UTC().Format(time.RFC3339Nano), string(rec.Tool), string(rec.ActionType),
			rec.ArgvOrMethod, string(rec.PolicyResult), rec.Reason, string(rec.ErrorKind),
			rec.ExitCodeOrStatus, rec.DurationMs, string(actions),
		); err != nil {
			return fmt.Errorf("sqliteaudit: insert: %w", err)
		}
	}

	return tx.Commit()
}

// Flush is a no-op: every Append already commits synchronously.
func (s *Store) Flush(_ context.Context) error { return nil }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Query retrieves audit records matching filter, newest first.
func (s *Store) Query(ctx context.Context, filter audit.Filter) ([]audit.Record, string, error) {
	if filter.EndTime.Sub(filter.StartTime) > maxQueryWindow {
		return nil, "", audit.ErrDateRangeExceeded
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := strings.Builder{}
	query.WriteString(`SELECT request_id, ts, tool, action_type, argv_or_method, policy_result, reason, error_kind, exit_code_or_status, duration_ms, filter_actions FROM audit_log WHERE ts >= ? AND ts <= ?`)
	args := []any{filter.StartTime.UTC().Format(time.RFC3339Nano), filter.EndTime.UTC().Format(time.RFC3339Nano)}

	if filter.Tool != "" {
		query.WriteString(" AND tool = ?")
		args = append(args, filter.Tool)
	}
	if filter.ActionType != "" {
		query.WriteString(" AND action_type = ?")
		args = append(args, filter.ActionType)
	}
	if filter.PolicyResult != "" {
		query.WriteString(" AND policy_result = ?")
		args = append(args, filter.PolicyResult)
	}
	var offset int
	if filter.Cursor != "" {
		if _, err := fmt.Sscanf(filter.Cursor, "%d", &offset); err != nil {
			offset = 0
		}
	}
	query.WriteString(" ORDER BY ts DESC LIMIT ? OFFSET ?")
	args = append(args, limit+1, offset)

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, "", fmt.Errorf("sqliteaudit: query: %w", err)
	}
	defer rows.Close()

	var records []audit.Record
	for rows.Next() {
		var rec audit.Record
		var tsStr, tool, actionType, policyResult, errorKind, actionsJSON string
		if err := rows.Scan(&rec.RequestID, &tsStr, &tool, &actionType, &rec.ArgvOrMethod, &policyResult, &rec.Reason, &errorKind, &rec.ExitCodeOrStatus, &rec.DurationMs, &actionsJSON); err != nil {
			return nil, "", fmt.Errorf("sqliteaudit: scan: %w", err)
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, tsStr)
		rec.Tool = wire.Tool(tool)
		rec.ActionType = audit.ActionType(actionType)
		rec.PolicyResult = audit.PolicyResult(policyResult)
		rec.ErrorKind = wire.ErrorKind(errorKind)
		if actionsJSON != "" {
			_ = json.Unmarshal([]byte(actionsJSON), &rec.FilterActions)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	nextCursor := ""
	if len(records) > limit {
		records = records[:limit]
		nextCursor = fmt.Sprintf("%d", offset+limit)
	}
	return records, nextCursor, nil
}

// QueryStats returns aggregated statistics for [start, end].
func (s *Store) QueryStats(ctx context.Context, start, end time.Time) (*audit.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tool, policy_result, COUNT(*) FROM audit_log WHERE ts >= ? AND ts <= ? GROUP BY tool, policy_result`,
		start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("sqliteaudit: query stats: %w", err)
	}
	defer rows.Close()

	stats := &audit.Stats{ByTool: make(map[string]audit.ToolStats), ByResult: make(map[string]int64)}
	for rows.Next() {
		var tool, result string
		var count int64
		if err := rows.Scan(&tool, &result, &count); err != nil {
			return nil, fmt.Errorf("sqliteaudit: scan stats: %w", err)
		}
		ts := stats.ByTool[tool]
		ts.Calls += count
		if result == string(audit.PolicyAllow) {
			ts.Allowed += count
		} else {
			ts.Denied += count
		}
		stats.ByTool[tool] = ts
		stats.ByResult[result] += count
		stats.TotalCalls += count
	}
	return stats, rows.Err()
}
