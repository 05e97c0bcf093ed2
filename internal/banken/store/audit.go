package store

import (
	"context"
	"fmt"
	"time"
)

// AuditEntry is one row of the container-operation audit log.
type AuditEntry struct {
	ID        int64
	Timestamp time.Time
	TraceID   string
	Kind      string
	AgentID   string
	Detail    string
}

// AppendAudit records a lifecycle event.
func (s *Store) AppendAudit(ctx context.Context, traceID, kind, agentID, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (ts, trace_id, kind, agent_id, detail)
		VALUES (?, ?, ?, ?, ?)
	`, time.Now().UTC(), traceID, kind, agentID, detail)
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// RecentAudit returns the newest audit entries, most recent first.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, trace_id, kind, agent_id, detail
		FROM audit_log
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.TraceID, &e.Kind, &e.AgentID, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log: %w", err)
	}
	return entries, nil
}
