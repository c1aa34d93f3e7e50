package store

import (
	"fmt"
	"time"
)

// AuditEntry is one row of the append-only audit_log table: who did what to
// which resource, and what the outcome was (renew transitions, scheduler
// closes, command-router actions).
type AuditEntry struct {
	ID        int64
	UserID    string
	Action    string
	Resource  string
	Result    string
	Details   string
	CreatedAt int64
}

// LogAudit appends a row to audit_log.
func (s *Store) LogAudit(userID, action, resource, result, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO audit_log (user_id, action, resource, result, details, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		userID, action, resource, result, details, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// ListAuditForResource returns the most recent audit rows for a resource
// (typically a session key), newest first.
func (s *Store) ListAuditForResource(resource string, limit int) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
	SELECT id, user_id, action, resource, result, details, created_at
	FROM audit_log WHERE resource = ? ORDER BY created_at DESC LIMIT ?
	`, resource, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.Resource, &e.Result, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
