package store

import (
	"context"
	"fmt"
	"time"
)

// RunRetention prunes rows that have aged past any reasonable operational
// value: resolved audit entries and stale link-status cache rows. Thread
// sessions and session contexts are never pruned here — the scheduler owns
// their lifecycle (warn → sleep → delete) via session_cleanup.
func (s *Store) RunRetention(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()

	ninetyDaysAgo := now - (90 * 24 * 60 * 60 * 1000)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?`, ninetyDaysAgo); err != nil {
		return fmt.Errorf("failed to prune audit log: %w", err)
	}

	thirtyDaysAgo := now - (30 * 24 * 60 * 60 * 1000)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM link_status_cache WHERE checked_at < ?`, thirtyDaysAgo); err != nil {
		return fmt.Errorf("failed to prune link status cache: %w", err)
	}

	return nil
}
