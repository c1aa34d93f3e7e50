package store

import (
	"database/sql"
	"fmt"
	"time"
)

// LinkStatus is a cached refresh result for one session link, keyed by the
// owning session and a slot index chosen by the caller (internal/links uses
// one fixed index per link type).
type LinkStatus struct {
	SessionKey string
	LinkIndex  int
	Provider   string
	Ref        string
	Status     string
	CheckedAt  int64
}

// SaveLinkStatus upserts the cached status for a session's link.
func (s *Store) SaveLinkStatus(ls *LinkStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ls.CheckedAt == 0 {
		ls.CheckedAt = time.Now().UnixMilli()
	}

	_, err := s.db.Exec(`
	INSERT OR REPLACE INTO link_status_cache (session_key, link_index, provider, ref, status, checked_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`, ls.SessionKey, ls.LinkIndex, ls.Provider, ls.Ref, ls.Status, ls.CheckedAt)
	if err != nil {
		return fmt.Errorf("failed to save link status: %w", err)
	}
	return nil
}

// GetLinkStatus returns the cached status for a session's link, or nil if
// it has never been refreshed.
func (s *Store) GetLinkStatus(sessionKey string, linkIndex int) (*LinkStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ls := &LinkStatus{SessionKey: sessionKey, LinkIndex: linkIndex}
	err := s.db.QueryRow(`
	SELECT provider, ref, status, checked_at FROM link_status_cache
	WHERE session_key = ? AND link_index = ?
	`, sessionKey, linkIndex).Scan(&ls.Provider, &ls.Ref, &ls.Status, &ls.CheckedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get link status: %w", err)
	}
	return ls, nil
}

// DeleteLinkStatusesForSession clears all cached link statuses for a session.
func (s *Store) DeleteLinkStatusesForSession(sessionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM link_status_cache WHERE session_key = ?`, sessionKey)
	if err != nil {
		return fmt.Errorf("failed to delete link statuses: %w", err)
	}
	return nil
}

// StaleLinkStatuses returns up to limit cached link rows last checked before
// cutoffMs, oldest first.
func (s *Store) StaleLinkStatuses(cutoffMs int64, limit int) ([]LinkStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
	SELECT session_key, link_index, provider, ref, status, checked_at
	FROM link_status_cache WHERE checked_at < ? ORDER BY checked_at ASC LIMIT ?
	`, cutoffMs, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale link statuses: %w", err)
	}
	defer rows.Close()

	var out []LinkStatus
	for rows.Next() {
		var ls LinkStatus
		if err := rows.Scan(&ls.SessionKey, &ls.LinkIndex, &ls.Provider, &ls.Ref, &ls.Status, &ls.CheckedAt); err != nil {
			return nil, fmt.Errorf("failed to scan link status: %w", err)
		}
		out = append(out, ls)
	}
	return out, rows.Err()
}
