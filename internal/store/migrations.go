package store

import (
	"fmt"
)

func (s *Store) migrate() error {
	if err := s.migrateV1(); err != nil {
		return err
	}
	if err := s.migrateV2(); err != nil {
		return err
	}
	if err := s.migrateV3(); err != nil {
		return err
	}
	return s.migrateV4()
}

// migrateV1 lays down the restart-recovery index: which threads are bound to
// which session keys, and the session-context rows that back GET_SESSION/
// UPDATE_SESSION lookups by session id rather than by thread.
func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_contexts (
		session_id TEXT PRIMARY KEY,
		channel TEXT NOT NULL,
		thread_ts TEXT NOT NULL,
		user_id TEXT,
		created_at INTEGER NOT NULL,
		last_used INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_session_ctx_channel ON session_contexts(channel, thread_ts);

	CREATE TABLE IF NOT EXISTS thread_sessions (
		channel TEXT NOT NULL,
		thread_ts TEXT NOT NULL,
		session_key TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_message_at INTEGER NOT NULL,
		PRIMARY KEY (channel, thread_ts)
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		action TEXT NOT NULL,
		resource TEXT,
		result TEXT NOT NULL,
		details TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}

	return nil
}

// migrateV2 adds the link-status cache backing the GitHub/Jira refreshers.
func (s *Store) migrateV2() error {
	var version string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil || version >= "2" {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS link_status_cache (
		session_key  TEXT NOT NULL,
		link_index   INTEGER NOT NULL,
		provider     TEXT NOT NULL,
		ref          TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'unknown',
		checked_at   INTEGER NOT NULL,
		PRIMARY KEY (session_key, link_index)
	);

	CREATE INDEX IF NOT EXISTS idx_link_status_checked ON link_status_cache(checked_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v2: %w", err)
	}

	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '2')`); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}

	return nil
}

// migrateV3 adds the scheduler's idle-warning ledger (12h "still working?"
// card through the 7-day sleep-to-delete transition).
func (s *Store) migrateV3() error {
	var version string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil || version >= "3" {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS session_cleanup (
		id              TEXT PRIMARY KEY,
		session_key     TEXT NOT NULL,
		channel_id      TEXT NOT NULL,
		thread_ts       TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'warned',
		warned_at       INTEGER NOT NULL,
		responded_at    INTEGER,
		expires_at      INTEGER NOT NULL,
		message_ts      TEXT,
		created_at      INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cleanup_status ON session_cleanup(status);
	CREATE INDEX IF NOT EXISTS idx_cleanup_expires ON session_cleanup(expires_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v3: %w", err)
	}

	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '3')`); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}

	return nil
}

// migrateV4 adds the LLM-side session id to the thread index. The scheduler
// sweep only considers threads whose session has completed at least one turn
// (non-empty llm_session_id); a thread whose very first turn never finished
// must not progress through the idle-warn/sleep/delete lifecycle.
func (s *Store) migrateV4() error {
	var version string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil || version >= "4" {
		return nil
	}

	if _, err := s.db.Exec(`ALTER TABLE thread_sessions ADD COLUMN llm_session_id TEXT NOT NULL DEFAULT ''`); err != nil {
		return fmt.Errorf("failed to execute migration v4: %w", err)
	}

	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '4')`); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}

	return nil
}
