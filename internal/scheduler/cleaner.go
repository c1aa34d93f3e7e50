package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// SlackPoster abstracts posting messages to Slack.
type SlackPoster interface {
	PostMessage(channelID string, text string, threadTS string) (string, error)
	PostBlocks(channelID string, threadTS string, fallbackText string, blocks ...slack.Block) (string, error)
	UpdateMessage(channelID string, messageTS string, text string) error
}

// SlackBlockUpdater can update a message with blocks (optional, for richer updates).
type SlackBlockUpdater interface {
	UpdateMessageBlocks(channelID string, messageTS string, blocks []slack.Block) error
}

// SessionDB abstracts access to thread_sessions and session_contexts for cleanup.
type SessionDB interface {
	// GetStaleSessions returns thread sessions with last_message_at older
	// than the cutoff. Only sessions with a non-empty LLM-side session id
	// are eligible — a thread whose first turn never completed must not
	// enter the idle-warn/sleep/delete lifecycle.
	GetStaleSessions(cutoffMs int64) ([]StaleSession, error)
	// DeleteThreadSession removes a thread session.
	DeleteThreadSession(channel, threadTS string) error
	// DeleteSessionContext removes a session context.
	DeleteSessionContext(sessionID string) error
	// TouchThreadSession resets last_message_at to now.
	TouchThreadSession(channel, threadTS string) error
	// TouchSessionContext resets last_used to now.
	TouchSessionContext(sessionID string) error
	// LogAudit writes to audit_log.
	LogAudit(userID, action, resource, result, details string) error
}

// SessionSleeper bridges the Cleaner to the live Session Store (internal/session)
// so it can drive the MAIN <-> SLEEPING transition without this package
// importing internal/session directly — the two layers track the same
// lifecycle from different angles: SessionDB owns the durable rows,
// SessionSleeper owns the in-memory Session.State the rest of the bot reads.
type SessionSleeper interface {
	MarkSleeping(key string) bool
	Wake(key string) bool
	Terminate(key string) bool
}

// Cleaner manages the session cleanup lifecycle:
// idle-warning -> kept (loop back to MAIN) or sleeping (24h) -> closed
// (deleted 7 days into SLEEPING).
type Cleaner struct {
	cfg       SchedulerConfig
	store     *CleanupStore
	sessionDB SessionDB
	sessions  SessionSleeper
	poster    SlackPoster
	logger    zerolog.Logger
}

// NewCleaner creates a new Cleaner.
func NewCleaner(cfg SchedulerConfig, store *CleanupStore, sessionDB SessionDB, sessions SessionSleeper, poster SlackPoster, logger zerolog.Logger) *Cleaner {
	return &Cleaner{
		cfg:       cfg,
		store:     store,
		sessionDB: sessionDB,
		sessions:  sessions,
		poster:    poster,
		logger:    logger.With().Str("component", "scheduler").Logger(),
	}
}

// FindStaleSessions queries for sessions idle for at least IdleWarnAfter,
// excluding those already warned within the current warn/sleep cycle.
func (c *Cleaner) FindStaleSessions() ([]StaleSession, error) {
	cutoff := time.Now().Add(-c.cfg.IdleWarnAfter).UnixMilli()
	sessions, err := c.sessionDB.GetStaleSessions(cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to get stale sessions: %w", err)
	}

	var result []StaleSession
	for _, s := range sessions {
		has, err := c.store.HasRecentWarning(s.SessionKey, c.cfg.SleepAfter)
		if err != nil {
			c.logger.Warn().Err(err).Str("session", s.SessionKey).Msg("failed to check recent warning")
			continue
		}
		if !has {
			result = append(result, s)
		}
	}
	return result, nil
}

// WarnStaleSessions finds newly-idle sessions and posts the idle-warning
// card with Keep/Close buttons.
func (c *Cleaner) WarnStaleSessions(ctx context.Context) error {
	sessions, err := c.FindStaleSessions()
	if err != nil {
		return err
	}

	if len(sessions) == 0 {
		c.logger.Debug().Msg("no idle sessions found")
		return nil
	}

	c.logger.Info().Int("count", len(sessions)).Msg("found idle sessions")

	for _, s := range sessions {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastActivity := time.UnixMilli(s.LastMessageAt)
		hoursIdle := int(time.Since(lastActivity).Hours())
		blocks := WarningBlocks(s.SessionKey, s.ChannelID, s.ThreadTS, lastActivity, hoursIdle)

		msgTS, err := c.poster.PostBlocks(s.ChannelID, s.ThreadTS, "This thread has gone quiet — Keep going / Close now", blocks...)
		if err != nil {
			c.logger.Error().Err(err).Str("session", s.SessionKey).Msg("failed to post idle warning")
			continue
		}

		// expires_at marks the remainder of the SleepAfter window, the point
		// at which ProcessExpiredWarnings escalates to SLEEPING.
		remaining := c.cfg.SleepAfter - c.cfg.IdleWarnAfter
		if remaining < 0 {
			remaining = 0
		}
		if err := c.store.SaveWarning(s.SessionKey, s.ChannelID, s.ThreadTS, msgTS, remaining); err != nil {
			c.logger.Error().Err(err).Str("session", s.SessionKey).Msg("failed to save warning record")
		}

		c.logger.Info().Str("session", s.SessionKey).Str("channel", s.ChannelID).Msg("idle session warned")
	}

	return nil
}

// ProcessExpiredWarnings escalates sessions whose idle-warning went
// unanswered through the full SleepAfter window: MAIN -> SLEEPING. This does
// not delete any data — a reply to the thread wakes the session back up.
func (c *Cleaner) ProcessExpiredWarnings(ctx context.Context) error {
	expired, err := c.store.GetExpiredWarnings()
	if err != nil {
		return err
	}

	if len(expired) == 0 {
		return nil
	}

	c.logger.Info().Int("count", len(expired)).Msg("processing expired idle warnings")

	for _, rec := range expired {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		c.sessions.MarkSleeping(rec.SessionKey)

		if err := c.store.MarkSleeping(rec.SessionKey); err != nil {
			c.logger.Error().Err(err).Str("session", rec.SessionKey).Msg("failed to mark sleeping")
		}

		if rec.MessageTS != "" {
			if updater, ok := c.poster.(SlackBlockUpdater); ok {
				_ = updater.UpdateMessageBlocks(rec.ChannelID, rec.MessageTS, ExpiredBlocks())
			} else {
				_ = c.poster.UpdateMessage(rec.ChannelID, rec.MessageTS, "No response — this session is now sleeping.")
			}
		}

		_ = c.sessionDB.LogAudit("system", "session_sleep", rec.SessionKey, "sleeping", fmt.Sprintf("channel=%s thread=%s", rec.ChannelID, rec.ThreadTS))

		c.logger.Info().Str("session", rec.SessionKey).Msg("session transitioned to sleeping")
	}

	return nil
}

// ProcessExpiredSleep deletes the context of sessions that have been
// SLEEPING for at least DeleteAfterSleep (the final stage).
func (c *Cleaner) ProcessExpiredSleep(ctx context.Context) error {
	cutoff := time.Now().Add(-c.cfg.DeleteAfterSleep).UnixMilli()
	expired, err := c.store.GetExpiredSleeping(cutoff)
	if err != nil {
		return fmt.Errorf("failed to get expired sleeping sessions: %w", err)
	}

	if len(expired) == 0 {
		return nil
	}

	c.logger.Info().Int("count", len(expired)).Msg("deleting sessions asleep past the retention window")

	for _, rec := range expired {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.closeSessionInternal(rec.SessionKey, rec.ChannelID, rec.ThreadTS); err != nil {
			c.logger.Error().Err(err).Str("session", rec.SessionKey).Msg("failed to delete sleeping session")
			continue
		}

		if err := c.store.MarkClosed(rec.SessionKey); err != nil {
			c.logger.Error().Err(err).Str("session", rec.SessionKey).Msg("failed to mark closed")
		}

		if rec.MessageTS != "" {
			if updater, ok := c.poster.(SlackBlockUpdater); ok {
				_ = updater.UpdateMessageBlocks(rec.ChannelID, rec.MessageTS, DeletedBlocks())
			} else {
				_ = c.poster.UpdateMessage(rec.ChannelID, rec.MessageTS, "This session has been asleep for a week and its context has now been deleted.")
			}
		}

		c.logger.Info().Str("session", rec.SessionKey).Msg("sleeping session deleted")
	}

	return nil
}

// KeepSession handles the "Keep going" button: resets the idle clock and, if
// the session had already gone to sleep, wakes it back up.
func (c *Cleaner) KeepSession(sessionKey string) error {
	rec, err := c.store.GetWarningBySession(sessionKey)
	if err != nil {
		return fmt.Errorf("failed to get warning: %w", err)
	}
	if rec == nil {
		return fmt.Errorf("no active warning for session: %s", sessionKey)
	}

	if err := c.store.MarkKept(sessionKey); err != nil {
		return err
	}

	c.sessions.Wake(sessionKey)
	_ = c.sessionDB.TouchThreadSession(rec.ChannelID, rec.ThreadTS)
	_ = c.sessionDB.TouchSessionContext(sessionKey)

	if rec.MessageTS != "" {
		if updater, ok := c.poster.(SlackBlockUpdater); ok {
			_ = updater.UpdateMessageBlocks(rec.ChannelID, rec.MessageTS, KeptBlocks())
		} else {
			_ = c.poster.UpdateMessage(rec.ChannelID, rec.MessageTS, "Session kept alive.")
		}
	}

	c.logger.Info().Str("session", sessionKey).Msg("session kept, idle clock reset")
	return nil
}

// CloseSession handles the "Close now" button: deletes the session's data
// immediately, without waiting for the SLEEPING phase.
func (c *Cleaner) CloseSession(sessionKey string) error {
	rec, err := c.store.GetWarningBySession(sessionKey)
	if err != nil {
		return fmt.Errorf("failed to get warning: %w", err)
	}
	if rec == nil {
		return fmt.Errorf("no active warning for session: %s", sessionKey)
	}

	if err := c.store.MarkClosed(sessionKey); err != nil {
		return err
	}

	if err := c.closeSessionInternal(sessionKey, rec.ChannelID, rec.ThreadTS); err != nil {
		return err
	}

	if rec.MessageTS != "" {
		if updater, ok := c.poster.(SlackBlockUpdater); ok {
			_ = updater.UpdateMessageBlocks(rec.ChannelID, rec.MessageTS, ClosedBlocks())
		} else {
			_ = c.poster.UpdateMessage(rec.ChannelID, rec.MessageTS, "Session closed.")
		}
	}

	c.logger.Info().Str("session", sessionKey).Msg("session closed by user")
	return nil
}

func (c *Cleaner) closeSessionInternal(sessionKey, channelID, threadTS string) error {
	if err := c.sessionDB.DeleteThreadSession(channelID, threadTS); err != nil {
		c.logger.Warn().Err(err).Msg("failed to delete thread session")
	}

	if err := c.sessionDB.DeleteSessionContext(sessionKey); err != nil {
		c.logger.Warn().Err(err).Msg("failed to delete session context")
	}

	c.sessions.Terminate(sessionKey)

	_ = c.sessionDB.LogAudit("system", "session_cleanup", sessionKey, "closed", fmt.Sprintf("channel=%s thread=%s", channelID, threadTS))

	return nil
}

// BroadcastShutdown best-effort notifies every active thread that the
// process is restarting. Bounded by ctx's deadline (the 5s cap):
// a slow or unreachable channel does not block the rest.
func (c *Cleaner) BroadcastShutdown(ctx context.Context, threads []ThreadRef) {
	for _, t := range threads {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, _ = c.poster.PostMessage(t.Channel, "Restarting for a deploy — this thread will resume once the bot is back up.", t.ThreadTS)
	}
}

// storeSessionDB adapts *sql.DB to SessionDB interface for use with the main Store.
type storeSessionDB struct {
	db *sql.DB
}

// NewStoreSessionDB creates a SessionDB adapter from a *sql.DB.
func NewStoreSessionDB(db *sql.DB) SessionDB {
	return &storeSessionDB{db: db}
}

func (s *storeSessionDB) GetStaleSessions(cutoffMs int64) ([]StaleSession, error) {
	query := `
	SELECT channel, thread_ts, session_key, last_message_at
	FROM thread_sessions
	WHERE last_message_at < ? AND llm_session_id != ''
	`

	rows, err := s.db.Query(query, cutoffMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []StaleSession
	for rows.Next() {
		var ss StaleSession
		if err := rows.Scan(&ss.ChannelID, &ss.ThreadTS, &ss.SessionKey, &ss.LastMessageAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, ss)
	}
	return sessions, rows.Err()
}

func (s *storeSessionDB) DeleteThreadSession(channel, threadTS string) error {
	_, err := s.db.Exec(`DELETE FROM thread_sessions WHERE channel = ? AND thread_ts = ?`, channel, threadTS)
	return err
}

func (s *storeSessionDB) DeleteSessionContext(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM session_contexts WHERE session_id = ?`, sessionID)
	return err
}

func (s *storeSessionDB) TouchThreadSession(channel, threadTS string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.Exec(`UPDATE thread_sessions SET last_message_at = ? WHERE channel = ? AND thread_ts = ?`, now, channel, threadTS)
	return err
}

func (s *storeSessionDB) TouchSessionContext(sessionID string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.Exec(`UPDATE session_contexts SET last_used = ? WHERE session_id = ?`, now, sessionID)
	return err
}

func (s *storeSessionDB) LogAudit(userID, action, resource, result, details string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.Exec(`INSERT INTO audit_log (user_id, action, resource, result, details, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		userID, action, resource, result, details, now)
	return err
}
