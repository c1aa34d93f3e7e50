package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// mockPoster implements SlackPoster for testing.
type mockPoster struct {
	posted  []postCall
	updated []updateCall
}

type postCall struct {
	channelID, text, threadTS string
}

type updateCall struct {
	channelID, messageTS, text string
}

func (m *mockPoster) PostMessage(channelID, text, threadTS string) (string, error) {
	m.posted = append(m.posted, postCall{channelID, text, threadTS})
	return "msg-ts-1", nil
}

func (m *mockPoster) PostBlocks(channelID, threadTS, fallbackText string, blocks ...slack.Block) (string, error) {
	m.posted = append(m.posted, postCall{channelID, fallbackText, threadTS})
	return "msg-ts-1", nil
}

func (m *mockPoster) UpdateMessage(channelID, messageTS, text string) error {
	m.updated = append(m.updated, updateCall{channelID, messageTS, text})
	return nil
}

// mockSessionDB implements SessionDB for testing.
type mockSessionDB struct {
	staleSessions   []StaleSession
	deletedThreads  []string
	deletedContexts []string
	touchedThreads  []string
	touchedContexts []string
}

func (m *mockSessionDB) GetStaleSessions(cutoffMs int64) ([]StaleSession, error) {
	return m.staleSessions, nil
}

func (m *mockSessionDB) DeleteThreadSession(channel, threadTS string) error {
	m.deletedThreads = append(m.deletedThreads, channel+":"+threadTS)
	return nil
}

func (m *mockSessionDB) DeleteSessionContext(sessionID string) error {
	m.deletedContexts = append(m.deletedContexts, sessionID)
	return nil
}

func (m *mockSessionDB) TouchThreadSession(channel, threadTS string) error {
	m.touchedThreads = append(m.touchedThreads, channel+":"+threadTS)
	return nil
}

func (m *mockSessionDB) TouchSessionContext(sessionID string) error {
	m.touchedContexts = append(m.touchedContexts, sessionID)
	return nil
}

func (m *mockSessionDB) LogAudit(userID, action, resource, result, details string) error {
	return nil
}

// mockSleeper implements SessionSleeper for testing.
type mockSleeper struct {
	slept      []string
	woken      []string
	terminated []string
}

func (m *mockSleeper) MarkSleeping(key string) bool {
	m.slept = append(m.slept, key)
	return true
}

func (m *mockSleeper) Wake(key string) bool {
	m.woken = append(m.woken, key)
	return true
}

func (m *mockSleeper) Terminate(key string) bool {
	m.terminated = append(m.terminated, key)
	return true
}

func TestWarnStaleSessions(t *testing.T) {
	db := setupTestDB(t)
	store := NewCleanupStore(db)
	poster := &mockPoster{}
	sessionDB := &mockSessionDB{
		staleSessions: []StaleSession{
			{SessionKey: "s1", ChannelID: "C1", ThreadTS: "T1", LastMessageAt: time.Now().Add(-13 * time.Hour).UnixMilli()},
		},
	}

	cleaner := NewCleaner(DefaultConfig(), store, sessionDB, &mockSleeper{}, poster, zerolog.Nop())

	err := cleaner.WarnStaleSessions(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if len(poster.posted) != 1 {
		t.Fatalf("expected 1 post, got %d", len(poster.posted))
	}

	rec, _ := store.GetWarningBySession("s1")
	if rec == nil {
		t.Error("expected warning record to be saved")
	}
}

func TestWarnSkipsAlreadyWarned(t *testing.T) {
	db := setupTestDB(t)
	store := NewCleanupStore(db)
	poster := &mockPoster{}
	sessionDB := &mockSessionDB{
		staleSessions: []StaleSession{
			{SessionKey: "s1", ChannelID: "C1", ThreadTS: "T1", LastMessageAt: time.Now().Add(-13 * time.Hour).UnixMilli()},
		},
	}

	_ = store.SaveWarning("s1", "C1", "T1", "", 12*time.Hour)

	cleaner := NewCleaner(DefaultConfig(), store, sessionDB, &mockSleeper{}, poster, zerolog.Nop())
	_ = cleaner.WarnStaleSessions(context.Background())

	if len(poster.posted) != 0 {
		t.Errorf("expected 0 posts (already warned), got %d", len(poster.posted))
	}
}

func TestProcessExpiredWarnings(t *testing.T) {
	db := setupTestDB(t)
	store := NewCleanupStore(db)
	poster := &mockPoster{}
	sessionDB := &mockSessionDB{}
	sleeper := &mockSleeper{}

	// Save a warning whose escalation window has already elapsed.
	_ = store.SaveWarning("s1", "C1", "T1", "msg-ts", 0)

	cleaner := NewCleaner(DefaultConfig(), store, sessionDB, sleeper, poster, zerolog.Nop())
	err := cleaner.ProcessExpiredWarnings(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if len(sleeper.slept) != 1 {
		t.Errorf("expected 1 session marked sleeping, got %d", len(sleeper.slept))
	}
	if len(sessionDB.deletedThreads) != 0 {
		t.Errorf("expected no deletions at the sleep transition, got %d", len(sessionDB.deletedThreads))
	}
	if len(poster.updated) != 1 {
		t.Errorf("expected 1 update, got %d", len(poster.updated))
	}

	rec, _ := store.GetWarningBySession("s1")
	if rec != nil {
		t.Error("expected the warning record to no longer read back as an active 'warned' entry")
	}
}

func TestProcessExpiredSleep(t *testing.T) {
	db := setupTestDB(t)
	store := NewCleanupStore(db)
	poster := &mockPoster{}
	sessionDB := &mockSessionDB{}
	sleeper := &mockSleeper{}

	cleaner := NewCleaner(DefaultConfig(), store, sessionDB, sleeper, poster, zerolog.Nop())

	_ = store.SaveWarning("s1", "C1", "T1", "msg-ts", 0)
	_ = cleaner.ProcessExpiredWarnings(context.Background())

	// Backdate the sleeping record past DeleteAfterSleep.
	_, err := db.Exec(`UPDATE session_cleanup SET responded_at = ? WHERE session_key = ?`,
		time.Now().Add(-8*24*time.Hour).UnixMilli(), "s1")
	if err != nil {
		t.Fatal(err)
	}

	if err := cleaner.ProcessExpiredSleep(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(sessionDB.deletedThreads) != 1 {
		t.Errorf("expected 1 deleted thread, got %d", len(sessionDB.deletedThreads))
	}
	if len(sessionDB.deletedContexts) != 1 {
		t.Errorf("expected 1 deleted context, got %d", len(sessionDB.deletedContexts))
	}
	if len(sleeper.terminated) != 1 {
		t.Errorf("expected 1 terminated in-memory session, got %d", len(sleeper.terminated))
	}
}

func TestKeepSession(t *testing.T) {
	db := setupTestDB(t)
	store := NewCleanupStore(db)
	poster := &mockPoster{}
	sessionDB := &mockSessionDB{}
	sleeper := &mockSleeper{}

	_ = store.SaveWarning("s1", "C1", "T1", "msg-ts", 12*time.Hour)

	cleaner := NewCleaner(DefaultConfig(), store, sessionDB, sleeper, poster, zerolog.Nop())
	err := cleaner.KeepSession("s1")
	if err != nil {
		t.Fatal(err)
	}

	if len(sessionDB.touchedThreads) != 1 {
		t.Errorf("expected 1 touched thread, got %d", len(sessionDB.touchedThreads))
	}
	if len(sleeper.woken) != 1 {
		t.Errorf("expected 1 wake call, got %d", len(sleeper.woken))
	}
	if len(poster.updated) != 1 {
		t.Errorf("expected 1 message update, got %d", len(poster.updated))
	}
}

func TestCloseSession(t *testing.T) {
	db := setupTestDB(t)
	store := NewCleanupStore(db)
	poster := &mockPoster{}
	sessionDB := &mockSessionDB{}
	sleeper := &mockSleeper{}

	_ = store.SaveWarning("s1", "C1", "T1", "msg-ts", 12*time.Hour)

	cleaner := NewCleaner(DefaultConfig(), store, sessionDB, sleeper, poster, zerolog.Nop())
	err := cleaner.CloseSession("s1")
	if err != nil {
		t.Fatal(err)
	}

	if len(sessionDB.deletedThreads) != 1 {
		t.Errorf("expected 1 deleted thread, got %d", len(sessionDB.deletedThreads))
	}
	if len(sessionDB.deletedContexts) != 1 {
		t.Errorf("expected 1 deleted context, got %d", len(sessionDB.deletedContexts))
	}
	if len(sleeper.terminated) != 1 {
		t.Errorf("expected 1 terminated in-memory session, got %d", len(sleeper.terminated))
	}
}
