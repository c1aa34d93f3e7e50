package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	dbPath := "/tmp/test-" + time.Now().Format("20060102150405.000000") + ".db"
	logger := zerolog.New(os.Stderr)
	store, err := New(dbPath, logger)
	require.NoError(t, err)
	return store, dbPath
}

func cleanupStore(t *testing.T, store *Store, dbPath string) {
	if store != nil {
		store.Close()
	}
	os.Remove(dbPath)
}

func TestNew_CreatesDB(t *testing.T) {
	store, dbPath := newTestStore(t)
	defer cleanupStore(t, store, dbPath)

	tables := []string{
		"session_contexts", "thread_sessions", "audit_log", "meta",
		"link_status_cache", "session_cleanup",
	}

	for _, table := range tables {
		var count int
		err := store.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s should exist", table)
	}

	var version string
	err := store.db.QueryRow("SELECT value FROM meta WHERE key = 'schema_version'").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, "4", version)
}

func TestThreadSession_CRUD(t *testing.T) {
	store, dbPath := newTestStore(t)
	defer cleanupStore(t, store, dbPath)

	ts := &ThreadSession{
		Channel:    "C123",
		ThreadTS:   "1700000000.000100",
		SessionKey: "C123:1700000000.000100",
	}
	require.NoError(t, store.SaveThreadSession(ts))

	got, err := store.GetThreadSession("C123", "1700000000.000100")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ts.SessionKey, got.SessionKey)

	require.NoError(t, store.TouchThreadSession("C123", "1700000000.000100"))

	all, err := store.ListActiveThreadSessions()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.DeleteThreadSession("C123", "1700000000.000100"))
	got, err = store.GetThreadSession("C123", "1700000000.000100")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestThreadSession_LLMSessionIDSurvivesResave(t *testing.T) {
	store, dbPath := newTestStore(t)
	defer cleanupStore(t, store, dbPath)

	ts := &ThreadSession{
		Channel:    "C123",
		ThreadTS:   "1700000000.000100",
		SessionKey: "C123:1700000000.000100",
	}
	require.NoError(t, store.SaveThreadSession(ts))

	require.NoError(t, store.SetThreadLLMSession("C123", "1700000000.000100", "llm-abc"))

	// A later inbound message re-saves the row with an empty id; the
	// recorded id must survive the upsert.
	require.NoError(t, store.SaveThreadSession(&ThreadSession{
		Channel:    "C123",
		ThreadTS:   "1700000000.000100",
		SessionKey: "C123:1700000000.000100",
	}))

	got, err := store.GetThreadSession("C123", "1700000000.000100")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "llm-abc", got.LLMSessionID)
}

func TestSessionContext_CRUD(t *testing.T) {
	store, dbPath := newTestStore(t)
	defer cleanupStore(t, store, dbPath)

	sc := &SessionContext{
		SessionID: "sess-1",
		Channel:   "C123",
		ThreadTS:  "1700000000.000100",
		UserID:    "U1",
	}
	require.NoError(t, store.SaveSessionContext(sc))

	got, err := store.GetSessionContextByThread("C123", "1700000000.000100")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "sess-1", got.SessionID)

	require.NoError(t, store.TouchSessionContext("sess-1"))
	require.NoError(t, store.DeleteSessionContext("sess-1"))

	got, err = store.GetSessionContext("sess-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAuditLog(t *testing.T) {
	store, dbPath := newTestStore(t)
	defer cleanupStore(t, store, dbPath)

	require.NoError(t, store.LogAudit("system", "renew", "C123:ts", "ok", "reloaded"))
	require.NoError(t, store.LogAudit("system", "renew", "C123:ts", "failed", "timeout"))

	entries, err := store.ListAuditForResource("C123:ts", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "failed", entries[0].Result, "newest first")
}

func TestLinkStatusCache(t *testing.T) {
	store, dbPath := newTestStore(t)
	defer cleanupStore(t, store, dbPath)

	ls := &LinkStatus{
		SessionKey: "C123:ts",
		LinkIndex:  0,
		Provider:   "github",
		Ref:        "org/repo#42",
		Status:     "open",
	}
	require.NoError(t, store.SaveLinkStatus(ls))

	got, err := store.GetLinkStatus("C123:ts", 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "open", got.Status)

	stale, err := store.StaleLinkStatuses(time.Now().Add(time.Hour).UnixMilli(), 10)
	require.NoError(t, err)
	assert.Len(t, stale, 1)

	require.NoError(t, store.DeleteLinkStatusesForSession("C123:ts"))
	got, err = store.GetLinkStatus("C123:ts", 0)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRunRetention(t *testing.T) {
	store, dbPath := newTestStore(t)
	defer cleanupStore(t, store, dbPath)

	require.NoError(t, store.LogAudit("system", "x", "y", "ok", ""))
	require.NoError(t, store.RunRetention(context.Background()))

	var count int
	err := store.db.QueryRow("SELECT COUNT(*) FROM audit_log").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "recent entries survive retention")
}
