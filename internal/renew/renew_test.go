package renew

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/sessionagent/internal/session"
	"github.com/p-blackswan/sessionagent/internal/toolmap"
)

type fakeCoord struct{ active bool }

func (f *fakeCoord) IsRequestActive(string) bool { return f.active }

type fakeAudit struct{ entries int }

func (f *fakeAudit) LogAudit(string, string, string, string, string) error {
	f.entries++
	return nil
}

func TestStart_RejectsWhenRequestActive(t *testing.T) {
	store := session.NewStore()
	sess, _ := store.GetOrCreate("C1", "100", "U1")
	coord := &fakeCoord{active: true}
	ctrl := New(store, coord, &fakeAudit{})

	err := ctrl.Start("U1", sess.Key, "continue")
	assert.ErrorIs(t, err, ErrActiveRequest)
	assert.Equal(t, session.RenewNone, sess.RenewState)
}

func TestHappyPath_SaveCaptureLoad(t *testing.T) {
	store := session.NewStore()
	sess, _ := store.GetOrCreate("C1", "100", "U1")
	coord := &fakeCoord{}
	audit := &fakeAudit{}
	ctrl := New(store, coord, audit)

	require.NoError(t, ctrl.Start("U1", sess.Key, "continue PR review"))
	assert.Equal(t, session.RenewPendingSave, sess.RenewState)

	require.NoError(t, ctrl.CaptureFromTool("U1", sess.Key, toolmap.SaveContextResult{ID: "save_42"}))
	assert.Equal(t, session.RenewPendingLoad, sess.RenewState)

	prompt, err := ctrl.ContinuationPrompt(sess.Key)
	require.NoError(t, err)
	assert.Equal(t, "load save_42 then continue PR review", prompt)
	assert.Equal(t, session.RenewNone, sess.RenewState)
	assert.Empty(t, sess.RenewUserMessage)
	assert.Nil(t, sess.RenewSaveResult)
	assert.True(t, audit.entries >= 3)
}

func TestCaptureFromFallback_FindsTrailingSaveResult(t *testing.T) {
	store := session.NewStore()
	sess, _ := store.GetOrCreate("C1", "100", "U1")
	ctrl := New(store, &fakeCoord{}, &fakeAudit{})
	require.NoError(t, ctrl.Start("U1", sess.Key, ""))

	text := `Saved context.
{"save_result": {"success": true, "id": "save_99"}}`
	found, err := ctrl.CaptureFromFallback("U1", sess.Key, text)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, session.RenewPendingLoad, sess.RenewState)
	assert.Equal(t, "save_99", sess.RenewSaveResult.SaveID)
}

func TestCaptureFromFallback_NoneFound(t *testing.T) {
	store := session.NewStore()
	sess, _ := store.GetOrCreate("C1", "100", "U1")
	ctrl := New(store, &fakeCoord{}, &fakeAudit{})
	require.NoError(t, ctrl.Start("U1", sess.Key, ""))

	found, err := ctrl.CaptureFromFallback("U1", sess.Key, "just some plain text")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, session.RenewPendingSave, sess.RenewState)
}

func TestContinuationPrompt_WithoutSaveResultFails(t *testing.T) {
	store := session.NewStore()
	sess, _ := store.GetOrCreate("C1", "100", "U1")
	ctrl := New(store, &fakeCoord{}, &fakeAudit{})
	require.NoError(t, ctrl.Start("U1", sess.Key, ""))

	_, err := ctrl.ContinuationPrompt(sess.Key)
	assert.ErrorIs(t, err, session.ErrRenewWrongPhase)
}

func TestFail_ResetsWithoutTouchingOtherState(t *testing.T) {
	store := session.NewStore()
	sess, _ := store.GetOrCreate("C1", "100", "U1")
	sess.Workflow = "jira-planning"
	ctrl := New(store, &fakeCoord{}, &fakeAudit{})
	require.NoError(t, ctrl.Start("U1", sess.Key, "continue"))

	require.NoError(t, ctrl.Fail("U1", sess.Key, errors.New("no save_result this turn")))
	assert.Equal(t, session.RenewNone, sess.RenewState)
	assert.Empty(t, sess.RenewUserMessage)
	assert.Equal(t, "jira-planning", sess.Workflow, "Fail does not touch unrelated session state")
}
