package recorder

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecorder(t *testing.T) (*Recorder, string) {
	dir := "/tmp/test-recorder-" + time.Now().Format("20060102150405.000000")
	logger := zerolog.New(os.Stderr)
	return New(dir, 2, logger), dir
}

func cleanupRecorder(t *testing.T, dir string) {
	os.RemoveAll(dir)
}

func TestCreateConversation_PersistsToDisk(t *testing.T) {
	r, dir := newTestRecorder(t)
	defer cleanupRecorder(t, dir)

	id, err := r.CreateConversation("C1", "100.1", "U1", "kickoff", "jira-planning")
	require.NoError(t, err)

	data, err := os.ReadFile(r.path(id))
	require.NoError(t, err)
	assert.Contains(t, string(data), "jira-planning")
}

func TestRecordTurns_AppendInOrder(t *testing.T) {
	r, dir := newTestRecorder(t)
	defer cleanupRecorder(t, dir)

	id, err := r.CreateConversation("C1", "100.1", "U1", "", "")
	require.NoError(t, err)

	r.RecordUserTurn(id, "U1", "please review PR 42")
	idx := r.RecordAssistantTurn(id, "looking now")

	rec, err := r.Get(id)
	require.NoError(t, err)
	require.Len(t, rec.Turns, 2)
	assert.Equal(t, RoleUser, rec.Turns[0].Role)
	assert.Equal(t, "please review PR 42", rec.Turns[0].Text)
	assert.Equal(t, RoleAssistant, rec.Turns[1].Role)
	assert.Equal(t, 1, idx)
}

func TestUpdateAssistantSummary_FillsTitleAndSummary(t *testing.T) {
	r, dir := newTestRecorder(t)
	defer cleanupRecorder(t, dir)

	id, err := r.CreateConversation("C1", "100.1", "U1", "", "")
	require.NoError(t, err)
	idx := r.RecordAssistantTurn(id, "here is the plan")

	require.NoError(t, r.UpdateAssistantSummary(id, idx, "PR review plan", "Outlined three review steps."))

	rec, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "PR review plan", rec.Title)
	assert.Equal(t, "Outlined three review steps.", rec.Turns[idx].Summary)
}

func TestUpdateAssistantSummary_OutOfRangeFails(t *testing.T) {
	r, dir := newTestRecorder(t)
	defer cleanupRecorder(t, dir)

	id, err := r.CreateConversation("C1", "100.1", "U1", "", "")
	require.NoError(t, err)

	err = r.UpdateAssistantSummary(id, 5, "x", "y")
	assert.Error(t, err)
}

func TestGet_RehydratesAfterEviction(t *testing.T) {
	r, dir := newTestRecorder(t)
	defer cleanupRecorder(t, dir)

	idA, err := r.CreateConversation("C1", "100.1", "U1", "first", "")
	require.NoError(t, err)
	_, err = r.CreateConversation("C1", "100.2", "U1", "second", "")
	require.NoError(t, err)
	_, err = r.CreateConversation("C1", "100.3", "U1", "third", "")
	require.NoError(t, err)

	// cache capacity is 2, so idA should have been evicted by now.
	rec, err := r.Get(idA)
	require.NoError(t, err)
	assert.Equal(t, "first", rec.Title)
}

func TestList_SortsByUpdatedAtDescending(t *testing.T) {
	r, dir := newTestRecorder(t)
	defer cleanupRecorder(t, dir)

	idA, err := r.CreateConversation("C1", "100.1", "U1", "older", "")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	idB, err := r.CreateConversation("C1", "100.2", "U1", "newer", "")
	require.NoError(t, err)

	list, err := r.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, idB, list[0].ID)
	assert.Equal(t, idA, list[1].ID)
}

func TestList_SkipsCorruptRecord(t *testing.T) {
	r, dir := newTestRecorder(t)
	defer cleanupRecorder(t, dir)

	_, err := r.CreateConversation("C1", "100.1", "U1", "good", "")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(dir+"/broken.json", []byte("not json"), 0o644))

	list, err := r.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "good", list[0].Title)
}

func TestList_EmptyDirReturnsNilNoError(t *testing.T) {
	dir := "/tmp/test-recorder-missing-" + time.Now().Format("20060102150405.000000")
	r := New(dir, 2, zerolog.New(os.Stderr))

	list, err := r.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}
