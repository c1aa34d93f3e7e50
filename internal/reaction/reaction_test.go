package reaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePoster struct {
	added   []string
	removed []string
	failAdd bool
}

func (f *fakePoster) AddReaction(channel, ts, emoji string) error {
	if f.failAdd {
		return assert.AnError
	}
	f.added = append(f.added, emoji)
	return nil
}

func (f *fakePoster) RemoveReaction(channel, ts, emoji string) error {
	f.removed = append(f.removed, emoji)
	return nil
}

func TestBucketFor(t *testing.T) {
	assert.Equal(t, Bucket80, BucketFor(95))
	assert.Equal(t, Bucket60, BucketFor(70))
	assert.Equal(t, Bucket40, BucketFor(50))
	assert.Equal(t, Bucket20, BucketFor(30))
	assert.Equal(t, Bucket0, BucketFor(10))
	assert.Equal(t, Bucket0, BucketFor(0))
}

func TestSetStatus_FirstSetAddsOnly(t *testing.T) {
	p := &fakePoster{}
	m := New(p)
	require.NoError(t, m.SetStatus("k1", "C1", "100.1", StatusThinking))
	assert.Equal(t, []string{"thinking_face"}, p.added)
	assert.Empty(t, p.removed)
}

func TestSetStatus_TransitionRemovesOldThenAddsNew(t *testing.T) {
	p := &fakePoster{}
	m := New(p)
	require.NoError(t, m.SetStatus("k1", "C1", "100.1", StatusThinking))
	require.NoError(t, m.SetStatus("k1", "C1", "100.1", StatusWorking))

	assert.Equal(t, []string{"thinking_face", "hourglass_flowing_sand"}, p.added)
	assert.Equal(t, []string{"thinking_face"}, p.removed)
}

func TestSetStatus_SameEmojiIsNoOp(t *testing.T) {
	p := &fakePoster{}
	m := New(p)
	require.NoError(t, m.SetStatus("k1", "C1", "100.1", StatusWorking))
	require.NoError(t, m.SetStatus("k1", "C1", "100.1", StatusWorking))

	assert.Len(t, p.added, 1)
	assert.Empty(t, p.removed)
}

func TestSetStatus_AddFailureDoesNotCommit(t *testing.T) {
	p := &fakePoster{}
	m := New(p)
	require.NoError(t, m.SetStatus("k1", "C1", "100.1", StatusThinking))

	p.failAdd = true
	err := m.SetStatus("k1", "C1", "100.1", StatusWorking)
	assert.Error(t, err)

	// state still thinking: setting thinking again should be a no-op, not an add
	p.failAdd = false
	require.NoError(t, m.SetStatus("k1", "C1", "100.1", StatusThinking))
	assert.Len(t, p.added, 1, "no new add since state never actually transitioned")
}

func TestSetContextBucket_PromptTooLongForcesZero(t *testing.T) {
	p := &fakePoster{}
	m := New(p)
	require.NoError(t, m.SetContextBucket("k1", "C1", "100.1", 90, true))
	assert.Equal(t, []string{"red_circle"}, p.added)
}

func TestSetContextBucket_RebindsToNewMessage(t *testing.T) {
	p := &fakePoster{}
	m := New(p)
	require.NoError(t, m.SetContextBucket("k1", "C1", "100.1", 90, false))
	require.NoError(t, m.SetContextBucket("k1", "C1", "200.2", 90, false))

	assert.Equal(t, []string{"green_circle"}, p.removed)
	assert.Equal(t, []string{"green_circle", "green_circle"}, p.added)
}

func TestClear_RemovesBothReactions(t *testing.T) {
	p := &fakePoster{}
	m := New(p)
	require.NoError(t, m.SetStatus("k1", "C1", "100.1", StatusWorking))
	require.NoError(t, m.SetContextBucket("k1", "C1", "100.1", 90, false))

	m.Clear("k1")
	assert.ElementsMatch(t, []string{"hourglass_flowing_sand", "green_circle"}, p.removed)
}
