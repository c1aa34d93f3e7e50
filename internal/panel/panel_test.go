package panel

import (
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/sessionagent/internal/session"
)

type fakePoster struct {
	posts   int
	updates int
	lastTS  string
}

func (f *fakePoster) PostBlocks(channel, threadTS, fallback string, blocks ...slack.Block) (string, error) {
	f.posts++
	f.lastTS = "100.200"
	return f.lastTS, nil
}

func (f *fakePoster) UpdateBlocks(channel, messageTS, fallback string, blocks ...slack.Block) error {
	f.updates++
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakePoster, *session.Store, string) {
	t.Helper()
	sessions := session.NewStore()
	sess, created := sessions.GetOrCreate("C1", "111.222", "U1")
	require.True(t, created)

	poster := &fakePoster{}
	return New(poster, sessions), poster, sessions, sess.Key
}

func TestRender_FirstRenderPostsAndBindsMessage(t *testing.T) {
	m, poster, sessions, key := newTestManager(t)

	err := m.Render(View{SessionKey: key, Channel: "C1", ThreadTS: "111.222", Badge: BadgeIdle, ContextPercent: 100})
	require.NoError(t, err)
	assert.Equal(t, 1, poster.posts)
	assert.Equal(t, 0, poster.updates)

	state, ok := sessions.PanelState(key)
	require.True(t, ok)
	assert.Equal(t, "100.200", state.MessageTS)
	assert.NotEmpty(t, state.RenderKey)
}

func TestRender_UnchangedViewIsNoOp(t *testing.T) {
	m, poster, _, key := newTestManager(t)
	v := View{SessionKey: key, Channel: "C1", ThreadTS: "111.222", Badge: BadgeWorking, ContextPercent: 80, ActiveTool: "Bash"}

	require.NoError(t, m.Render(v))
	require.NoError(t, m.Render(v))
	require.NoError(t, m.Render(v))

	assert.Equal(t, 1, poster.posts)
	assert.Equal(t, 0, poster.updates, "identical render key must not touch Slack")
}

func TestRender_ChangedViewUpdatesInPlace(t *testing.T) {
	m, poster, _, key := newTestManager(t)

	require.NoError(t, m.Render(View{SessionKey: key, Channel: "C1", ThreadTS: "111.222", Badge: BadgeWorking, ContextPercent: 80}))
	require.NoError(t, m.Render(View{SessionKey: key, Channel: "C1", ThreadTS: "111.222", Badge: BadgeIdle, ContextPercent: 60}))

	assert.Equal(t, 1, poster.posts)
	assert.Equal(t, 1, poster.updates)
}

func TestRender_UnknownSessionFails(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	err := m.Render(View{SessionKey: "C9:none", Channel: "C9"})
	assert.Error(t, err)
}

func TestContextChip_Bounds(t *testing.T) {
	assert.Contains(t, contextChip(100), "100%")
	assert.Contains(t, contextChip(0), "0%")
	// A value between the bounds renders its own percent.
	assert.Contains(t, contextChip(47), "47%")
}
