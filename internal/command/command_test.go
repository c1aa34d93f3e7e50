package command

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/sessionagent/internal/persona"
	"github.com/p-blackswan/sessionagent/internal/session"
)

type fakeCoord struct{ active bool }

func (f *fakeCoord) IsRequestActive(string) bool { return f.active }

type fakeRenew struct {
	err     error
	started bool
	prompt  string
}

func (f *fakeRenew) Start(userID, sessionKey, continuationPrompt string) error {
	f.started = true
	f.prompt = continuationPrompt
	return f.err
}

func newTestRouter(t *testing.T) (*Router, *session.Store, *fakeRenew) {
	store := session.NewStore()
	renew := &fakeRenew{}
	r := New(store, &fakeCoord{}, renew, nil, "/tmp/does-not-exist-mcp.json")
	return r, store, renew
}

func TestDispatch_PlainMessagePassesThrough(t *testing.T) {
	r, _, _ := newTestRouter(t)
	res := r.Dispatch(Request{Text: "please review PR 42"})
	assert.False(t, res.Handled)
}

func TestDispatch_UnknownSlashCommandIsAcknowledged(t *testing.T) {
	r, _, _ := newTestRouter(t)
	res := r.Dispatch(Request{Text: "/bogus"})
	assert.True(t, res.Handled)
	assert.Contains(t, res.Reply, "unrecognized command")
}

func TestDispatch_Help(t *testing.T) {
	r, _, _ := newTestRouter(t)
	res := r.Dispatch(Request{Text: "help"})
	assert.True(t, res.Handled)
	assert.Contains(t, res.Reply, "Available commands")
}

func TestDispatch_New_ResetsSessionAndContinues(t *testing.T) {
	r, store, _ := newTestRouter(t)
	sess, _ := store.GetOrCreate("C1", "100", "U1")
	sess.Workflow = "pr-review"

	res := r.Dispatch(Request{UserID: "U1", SessionKey: sess.Key, Text: "new let's start over"})
	assert.True(t, res.Handled)
	assert.Equal(t, "let's start over", res.ContinueWithPrompt)
	assert.Empty(t, sess.Workflow)
}

func TestDispatch_Onboarding_ForcesWorkflow(t *testing.T) {
	r, store, _ := newTestRouter(t)
	sess, _ := store.GetOrCreate("C1", "100", "U1")

	res := r.Dispatch(Request{UserID: "U1", SessionKey: sess.Key, Text: "onboarding"})
	assert.True(t, res.Handled)
	assert.Equal(t, "onboarding", res.ForceWorkflow)
	assert.NotEmpty(t, res.ContinueWithPrompt)
}

func TestDispatch_Renew_StartsController(t *testing.T) {
	r, store, renew := newTestRouter(t)
	sess, _ := store.GetOrCreate("C1", "100", "U1")

	res := r.Dispatch(Request{UserID: "U1", SessionKey: sess.Key, Text: "renew continue the PR review"})
	assert.True(t, res.Handled)
	assert.True(t, renew.started)
	assert.Equal(t, "continue the PR review", renew.prompt)
}

func TestDispatch_Renew_SurfacesControllerError(t *testing.T) {
	r, store, renew := newTestRouter(t)
	renew.err = errors.New("refusing to reset session with an active request")
	sess, _ := store.GetOrCreate("C1", "100", "U1")

	res := r.Dispatch(Request{UserID: "U1", SessionKey: sess.Key, Text: "renew"})
	assert.True(t, res.Handled)
	assert.Contains(t, res.Reply, "could not start renew")
}

func TestDispatch_Terminate_OwnerOnly(t *testing.T) {
	r, store, _ := newTestRouter(t)
	sess, _ := store.GetOrCreate("C1", "100", "U1")

	res := r.Dispatch(Request{UserID: "U2", SessionKey: sess.Key, Text: "terminate " + sess.Key})
	assert.True(t, res.Handled)
	assert.Contains(t, res.Reply, "only the session owner")
	assert.NotNil(t, store.Get(sess.Key))

	res = r.Dispatch(Request{UserID: "U1", SessionKey: sess.Key, Text: "terminate " + sess.Key})
	assert.True(t, res.Handled)
	assert.Nil(t, store.Get(sess.Key))
}

func TestDispatch_Link_AttachesNormalizedLink(t *testing.T) {
	r, store, _ := newTestRouter(t)
	sess, _ := store.GetOrCreate("C1", "100", "U1")

	res := r.Dispatch(Request{UserID: "U1", SessionKey: sess.Key, Text: "link pr https://github.com/acme/widgets/pull/42"})
	assert.True(t, res.Handled)
	assert.Contains(t, res.Reply, "attached pr link")

	link := sess.Links[session.LinkPR]
	assert.Equal(t, "https://github.com/acme/widgets/pull/42", link.URL)
}

func TestDispatch_Context_RendersUsage(t *testing.T) {
	r, store, _ := newTestRouter(t)
	sess, _ := store.GetOrCreate("C1", "100", "U1")
	sess.Usage.ContextWindow = 200000
	sess.Usage.CurrentInput = 50000

	res := r.Dispatch(Request{UserID: "U1", SessionKey: sess.Key, Text: "context"})
	assert.True(t, res.Handled)
	assert.Contains(t, res.Reply, "context window")
}

func TestDispatch_Bypass_Toggles(t *testing.T) {
	r, _, _ := newTestRouter(t)
	res := r.Dispatch(Request{UserID: "U1", Text: "bypass"})
	assert.True(t, res.Handled)
	assert.True(t, r.IsBypassed("U1"))

	res = r.Dispatch(Request{UserID: "U1", Text: "bypass"})
	assert.True(t, res.Handled)
	assert.False(t, r.IsBypassed("U1"))
}

func TestDispatch_Persona_WithStore(t *testing.T) {
	dir := "/tmp/test-command-persona-" + t.Name()
	defer os.RemoveAll(dir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(dir+"/planner.yaml", []byte("name: planner\ndefaultModel: opus\n"), 0o644))

	personas, err := persona.Load(dir, "haiku")
	require.NoError(t, err)

	store := session.NewStore()
	r := New(store, &fakeCoord{}, &fakeRenew{}, personas, "/tmp/does-not-exist-mcp.json")

	res := r.Dispatch(Request{UserID: "U1", Text: "persona planner"})
	assert.True(t, res.Handled)
	assert.Contains(t, res.Reply, "persona set to planner")

	pref := personas.Get("U1")
	assert.Equal(t, "planner", pref.Persona)
}

func TestDispatch_MCP_MissingFile(t *testing.T) {
	r, _, _ := newTestRouter(t)
	res := r.Dispatch(Request{Text: "mcp"})
	assert.True(t, res.Handled)
	assert.Contains(t, res.Reply, "could not read mcp configuration")
}

func TestDispatch_Sessions_FiltersByOwnerUnlessAll(t *testing.T) {
	r, store, _ := newTestRouter(t)
	store.GetOrCreate("C1", "100", "U1")
	store.GetOrCreate("C1", "200", "U2")

	res := r.Dispatch(Request{UserID: "U1", Text: "sessions"})
	assert.True(t, res.Handled)
	assert.Contains(t, res.Reply, "C1:100")
	assert.NotContains(t, res.Reply, "C1:200")

	res = r.Dispatch(Request{UserID: "U1", Text: "all_sessions"})
	assert.Contains(t, res.Reply, "C1:100")
	assert.Contains(t, res.Reply, "C1:200")
}
