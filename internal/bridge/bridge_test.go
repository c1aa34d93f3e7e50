package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/sessionagent/internal/command"
	"github.com/p-blackswan/sessionagent/internal/coordinator"
	"github.com/p-blackswan/sessionagent/internal/dispatch"
	"github.com/p-blackswan/sessionagent/internal/form"
	"github.com/p-blackswan/sessionagent/internal/llmsdk"
	"github.com/p-blackswan/sessionagent/internal/panel"
	"github.com/p-blackswan/sessionagent/internal/reaction"
	"github.com/p-blackswan/sessionagent/internal/recorder"
	"github.com/p-blackswan/sessionagent/internal/renew"
	"github.com/p-blackswan/sessionagent/internal/session"
	slackpkg "github.com/p-blackswan/sessionagent/internal/slack"
	"github.com/p-blackswan/sessionagent/internal/toolmap"
)

type posted struct {
	channel, text, threadTS, ts string
}

type mockPoster struct {
	mu         sync.Mutex
	messages   []posted
	blocks     []posted
	ephemerals []posted
	reactions  []string
	nextTS     int
}

func (m *mockPoster) ts() string {
	m.nextTS++
	return fmt.Sprintf("100.%04d", m.nextTS)
}

func (m *mockPoster) PostMessage(channelID, text, threadTS string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.ts()
	m.messages = append(m.messages, posted{channelID, text, threadTS, ts})
	return ts, nil
}

func (m *mockPoster) PostBlocks(channelID, threadTS, fallbackText string, blocks ...slack.Block) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.ts()
	m.blocks = append(m.blocks, posted{channelID, fallbackText, threadTS, ts})
	return ts, nil
}

func (m *mockPoster) UpdateMessage(channelID, messageTS, text string) error { return nil }

func (m *mockPoster) UpdateBlocks(channelID, messageTS, fallbackText string, blocks ...slack.Block) error {
	return nil
}

func (m *mockPoster) PostEphemeral(channelID, userID, threadTS, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.ts()
	m.ephemerals = append(m.ephemerals, posted{channelID, text, threadTS, ts})
	return ts, nil
}

func (m *mockPoster) DeleteMessage(channelID, messageTS string) error { return nil }

func (m *mockPoster) AddReaction(channelID, messageTS, emoji string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reactions = append(m.reactions, "+"+emoji)
	return nil
}

func (m *mockPoster) RemoveReaction(channelID, messageTS, emoji string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reactions = append(m.reactions, "-"+emoji)
	return nil
}

func (m *mockPoster) messageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

func (m *mockPoster) blockCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks)
}

func (m *mockPoster) ephemeralCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ephemerals)
}

func (m *mockPoster) allText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sb strings.Builder
	for _, p := range m.messages {
		sb.WriteString(p.text)
		sb.WriteString("\n")
	}
	return sb.String()
}

// blockTSByText returns the ts of the first blocks post whose fallback text
// matches.
func (m *mockPoster) blockTSByText(fallback string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.blocks {
		if p.text == fallback {
			return p.ts
		}
	}
	return ""
}

// fakeLLM replays one scripted event slice per Start call.
type fakeLLM struct {
	mu      sync.Mutex
	calls   []llmsdk.StartRequest
	scripts [][]llmsdk.Event
}

func (f *fakeLLM) Start(ctx context.Context, req llmsdk.StartRequest) (*llmsdk.Query, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	idx := len(f.calls) - 1
	if idx >= len(f.scripts) {
		idx = len(f.scripts) - 1
	}
	script := f.scripts[idx]
	f.mu.Unlock()

	ch := make(chan llmsdk.Event, len(script))
	for _, ev := range script {
		ch <- ev
	}
	close(ch)
	done := make(chan struct{})
	close(done)
	_, cancel := context.WithCancel(ctx)
	return llmsdk.NewQuery(ch, done, cancel), nil
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeLLM) call(i int) llmsdk.StartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func textEvent(text string) llmsdk.Event {
	return llmsdk.Event{Type: llmsdk.EventAssistant, Assistant: &llmsdk.AssistantEvent{
		Content: []llmsdk.ContentBlock{{Type: "text", Text: text}},
	}}
}

func resultEvent(sessionID string) llmsdk.Event {
	return llmsdk.Event{Type: llmsdk.EventResult, Result: &llmsdk.ResultEvent{
		Subtype:   llmsdk.ResultSuccess,
		SessionID: sessionID,
		ModelUsage: map[string]llmsdk.ModelUsage{
			"model-a": {InputTokens: 1000, OutputTokens: 200, CostUSD: 0.01, ContextWindow: 200000},
		},
	}}
}

type testHarness struct {
	bridge   *Bridge
	poster   *mockPoster
	llm      *fakeLLM
	sessions *session.Store
}

func newHarness(t *testing.T, scripts ...[]llmsdk.Event) *testHarness {
	t.Helper()

	poster := &mockPoster{}
	sessions := session.NewStore()
	coord := coordinator.New()
	forms := form.New()
	renewer := renew.New(sessions, coord, nil)
	commands := command.New(sessions, coord, renewer, nil, "")
	dispatcher := dispatch.NewService(nil, "haiku", nil)
	rec := recorder.New(t.TempDir(), 10, zerolog.Nop())
	reactions := reaction.New(poster)
	panels := panel.New(poster, sessions)
	llm := &fakeLLM{scripts: scripts}

	b := New(Config{
		BotUserID:         "U_BOT",
		DefaultModel:      "model-a",
		DefaultWorkingDir: "/work",
		MaxConcurrent:     4,
	}, Deps{
		Sessions:  sessions,
		Coord:     coord,
		Commands:  commands,
		Dispatch:  dispatcher,
		Forms:     forms,
		Renew:     renewer,
		Recorder:  rec,
		Reactions: reactions,
		Panel:     panels,
		Tracker:   toolmap.NewTracker(),
		LLM:       llm,
	}, poster, zerolog.Nop())

	return &testHarness{bridge: b, poster: poster, llm: llm, sessions: sessions}
}

func TestHandleMessage_SkipsBotOwnMessages(t *testing.T) {
	h := newHarness(t, []llmsdk.Event{resultEvent("s1")})

	h.bridge.HandleMessage(context.Background(), "C1", "U_BOT", "hello", "", "1.1")
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 0, h.llm.callCount())
	assert.Equal(t, 0, h.poster.messageCount())
}

func TestHandleMessage_SimpleReply(t *testing.T) {
	h := newHarness(t, []llmsdk.Event{
		textEvent("Here is the summary."),
		resultEvent("llm-session-1"),
	})

	h.bridge.HandleMessage(context.Background(), "C1", "U1", "Summarize PTN-1234", "", "1.1")

	require.Eventually(t, func() bool { return h.llm.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return strings.Contains(h.poster.allText(), "Here is the summary.")
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		sess := h.sessions.Get("C1:1.1")
		return sess != nil && sess.State == session.StateMain
	}, 2*time.Second, 10*time.Millisecond)

	sess := h.sessions.Get("C1:1.1")
	assert.Equal(t, "llm-session-1", sess.LLMSessionID)
	assert.Equal(t, "default", sess.Workflow) // no classifier wired -> default
	assert.Equal(t, "U1", sess.Owner)
	assert.Equal(t, 1000, sess.Usage.CurrentInput)
	assert.Equal(t, 200, sess.Usage.CurrentOutput)
	assert.InDelta(t, 0.01, sess.Usage.TotalCostUSD, 1e-9)
	assert.NotEmpty(t, sess.ConversationID)
}

func TestHandleMessage_CommandShortCircuitsLLM(t *testing.T) {
	h := newHarness(t, []llmsdk.Event{resultEvent("s1")})

	h.bridge.HandleMessage(context.Background(), "C1", "U1", "help", "", "1.1")

	require.Eventually(t, func() bool { return h.poster.ephemeralCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, h.llm.callCount())
}

func TestHandleMessage_SessionLinksDirective(t *testing.T) {
	h := newHarness(t, []llmsdk.Event{
		textEvent("Done.\n{\"type\":\"session_links\",\"pr\":\"https://github.com/acme/svc/pull/7\"}"),
		resultEvent("s1"),
	})

	h.bridge.HandleMessage(context.Background(), "C1", "U1", "wrap up", "", "1.1")

	require.Eventually(t, func() bool {
		sess := h.sessions.Get("C1:1.1")
		if sess == nil {
			return false
		}
		link, ok := sess.Links[session.LinkPR]
		return ok && link.Provider == "github" && link.Label == "PR #7"
	}, 2*time.Second, 10*time.Millisecond)

	// The directive is stripped from the posted text.
	text := h.poster.allText()
	assert.Contains(t, text, "Done.")
	assert.NotContains(t, text, "session_links")
}

func TestHandleMessage_RenewHappyPath(t *testing.T) {
	h := newHarness(t,
		// Save turn: the save result arrives via the text fallback.
		[]llmsdk.Event{
			textEvent("Saved.\n{\"save_result\": {\"success\": true, \"id\": \"save_42\"}}"),
			resultEvent("llm-session-1"),
		},
		// Load turn after the context reset.
		[]llmsdk.Event{
			textEvent("Context restored, continuing."),
			resultEvent("llm-session-2"),
		},
	)

	// Establish the session first so renew has something to renew.
	h.sessions.GetOrCreate("C1", "1.1", "U1")

	h.bridge.HandleMessage(context.Background(), "C1", "U1", "renew continue PR review", "1.1", "1.2")

	require.Eventually(t, func() bool { return h.llm.callCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	loadReq := h.llm.call(1)
	assert.Contains(t, loadReq.Prompt, "load save_42 then continue PR review")
	assert.Empty(t, loadReq.ResumeSession, "the load turn must start a fresh LLM session")

	require.Eventually(t, func() bool {
		sess := h.sessions.Get("C1:1.1")
		return sess != nil && sess.RenewState == session.RenewNone
	}, 2*time.Second, 10*time.Millisecond)
	sess := h.sessions.Get("C1:1.1")
	assert.Nil(t, sess.RenewSaveResult)
	assert.Empty(t, sess.RenewUserMessage)
}

func TestHandleMessage_RenewFailureLeavesSessionUntouched(t *testing.T) {
	h := newHarness(t, []llmsdk.Event{
		textEvent("I did something else entirely."),
		resultEvent("llm-session-1"),
	})

	h.sessions.GetOrCreate("C1", "1.1", "U1")
	h.bridge.HandleMessage(context.Background(), "C1", "U1", "renew", "1.1", "1.2")

	require.Eventually(t, func() bool {
		return strings.Contains(h.poster.allText(), "renew failed")
	}, 2*time.Second, 10*time.Millisecond)

	// The failure notice carries the system ⚡ marker.
	require.Eventually(t, func() bool {
		h.poster.mu.Lock()
		defer h.poster.mu.Unlock()
		for _, r := range h.poster.reactions {
			if r == "+zap" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	sess := h.sessions.Get("C1:1.1")
	assert.Equal(t, session.RenewNone, sess.RenewState)
	assert.Equal(t, 1, h.llm.callCount(), "no load turn after a failed save")
}

func TestFormRoundTrip_CompositeAnswerReenters(t *testing.T) {
	formJSON := `{"type":"user_choices","title":"설정","questions":[` +
		`{"id":"q1","question":"DB?","choices":[{"id":"1","label":"Postgres"},{"id":"2","label":"MySQL"}]},` +
		`{"id":"q2","question":"Auth?","choices":[{"id":"1","label":"OAuth"},{"id":"2","label":"Basic"}]}]}`

	h := newHarness(t,
		[]llmsdk.Event{textEvent(formJSON), resultEvent("s1")},
		[]llmsdk.Event{textEvent("Configured."), resultEvent("s1")},
	)

	h.bridge.HandleMessage(context.Background(), "C1", "U1", "set things up", "", "1.1")
	require.Eventually(t, func() bool {
		return h.poster.blockTSByText("질문이 있어요") != ""
	}, 2*time.Second, 10*time.Millisecond)

	sessionKey := "C1:1.1"
	formTS := h.poster.blockTSByText("질문이 있어요")

	ctx := context.Background()
	h.bridge.OnFormPick(ctx, "C1", "1.1", formTS, "U1",
		slackpkg.ActionValue{SessionKey: sessionKey, QuestionID: "q1", ChoiceID: "1", Label: "Postgres"})
	h.bridge.OnFormPick(ctx, "C1", "1.1", formTS, "U1",
		slackpkg.ActionValue{SessionKey: sessionKey, QuestionID: "q2", ChoiceID: "2", Label: "MySQL"})

	require.Eventually(t, func() bool { return h.llm.callCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	reentry := h.llm.call(1)
	assert.Equal(t, "DB?: 1. Postgres\nAuth?: 2. MySQL", reentry.Prompt)
}

func TestTerminateSession_FullTeardown(t *testing.T) {
	h := newHarness(t, []llmsdk.Event{textEvent("hi"), resultEvent("s1")})

	h.bridge.HandleMessage(context.Background(), "C1", "U1", "hello", "", "1.1")
	require.Eventually(t, func() bool {
		sess := h.sessions.Get("C1:1.1")
		return sess != nil && sess.State == session.StateMain
	}, 2*time.Second, 10*time.Millisecond)

	deleted := false
	h.bridge.SetThreadDeleter(func(channel, threadTS string) { deleted = true })

	assert.True(t, h.bridge.TerminateSession("C1:1.1"))
	assert.Nil(t, h.sessions.Get("C1:1.1"))
	assert.True(t, deleted)
	assert.False(t, h.bridge.TerminateSession("C1:1.1"), "second terminate reports no session")
}

func TestIsActiveThread_PersistentFallback(t *testing.T) {
	h := newHarness(t, []llmsdk.Event{resultEvent("s1")})

	assert.False(t, h.bridge.IsActiveThread("C1", "9.9"))

	h.bridge.SetThreadLookup(func(channel, threadTS string) bool {
		return channel == "C1" && threadTS == "9.9"
	})
	assert.True(t, h.bridge.IsActiveThread("C1", "9.9"), "restart recovery promotes persisted threads")
	assert.True(t, h.bridge.IsActiveThread("C1", "9.9"), "second hit served from memory")
}

func TestExecuteModelCommand_GetSessionSnapshot(t *testing.T) {
	h := newHarness(t, []llmsdk.Event{resultEvent("s1")})
	sess, _ := h.sessions.GetOrCreate("C1", "1.1", "U1")
	require.NoError(t, h.sessions.SetLink(sess.Key, session.Link{
		URL: "https://github.com/acme/svc/pull/7", Type: session.LinkPR, Provider: "github", Label: "PR #7",
	}))

	out, err := h.bridge.ExecuteModelCommand(context.Background(), sess.Key, toolmap.CmdGetSession, nil)
	require.NoError(t, err)

	payload, ok := out.(sessionPayload)
	require.True(t, ok)
	assert.True(t, payload.OK)
	require.Len(t, payload.Session.PRs, 1)
	assert.Equal(t, "https://github.com/acme/svc/pull/7", payload.Session.PRs[0].URL)
	assert.Equal(t, 0, payload.Session.Sequence)

	out, err = h.bridge.ExecuteModelCommand(context.Background(), "C9:none", toolmap.CmdGetSession, nil)
	require.NoError(t, err)
	env, ok := out.(toolmap.Envelope)
	require.True(t, ok)
	assert.False(t, env.OK)
	assert.Equal(t, toolmap.ErrContextError, env.Error.Code)
}

func TestExecuteModelCommand_UpdateSessionOptimisticLock(t *testing.T) {
	h := newHarness(t, []llmsdk.Event{resultEvent("s1")})
	sess, _ := h.sessions.GetOrCreate("C1", "1.1", "U1")

	update := func(expected int, url string) any {
		args := fmt.Sprintf(`{"expectedSequence":%d,"operations":[{"action":"add","resourceType":"pr","link":{"url":%q,"provider":"github"}}]}`, expected, url)
		out, err := h.bridge.ExecuteModelCommand(context.Background(), sess.Key, toolmap.CmdUpdateSession, []byte(args))
		require.NoError(t, err)
		return out
	}

	// First update with the current sequence succeeds and increments it.
	first, ok := update(0, "https://github.com/acme/svc/pull/1").(sessionPayload)
	require.True(t, ok)
	assert.True(t, first.OK)
	assert.Equal(t, 1, first.Session.Sequence)

	// Replaying the same expectedSequence is rejected and mutates nothing.
	second, ok := update(0, "https://github.com/acme/svc/pull/2").(toolmap.Envelope)
	require.True(t, ok)
	assert.False(t, second.OK)
	assert.Equal(t, toolmap.ErrSequenceMismatch, second.Error.Code)

	got := h.sessions.Get(sess.Key)
	assert.Equal(t, "https://github.com/acme/svc/pull/1", got.Links[session.LinkPR].URL)
	assert.Equal(t, 1, got.ResourceSequence)
}

func TestExecuteModelCommand_SaveContextResultGatedOnRenew(t *testing.T) {
	h := newHarness(t, []llmsdk.Event{resultEvent("s1")})
	sess, _ := h.sessions.GetOrCreate("C1", "1.1", "U1")

	args := []byte(`{"result":{"success":true,"id":"save_42"}}`)

	// Outside a renew save phase the command is rejected.
	out, err := h.bridge.ExecuteModelCommand(context.Background(), sess.Key, toolmap.CmdSaveContextResult, args)
	require.NoError(t, err)
	env, ok := out.(toolmap.Envelope)
	require.True(t, ok)
	assert.False(t, env.OK)
	assert.Equal(t, toolmap.ErrInvalidCommand, env.Error.Code)

	// During pending_save it advances the renew state machine.
	require.NoError(t, h.sessions.BeginRenew(sess.Key, "continue PR review"))
	out, err = h.bridge.ExecuteModelCommand(context.Background(), sess.Key, toolmap.CmdSaveContextResult, args)
	require.NoError(t, err)
	env, ok = out.(toolmap.Envelope)
	require.True(t, ok)
	assert.True(t, env.OK)

	got := h.sessions.Get(sess.Key)
	assert.Equal(t, session.RenewPendingLoad, got.RenewState)
	require.NotNil(t, got.RenewSaveResult)
	assert.Equal(t, "save_42", got.RenewSaveResult.SaveID)
}

func TestExecuteModelCommand_AskUserQuestionPostsCard(t *testing.T) {
	h := newHarness(t, []llmsdk.Event{resultEvent("s1")})
	sess, _ := h.sessions.GetOrCreate("C1", "1.1", "U1")

	args := []byte(`{"type":"user_choice","question":"DB?","choices":[{"id":"1","label":"Postgres"},{"id":"2","label":"MySQL"}]}`)
	out, err := h.bridge.ExecuteModelCommand(context.Background(), sess.Key, toolmap.CmdAskUserQuestion, args)
	require.NoError(t, err)
	env, ok := out.(toolmap.Envelope)
	require.True(t, ok)
	assert.True(t, env.OK)

	assert.Equal(t, 1, h.poster.blockCount())
	pending := h.bridge.deps.Forms.Get(sess.Key)
	require.NotNil(t, pending)
	require.Len(t, pending.Questions, 1)
	assert.Equal(t, "DB?", pending.Questions[0].Question)
}

func TestExecuteModelCommand_UnknownCommand(t *testing.T) {
	h := newHarness(t, []llmsdk.Event{resultEvent("s1")})
	h.sessions.GetOrCreate("C1", "1.1", "U1")

	out, err := h.bridge.ExecuteModelCommand(context.Background(), "C1:1.1", "NOT_A_COMMAND", nil)
	require.NoError(t, err)
	env, ok := out.(toolmap.Envelope)
	require.True(t, ok)
	assert.False(t, env.OK)
	assert.Equal(t, toolmap.ErrInvalidCommand, env.Error.Code)
}
