// Package bridge routes inbound Slack messages through the session pipeline
// — command router, session store, dispatch classification, request
// coordinator, streaming engine — and relays every Slack-facing side-effect
// back through the rate-limited poster. It is the concrete
// slack.MessageForwarder, slack.FormHandler, and slack.PanelHandler.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/sessionagent/internal/command"
	"github.com/p-blackswan/sessionagent/internal/coordinator"
	"github.com/p-blackswan/sessionagent/internal/directive"
	"github.com/p-blackswan/sessionagent/internal/dispatch"
	"github.com/p-blackswan/sessionagent/internal/form"
	"github.com/p-blackswan/sessionagent/internal/links"
	"github.com/p-blackswan/sessionagent/internal/linkscan"
	"github.com/p-blackswan/sessionagent/internal/llmsdk"
	"github.com/p-blackswan/sessionagent/internal/mcpserver"
	"github.com/p-blackswan/sessionagent/internal/metrics"
	"github.com/p-blackswan/sessionagent/internal/panel"
	"github.com/p-blackswan/sessionagent/internal/persona"
	"github.com/p-blackswan/sessionagent/internal/reaction"
	"github.com/p-blackswan/sessionagent/internal/recorder"
	"github.com/p-blackswan/sessionagent/internal/renew"
	"github.com/p-blackswan/sessionagent/internal/requestid"
	"github.com/p-blackswan/sessionagent/internal/session"
	slackpkg "github.com/p-blackswan/sessionagent/internal/slack"
	"github.com/p-blackswan/sessionagent/internal/stream"
	"github.com/p-blackswan/sessionagent/internal/toolmap"
)

// maxSlackMessageLen is the per-message budget long assistant replies are
// split against.
const maxSlackMessageLen = 3000

// LLMStarter starts one streaming turn; satisfied by llmsdk.CLIAdapter.
type LLMStarter interface {
	Start(ctx context.Context, req llmsdk.StartRequest) (*llmsdk.Query, error)
}

// ThreadLookup is an optional function to check if a thread exists in
// persistent storage, used for restart recovery when the in-memory
// activeThreads set is empty.
type ThreadLookup func(channel, threadTS string) bool

// ThreadSaver is an optional function to persist thread tracking to storage.
type ThreadSaver func(channel, threadTS, sessionKey string)

// ThreadDeleter is an optional function to drop a persisted thread binding
// when its session is terminated.
type ThreadDeleter func(channel, threadTS string)

// ThreadLLMSaver is an optional function to persist a thread's LLM-side
// session id once a turn completes — the scheduler only sweeps threads that
// have one.
type ThreadLLMSaver func(channel, threadTS, llmSessionID string)

// Config holds bridge configuration.
type Config struct {
	// BotUserID is the Slack bot's own user ID, used to filter self-messages
	// and strip the leading mention.
	BotUserID string

	// DefaultModel is used when neither the session nor the user's persona
	// preference names a model.
	DefaultModel string

	// DefaultWorkingDir is the fixed per-session working directory.
	DefaultWorkingDir string

	// SystemPrompt is the base system prompt for streaming turns.
	SystemPrompt string

	// MCPConfigPath points the LLM CLI at the external tool-server config.
	MCPConfigPath string

	// CommandURL is the agent's loopback model-command endpoint; it is
	// handed to the exec'd CLI's environment so the MCP server subprocess
	// can reach the live session state.
	CommandURL string

	// MaxConcurrent limits parallel pipeline runs across all sessions.
	MaxConcurrent int
}

// Deps are the pipeline's collaborators, wired once at startup.
type Deps struct {
	Sessions  *session.Store
	Coord     *coordinator.Coordinator
	Commands  *command.Router
	Dispatch  *dispatch.Service
	Forms     *form.Coordinator
	Renew     *renew.Controller
	Recorder  *recorder.Recorder
	Reactions *reaction.Manager
	Panel     *panel.Manager
	Tracker   *toolmap.Tracker
	LLM       LLMStarter
	Links     *links.Service
	Personas  *persona.Store
	Metrics   *metrics.Metrics
	History   ThreadHistoryProvider

	// Summarize is the cheap one-shot call used to lazily title and
	// summarize recorded assistant turns (same contract as the dispatch
	// classifier). Optional.
	Summarize      func(ctx context.Context, model, text string) (string, error)
	SummarizeModel string
}

// Bridge is the message pipeline.
type Bridge struct {
	cfg       Config
	deps      Deps
	poster    SlackPoster
	processor *stream.Processor
	sem       chan struct{}
	logger    zerolog.Logger

	mu             sync.Mutex
	activeThreads  map[string]bool
	threadLookup   ThreadLookup
	threadSaver    ThreadSaver
	threadDeleter  ThreadDeleter
	threadLLMSaver ThreadLLMSaver
}

// New creates a Bridge. The streaming processor is constructed here because
// the bridge itself is its Sink and Cards implementation.
func New(cfg Config, deps Deps, poster SlackPoster, logger zerolog.Logger) *Bridge {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	b := &Bridge{
		cfg:           cfg,
		deps:          deps,
		poster:        poster,
		sem:           make(chan struct{}, cfg.MaxConcurrent),
		logger:        logger.With().Str("component", "bridge").Logger(),
		activeThreads: make(map[string]bool),
	}
	b.processor = stream.New(sinkAdapter{b}, cardsAdapter{b}, deps.Tracker, deps.Forms)
	return b
}

// SetThreadLookup sets an optional persistent fallback for thread tracking.
func (b *Bridge) SetThreadLookup(fn ThreadLookup) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.threadLookup = fn
}

// SetThreadSaver sets an optional function to persist tracked threads.
func (b *Bridge) SetThreadSaver(fn ThreadSaver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.threadSaver = fn
}

// SetThreadDeleter sets an optional function to drop persisted threads.
func (b *Bridge) SetThreadDeleter(fn ThreadDeleter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.threadDeleter = fn
}

// SetThreadLLMSessionSaver sets an optional function to persist a thread's
// LLM-side session id.
func (b *Bridge) SetThreadLLMSessionSaver(fn ThreadLLMSaver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.threadLLMSaver = fn
}

// IsActiveThread returns true if the given thread is tracked, consulting the
// persistent store as a restart-recovery fallback.
func (b *Bridge) IsActiveThread(channelID, threadTS string) bool {
	if threadTS == "" {
		return false
	}
	key := channelID + ":" + threadTS

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.activeThreads[key] {
		return true
	}
	if b.threadLookup != nil && b.threadLookup(channelID, threadTS) {
		b.activeThreads[key] = true
		return true
	}
	return false
}

func (b *Bridge) trackThread(channelID, threadTS, sessionKey string) {
	if threadTS == "" {
		return
	}
	b.mu.Lock()
	b.activeThreads[channelID+":"+threadTS] = true
	saver := b.threadSaver
	b.mu.Unlock()

	if saver != nil {
		saver(channelID, threadTS, sessionKey)
	}
}

// HandleMessage processes an inbound Slack message. It returns immediately;
// the pipeline runs asynchronously and posts its results back to the thread.
func (b *Bridge) HandleMessage(ctx context.Context, channelID, userID, text, threadTS, messageTS string) {
	if userID == b.cfg.BotUserID {
		return
	}

	text = strings.TrimSpace(text)
	if b.cfg.BotUserID != "" {
		text = strings.TrimSpace(strings.TrimPrefix(text, fmt.Sprintf("<@%s>", b.cfg.BotUserID)))
	}
	if text == "" {
		return
	}

	// The thread root: the existing thread, or the triggering message when a
	// top-level message starts a new one.
	rootTS := threadTS
	if rootTS == "" {
		rootTS = messageTS
	}

	select {
	case b.sem <- struct{}{}:
	default:
		b.logger.Warn().
			Str("channel", channelID).
			Str("user", userID).
			Msg("pipeline at capacity, dropping message")
		return
	}

	go func() {
		defer func() { <-b.sem }()
		rctx, reqID := requestid.New(ctx)
		b.logger.Info().
			Str("req_id", reqID).
			Str("channel", channelID).
			Str("user", userID).
			Msg("message entering pipeline")
		b.handleInbound(rctx, channelID, userID, text, rootTS, messageTS)
	}()
}

func (b *Bridge) handleInbound(ctx context.Context, channelID, userID, text, rootTS, messageTS string) {
	sessionKey := session.Key(channelID, rootTS)
	t := stream.Target{SessionKey: sessionKey, Channel: channelID, ThreadTS: rootTS}

	sess, created := b.deps.Sessions.GetOrCreate(channelID, rootTS, userID)
	if sess.State == session.StateSleeping {
		b.deps.Sessions.Wake(sessionKey)
	}
	b.deps.Sessions.SetInitiator(sessionKey, userID)
	b.deps.Sessions.SetWorkingDir(sessionKey, b.cfg.DefaultWorkingDir)
	b.deps.Sessions.Touch(sessionKey)
	if created {
		b.updateSessionGauge()
	}

	cmdRes := b.deps.Commands.Dispatch(command.Request{
		UserID:     userID,
		Channel:    channelID,
		ThreadTS:   rootTS,
		SessionKey: sessionKey,
		Text:       text,
	})
	if cmdRes.Handled {
		b.postCommandReply(channelID, userID, rootTS, cmdRes)
		if cmdRes.ConfirmClose {
			blocks := slackpkg.CloseConfirmBlocks(sessionKey)
			if _, err := b.poster.PostBlocks(channelID, rootTS, "close this session?", blocks...); err != nil {
				b.logger.Warn().Err(err).Msg("failed to post close confirmation")
			}
			return
		}

		// `renew` has moved the session to pending_save: run the save turn.
		if cur := b.deps.Sessions.Get(sessionKey); cur != nil && cur.RenewState == session.RenewPendingSave {
			b.runTurn(ctx, t, userID, messageTS, savePrompt, "")
			return
		}
		if cmdRes.ContinueWithPrompt == "" {
			b.renderPanel(t)
			return
		}
		b.trackThread(channelID, rootTS, sessionKey)
		b.runTurn(ctx, t, userID, messageTS, cmdRes.ContinueWithPrompt, cmdRes.ForceWorkflow)
		return
	}

	// Invariant: while a renew is in progress no new turn starts on the
	// normal path.
	if cur := b.deps.Sessions.Get(sessionKey); cur != nil && cur.RenewState != session.RenewNone {
		_, _ = b.poster.PostEphemeral(channelID, userID, rootTS, "a renew is in progress on this session — one moment")
		return
	}

	b.trackThread(channelID, rootTS, sessionKey)
	b.runTurn(ctx, t, userID, messageTS, text, "")
}

// savePrompt is the save-phase turn of the renew protocol.
const savePrompt = "Save the current session context so it can be restored after a reset, then report the result with the SAVE_CONTEXT_RESULT command."

func (b *Bridge) postCommandReply(channelID, userID, rootTS string, res command.Result) {
	if res.Reply == "" {
		return
	}
	if res.ReplyPublic {
		if _, err := b.poster.PostMessage(channelID, res.Reply, rootTS); err != nil {
			b.logger.Warn().Err(err).Msg("failed to post command reply")
		}
		return
	}
	if _, err := b.poster.PostEphemeral(channelID, userID, rootTS, res.Reply); err != nil {
		b.logger.Warn().Err(err).Msg("failed to post ephemeral command reply")
	}
}

// runTurn drives one complete LLM turn for a session: classification on the
// first message, single-flight admission, the streaming loop, and the
// post-turn bookkeeping (usage, reactions, recorder, renew advancement,
// panel).
func (b *Bridge) runTurn(ctx context.Context, t stream.Target, userID, messageTS, prompt, forceWorkflow string) {
	sess := b.deps.Sessions.Get(t.SessionKey)
	if sess == nil {
		return
	}

	b.classifyIfNeeded(ctx, t, userID, prompt, forceWorkflow)

	handle, err := b.deps.Coord.TryBegin(ctx, t.SessionKey)
	if err != nil {
		_, _ = b.poster.PostEphemeral(t.Channel, userID, t.ThreadTS, "a request is already running on this thread — please send your message again once it finishes")
		b.renderPanel(t)
		return
	}
	if b.deps.Metrics != nil {
		b.deps.Metrics.ActiveRequests.Inc()
	}
	finish := func() {
		handle.Finish()
		if b.deps.Metrics != nil {
			b.deps.Metrics.ActiveRequests.Dec()
		}
	}
	defer finish()

	_ = b.deps.Reactions.SetStatus(t.SessionKey, t.Channel, t.ThreadTS, reaction.StatusThinking)

	sess = b.deps.Sessions.Get(t.SessionKey)
	if sess == nil {
		return
	}
	if sess.ConversationID != "" {
		b.deps.Recorder.RecordUserTurn(sess.ConversationID, userID, prompt)
	}

	req := llmsdk.StartRequest{
		Model:         b.modelFor(userID, sess),
		WorkingDir:    sess.WorkingDir,
		SystemPrompt:  b.cfg.SystemPrompt,
		ResumeSession: sess.LLMSessionID,
		Prompt:        b.withHistory(sess, prompt, messageTS),
		MCPConfigPath: b.cfg.MCPConfigPath,
	}
	if b.cfg.CommandURL != "" {
		// The MCP server spawned by the CLI reads these to route tool calls
		// back to this process for this session.
		req.Env = []string{
			mcpserver.EnvCommandURL + "=" + b.cfg.CommandURL,
			mcpserver.EnvSessionKey + "=" + t.SessionKey,
		}
	}

	q, err := b.deps.LLM.Start(handle.Ctx, req)
	if err != nil {
		b.logger.Error().Err(err).Str("session", t.SessionKey).Msg("LLM start failed")
		_ = b.deps.Reactions.SetStatus(t.SessionKey, t.Channel, t.ThreadTS, reaction.StatusError)
		b.postSystemMessage(t.Channel, t.ThreadTS, "the agent could not be started — please try again")
		return
	}
	defer q.Close()

	started := time.Now()
	res, runErr := b.processor.Run(handle.Ctx, t, q)
	workflow := sess.Workflow
	if b.deps.Metrics != nil {
		b.deps.Metrics.ObserveTurnDuration(workflow, time.Since(started).Seconds())
	}

	// Release the single-flight slot before post-turn bookkeeping: the renew
	// continuation re-enters runTurn and must be admitted.
	finish()
	b.finishTurn(t, userID, res, runErr)
}

// finishTurn applies the post-stream bookkeeping for one turn.
func (b *Bridge) finishTurn(t stream.Target, userID string, res stream.Result, runErr error) {
	sess := b.deps.Sessions.Get(t.SessionKey)
	if sess == nil {
		return
	}
	workflow := sess.Workflow

	outcome := "success"
	switch {
	case runErr != nil:
		outcome = "error"
		b.logger.Error().Err(runErr).Str("session", t.SessionKey).Msg("stream failed")
		_ = b.deps.Reactions.SetStatus(t.SessionKey, t.Channel, t.ThreadTS, reaction.StatusError)
		b.postSystemMessage(t.Channel, t.ThreadTS, "the agent hit an error mid-turn — please try again")
	case res.Aborted:
		outcome = "aborted"
		_ = b.deps.Reactions.SetStatus(t.SessionKey, t.Channel, t.ThreadTS, reaction.StatusCancelled)
	case res.Success:
		_ = b.deps.Reactions.SetStatus(t.SessionKey, t.Channel, t.ThreadTS, reaction.StatusCompleted)
	default:
		outcome = "error"
		_ = b.deps.Reactions.SetStatus(t.SessionKey, t.Channel, t.ThreadTS, reaction.StatusError)
	}
	if b.deps.Metrics != nil {
		b.deps.Metrics.RecordTurn(workflow, outcome)
	}

	b.deps.Sessions.MarkMain(t.SessionKey, res.SessionID)
	b.deps.Sessions.Touch(t.SessionKey)

	if res.SessionID != "" {
		b.mu.Lock()
		llmSaver := b.threadLLMSaver
		b.mu.Unlock()
		if llmSaver != nil {
			llmSaver(sess.Channel, sess.ThreadTS, res.SessionID)
		}
	}

	if sess.ConversationID != "" && strings.TrimSpace(res.CollectedText) != "" {
		turnIndex := b.deps.Recorder.RecordAssistantTurn(sess.ConversationID, res.CollectedText)
		if b.deps.Summarize != nil {
			go b.summarizeTurn(sess.ConversationID, turnIndex, res.CollectedText)
		}
	}

	if runErr == nil && !res.Aborted {
		b.advanceRenew(t, userID, res)
	}

	b.renderPanel(t)
}

// classifyIfNeeded runs the dispatch classifier on a session's first
// message, applying workflow, title, and text-extracted links. A renewing
// session skips classification — its save/load turns are protocol-internal.
func (b *Bridge) classifyIfNeeded(ctx context.Context, t stream.Target, userID, prompt, forceWorkflow string) {
	sess := b.deps.Sessions.Get(t.SessionKey)
	if sess == nil || sess.RenewState != session.RenewNone {
		return
	}

	if sess.Workflow == "" {
		dr := b.deps.Dispatch.Dispatch(ctx, prompt)
		workflow := string(dr.Workflow)
		if forceWorkflow != "" {
			workflow = forceWorkflow
		}
		b.deps.Sessions.SetWorkflow(t.SessionKey, workflow)
		b.applyDispatchLinks(ctx, t.SessionKey, dr.Links)

		if sess.ConversationID == "" {
			id, err := b.deps.Recorder.CreateConversation(t.Channel, t.ThreadTS, userID, dr.Title, workflow)
			if err != nil {
				b.logger.Warn().Err(err).Msg("conversation create failed")
			} else {
				b.deps.Sessions.SetConversationID(t.SessionKey, id)
			}
		}
		return
	}

	if forceWorkflow != "" {
		b.deps.Sessions.SetWorkflow(t.SessionKey, forceWorkflow)
	}
}

func (b *Bridge) applyDispatchLinks(ctx context.Context, sessionKey string, l dispatch.Links) {
	for linkType, found := range map[session.LinkType]*linkscan.Found{
		session.LinkIssue: l.Issue,
		session.LinkPR:    l.PR,
		session.LinkDoc:   l.Doc,
	} {
		if found == nil {
			continue
		}
		link := session.Link{
			URL:      found.URL,
			Type:     linkType,
			Provider: string(found.Provider),
			Label:    found.Label,
		}
		if err := b.deps.Sessions.SetLink(sessionKey, link); err != nil {
			continue
		}
		if b.deps.Links != nil {
			go b.deps.Links.Refresh(ctx, sessionKey, link)
		}
	}
}

// advanceRenew moves the renew protocol along after a turn: in pending_save
// it tries the text fallback if the tool path did not fire, then either
// re-enters with the continuation prompt or surfaces a visible failure.
func (b *Bridge) advanceRenew(t stream.Target, userID string, res stream.Result) {
	sess := b.deps.Sessions.Get(t.SessionKey)
	if sess == nil || sess.RenewState == session.RenewNone {
		return
	}

	if sess.RenewState == session.RenewPendingSave {
		captured, err := b.deps.Renew.CaptureFromFallback(userID, t.SessionKey, res.CollectedText)
		if err != nil {
			b.logger.Warn().Err(err).Str("session", t.SessionKey).Msg("renew fallback capture failed")
		}
		if !captured {
			_ = b.deps.Renew.Fail(userID, t.SessionKey, renew.ErrNoSaveResult)
			if b.deps.Metrics != nil {
				b.deps.Metrics.RecordRenew("failed")
			}
			b.postSystemMessage(t.Channel, t.ThreadTS, "renew failed: the agent did not report a save result — the session is unchanged")
			return
		}
	}

	prompt, err := b.deps.Renew.ContinuationPrompt(t.SessionKey)
	if err != nil {
		b.logger.Warn().Err(err).Str("session", t.SessionKey).Msg("renew continuation failed")
		_ = b.deps.Renew.Fail(userID, t.SessionKey, err)
		if b.deps.Metrics != nil {
			b.deps.Metrics.RecordRenew("failed")
		}
		b.postSystemMessage(t.Channel, t.ThreadTS, "renew failed while preparing the reload — the session is unchanged")
		return
	}
	if b.deps.Metrics != nil {
		b.deps.Metrics.RecordRenew("completed")
	}
	// ContinuationPrompt has already reset the context; the load turn runs
	// as a fresh session.
	b.runTurn(context.Background(), t, userID, "", prompt, "")
}

// modelFor resolves the model for a turn: the user's persona preference,
// then the session's recorded model, then the default.
func (b *Bridge) modelFor(userID string, sess *session.Session) string {
	if b.deps.Personas != nil {
		if pref := b.deps.Personas.Get(userID); pref.Model != "" {
			b.deps.Sessions.SetModel(sess.Key, pref.Model)
			return pref.Model
		}
	}
	if sess.Model != "" {
		return sess.Model
	}
	return b.cfg.DefaultModel
}

// withHistory prepends recent thread history to the prompt of a session
// that lost its LLM-side context (fresh after restart or reset) so the
// conversation stays coherent across process restarts.
func (b *Bridge) withHistory(sess *session.Session, prompt, excludeTS string) string {
	if sess.LLMSessionID != "" || b.deps.History == nil || sess.ThreadTS == "" {
		return prompt
	}
	msgs, err := b.deps.History.GetThreadHistory(sess.Channel, sess.ThreadTS, 0)
	if err != nil || len(msgs) == 0 {
		return prompt
	}
	history := FormatThreadHistory(msgs, excludeTS)
	if history == "" {
		return prompt
	}
	return history + "\n\n" + prompt
}

// summarizeTurn lazily backfills a recorded assistant turn's title and
// 3-line summary through the cheap classification-grade model. Failures are
// logged and dropped; the raw turn is already on disk.
func (b *Bridge) summarizeTurn(conversationID string, turnIndex int, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	prompt := "Summarize the following assistant reply. First line: a title under 60 characters. Then at most 3 short summary lines.\n\n" + truncate(text, 4000)
	raw, err := b.deps.Summarize(ctx, b.deps.SummarizeModel, prompt)
	if err != nil {
		b.logger.Debug().Err(err).Msg("turn summary failed")
		return
	}

	lines := strings.SplitN(strings.TrimSpace(raw), "\n", 2)
	title := truncate(strings.TrimSpace(lines[0]), 60)
	summary := ""
	if len(lines) > 1 {
		summary = strings.TrimSpace(lines[1])
	}
	if title == "" {
		return
	}
	if err := b.deps.Recorder.UpdateAssistantSummary(conversationID, turnIndex, title, summary); err != nil {
		b.logger.Debug().Err(err).Msg("turn summary write failed")
	}
}

// postSystemMessage posts an operator/system notice to the thread and marks
// it with the ⚡ reaction so it reads as system output, not model output.
func (b *Bridge) postSystemMessage(channelID, threadTS, text string) {
	ts, err := b.poster.PostMessage(channelID, text, threadTS)
	if err != nil {
		b.logger.Warn().Err(err).Msg("failed to post system message")
		return
	}
	_ = b.poster.AddReaction(channelID, ts, "zap")
}

// TerminateSession tears a session fully down: cancel any in-flight stream,
// close pending forms, drop reactions, delete the entry and its persisted
// thread binding. Used by the `terminate`/`close` commands, the admin API,
// and the action panel's close button.
func (b *Bridge) TerminateSession(sessionKey string) bool {
	sess := b.deps.Sessions.Get(sessionKey)
	if sess == nil {
		return false
	}

	cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	b.deps.Coord.Cancel(cancelCtx, sessionKey)
	cancel()

	b.deps.Forms.Close(sessionKey)
	b.deps.Reactions.Clear(sessionKey)

	b.mu.Lock()
	delete(b.activeThreads, sess.Channel+":"+sess.ThreadTS)
	deleter := b.threadDeleter
	b.mu.Unlock()
	if deleter != nil && sess.ThreadTS != "" {
		deleter(sess.Channel, sess.ThreadTS)
	}

	ok := b.deps.Sessions.Terminate(sessionKey)
	b.updateSessionGauge()
	return ok
}

// CancelSession raises the cancellation signal on a session's in-flight
// request without tearing the session down.
func (b *Bridge) CancelSession(ctx context.Context, sessionKey string) bool {
	return b.deps.Coord.Cancel(ctx, sessionKey)
}

// ActiveThreads snapshots every tracked thread, for the shutdown broadcast.
func (b *Bridge) ActiveThreads() []ThreadRef {
	var out []ThreadRef
	for _, sess := range b.deps.Sessions.GetAll() {
		if sess.ThreadTS == "" {
			continue
		}
		out = append(out, ThreadRef{Channel: sess.Channel, ThreadTS: sess.ThreadTS})
	}
	return out
}

// ThreadRef names one active thread.
type ThreadRef struct {
	Channel  string
	ThreadTS string
}

func (b *Bridge) updateSessionGauge() {
	if b.deps.Metrics != nil {
		b.deps.Metrics.ActiveSessions.Set(float64(len(b.deps.Sessions.GetAll())))
	}
}

// renderPanel refreshes the session's action-panel message from current
// state; failures are logged and swallowed.
func (b *Bridge) renderPanel(t stream.Target) {
	if b.deps.Panel == nil {
		return
	}
	sess := b.deps.Sessions.Get(t.SessionKey)
	if sess == nil {
		return
	}

	badge := panel.BadgeIdle
	pendingQ := ""
	if p := b.deps.Forms.Get(t.SessionKey); p != nil {
		badge = panel.BadgeWaiting
		for _, q := range p.Questions {
			if _, answered := p.Selections[q.ID]; !answered {
				pendingQ = q.Question
				break
			}
		}
	} else if b.deps.Coord.IsRequestActive(t.SessionKey) {
		badge = panel.BadgeWorking
	}

	v := panel.View{
		SessionKey:     t.SessionKey,
		Channel:        t.Channel,
		ThreadTS:       t.ThreadTS,
		Workflow:       sess.Workflow,
		Badge:          badge,
		ContextPercent: sess.Usage.RemainingPercent(),
		PendingChoice:  pendingQ,
	}
	if err := b.deps.Panel.Render(v); err != nil {
		b.logger.Debug().Err(err).Str("session", t.SessionKey).Msg("panel render skipped")
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// sessionPayload is the JSON response GET_SESSION and a successful
// UPDATE_SESSION return to the model: the current snapshot plus its
// sequence number for the next optimistic-locked update.
type sessionPayload struct {
	OK      bool                            `json:"ok"`
	Session toolmap.SessionResourceSnapshot `json:"session"`
}

// ExecuteModelCommand backs mcpserver's Executor (bound via
// mcpserver.ExecutorFunc): it runs one
// model-command tool call against the live stores and returns the JSON
// payload the MCP server relays back to the model. Domain rejections
// (SEQUENCE_MISMATCH, INVALID_ARGS, CONTEXT_ERROR, ...) travel inside the
// payload's {ok,error} envelope so the model can observe them; a Go error
// is reserved for transport-level failure.
func (b *Bridge) ExecuteModelCommand(ctx context.Context, sessionKey, command string, args json.RawMessage) (any, error) {
	switch command {
	case toolmap.CmdGetSession:
		snap, ok := b.deps.Sessions.Snapshot(sessionKey)
		if !ok {
			return toolmap.Fail(toolmap.ErrContextError, "session not found", sessionKey), nil
		}
		return sessionPayload{OK: true, Session: snap}, nil

	case toolmap.CmdUpdateSession:
		var req toolmap.UpdateSessionRequest
		if err := json.Unmarshal(args, &req); err != nil {
			return toolmap.Fail(toolmap.ErrInvalidArgs, "malformed UPDATE_SESSION payload", err.Error()), nil
		}
		env, snap := b.deps.Sessions.ApplyResourceOperations(sessionKey, req)
		if !env.OK {
			b.logger.Debug().
				Str("code", env.Error.Code).
				Str("session", sessionKey).
				Msg("UPDATE_SESSION rejected")
			return env, nil
		}
		if b.deps.Links != nil {
			if sess := b.deps.Sessions.Get(sessionKey); sess != nil {
				go b.deps.Links.RefreshSession(context.Background(), sess)
			}
		}
		return sessionPayload{OK: true, Session: snap}, nil

	case toolmap.CmdAskUserQuestion:
		sess := b.deps.Sessions.Get(sessionKey)
		if sess == nil {
			return toolmap.Fail(toolmap.ErrContextError, "session not found", sessionKey), nil
		}
		t := stream.Target{SessionKey: sessionKey, Channel: sess.Channel, ThreadTS: sess.ThreadTS}

		sc, f, _, has := directive.ParseUserChoice(string(args))
		if !has {
			return toolmap.Fail(toolmap.ErrInvalidArgs, "unrecognized ASK_USER_QUESTION payload", ""), nil
		}
		cards := cardsAdapter{b}
		if sc != nil {
			ts, err := cards.PostChoice(t, *sc)
			if err != nil {
				_ = cards.PostFormFallback(t, form.FromSingleChoice(*sc), 0, 1)
				return toolmap.Ok(), nil
			}
			b.deps.Forms.Register(t.SessionKey, t.Channel, t.ThreadTS, ts, form.FromSingleChoice(*sc))
			return toolmap.Ok(), nil
		}
		chunks := form.Chunk(f.Questions)
		for i, questions := range chunks {
			ts, err := cards.PostFormChunk(t, questions, i, len(chunks))
			if err != nil {
				_ = cards.PostFormFallback(t, questions, i, len(chunks))
				continue
			}
			var pending *form.Pending
			if i == 0 {
				pending = b.deps.Forms.Register(t.SessionKey, t.Channel, t.ThreadTS, ts, questions)
			} else {
				pending = b.deps.Forms.RegisterChunk(t.SessionKey, t.Channel, t.ThreadTS, ts, questions)
			}
			pending.ChunkIndex = i
			pending.ChunkCount = len(chunks)
		}
		return toolmap.Ok(), nil

	case toolmap.CmdSaveContextResult:
		sess := b.deps.Sessions.Get(sessionKey)
		if sess == nil {
			return toolmap.Fail(toolmap.ErrContextError, "session not found", sessionKey), nil
		}
		if sess.RenewState != session.RenewPendingSave {
			return toolmap.Fail(toolmap.ErrInvalidCommand, "SAVE_CONTEXT_RESULT is only available while a renew save is pending", ""), nil
		}
		var wrapper struct {
			Result toolmap.SaveContextResult `json:"result"`
		}
		if err := json.Unmarshal(args, &wrapper); err != nil {
			return toolmap.Fail(toolmap.ErrInvalidArgs, "malformed SAVE_CONTEXT_RESULT payload", err.Error()), nil
		}
		if err := b.deps.Renew.CaptureFromTool(sess.Initiator, sessionKey, wrapper.Result); err != nil {
			return toolmap.Fail(toolmap.ErrContextError, "save result rejected", err.Error()), nil
		}
		return toolmap.Ok(), nil

	default:
		return toolmap.Fail(toolmap.ErrInvalidCommand, "unknown command", command), nil
	}
}

// isModelCommand reports whether a tool name is one of the model-command
// tool's four commands, tolerating the MCP-prefixed form the CLI reports
// for tools served by internal/mcpserver (mcp__session__GET_SESSION).
func isModelCommand(name string) (string, bool) {
	short := name
	if i := strings.LastIndex(name, "__"); i >= 0 {
		short = name[i+2:]
	}
	switch short {
	case toolmap.CmdGetSession, toolmap.CmdUpdateSession, toolmap.CmdAskUserQuestion, toolmap.CmdSaveContextResult:
		return short, true
	}
	return "", false
}

// sinkAdapter is the bridge's stream.Sink: every non-interactive Slack
// side-effect of a turn.
type sinkAdapter struct{ b *Bridge }

func (s sinkAdapter) SetWorking(t stream.Target) {
	_ = s.b.deps.Reactions.SetStatus(t.SessionKey, t.Channel, t.ThreadTS, reaction.StatusWorking)
}

func (s sinkAdapter) Todo(t stream.Target, input map[string]any) {
	text := formatTodos(input)
	if text == "" {
		return
	}
	if _, err := s.b.poster.PostMessage(t.Channel, text, t.ThreadTS); err != nil {
		s.b.logger.Warn().Err(err).Msg("failed to post todo update")
	}
}

func (s sinkAdapter) ToolUse(t stream.Target, u stream.ToolUseSummary) {
	if s.b.deps.Metrics != nil {
		s.b.deps.Metrics.RecordToolUse(u.ToolName)
	}
	// Model commands execute synchronously through the MCP server
	// (ExecuteModelCommand); the stream only observes them, so suppress the
	// human-facing summary line.
	if _, ok := isModelCommand(u.ToolName); ok {
		return
	}
	if _, err := s.b.poster.PostMessage(t.Channel, u.Summary, t.ThreadTS); err != nil {
		s.b.logger.Warn().Err(err).Msg("failed to post tool-use summary")
	}
}

func (s sinkAdapter) ToolResult(t stream.Target, toolUseID string, result llmsdk.ToolResult) {
	name, _ := s.b.deps.Tracker.ToolName(toolUseID)
	// Model-command responses already reached the model synchronously via
	// the MCP round trip; nothing to mirror into the thread.
	if _, ok := isModelCommand(name); ok {
		return
	}
	if result.IsError {
		s.b.postSystemMessage(t.Channel, t.ThreadTS, fmt.Sprintf("tool %s failed: %s", name, truncate(result.Content, 300)))
	}
}

func (s sinkAdapter) Text(t stream.Target, text string) {
	formatted := formatForSlack(text)
	for _, chunk := range splitMessage(formatted, maxSlackMessageLen) {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		if _, err := s.b.poster.PostMessage(t.Channel, chunk, t.ThreadTS); err != nil {
			s.b.logger.Warn().Err(err).Msg("failed to post assistant text")
		}
	}
}

func (s sinkAdapter) SessionLinks(t stream.Target, sl directive.SessionLinks) {
	for linkType, url := range map[session.LinkType]string{
		session.LinkIssue: sl.Jira,
		session.LinkPR:    sl.PR,
		session.LinkDoc:   sl.Doc,
	} {
		if url == "" {
			continue
		}
		provider, label := linkscan.Classify(url)
		link := session.Link{URL: url, Type: linkType, Provider: string(provider), Label: label}
		if err := s.b.deps.Sessions.SetLink(t.SessionKey, link); err != nil {
			continue
		}
		if s.b.deps.Links != nil {
			go s.b.deps.Links.Refresh(context.Background(), t.SessionKey, link)
		}
	}
}

func (s sinkAdapter) ChannelMessage(t stream.Target, text string) {
	if _, err := s.b.poster.PostMessage(t.Channel, formatForSlack(text), ""); err != nil {
		s.b.logger.Warn().Err(err).Msg("failed to post channel message")
	}
}

func (s sinkAdapter) Usage(t stream.Target, u session.TurnUsage, promptTooLong bool) {
	s.b.deps.Sessions.ApplyUsage(t.SessionKey, u)
	sess := s.b.deps.Sessions.Get(t.SessionKey)
	if sess == nil {
		return
	}
	_ = s.b.deps.Reactions.SetContextBucket(t.SessionKey, t.Channel, t.ThreadTS, sess.Usage.RemainingPercent(), promptTooLong)
}

// cardsAdapter is the bridge's stream.Cards: the interactive choice/form UI.
type cardsAdapter struct{ b *Bridge }

func (c cardsAdapter) PostChoice(t stream.Target, sc directive.SingleChoice) (string, error) {
	base := slackpkg.ActionValue{SessionKey: t.SessionKey}
	blocks := slackpkg.ChoiceCard(base, sc)
	return c.b.poster.PostBlocks(t.Channel, t.ThreadTS, sc.Question, blocks...)
}

func (c cardsAdapter) PostFormChunk(t stream.Target, questions []directive.FormQuestion, chunkIndex, chunkCount int) (string, error) {
	base := slackpkg.ActionValue{SessionKey: t.SessionKey}
	transient := &form.Pending{
		SessionKey: t.SessionKey,
		Questions:  questions,
		Selections: map[string]form.Selection{},
		ChunkIndex: chunkIndex,
		ChunkCount: chunkCount,
	}
	blocks := slackpkg.FormCard(base, transient, "")
	return c.b.poster.PostBlocks(t.Channel, t.ThreadTS, "질문이 있어요", blocks...)
}

func (c cardsAdapter) PostFormFallback(t stream.Target, questions []directive.FormQuestion, chunkIndex, chunkCount int) error {
	text := slackpkg.FormFallbackText(questions, chunkIndex, chunkCount)
	_, err := c.b.poster.PostMessage(t.Channel, text, t.ThreadTS)
	return err
}

// formatTodos renders a TodoWrite input as a compact checklist message.
func formatTodos(input map[string]any) string {
	items, ok := input["todos"].([]any)
	if !ok || len(items) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("📋 *Plan*\n")
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		content, _ := m["content"].(string)
		status, _ := m["status"].(string)
		marker := "☐"
		switch status {
		case "completed":
			marker = "☑"
		case "in_progress":
			marker = "▸"
		}
		sb.WriteString(fmt.Sprintf("%s %s\n", marker, content))
	}
	return strings.TrimRight(sb.String(), "\n")
}
