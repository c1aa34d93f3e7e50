// Package command is the Command Router: textual dispatch of known
// keywords, independently of the LLM. Parsing is a mention-stripping regex
// plus a first-word switch on strings.Fields.
package command

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/p-blackswan/sessionagent/internal/linkscan"
	"github.com/p-blackswan/sessionagent/internal/persona"
	"github.com/p-blackswan/sessionagent/internal/session"
)

var mentionRe = regexp.MustCompile(`<@[A-Z0-9]+>`)

// Coordinator reports whether a request is in flight, for commands that
// must refuse to run while one is active (`new`, `onboarding`).
type Coordinator interface {
	IsRequestActive(sessionKey string) bool
}

// Renew starts the save→reset→load protocol; the Command Router only triggers it.
type Renew interface {
	Start(userID, sessionKey, continuationPrompt string) error
}

// Request is the inbound context every command handler receives.
type Request struct {
	UserID     string
	Channel    string
	ThreadTS   string
	SessionKey string
	Text       string // full message text, mention already stripped by Dispatch
}

// Result is what a handler (and Dispatch) returns: whether the message was
// fully handled, an optional prompt to continue into the streaming engine
// with, an optional workflow override, and an optional direct reply.
type Result struct {
	Handled            bool
	ContinueWithPrompt string
	ForceWorkflow      string
	Reply              string
	ReplyPublic        bool // post to channel instead of ephemeral
	ConfirmClose       bool // `close`: the caller posts keep/close confirm buttons
}

func handledReply(text string) Result { return Result{Handled: true, Reply: text} }

// Router dispatches recognized command keywords. Unset optional
// dependencies degrade their commands to an explanatory reply rather than
// panicking, so a partially wired Router is still safe to use.
type Router struct {
	sessions  *session.Store
	coord     Coordinator
	renew     Renew
	personas  *persona.Store
	mcpPath   string
	terminate func(sessionKey string) bool

	mu     sync.Mutex
	bypass map[string]bool
}

// New builds a Router. mcpPath is the path to mcp-servers.json;
// personas may be nil if no persona directory is configured.
func New(sessions *session.Store, coord Coordinator, renew Renew, personas *persona.Store, mcpPath string) *Router {
	return &Router{
		sessions: sessions,
		coord:    coord,
		renew:    renew,
		personas: personas,
		mcpPath:  mcpPath,
		bypass:   make(map[string]bool),
	}
}

// SetTerminator routes `terminate` through the full session teardown
// (cancel in-flight request, drop reactions, delete persisted thread) owned
// by the pipeline, instead of the store-only removal used as fallback.
func (r *Router) SetTerminator(fn func(sessionKey string) bool) {
	r.terminate = fn
}

var reservedFirstWords = map[string]bool{
	"cwd": true, "mcp": true, "bypass": true, "persona": true, "model": true,
	"sessions": true, "all_sessions": true, "terminate": true, "close": true,
	"new": true, "onboarding": true, "context": true, "renew": true,
	"link": true, "help": true,
}

// Dispatch parses text and runs the matching handler. Returns
// Result{Handled:false} if text is not a recognized command at all (the
// ordinary message path should forward it to the Session Store / Dispatch
// Service instead). A message starting with `/` or a reserved first word
// that fails to parse is handled with an "unrecognized command" reply.
func (r *Router) Dispatch(req Request) Result {
	text := strings.TrimSpace(mentionRe.ReplaceAllString(req.Text, ""))
	if text == "" {
		return Result{}
	}

	fields := strings.Fields(text)
	first := strings.ToLower(fields[0])
	rest := strings.TrimSpace(strings.TrimPrefix(text, fields[0]))

	looksLikeCommand := strings.HasPrefix(text, "/") || reservedFirstWords[first]
	first = strings.TrimPrefix(first, "/")

	switch first {
	case "cwd":
		return r.cmdCwd(req)
	case "mcp":
		return r.cmdMCP(req, rest)
	case "bypass":
		return r.cmdBypass(req)
	case "persona":
		return r.cmdPersona(req, rest)
	case "model":
		return r.cmdModel(req, rest)
	case "sessions":
		return r.cmdSessions(req, rest, false)
	case "all_sessions":
		return r.cmdSessions(req, rest, true)
	case "terminate":
		return r.cmdTerminate(req, rest)
	case "close":
		return r.cmdClose(req)
	case "new":
		return r.cmdNew(req, rest, "")
	case "onboarding":
		return r.cmdNew(req, rest, "onboarding")
	case "context":
		return r.cmdContext(req)
	case "renew":
		return r.cmdRenew(req, rest)
	case "link":
		return r.cmdLink(req, rest)
	case "help":
		return r.cmdHelp()
	}

	if looksLikeCommand {
		return handledReply(fmt.Sprintf("unrecognized command: %q — try `help`", first))
	}
	return Result{}
}

func (r *Router) cmdCwd(req Request) Result {
	sess := r.sessions.Get(req.SessionKey)
	if sess == nil || sess.WorkingDir == "" {
		return handledReply("working directory is not set for this session")
	}
	return handledReply(fmt.Sprintf("working directory: `%s` (fixed; cannot be changed)", sess.WorkingDir))
}

func (r *Router) cmdMCP(req Request, rest string) Result {
	if strings.ToLower(strings.TrimSpace(rest)) == "reload" {
		if err := validateMCPFile(r.mcpPath); err != nil {
			return handledReply(fmt.Sprintf("mcp reload failed: %v", err))
		}
		return handledReply("external tool-server configuration reloaded")
	}
	desc, err := describeMCPFile(r.mcpPath)
	if err != nil {
		return handledReply(fmt.Sprintf("could not read mcp configuration: %v", err))
	}
	return handledReply(desc)
}

func (r *Router) cmdBypass(req Request) Result {
	r.mu.Lock()
	r.bypass[req.UserID] = !r.bypass[req.UserID]
	on := r.bypass[req.UserID]
	r.mu.Unlock()
	if on {
		return handledReply("permission-bypass enabled for you")
	}
	return handledReply("permission-bypass disabled for you")
}

// IsBypassed reports the current bypass flag for a user, consumed by the
// tool-permission UI.
func (r *Router) IsBypassed(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bypass[userID]
}

func (r *Router) cmdPersona(req Request, rest string) Result {
	if r.personas == nil {
		return handledReply("no personas configured")
	}
	name := strings.TrimSpace(rest)
	if name == "" {
		pref := r.personas.Get(req.UserID)
		return handledReply(fmt.Sprintf("current persona: %s (model: %s)\n\n%s", pref.Persona, pref.Model, r.personas.Describe()))
	}
	if err := r.personas.SetPersona(req.UserID, name); err != nil {
		return handledReply(err.Error())
	}
	return handledReply(fmt.Sprintf("persona set to %s", name))
}

func (r *Router) cmdModel(req Request, rest string) Result {
	if r.personas == nil {
		return handledReply("no model preference store configured")
	}
	model := strings.TrimSpace(rest)
	if model == "" {
		pref := r.personas.Get(req.UserID)
		return handledReply(fmt.Sprintf("current model: %s", pref.Model))
	}
	r.personas.SetModel(req.UserID, model)
	return handledReply(fmt.Sprintf("model set to %s", model))
}

func (r *Router) cmdSessions(req Request, rest string, all bool) Result {
	public := strings.TrimSpace(strings.ToLower(rest)) == "public"
	var lines []string
	for _, sess := range r.sessions.GetAll() {
		if !all && sess.Owner != req.UserID {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s (%s, %s)", sess.Key, sess.Workflow, sess.State))
	}
	sort.Strings(lines)
	if len(lines) == 0 {
		return Result{Handled: true, Reply: "no sessions found", ReplyPublic: public}
	}
	return Result{Handled: true, Reply: strings.Join(lines, "\n"), ReplyPublic: public}
}

func (r *Router) cmdTerminate(req Request, rest string) Result {
	key := strings.TrimSpace(rest)
	if key == "" {
		return handledReply("usage: terminate <sessionKey>")
	}
	sess := r.sessions.Get(key)
	if sess == nil {
		return handledReply(fmt.Sprintf("no such session: %s", key))
	}
	if sess.Owner != req.UserID {
		return handledReply("only the session owner may terminate it")
	}
	if r.terminate != nil {
		r.terminate(key)
	} else {
		r.sessions.Terminate(key)
	}
	return handledReply(fmt.Sprintf("session %s terminated", key))
}

func (r *Router) cmdClose(req Request) Result {
	sess := r.sessions.Get(req.SessionKey)
	if sess == nil {
		return handledReply("no session on this thread")
	}
	if sess.Owner != req.UserID {
		return handledReply("only the session owner may close it")
	}
	return Result{Handled: true, ConfirmClose: true}
}

func (r *Router) cmdNew(req Request, rest, forceWorkflow string) Result {
	if r.coord != nil && r.coord.IsRequestActive(req.SessionKey) {
		return handledReply("a request is already in progress on this thread")
	}
	r.sessions.ResetContext(req.SessionKey)

	prompt := strings.TrimSpace(rest)
	if forceWorkflow == "onboarding" && prompt == "" {
		prompt = "안녕하세요! 온보딩을 시작할게요."
	}

	return Result{Handled: true, ContinueWithPrompt: prompt, ForceWorkflow: forceWorkflow}
}

func (r *Router) cmdContext(req Request) Result {
	sess := r.sessions.Get(req.SessionKey)
	if sess == nil {
		return handledReply("no session on this thread")
	}
	u := sess.Usage
	return handledReply(fmt.Sprintf(
		"context window: %d remaining (%.1f%%)\ninput: %d, output: %d, cache read: %d, cache create: %d\ntotal cost: $%.4f",
		u.ContextWindow, u.RemainingPercent(), u.CurrentInput, u.CurrentOutput, u.CurrentCacheRead, u.CurrentCacheCreate, u.TotalCostUSD,
	))
}

func (r *Router) cmdRenew(req Request, rest string) Result {
	if r.renew == nil {
		return handledReply("renew is not available")
	}
	if err := r.renew.Start(req.UserID, req.SessionKey, strings.TrimSpace(rest)); err != nil {
		return handledReply(fmt.Sprintf("could not start renew: %v", err))
	}
	return handledReply("saving context before renewing session…")
}

func (r *Router) cmdLink(req Request, rest string) Result {
	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return handledReply("usage: link issue|pr|doc <url>")
	}
	kind := strings.ToLower(fields[0])
	url := fields[1]

	var linkType session.LinkType
	switch kind {
	case "issue":
		linkType = session.LinkIssue
	case "pr":
		linkType = session.LinkPR
	case "doc":
		linkType = session.LinkDoc
	default:
		return handledReply("usage: link issue|pr|doc <url>")
	}

	provider, label := linkscan.Classify(url)
	err := r.sessions.SetLink(req.SessionKey, session.Link{
		URL:      url,
		Type:     linkType,
		Provider: string(provider),
		Label:    label,
	})
	if err != nil {
		return handledReply(fmt.Sprintf("could not attach link: %v", err))
	}
	return handledReply(fmt.Sprintf("attached %s link: %s", kind, label))
}

func (r *Router) cmdHelp() Result {
	return handledReply(strings.TrimSpace(`
Available commands:
  cwd                 show the fixed working directory
  mcp / mcp reload     show or reload external tool-server configuration
  bypass               toggle per-user permission bypass
  persona [name]       read/list or set your prompt persona
  model [name]         read or set your LLM model
  sessions [public]     list your sessions
  all_sessions          list every session
  terminate <key>       owner-only session deletion
  close                 owner-only termination of this thread's session
  new [prompt]          reset this session's context
  onboarding [prompt]    reset and force the onboarding workflow
  context               show context-window usage and cost
  renew [prompt]         save → reset → load this session
  link issue|pr|doc <url>  attach a link to this session
  help                   this text
`))
}
