// Package stream is the Stream Processor: it drives one LLM SDK turn's
// event channel (internal/llmsdk) to completion, interpreting assistant
// text, tool-use, tool-result, and the terminal result event, and fans the
// turn's side-effects out to Slack through two small injected seams (Sink
// for plain posts, Cards for interactive choice/form UI).
package stream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/p-blackswan/sessionagent/internal/directive"
	"github.com/p-blackswan/sessionagent/internal/form"
	"github.com/p-blackswan/sessionagent/internal/llmsdk"
	"github.com/p-blackswan/sessionagent/internal/session"
	"github.com/p-blackswan/sessionagent/internal/toolmap"
)

// Target identifies where a turn's Slack-facing effects are delivered:
// the session key for bookkeeping, and the channel/thread for posting.
type Target struct {
	SessionKey string
	Channel    string
	ThreadTS   string
}

// ToolUseSummary is the human-formatted line posted when a tool runs,
// carrying the raw input for sinks that interpret the call (the
// model-command tool) rather than display it.
type ToolUseSummary struct {
	ToolUseID string
	ToolName  string
	Summary   string
	Input     map[string]any
}

// Sink receives every non-interactive Slack-facing effect of a turn. Sink
// implementations are responsible for their own error handling — a Slack
// API failure is logged and the turn proceeds regardless, so Sink methods
// do not return errors to the Processor.
type Sink interface {
	SetWorking(t Target)
	Todo(t Target, input map[string]any)
	ToolUse(t Target, s ToolUseSummary)
	ToolResult(t Target, toolUseID string, result llmsdk.ToolResult)
	Text(t Target, text string)
	SessionLinks(t Target, sl directive.SessionLinks)
	ChannelMessage(t Target, text string)
	Usage(t Target, u session.TurnUsage, promptTooLong bool)
}

// Cards renders the interactive choice/form UI and reports the posted
// message timestamp so the Processor can register a pending form against
// it. Returning an error signals a size/validation failure; the Processor
// falls back to PostFormFallback
type Cards interface {
	PostChoice(t Target, sc directive.SingleChoice) (messageTS string, err error)
	PostFormChunk(t Target, questions []directive.FormQuestion, chunkIndex, chunkCount int) (messageTS string, err error)
	PostFormFallback(t Target, questions []directive.FormQuestion, chunkIndex, chunkCount int) error
}

// TodoWrite is the tool name the Stream Processor forwards to Sink.Todo
// specifically
const TodoWrite = "TodoWrite"

// ExternalCallClearDelay is how long after a tool result is delivered the
// Tool Tracker's external-call-id mapping is cleared, giving a result
// formatter a brief window to still look it up.
const ExternalCallClearDelay = 5 * time.Second

// Processor drives one turn's event stream for a session.
type Processor struct {
	sink    Sink
	cards   Cards
	tracker *toolmap.Tracker
	forms   *form.Coordinator
}

// New creates a Processor wired to its collaborators.
func New(sink Sink, cards Cards, tracker *toolmap.Tracker, forms *form.Coordinator) *Processor {
	return &Processor{sink: sink, cards: cards, tracker: tracker, forms: forms}
}

// Result is what Run returns once the turn completes or is aborted.
type Result struct {
	Success       bool
	MessageCount  int
	Aborted       bool
	CollectedText string // pre-directive-strip text, so the Renew fallback scan in internal/renew can find save_result
	SessionID     string // LLM-SDK-side session id from the result event
	Usage         *session.TurnUsage
	HasUserChoice bool
}

// Run consumes q's event channel until it closes — after exactly one
// ResultEvent — or ctx is cancelled. On cancellation it returns cleanly
// with Aborted=true and no further side-effects
func (p *Processor) Run(ctx context.Context, t Target, q *llmsdk.Query) (Result, error) {
	var res Result
	var collected strings.Builder
	var pendingSingle *directive.SingleChoice
	var pendingForm *directive.Form

	for {
		select {
		case <-ctx.Done():
			res.Aborted = true
			res.CollectedText = collected.String()
			return res, nil

		case ev, ok := <-q.Messages():
			if !ok {
				res.CollectedText = collected.String()
				return res, nil
			}
			res.MessageCount++

			switch ev.Type {
			case llmsdk.EventAssistant:
				if ev.Assistant == nil {
					continue
				}
				sc, f, raw := p.handleAssistant(t, *ev.Assistant)
				collected.WriteString(raw)
				if sc != nil {
					pendingSingle, pendingForm = sc, nil
				} else if f != nil {
					pendingForm, pendingSingle = f, nil
				}

			case llmsdk.EventUser:
				if ev.User != nil {
					p.handleUser(t, *ev.User)
				}

			case llmsdk.EventResult:
				if ev.Result == nil {
					continue
				}
				res.Success = ev.Result.Subtype == llmsdk.ResultSuccess
				res.SessionID = ev.Result.SessionID
				if ev.Result.Subtype == llmsdk.ResultSuccess && ev.Result.Result != "" &&
					!strings.Contains(collected.String(), ev.Result.Result) {
					sc, f, raw := p.processText(t, ev.Result.Result)
					collected.WriteString(raw)
					if sc != nil {
						pendingSingle, pendingForm = sc, nil
					} else if f != nil {
						pendingForm, pendingSingle = f, nil
					}
				}

				agg := llmsdk.AggregatedUsage(*ev.Result)
				u := session.TurnUsage{
					CurrentInput:       agg.InputTokens,
					CurrentOutput:      agg.OutputTokens,
					CurrentCacheRead:   agg.CacheReadInputTokens,
					CurrentCacheCreate: agg.CacheCreationInputTokens,
					ContextWindow:      agg.ContextWindow,
					CostUSD:            agg.CostUSD,
				}
				res.Usage = &u
				promptTooLong := ev.Result.IsError && strings.Contains(strings.ToLower(ev.Result.Result), "prompt is too long")
				p.sink.Usage(t, u, promptTooLong)

				res.CollectedText = collected.String()
				if pendingSingle != nil {
					res.HasUserChoice = true
					p.postSingleChoice(t, *pendingSingle)
				} else if pendingForm != nil {
					res.HasUserChoice = true
					p.postForm(t, *pendingForm)
				}
				return res, nil
			}
		}
	}
}

// handleAssistant implements the assistant-event branch: if
// any content block is a tool use, the whole event is treated as tool
// activity (working status, TodoWrite detection, tool-use summaries, and
// tracker registration); otherwise every text block is concatenated and run
// through the directive pipeline.
func (p *Processor) handleAssistant(t Target, ev llmsdk.AssistantEvent) (*directive.SingleChoice, *directive.Form, string) {
	hasToolUse := false
	for _, b := range ev.Content {
		if b.IsToolUse() {
			hasToolUse = true
			break
		}
	}

	if hasToolUse {
		p.sink.SetWorking(t)
		for _, b := range ev.Content {
			if !b.IsToolUse() {
				continue
			}
			p.tracker.RegisterToolUse(b.ToolUseID, b.ToolName)
			if b.ToolName == TodoWrite {
				p.sink.Todo(t, b.ToolInput)
			}
			p.sink.ToolUse(t, ToolUseSummary{
				ToolUseID: b.ToolUseID,
				ToolName:  b.ToolName,
				Summary:   summarizeToolUse(b),
				Input:     b.ToolInput,
			})
		}
		return nil, nil, ""
	}

	var text strings.Builder
	for _, b := range ev.Content {
		if b.IsText() {
			text.WriteString(b.Text)
		}
	}
	return p.processText(t, text.String())
}

// handleUser forwards each delivered tool result to the sink and schedules
// the tracker's external-call-id cleanup step 2.
func (p *Processor) handleUser(t Target, ev llmsdk.UserEvent) {
	for _, result := range ev.Results {
		p.sink.ToolResult(t, result.ToolUseID, result)
		p.tracker.ClearExternalCallAfter(result.ToolUseID, ExternalCallClearDelay)
	}
}

// processText runs the fixed directive pipeline — session-links, then
// channel-message, then user-choice — stripping each consumed directive
// from the displayed text. The remaining text is posted verbatim only if
// non-empty and no choice directive was found. It returns the raw,
// pre-strip text so the caller can build the Renew-compatible
// CollectedText.
func (p *Processor) processText(t Target, text string) (*directive.SingleChoice, *directive.Form, string) {
	raw := text
	remaining := text

	if sl, stripped, ok := directive.ParseSessionLinks(remaining); ok {
		remaining = stripped
		p.sink.SessionLinks(t, *sl)
	}

	if cm, stripped, ok := directive.ParseChannelMessage(remaining); ok {
		remaining = stripped
		p.sink.ChannelMessage(t, cm.Text)
	}

	sc, f, stripped, hasChoice := directive.ParseUserChoice(remaining)
	if hasChoice {
		remaining = stripped
	}

	if display := strings.TrimSpace(remaining); display != "" && !hasChoice {
		p.sink.Text(t, display)
	}

	return sc, f, raw
}

// postSingleChoice renders a single-question choice card and registers it
// as the session's one pending form.
func (p *Processor) postSingleChoice(t Target, sc directive.SingleChoice) {
	questions := form.FromSingleChoice(sc)
	messageTS, err := p.cards.PostChoice(t, sc)
	if err != nil {
		_ = p.cards.PostFormFallback(t, questions, 0, 1)
		return
	}
	p.forms.Register(t.SessionKey, t.Channel, t.ThreadTS, messageTS, questions)
}

// postForm implements form-chunking: a form with more questions
// than form.MaxQuestionsPerChunk is split into sequential "(i/N)" messages.
// Only chunk 1's registration invalidates any prior pending form for the
// session; chunks 2..N register alongside it so each remains independently
// answerable.
func (p *Processor) postForm(t Target, f directive.Form) {
	chunks := form.Chunk(f.Questions)
	n := len(chunks)
	for i, questions := range chunks {
		messageTS, err := p.cards.PostFormChunk(t, questions, i, n)
		if err != nil {
			_ = p.cards.PostFormFallback(t, questions, i, n)
			continue
		}
		var pending *form.Pending
		if i == 0 {
			pending = p.forms.Register(t.SessionKey, t.Channel, t.ThreadTS, messageTS, questions)
		} else {
			pending = p.forms.RegisterChunk(t.SessionKey, t.Channel, t.ThreadTS, messageTS, questions)
		}
		pending.ChunkIndex = i
		pending.ChunkCount = n
	}
}

// summarizeToolUse renders a one-line human summary of a tool invocation
// for the Slack thread, e.g. "🔧 Bash: go test ./...".
func summarizeToolUse(b llmsdk.ContentBlock) string {
	if arg, ok := firstStringArg(b.ToolInput); ok {
		return fmt.Sprintf("🔧 %s: %s", b.ToolName, truncate(arg, 120))
	}
	return fmt.Sprintf("🔧 %s", b.ToolName)
}

// firstStringArg picks a representative argument to show in the summary,
// preferring the conventional keys tools use for their primary argument.
func firstStringArg(input map[string]any) (string, bool) {
	for _, key := range []string{"command", "path", "file_path", "query", "prompt", "url"} {
		if v, ok := input[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
