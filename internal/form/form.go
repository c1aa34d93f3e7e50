// Package form bridges user_choice/user_choices directives (see
// internal/directive) to Slack interactive cards and back into the message
// pipeline as a synthetic user turn.
package form

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/p-blackswan/sessionagent/internal/directive"
)

// Selection records one answered question.
type Selection struct {
	ChoiceID string
	Label    string
	FreeText string // set instead of ChoiceID/Label when answered via the free-text escape
}

// Pending is one active (or just-closed) form awaiting Slack interaction.
type Pending struct {
	FormID     string
	SessionKey string
	Channel    string
	ThreadTS   string
	MessageTS  string
	Questions  []directive.FormQuestion
	Selections map[string]Selection // questionId -> selection
	CreatedAt  time.Time
	Closed     bool

	ChunkIndex int // 0-based; 0 for an unchunked form
	ChunkCount int // set by the caller after Register/RegisterChunk; 0 or 1 for an unchunked form
}

// Complete reports whether every question has a selection.
func (p *Pending) Complete() bool {
	return len(p.Selections) >= len(p.Questions)
}

// Coordinator tracks at most one active pending form per session.
type Coordinator struct {
	mu        sync.Mutex
	bySession map[string]*Pending
	byFormID  map[string]*Pending
	seq       uint64
}

// New creates an empty Coordinator.
func New() *Coordinator {
	return &Coordinator{
		bySession: make(map[string]*Pending),
		byFormID:  make(map[string]*Pending),
	}
}

// Register creates a new pending form for sessionKey, invalidating (marking
// closed) any prior pending form for that session first — at most one form
// is interactive per session at a time. Used for a single-question choice
// and for chunk 1 of a multi-chunk form.
func (c *Coordinator) Register(sessionKey, channel, threadTS, messageTS string, questions []directive.FormQuestion) *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeAllForSessionLocked(sessionKey)

	p := c.newPendingLocked(sessionKey, channel, threadTS, messageTS, questions)
	c.bySession[sessionKey] = p
	return p
}

// RegisterChunk registers an additional pending form for chunks 2..N of a
// multi-chunk form submission, without invalidating the forms already
// registered for the session — only chunk 1 invalidates
// prior forms. Each chunk remains independently answerable by its own
// formID even though Get only ever reports the most recently posted chunk
// as "current".
func (c *Coordinator) RegisterChunk(sessionKey, channel, threadTS, messageTS string, questions []directive.FormQuestion) *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.newPendingLocked(sessionKey, channel, threadTS, messageTS, questions)
	c.bySession[sessionKey] = p
	return p
}

func (c *Coordinator) newPendingLocked(sessionKey, channel, threadTS, messageTS string, questions []directive.FormQuestion) *Pending {
	c.seq++
	p := &Pending{
		FormID:     fmt.Sprintf("form-%d", c.seq),
		SessionKey: sessionKey,
		Channel:    channel,
		ThreadTS:   threadTS,
		MessageTS:  messageTS,
		Questions:  questions,
		Selections: make(map[string]Selection),
		CreatedAt:  time.Now(),
	}
	c.byFormID[p.FormID] = p
	return p
}

// closeAllForSessionLocked marks every pending form (across all chunks)
// belonging to sessionKey as closed and drops them from byFormID. Callers
// must hold c.mu.
func (c *Coordinator) closeAllForSessionLocked(sessionKey string) {
	for id, p := range c.byFormID {
		if p.SessionKey == sessionKey && !p.Closed {
			p.Closed = true
			delete(c.byFormID, id)
		}
	}
	delete(c.bySession, sessionKey)
}

// FromSingleChoice builds the single question-list for a SingleChoice
// directive, suitable for Register.
func FromSingleChoice(sc directive.SingleChoice) []directive.FormQuestion {
	return []directive.FormQuestion{{ID: "q1", Question: sc.Question, Choices: sc.Choices, Context: sc.Context}}
}

// Get returns the pending form for sessionKey, if any and not closed.
func (c *Coordinator) Get(sessionKey string) *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.bySession[sessionKey]
	if !ok || p.Closed {
		return nil
	}
	return p
}

// GetByMessage returns the pending form posted as messageTS for sessionKey,
// if any — the resolution path for button clicks, which know their message
// but not the form ID assigned after posting. Works for every live chunk of
// a chunked form, not just the most recently posted one.
func (c *Coordinator) GetByMessage(sessionKey, messageTS string) *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.byFormID {
		if p.SessionKey == sessionKey && p.MessageTS == messageTS && !p.Closed {
			return p
		}
	}
	return nil
}

// ErrNotFound is returned by Answer when there is no active pending form
// matching the given formID for the session.
var ErrNotFound = fmt.Errorf("form: no active pending form")

// Answer records a selection for questionID on the form identified by
// formID. Returns the pending form (for re-rendering) and whether all
// questions are now answered.
func (c *Coordinator) Answer(sessionKey, formID, questionID string, sel Selection) (*Pending, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.byFormID[formID]
	if !ok || p.Closed || p.SessionKey != sessionKey {
		return nil, false, ErrNotFound
	}
	p.Selections[questionID] = sel
	complete := p.Complete()
	if complete {
		delete(c.byFormID, formID)
		if c.bySession[sessionKey] == p {
			delete(c.bySession, sessionKey)
		}
	}
	return p, complete, nil
}

// Close marks every pending form for sessionKey as closed without requiring
// completion, e.g. when the session is reset or terminated.
func (c *Coordinator) Close(sessionKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeAllForSessionLocked(sessionKey)
}

// ProgressIndicator renders the filled●/empty○ progress dots for a form.
func ProgressIndicator(p *Pending) string {
	var b strings.Builder
	for _, q := range p.Questions {
		if _, answered := p.Selections[q.ID]; answered {
			b.WriteString("●")
		} else {
			b.WriteString("○")
		}
	}
	return b.String()
}

// CompositeAnswer assembles the newline-joined composite user-text for a
// completed multi-question form: "Q1: id. label\nQ2: (직접입력) text\n…".
func CompositeAnswer(p *Pending) string {
	var lines []string
	for i, q := range p.Questions {
		sel, ok := p.Selections[q.ID]
		if !ok {
			continue
		}
		label := fmt.Sprintf("Q%d", i+1)
		if sel.FreeText != "" {
			lines = append(lines, fmt.Sprintf("%s: (직접입력) %s", label, sel.FreeText))
		} else {
			lines = append(lines, fmt.Sprintf("%s: %s. %s", label, sel.ChoiceID, sel.Label))
		}
	}
	return strings.Join(lines, "\n")
}

// Receipt renders the single-choice click receipt: "✅ question / selection".
func Receipt(question, selectionLabel string) string {
	return fmt.Sprintf("✅ %s / %s", question, selectionLabel)
}

// MaxQuestionsPerChunk is the form-chunking threshold so total rendered
// Slack blocks stay at or below 50, empirically 6 questions per message.
const MaxQuestionsPerChunk = 6

// Chunk splits a form's questions into chunks of at most
// MaxQuestionsPerChunk, for multi-message rendering of large forms.
func Chunk(questions []directive.FormQuestion) [][]directive.FormQuestion {
	if len(questions) <= MaxQuestionsPerChunk {
		return [][]directive.FormQuestion{questions}
	}
	var chunks [][]directive.FormQuestion
	for i := 0; i < len(questions); i += MaxQuestionsPerChunk {
		end := i + MaxQuestionsPerChunk
		if end > len(questions) {
			end = len(questions)
		}
		chunks = append(chunks, questions[i:end])
	}
	return chunks
}

// ChunkLabel renders the "(i/N)" suffix used on chunked form messages.
func ChunkLabel(i, n int) string {
	return fmt.Sprintf("(%d/%d)", i+1, n)
}
