// Package panel renders the per-thread session dashboard: a single message
// under the thread, posted on first render and updated in place thereafter,
// reflecting workflow, status badge, context percent, and the active tool.
// Rendering is idempotent by render key — a hash of the block payload — so a
// re-render with unchanged state is a no-op and causes no Slack churn.
package panel

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/p-blackswan/sessionagent/internal/session"
)

// Poster is the minimal Slack surface the panel needs.
type Poster interface {
	PostBlocks(channel, threadTS, fallbackText string, blocks ...slack.Block) (string, error)
	UpdateBlocks(channel, messageTS, fallbackText string, blocks ...slack.Block) error
}

// StatusBadge is the panel's coarse session status.
type StatusBadge string

const (
	BadgeWorking  StatusBadge = "working"
	BadgeWaiting  StatusBadge = "waiting" // a pending choice form awaits the user
	BadgeIdle     StatusBadge = "idle"
	BadgeBusy     StatusBadge = "busy" // request refused, one already in flight
	BadgeDisabled StatusBadge = "disabled"
)

var badgeIcon = map[StatusBadge]string{
	BadgeWorking:  "⚙️",
	BadgeWaiting:  "⏸️",
	BadgeIdle:     "💤",
	BadgeBusy:     "🔒",
	BadgeDisabled: "🚫",
}

// View is one render's input: the slice of session state the dashboard shows.
type View struct {
	SessionKey     string
	Channel        string
	ThreadTS       string
	Workflow       string
	Badge          StatusBadge
	ContextPercent float64 // remaining percent, [0,100]
	ActiveTool     string
	PendingChoice  string // question text of the pending form, if any
}

// Manager owns panel rendering for all sessions. The render key and message
// timestamp live on the session (single-writer via the session store).
type Manager struct {
	poster   Poster
	sessions *session.Store
}

// New creates a Manager.
func New(poster Poster, sessions *session.Store) *Manager {
	return &Manager{poster: poster, sessions: sessions}
}

// Render posts or updates the panel message for v's session. Unchanged
// payloads short-circuit before any Slack call.
func (m *Manager) Render(v View) error {
	blocks := buildBlocks(v)
	key := renderKey(blocks)

	state, ok := m.sessions.PanelState(v.SessionKey)
	if !ok {
		return fmt.Errorf("panel: session not found: %s", v.SessionKey)
	}
	if state.RenderKey == key && state.MessageTS != "" {
		return nil
	}

	fallback := fmt.Sprintf("session %s — %s", v.SessionKey, v.Badge)
	if state.MessageTS == "" {
		ts, err := m.poster.PostBlocks(v.Channel, v.ThreadTS, fallback, blocks...)
		if err != nil {
			return err
		}
		m.sessions.SetPanelState(v.SessionKey, session.ActionPanelState{MessageTS: ts, RenderKey: key})
		return nil
	}

	if err := m.poster.UpdateBlocks(v.Channel, state.MessageTS, fallback, blocks...); err != nil {
		return err
	}
	m.sessions.SetPanelState(v.SessionKey, session.ActionPanelState{MessageTS: state.MessageTS, RenderKey: key})
	return nil
}

// renderKey hashes the marshalled block payload.
func renderKey(blocks []slack.Block) string {
	b, _ := json.Marshal(blocks)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

func contextChip(remaining float64) string {
	filled := int(remaining / 10)
	if filled < 0 {
		filled = 0
	}
	if filled > 10 {
		filled = 10
	}
	return fmt.Sprintf("`%s%s` %.0f%%", strings.Repeat("█", filled), strings.Repeat("░", 10-filled), remaining)
}

func buildBlocks(v View) []slack.Block {
	workflow := v.Workflow
	if workflow == "" {
		workflow = "—"
	}

	var fields []string
	fields = append(fields, fmt.Sprintf("%s *%s*", badgeIcon[v.Badge], v.Badge))
	fields = append(fields, fmt.Sprintf("workflow: `%s`", workflow))
	fields = append(fields, "context: "+contextChip(v.ContextPercent))
	if v.ActiveTool != "" {
		fields = append(fields, fmt.Sprintf("tool: 🔧 `%s`", v.ActiveTool))
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", strings.Join(fields, "  ·  "), false, false),
			nil, nil,
		),
	}

	if v.PendingChoice != "" {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("⏳ waiting on: %s", v.PendingChoice), false, false),
		))
	}

	blocks = append(blocks, slack.NewActionBlock(
		"panel_actions",
		slack.NewButtonBlockElement("panel_context", v.SessionKey,
			slack.NewTextBlockObject("plain_text", "📊 Context", false, false)),
		slack.NewButtonBlockElement("panel_close", v.SessionKey,
			slack.NewTextBlockObject("plain_text", "🛑 Close", false, false)),
	))

	return blocks
}
