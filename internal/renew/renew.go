// Package renew drives the save→reset→load handoff: the
// two-phase protocol that preserves continuity across a deliberate
// context-window reset. The state machine itself
// (null -> pending_save -> pending_load -> null) lives on the Session
// (internal/session); this package is the thin orchestrator that guards
// preconditions, captures the SAVE_CONTEXT_RESULT payload (from the
// model-command tool or its text fallback), and builds the continuation
// prompt that re-enters the message pipeline.
package renew

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/p-blackswan/sessionagent/internal/directive"
	"github.com/p-blackswan/sessionagent/internal/session"
	"github.com/p-blackswan/sessionagent/internal/toolmap"
)

// Coordinator reports whether a request is in flight, so the controller can
// refuse to start a renew while one is active.
type Coordinator interface {
	IsRequestActive(sessionKey string) bool
}

// Auditor records the renew outcome for the session's audit trail.
type Auditor interface {
	LogAudit(userID, action, resource, result, details string) error
}

// ErrActiveRequest is returned when a renew transition is attempted while
// the Request Coordinator reports an active stream for the session.
var ErrActiveRequest = fmt.Errorf("renew: refusing to reset session with an active request")

// ErrNoSaveResult is returned when a turn completes in pending_save without
// a SAVE_CONTEXT_RESULT payload being captured — a visible failure
var ErrNoSaveResult = fmt.Errorf("renew: no SAVE_CONTEXT_RESULT captured this turn")

// Controller orchestrates the renew protocol for one session store.
type Controller struct {
	sessions *session.Store
	coord    Coordinator
	audit    Auditor
}

// New creates a Controller.
func New(sessions *session.Store, coord Coordinator, audit Auditor) *Controller {
	return &Controller{sessions: sessions, coord: coord, audit: audit}
}

// Start accepts a `renew [prompt]` command: null -> pending_save.
// Preconditions: the session exists, no request is active, and the session
// is not already mid-renew.
func (c *Controller) Start(userID, sessionKey, continuationPrompt string) error {
	if c.coord.IsRequestActive(sessionKey) {
		return ErrActiveRequest
	}
	if err := c.sessions.BeginRenew(sessionKey, continuationPrompt); err != nil {
		return err
	}
	c.logAudit(userID, sessionKey, "renew_start", "ok", "")
	return nil
}

// CaptureFromTool records a SAVE_CONTEXT_RESULT payload delivered via the
// model-command tool (the preferred path: pending_save ->
// pending_load.
func (c *Controller) CaptureFromTool(userID, sessionKey string, payload toolmap.SaveContextResult) error {
	result := session.RenewSaveResult{
		SaveID:  firstNonEmpty(payload.ID, payload.Path),
		Dir:     payload.Dir,
		Summary: payload.Summary,
	}
	for _, f := range payload.Files {
		result.Files = append(result.Files, f.Name)
	}
	if err := c.sessions.CaptureSaveResult(sessionKey, result); err != nil {
		return err
	}
	c.logAudit(userID, sessionKey, "renew_save_captured", "ok", result.SaveID)
	return nil
}

// CaptureFromFallback scans a turn's pre-directive-strip CollectedText
// (internal/stream.Result.CollectedText) for a trailing
// `{"save_result": {...}}` object — the fallback path used
// when the model emits the payload as JSON text instead of calling the
// model-command tool. Returns false if no save_result object was found.
func (c *Controller) CaptureFromFallback(userID, sessionKey, collectedText string) (bool, error) {
	for _, raw := range directive.ExtractJSONCandidates(collectedText) {
		var wire struct {
			SaveResult *struct {
				Success *bool              `json:"success"`
				ID      string             `json:"id"`
				Path    string             `json:"path"`
				Dir     string             `json:"dir"`
				Summary string             `json:"summary"`
				Title   string             `json:"title"`
				Files   []toolmap.SaveFile `json:"files"`
				Error   string             `json:"error"`
			} `json:"save_result"`
		}
		if err := json.Unmarshal([]byte(raw), &wire); err != nil || wire.SaveResult == nil {
			continue
		}
		sr := wire.SaveResult
		result := session.RenewSaveResult{
			SaveID:  firstNonEmpty(sr.ID, sr.Path),
			Dir:     sr.Dir,
			Summary: sr.Summary,
		}
		for _, f := range sr.Files {
			result.Files = append(result.Files, f.Name)
		}
		if err := c.sessions.CaptureSaveResult(sessionKey, result); err != nil {
			return false, err
		}
		c.logAudit(userID, sessionKey, "renew_save_captured_fallback", "ok", result.SaveID)
		return true, nil
	}
	return false, nil
}

// ContinuationPrompt builds the "load <save_id> then <renewUserMessage>"
// prompt the controller re-enters the message pipeline with, and tears the
// renew state back down to null via the session's ordinary context reset
// (which also clears the LLM-side session id
func (c *Controller) ContinuationPrompt(sessionKey string) (string, error) {
	sess := c.sessions.Get(sessionKey)
	if sess == nil {
		return "", session.ErrNotFound
	}
	if sess.RenewState != session.RenewPendingLoad {
		return "", session.ErrRenewWrongPhase
	}
	if sess.RenewSaveResult == nil {
		return "", ErrNoSaveResult
	}

	prompt := fmt.Sprintf("load %s", sess.RenewSaveResult.SaveID)
	if msg := strings.TrimSpace(sess.RenewUserMessage); msg != "" {
		prompt = fmt.Sprintf("%s then %s", prompt, msg)
	}

	c.sessions.ResetContext(sessionKey)
	c.logAudit(sess.Owner, sessionKey, "renew_complete", "ok", prompt)
	return prompt, nil
}

// Fail surfaces a visible renew failure and resets the state machine to
// null without touching any other session field — no partial reset.
func (c *Controller) Fail(userID, sessionKey string, cause error) error {
	if err := c.sessions.AbortRenew(sessionKey); err != nil {
		return err
	}
	c.logAudit(userID, sessionKey, "renew_failed", "error", cause.Error())
	return nil
}

func (c *Controller) logAudit(userID, sessionKey, action, result, details string) {
	if c.audit == nil {
		return
	}
	_ = c.audit.LogAudit(userID, action, sessionKey, result, details)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
