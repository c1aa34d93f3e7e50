package jira

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog"
)

// WebhookEvent is the subset of a Jira webhook payload the agent consumes.
type WebhookEvent struct {
	WebhookEvent string `json:"webhookEvent"`
	Issue        *Issue `json:"issue,omitempty"`
	User         *User  `json:"user,omitempty"`
}

// WebhookCallback handles one webhook event.
type WebhookCallback func(ctx context.Context, event *WebhookEvent)

// WebhookHandler receives Jira webhooks and fans them out to registered
// callbacks. The link-status refresher registers for issue updates so
// sessions' attached links are refreshed immediately instead of waiting for
// the periodic refresh.
type WebhookHandler struct {
	logger    zerolog.Logger
	onCreated []WebhookCallback
	onUpdated []WebhookCallback
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(logger zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{
		logger: logger.With().Str("component", "jira.webhook").Logger(),
	}
}

// OnIssueCreated registers a callback for jira:issue_created events.
func (h *WebhookHandler) OnIssueCreated(cb WebhookCallback) {
	h.onCreated = append(h.onCreated, cb)
}

// OnIssueUpdated registers a callback for jira:issue_updated events.
func (h *WebhookHandler) OnIssueUpdated(cb WebhookCallback) {
	h.onUpdated = append(h.onUpdated, cb)
}

// ServeHTTP implements http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.logger.Warn().Err(err).Msg("invalid webhook payload")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	key := ""
	if event.Issue != nil {
		key = event.Issue.Key
	}
	h.logger.Debug().Str("event", event.WebhookEvent).Str("issue", key).Msg("webhook received")

	switch event.WebhookEvent {
	case "jira:issue_created":
		for _, cb := range h.onCreated {
			cb(r.Context(), &event)
		}
	case "jira:issue_updated":
		for _, cb := range h.onUpdated {
			cb(r.Context(), &event)
		}
	}

	w.WriteHeader(http.StatusOK)
}
