package slack

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

// MessageForwarder receives inbound Slack messages and forwards them into
// the session message pipeline.
type MessageForwarder interface {
	HandleMessage(ctx context.Context, channelID, userID, text, threadTS, messageTS string)
	IsActiveThread(channelID, threadTS string) bool
}

// FormHandler processes choice/form button callbacks and free-text modal
// submissions back into the Choice/Form Coordinator.
type FormHandler interface {
	OnFormPick(ctx context.Context, channel, threadTS, messageTS, userID string, v ActionValue)
	OnFormFreeText(ctx context.Context, userID string, v ActionValue, text string)
}

// PanelHandler processes action-panel button callbacks.
type PanelHandler interface {
	OnPanelAction(ctx context.Context, channel, threadTS, userID, actionID, value string)
}

// SessionCleanupHandler processes the scheduler's keep/close button callbacks.
type SessionCleanupHandler interface {
	KeepSession(sessionKey string) error
	CloseSession(sessionKey string) error
}

// ActionValue is the JSON payload carried in every interactive element's
// value field, threading session/form identity through the callback.
type ActionValue struct {
	SessionKey string `json:"session_key,omitempty"`
	FormID     string `json:"form_id,omitempty"`
	QuestionID string `json:"question_id,omitempty"`
	ChoiceID   string `json:"choice_id,omitempty"`
	Label      string `json:"label,omitempty"`
	Question   string `json:"question,omitempty"`
	Channel    string `json:"channel,omitempty"`
	ThreadTS   string `json:"thread_ts,omitempty"`
	MessageTS  string `json:"message_ts,omitempty"`
}

// Encode renders the value payload for a Block Kit element.
func (v ActionValue) Encode() string {
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeActionValue(raw string) ActionValue {
	var v ActionValue
	_ = json.Unmarshal([]byte(raw), &v)
	return v
}

// Handler processes Slack Socket Mode events. Interactive callbacks (choice
// buttons, free-text modals, keep/close, panel actions) are routed inline;
// regular messages are forwarded into the message pipeline.
type Handler struct {
	api            BotAPI
	socket         *socketmode.Client
	logger         zerolog.Logger
	middleware     *Middleware
	forwarder      MessageForwarder
	formHandler    FormHandler
	panelHandler   PanelHandler
	cleanupHandler SessionCleanupHandler
}

// NewHandler creates a new event handler.
func NewHandler(logger zerolog.Logger, middleware *Middleware) *Handler {
	return &Handler{
		logger:     logger.With().Str("component", "slack.handler").Logger(),
		middleware: middleware,
	}
}

// SetForwarder sets the message forwarder routing messages into the pipeline.
func (h *Handler) SetForwarder(f MessageForwarder) {
	h.forwarder = f
}

// SetFormHandler sets the handler for choice/form callbacks.
func (h *Handler) SetFormHandler(fh FormHandler) {
	h.formHandler = fh
}

// SetPanelHandler sets the handler for action-panel callbacks.
func (h *Handler) SetPanelHandler(ph PanelHandler) {
	h.panelHandler = ph
}

// SetCleanupHandler sets the handler for session keep/close callbacks.
func (h *Handler) SetCleanupHandler(ch SessionCleanupHandler) {
	h.cleanupHandler = ch
}

// SetSocket sets the Socket Mode client for acknowledging events.
func (h *Handler) SetSocket(s *socketmode.Client) {
	h.socket = s
}

// HandleEvent routes Socket Mode events to the appropriate handler.
func (h *Handler) HandleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		h.handleEventsAPI(ctx, evt)
	case socketmode.EventTypeInteractive:
		h.handleInteraction(ctx, evt)
	default:
		h.logger.Debug().Str("type", string(evt.Type)).Msg("unhandled event type")
	}
}

// handleEventsAPI processes Events API payloads (messages, app_mention, etc.).
func (h *Handler) handleEventsAPI(ctx context.Context, evt socketmode.Event) {
	// Acknowledge the event first — Slack requires this within 3 seconds
	if h.socket != nil && evt.Request != nil {
		h.socket.Ack(*evt.Request)
	}

	eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		h.logger.Warn().Str("type", string(evt.Type)).Msg("failed to cast events_api data")
		return
	}

	switch eventsAPIEvent.Type {
	case slackevents.CallbackEvent:
		h.handleCallbackEvent(ctx, eventsAPIEvent.InnerEvent)
	}
}

func (h *Handler) handleCallbackEvent(ctx context.Context, innerEvent slackevents.EventsAPIInnerEvent) {
	switch ev := innerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		if h.middleware != nil && !h.middleware.Allow(ev.User, ev.TimeStamp) {
			return
		}
		h.logger.Info().
			Str("user", ev.User).
			Str("channel", ev.Channel).
			Msg("app mention received")

		if h.forwarder != nil {
			h.forwarder.HandleMessage(ctx, ev.Channel, ev.User, ev.Text, ev.ThreadTimeStamp, ev.TimeStamp)
		}

	case *slackevents.MessageEvent:
		// Skip bot messages and message_changed/deleted subtypes
		if ev.User == "" || ev.SubType != "" {
			return
		}
		if h.middleware != nil && !h.middleware.Allow(ev.User, ev.TimeStamp) {
			return
		}

		// Handle DMs
		if ev.ChannelType == "im" {
			h.logger.Info().
				Str("user", ev.User).
				Str("channel", ev.Channel).
				Msg("DM received")

			if h.forwarder != nil {
				h.forwarder.HandleMessage(ctx, ev.Channel, ev.User, ev.Text, ev.ThreadTimeStamp, ev.TimeStamp)
			}
			return
		}

		// Handle thread replies in active threads (no @mention needed)
		if ev.ThreadTimeStamp != "" && h.forwarder != nil && h.forwarder.IsActiveThread(ev.Channel, ev.ThreadTimeStamp) {
			h.logger.Info().
				Str("user", ev.User).
				Str("channel", ev.Channel).
				Str("thread", ev.ThreadTimeStamp).
				Msg("thread reply in active thread")

			h.forwarder.HandleMessage(ctx, ev.Channel, ev.User, ev.Text, ev.ThreadTimeStamp, ev.TimeStamp)
		}

	default:
		h.logger.Debug().
			Str("inner_type", innerEvent.Type).
			Msg("unhandled callback event type")
	}
}

func (h *Handler) handleInteraction(ctx context.Context, evt socketmode.Event) {
	// Acknowledge interactive event
	if h.socket != nil && evt.Request != nil {
		h.socket.Ack(*evt.Request)
	}

	callback, ok := evt.Data.(slack.InteractionCallback)
	if !ok {
		return
	}

	if callback.Type == slack.InteractionTypeViewSubmission {
		h.handleViewSubmission(ctx, callback)
		return
	}

	for _, action := range callback.ActionCallback.BlockActions {
		h.logger.Info().
			Str("action", action.ActionID).
			Str("user", callback.User.ID).
			Msg("interaction received")

		switch {
		case strings.HasPrefix(action.ActionID, "choice_pick_"):
			if h.formHandler != nil {
				h.formHandler.OnFormPick(ctx,
					callback.Channel.ID,
					callback.Message.ThreadTimestamp,
					callback.Message.Timestamp,
					callback.User.ID,
					decodeActionValue(action.Value),
				)
			}

		case strings.HasPrefix(action.ActionID, "choice_free_"):
			h.openFreeTextModal(callback, decodeActionValue(action.Value))

		case strings.HasPrefix(action.ActionID, "session_keep_"):
			sessionKey := strings.TrimPrefix(action.ActionID, "session_keep_")
			if h.cleanupHandler != nil {
				if err := h.cleanupHandler.KeepSession(sessionKey); err != nil {
					h.logger.Warn().Err(err).Str("session", sessionKey).Msg("failed to keep session")
				}
			}

		case strings.HasPrefix(action.ActionID, "session_close_"):
			sessionKey := strings.TrimPrefix(action.ActionID, "session_close_")
			if h.cleanupHandler != nil {
				if err := h.cleanupHandler.CloseSession(sessionKey); err != nil {
					h.logger.Warn().Err(err).Str("session", sessionKey).Msg("failed to close session")
				}
			}

		case strings.HasPrefix(action.ActionID, "panel_"):
			if h.panelHandler != nil {
				h.panelHandler.OnPanelAction(ctx,
					callback.Channel.ID,
					callback.Message.ThreadTimestamp,
					callback.User.ID,
					action.ActionID,
					action.Value,
				)
			}
		}
	}
}

// openFreeTextModal opens the free-text escape modal for one form question.
// The ActionValue rides along in private_metadata so the submission can be
// routed back to the right pending form.
func (h *Handler) openFreeTextModal(callback slack.InteractionCallback, v ActionValue) {
	if h.api == nil || callback.TriggerID == "" {
		return
	}
	v.Channel = callback.Channel.ID
	v.ThreadTS = callback.Message.ThreadTimestamp
	v.MessageTS = callback.Message.Timestamp

	if _, err := h.api.OpenView(callback.TriggerID, FreeTextModal(v)); err != nil {
		h.logger.Warn().Err(err).Str("form", v.FormID).Msg("failed to open free-text modal")
	}
}

// handleViewSubmission routes a free-text modal submission back to the form
// handler as the user's answer.
func (h *Handler) handleViewSubmission(ctx context.Context, callback slack.InteractionCallback) {
	if callback.View.CallbackID != FreeTextCallbackID {
		return
	}
	v := decodeActionValue(callback.View.PrivateMetadata)

	text := ""
	if state := callback.View.State; state != nil {
		if block, ok := state.Values[FreeTextBlockID]; ok {
			if input, ok := block[FreeTextInputID]; ok {
				text = strings.TrimSpace(input.Value)
			}
		}
	}
	if text == "" {
		return
	}

	if h.formHandler != nil {
		h.formHandler.OnFormFreeText(ctx, callback.User.ID, v, text)
	}
}
