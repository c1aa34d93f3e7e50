package slack

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
)

// BotAPI abstracts the Slack API client for testing.
// SECURITY: Only safe methods are exposed. No user enumeration APIs —
// users:read scope removed entirely. Bot uses Slack mention format (<@U123>)
// and never resolves user names.
type BotAPI interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessage(channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	DeleteMessage(channelID, timestamp string) (string, string, error)
	PostEphemeral(channelID, userID string, options ...slack.MsgOption) (string, error)
	AddReaction(name string, item slack.ItemRef) error
	RemoveReaction(name string, item slack.ItemRef) error
	GetPermalink(params *slack.PermalinkParameters) (string, error)
	GetConversationInfo(input *slack.GetConversationInfoInput) (*slack.Channel, error)
	GetConversationReplies(params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error)
	OpenView(triggerID string, view slack.ModalViewRequest) (*slack.ViewResponse, error)
	AuthTest() (*slack.AuthTestResponse, error)
}

// SafeSlackClient wraps the Slack API client with security restrictions and
// the process-wide rate limiter. It enforces channel allowlists and blocks
// bulk user enumeration APIs. Every write path goes through the shared
// Limiter and retries once on a ratelimited response.
type SafeSlackClient struct {
	inner           *slack.Client
	allowedChannels map[string]bool
	limiter         *Limiter
	logger          zerolog.Logger
}

// NewSafeSlackClient creates a restricted Slack client.
// allowedChannels is the list of channel IDs the bot is permitted to write to.
// If empty, all channels are denied (fail-closed).
func NewSafeSlackClient(client *slack.Client, allowedChannels []string, logger zerolog.Logger) *SafeSlackClient {
	allowed := make(map[string]bool, len(allowedChannels))
	for _, ch := range allowedChannels {
		allowed[ch] = true
	}
	return &SafeSlackClient{
		inner:           client,
		allowedChannels: allowed,
		limiter:         NewLimiter(),
		logger:          logger.With().Str("component", "slack.safe_client").Logger(),
	}
}

func (s *SafeSlackClient) checkChannel(channelID, op string) error {
	if !s.allowedChannels[channelID] {
		s.logger.Warn().
			Str("channel_id", channelID).
			Str("op", op).
			Msg("blocked write to non-allowlisted channel")
		return fmt.Errorf("channel %s is not in the allowed channels list", channelID)
	}
	return nil
}

// PostMessage sends a message only if the channel is in the allowlist.
func (s *SafeSlackClient) PostMessage(channelID string, options ...slack.MsgOption) (string, string, error) {
	if err := s.checkChannel(channelID, "PostMessage"); err != nil {
		return "", "", err
	}
	var ch, ts string
	err := s.limiter.callWithRetry(context.Background(), func() error {
		var e error
		ch, ts, e = s.inner.PostMessage(channelID, options...)
		return e
	})
	return ch, ts, err
}

// UpdateMessage updates an existing message (same channel allowlist enforcement).
func (s *SafeSlackClient) UpdateMessage(channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error) {
	if err := s.checkChannel(channelID, "UpdateMessage"); err != nil {
		return "", "", "", err
	}
	var ch, ts, text string
	err := s.limiter.callWithRetry(context.Background(), func() error {
		var e error
		ch, ts, text, e = s.inner.UpdateMessage(channelID, timestamp, options...)
		return e
	})
	return ch, ts, text, err
}

// DeleteMessage removes a message the bot posted.
func (s *SafeSlackClient) DeleteMessage(channelID, timestamp string) (string, string, error) {
	if err := s.checkChannel(channelID, "DeleteMessage"); err != nil {
		return "", "", err
	}
	var ch, ts string
	err := s.limiter.callWithRetry(context.Background(), func() error {
		var e error
		ch, ts, e = s.inner.DeleteMessage(channelID, timestamp)
		return e
	})
	return ch, ts, err
}

// PostEphemeral sends a message visible only to one user.
func (s *SafeSlackClient) PostEphemeral(channelID, userID string, options ...slack.MsgOption) (string, error) {
	if err := s.checkChannel(channelID, "PostEphemeral"); err != nil {
		return "", err
	}
	var ts string
	err := s.limiter.callWithRetry(context.Background(), func() error {
		var e error
		ts, e = s.inner.PostEphemeral(channelID, userID, options...)
		return e
	})
	return ts, err
}

// AddReaction adds a reaction to a message. "already_reacted" counts as
// success so retries converge.
func (s *SafeSlackClient) AddReaction(name string, item slack.ItemRef) error {
	err := s.limiter.callWithRetry(context.Background(), func() error {
		return s.inner.AddReaction(name, item)
	})
	if err != nil && err.Error() == "already_reacted" {
		return nil
	}
	return err
}

// RemoveReaction removes a reaction from a message. "no_reaction" counts as
// success.
func (s *SafeSlackClient) RemoveReaction(name string, item slack.ItemRef) error {
	err := s.limiter.callWithRetry(context.Background(), func() error {
		return s.inner.RemoveReaction(name, item)
	})
	if err != nil && (err.Error() == "no_reaction" || err.Error() == "message_not_found") {
		return nil
	}
	return err
}

// GetPermalink resolves a message's permalink (read-only, safe).
func (s *SafeSlackClient) GetPermalink(params *slack.PermalinkParameters) (string, error) {
	return s.inner.GetPermalink(params)
}

// GetConversationInfo returns channel info (read-only, safe).
func (s *SafeSlackClient) GetConversationInfo(input *slack.GetConversationInfoInput) (*slack.Channel, error) {
	return s.inner.GetConversationInfo(input)
}

// GetConversationReplies reads thread history (read-only, safe — no allowlist check).
func (s *SafeSlackClient) GetConversationReplies(params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error) {
	return s.inner.GetConversationReplies(params)
}

// OpenView opens a modal, used by the free-text escape on choice forms.
func (s *SafeSlackClient) OpenView(triggerID string, view slack.ModalViewRequest) (*slack.ViewResponse, error) {
	var resp *slack.ViewResponse
	err := s.limiter.callWithRetry(context.Background(), func() error {
		var e error
		resp, e = s.inner.OpenView(triggerID, view)
		return e
	})
	return resp, err
}

// AuthTest tests the bot token.
func (s *SafeSlackClient) AuthTest() (*slack.AuthTestResponse, error) {
	return s.inner.AuthTest()
}

// App is the Slack bot application using Socket Mode.
type App struct {
	api     BotAPI
	socket  *socketmode.Client
	logger  zerolog.Logger
	handler *Handler
}

// NewApp creates a new Slack bot app.
// allowedChannels restricts which channels the bot can write to (fail-closed if empty).
func NewApp(botToken, appToken string, allowedChannels []string, logger zerolog.Logger, handler *Handler) (*App, error) {
	rawAPI := slack.New(
		botToken,
		slack.OptionAppLevelToken(appToken),
	)

	api := NewSafeSlackClient(rawAPI, allowedChannels, logger)
	socket := socketmode.New(rawAPI)
	handler.api = api
	handler.SetSocket(socket)

	return &App{
		api:     api,
		socket:  socket,
		logger:  logger.With().Str("component", "slack").Logger(),
		handler: handler,
	}, nil
}

// API returns the restricted client for collaborators that post directly.
func (a *App) API() BotAPI {
	return a.api
}

// AuthTest calls Slack's auth.test to get bot identity info.
func (a *App) AuthTest() (*slack.AuthTestResponse, error) {
	return a.api.AuthTest()
}

// Run starts the Socket Mode event loop. Blocks until context is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info().Msg("starting Slack Socket Mode connection")

	go func() {
		for evt := range a.socket.Events {
			a.handler.HandleEvent(ctx, evt)
		}
	}()

	go func() {
		<-ctx.Done()
		a.logger.Info().Msg("shutting down Slack Socket Mode")
	}()

	if err := a.socket.RunContext(ctx); err != nil {
		return fmt.Errorf("socket mode error: %w", err)
	}
	return nil
}
