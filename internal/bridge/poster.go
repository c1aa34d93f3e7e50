package bridge

import (
	"github.com/slack-go/slack"
)

// SlackAPI is the minimal Slack API surface the bridge writes through,
// satisfied by internal/slack's SafeSlackClient.
type SlackAPI interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessage(channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	DeleteMessage(channelID, timestamp string) (string, string, error)
	PostEphemeral(channelID, userID string, options ...slack.MsgOption) (string, error)
	AddReaction(name string, item slack.ItemRef) error
	RemoveReaction(name string, item slack.ItemRef) error
}

// SlackPoster is the string-first posting surface shared by the bridge, the
// scheduler, the reaction manager, and the action panel.
type SlackPoster interface {
	PostMessage(channelID, text, threadTS string) (string, error)
	PostBlocks(channelID, threadTS, fallbackText string, blocks ...slack.Block) (string, error)
	UpdateMessage(channelID, messageTS, text string) error
	UpdateBlocks(channelID, messageTS, fallbackText string, blocks ...slack.Block) error
	PostEphemeral(channelID, userID, threadTS, text string) (string, error)
	DeleteMessage(channelID, messageTS string) error
	AddReaction(channelID, messageTS, emoji string) error
	RemoveReaction(channelID, messageTS, emoji string) error
}

// slackPosterAdapter wraps a Slack API to implement SlackPoster.
type slackPosterAdapter struct {
	api SlackAPI
}

// NewSlackPoster creates a SlackPoster from a Slack API client.
func NewSlackPoster(api SlackAPI) SlackPoster {
	return &slackPosterAdapter{api: api}
}

func (s *slackPosterAdapter) PostMessage(channelID, text, threadTS string) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	_, ts, err := s.api.PostMessage(channelID, opts...)
	return ts, err
}

func (s *slackPosterAdapter) PostBlocks(channelID, threadTS, fallbackText string, blocks ...slack.Block) (string, error) {
	opts := []slack.MsgOption{
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(fallbackText, false),
	}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	_, ts, err := s.api.PostMessage(channelID, opts...)
	return ts, err
}

func (s *slackPosterAdapter) UpdateMessage(channelID, messageTS, text string) error {
	_, _, _, err := s.api.UpdateMessage(channelID, messageTS, slack.MsgOptionText(text, false))
	return err
}

func (s *slackPosterAdapter) UpdateBlocks(channelID, messageTS, fallbackText string, blocks ...slack.Block) error {
	_, _, _, err := s.api.UpdateMessage(channelID, messageTS,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(fallbackText, false),
	)
	return err
}

func (s *slackPosterAdapter) PostEphemeral(channelID, userID, threadTS, text string) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	return s.api.PostEphemeral(channelID, userID, opts...)
}

func (s *slackPosterAdapter) DeleteMessage(channelID, messageTS string) error {
	_, _, err := s.api.DeleteMessage(channelID, messageTS)
	return err
}

func (s *slackPosterAdapter) AddReaction(channelID, messageTS, emoji string) error {
	return s.api.AddReaction(emoji, slack.ItemRef{Channel: channelID, Timestamp: messageTS})
}

func (s *slackPosterAdapter) RemoveReaction(channelID, messageTS, emoji string) error {
	return s.api.RemoveReaction(emoji, slack.ItemRef{Channel: channelID, Timestamp: messageTS})
}
