// Package reaction maintains the status and context-window emoji mirrors,
// mutating Slack reactions on a session's
// thread-root message under a single-writer-per-session discipline.
package reaction

import (
	"sync"
)

// Status is one of the small fixed status-reaction vocabulary.
type Status string

const (
	StatusThinking  Status = "thinking"
	StatusWorking   Status = "working"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

var statusEmoji = map[Status]string{
	StatusThinking:  "thinking_face",
	StatusWorking:   "hourglass_flowing_sand",
	StatusCompleted: "white_check_mark",
	StatusError:     "x",
	StatusCancelled: "no_entry_sign",
}

// ContextBucket is one of the five context-window remaining-percent buckets.
type ContextBucket string

const (
	Bucket80 ContextBucket = "80p"
	Bucket60 ContextBucket = "60p"
	Bucket40 ContextBucket = "40p"
	Bucket20 ContextBucket = "20p"
	Bucket0  ContextBucket = "0p"
)

var bucketEmoji = map[ContextBucket]string{
	Bucket80: "green_circle",
	Bucket60: "large_yellow_circle",
	Bucket40: "large_orange_circle",
	Bucket20: "small_orange_diamond",
	Bucket0:  "red_circle",
}

// BucketFor maps a remaining percent to its bucket
func BucketFor(remainingPercent float64) ContextBucket {
	switch {
	case remainingPercent > 80:
		return Bucket80
	case remainingPercent > 60:
		return Bucket60
	case remainingPercent > 40:
		return Bucket40
	case remainingPercent > 20:
		return Bucket20
	default:
		return Bucket0
	}
}

// Poster is the minimal Slack surface this package needs.
type Poster interface {
	AddReaction(channelID, messageTS, emoji string) error
	RemoveReaction(channelID, messageTS, emoji string) error
}

type binding struct {
	channel   string
	messageTS string
}

type mirror struct {
	binding
	emoji string
}

// Manager mutates status and context-window reactions for sessions,
// one goroutine's writes at a time per session key.
type Manager struct {
	poster Poster

	mu      sync.Mutex
	status  map[string]mirror
	context map[string]mirror
}

// New creates a Manager bound to poster.
func New(poster Poster) *Manager {
	return &Manager{
		poster:  poster,
		status:  make(map[string]mirror),
		context: make(map[string]mirror),
	}
}

// SetStatus transitions the status reaction for sessionKey to status,
// removing the previous emoji (if any, and if it differs) before adding the
// new one. The binding may itself change if the thread-root message moves;
// the old emoji is removed from the old message first. An add failure does
// not commit the new state, so a later retry converges naturally.
func (m *Manager) SetStatus(sessionKey, channel, messageTS string, status Status) error {
	emoji, ok := statusEmoji[status]
	if !ok {
		return nil
	}
	return m.transition(&m.status, sessionKey, channel, messageTS, emoji)
}

// SetContextBucket transitions the context-window emoji for sessionKey to
// the bucket derived from remainingPercent. promptTooLong forces bucket 0p
// regardless of the computed percent.
func (m *Manager) SetContextBucket(sessionKey, channel, messageTS string, remainingPercent float64, promptTooLong bool) error {
	bucket := BucketFor(remainingPercent)
	if promptTooLong {
		bucket = Bucket0
	}
	emoji := bucketEmoji[bucket]
	return m.transition(&m.context, sessionKey, channel, messageTS, emoji)
}

func (m *Manager) transition(table *map[string]mirror, sessionKey, channel, messageTS, emoji string) error {
	m.mu.Lock()
	prev, existed := (*table)[sessionKey]
	m.mu.Unlock()

	if existed && prev.channel == channel && prev.messageTS == messageTS && prev.emoji == emoji {
		return nil // same emoji, same message: skip
	}

	if existed {
		_ = m.poster.RemoveReaction(prev.channel, prev.messageTS, prev.emoji)
	}

	if err := m.poster.AddReaction(channel, messageTS, emoji); err != nil {
		return err
	}

	m.mu.Lock()
	(*table)[sessionKey] = mirror{binding: binding{channel: channel, messageTS: messageTS}, emoji: emoji}
	m.mu.Unlock()
	return nil
}

// Clear removes any tracked status and context reactions for sessionKey,
// used when a session is terminated.
func (m *Manager) Clear(sessionKey string) {
	m.mu.Lock()
	status, hasStatus := m.status[sessionKey]
	ctx, hasContext := m.context[sessionKey]
	delete(m.status, sessionKey)
	delete(m.context, sessionKey)
	m.mu.Unlock()

	if hasStatus {
		_ = m.poster.RemoveReaction(status.channel, status.messageTS, status.emoji)
	}
	if hasContext {
		_ = m.poster.RemoveReaction(ctx.channel, ctx.messageTS, ctx.emoji)
	}
}
