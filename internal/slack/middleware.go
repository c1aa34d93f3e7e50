package slack

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Middleware gates inbound events before they reach the pipeline: it
// deduplicates redelivered event timestamps and applies a simple per-user
// sliding-window rate limit so one user cannot monopolize the bot.
type Middleware struct {
	logger zerolog.Logger
	maxPer int
	window time.Duration

	mu     sync.Mutex
	seen   map[string]time.Time   // "<user>:<ts>" -> first seen
	counts map[string][]time.Time // user -> recent event times
}

// NewMiddleware creates a Middleware allowing maxPerWindow events per user
// per window.
func NewMiddleware(logger zerolog.Logger, maxPerWindow int, window time.Duration) *Middleware {
	return &Middleware{
		logger: logger.With().Str("component", "slack.middleware").Logger(),
		maxPer: maxPerWindow,
		window: window,
		seen:   make(map[string]time.Time),
		counts: make(map[string][]time.Time),
	}
}

// Allow reports whether the event identified by (userID, eventTS) should be
// processed. A duplicate delivery or a user over the rate limit is dropped.
func (m *Middleware) Allow(userID, eventTS string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	key := userID + ":" + eventTS
	if _, dup := m.seen[key]; dup {
		return false
	}
	m.seen[key] = now

	// Prune dedupe entries older than two windows so the map stays bounded.
	if len(m.seen) > 4096 {
		cutoff := now.Add(-2 * m.window)
		for k, t := range m.seen {
			if t.Before(cutoff) {
				delete(m.seen, k)
			}
		}
	}

	recent := m.counts[userID][:0]
	for _, t := range m.counts[userID] {
		if now.Sub(t) < m.window {
			recent = append(recent, t)
		}
	}
	if len(recent) >= m.maxPer {
		m.counts[userID] = recent
		m.logger.Warn().Str("user", userID).Msg("user over inbound rate limit, dropping event")
		return false
	}
	m.counts[userID] = append(recent, now)
	return true
}
