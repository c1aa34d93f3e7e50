// Package links refreshes the status of sessions' attached issue/PR/doc
// links: best-effort, once when a link is attached or replaced, and
// periodically thereafter. Results land on the session's Link
// (status/statusCheckedAt) and are written to the SQLite link_status_cache;
// the cached rows are not read back when sessions are restored.
package links

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/sessionagent/internal/session"
	"github.com/p-blackswan/sessionagent/internal/store"
)

// Checker resolves one link's live status. ok=false means this checker
// cannot resolve the link (wrong provider, not configured, lookup failed) —
// never an error the caller should surface.
type Checker interface {
	Check(ctx context.Context, link session.Link) (status string, ok bool)
}

// linkSlot maps a link type to its stable cache index.
var linkSlot = map[session.LinkType]int{
	session.LinkIssue: 0,
	session.LinkPR:    1,
	session.LinkDoc:   2,
}

// Service drives link refreshes across all sessions.
type Service struct {
	sessions *session.Store
	db       *store.Store
	checkers []Checker
	interval time.Duration
	logger   zerolog.Logger
}

// New creates a Service. db may be nil (no persistent cache); checkers that
// are nil are skipped.
func New(sessions *session.Store, db *store.Store, interval time.Duration, logger zerolog.Logger, checkers ...Checker) *Service {
	var active []Checker
	for _, c := range checkers {
		if c != nil {
			active = append(active, c)
		}
	}
	return &Service{
		sessions: sessions,
		db:       db,
		checkers: active,
		interval: interval,
		logger:   logger.With().Str("component", "links").Logger(),
	}
}

// Refresh resolves one link's status and records it on the session and in
// the cache. Best-effort: an unresolvable link is left untouched.
func (s *Service) Refresh(ctx context.Context, sessionKey string, link session.Link) {
	for _, c := range s.checkers {
		status, ok := c.Check(ctx, link)
		if !ok {
			continue
		}
		now := time.Now()
		s.sessions.UpdateLinkStatus(sessionKey, link.Type, status, now)
		if s.db != nil {
			err := s.db.SaveLinkStatus(&store.LinkStatus{
				SessionKey: sessionKey,
				LinkIndex:  linkSlot[link.Type],
				Provider:   link.Provider,
				Ref:        link.Label,
				Status:     status,
				CheckedAt:  now.UnixMilli(),
			})
			if err != nil {
				s.logger.Warn().Err(err).Str("session", sessionKey).Msg("link status cache write failed")
			}
		}
		return
	}
}

// RefreshSession refreshes every link a session currently holds.
func (s *Service) RefreshSession(ctx context.Context, sess *session.Session) {
	for _, link := range sess.Links {
		s.Refresh(ctx, sess.Key, link)
	}
}

// Run sweeps all sessions' links on the configured interval until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) {
	if s.interval <= 0 || len(s.checkers) == 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sess := range s.sessions.GetAll() {
				s.RefreshSession(ctx, sess)
			}
		}
	}
}
