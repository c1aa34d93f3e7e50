package scheduler

import "time"

// SchedulerConfig holds the session-lifecycle thresholds:
// an idle-warning card, the 24h transition to SLEEPING, and the
// 7-day-after-sleep deletion sweep.
type SchedulerConfig struct {
	IdleWarnAfter    time.Duration // post the idle-warning card after this much inactivity (default 12h)
	FinalWarnBefore  time.Duration // re-flag the warning once the sleep deadline is this close (default 1h)
	SleepAfter       time.Duration // transition MAIN -> SLEEPING after this much total inactivity (default 24h)
	DeleteAfterSleep time.Duration // delete a SLEEPING session's data after this much time asleep (default 7 days)
	CheckInterval    time.Duration // sweep cadence (default 15m)
}

// DefaultConfig returns the standard lifecycle thresholds.
func DefaultConfig() SchedulerConfig {
	return SchedulerConfig{
		IdleWarnAfter:    12 * time.Hour,
		FinalWarnBefore:  1 * time.Hour,
		SleepAfter:       24 * time.Hour,
		DeleteAfterSleep: 7 * 24 * time.Hour,
		CheckInterval:    15 * time.Minute,
	}
}

// CleanupRecord is a row in the session_cleanup table tracking one session's
// idle-warning lifecycle: warned -> kept (loops back to MAIN) or
// warned -> sleeping (24h elapsed) -> closed (deleted after DeleteAfterSleep).
type CleanupRecord struct {
	ID          string
	SessionKey  string
	ChannelID   string
	ThreadTS    string
	Status      string // warned | kept | sleeping | closed
	WarnedAt    int64  // Unix ms
	RespondedAt int64  // Unix ms
	ExpiresAt   int64  // Unix ms — when the warning escalates to SLEEPING
	MessageTS   string
	CreatedAt   int64 // Unix ms
}

// StaleSession is a thread whose last message is old enough to warrant the
// idle-warning sweep.
type StaleSession struct {
	SessionKey    string
	ChannelID     string
	ThreadTS      string
	LastMessageAt int64 // Unix ms
}

// ThreadRef names one active thread, used by the shutdown broadcast.
type ThreadRef struct {
	Channel  string
	ThreadTS string
}
