package slack

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"golang.org/x/time/rate"
)

// Limiter is the process-wide token bucket in front of every Slack write:
// 10-burst, 3/s refill, 100ms minimum gap between calls. All SafeSlackClient
// write paths share one Limiter so concurrent sessions cannot collectively
// exceed Slack's tier limits.
type Limiter struct {
	bucket *rate.Limiter

	mu     sync.Mutex
	last   time.Time
	minGap time.Duration
}

// NewLimiter creates a Limiter with the default 10-burst / 3 per second /
// 100ms-gap policy.
func NewLimiter() *Limiter {
	return &Limiter{
		bucket: rate.NewLimiter(rate.Limit(3), 10),
		minGap: 100 * time.Millisecond,
	}
}

// Wait blocks until the caller may issue one Slack API call.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.bucket.Wait(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	now := time.Now()
	next := l.last.Add(l.minGap)
	if next.After(now) {
		wait := next.Sub(now)
		l.last = next
		l.mu.Unlock()
		select {
		case <-time.After(wait):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	l.last = now
	l.mu.Unlock()
	return nil
}

// Drain empties the bucket, used after Slack reports ratelimited so queued
// callers back off for a full refill instead of immediately retrying.
func (l *Limiter) Drain() {
	l.bucket.AllowN(time.Now(), l.bucket.Burst())
}

// callWithRetry runs one Slack API call through the limiter, retrying at
// most once when Slack answers ratelimited, after the advertised
// retry-after delay.
func (l *Limiter) callWithRetry(ctx context.Context, call func() error) error {
	if err := l.Wait(ctx); err != nil {
		return err
	}
	err := call()

	var rl *slack.RateLimitedError
	if err == nil || !errors.As(err, &rl) {
		return err
	}

	l.Drain()
	select {
	case <-time.After(rl.RetryAfter):
	case <-ctx.Done():
		return ctx.Err()
	}
	return call()
}
