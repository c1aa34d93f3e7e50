// Package jirastatus resolves the live status of a session's attached Jira
// issue link via GET /rest/api/3/issue/{key}.
package jirastatus

import (
	"context"
	"regexp"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/sessionagent/internal/jira"
	"github.com/p-blackswan/sessionagent/internal/retry"
	"github.com/p-blackswan/sessionagent/internal/session"
)

var issueKeyRe = regexp.MustCompile(`(?:/browse/|selectedIssue=)([A-Z][A-Z0-9]+-\d+)`)

// Checker refreshes jira-provider issue links.
type Checker struct {
	client *jira.Client
	logger zerolog.Logger
}

// New creates a Checker. client may be nil when Jira is not configured;
// Check then reports not-ok for every link.
func New(client *jira.Client, logger zerolog.Logger) *Checker {
	return &Checker{
		client: client,
		logger: logger.With().Str("component", "links.jirastatus").Logger(),
	}
}

// Check resolves the issue's current workflow status name (e.g. "In
// Progress"). Returns ok=false when the link is not a Jira issue URL this
// checker can resolve or Jira is not configured.
func (c *Checker) Check(ctx context.Context, link session.Link) (string, bool) {
	if c.client == nil || link.Provider != "jira" || link.Type != session.LinkIssue {
		return "", false
	}

	m := issueKeyRe.FindStringSubmatch(link.URL)
	if m == nil {
		return "", false
	}
	key := m[1]

	var issue *jira.Issue
	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
		var ierr error
		issue, ierr = c.client.GetIssue(ctx, key)
		return ierr
	})
	if err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("issue status lookup failed")
		return "", false
	}
	if issue.Fields.Status == nil {
		return "", false
	}
	return issue.Fields.Status.Name, true
}
