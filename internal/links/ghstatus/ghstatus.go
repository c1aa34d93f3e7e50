// Package ghstatus resolves the live status of a session's attached GitHub
// PR or issue link through the GitHub App installation client.
package ghstatus

import (
	"context"
	"fmt"

	gogithub "github.com/google/go-github/v60/github"
	"github.com/rs/zerolog"

	ghclient "github.com/p-blackswan/sessionagent/internal/github"
	"github.com/p-blackswan/sessionagent/internal/session"
)

// Checker refreshes github-provider links.
type Checker struct {
	multi  *ghclient.MultiClient
	logger zerolog.Logger
}

// New creates a Checker. multi may be nil when GitHub is not configured;
// Check then reports not-ok for every link.
func New(multi *ghclient.MultiClient, logger zerolog.Logger) *Checker {
	return &Checker{
		multi:  multi,
		logger: logger.With().Str("component", "links.ghstatus").Logger(),
	}
}

// Check resolves the current state of a PR or issue link: "open", "closed",
// or "merged". Returns ok=false when the link is not a GitHub URL this
// checker can resolve or GitHub is not configured.
func (c *Checker) Check(ctx context.Context, link session.Link) (string, bool) {
	if c.multi == nil || link.Provider != "github" {
		return "", false
	}

	switch link.Type {
	case session.LinkPR:
		return c.checkPR(ctx, link.URL)
	case session.LinkIssue:
		return c.checkIssue(ctx, link.URL)
	default:
		return "", false
	}
}

func (c *Checker) checkPR(ctx context.Context, url string) (string, bool) {
	owner, repo, number, err := ghclient.ParsePRURL(url)
	if err != nil {
		return "", false
	}
	api, err := c.installationClient(ctx, owner)
	if err != nil {
		c.logger.Debug().Err(err).Str("owner", owner).Msg("no installation client for PR status")
		return "", false
	}
	pr, _, err := api.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		c.logger.Debug().Err(err).Str("url", url).Msg("PR status lookup failed")
		return "", false
	}
	if pr.GetMerged() {
		return "merged", true
	}
	return pr.GetState(), true
}

func (c *Checker) checkIssue(ctx context.Context, url string) (string, bool) {
	owner, repo, number, err := ghclient.ParseIssueURL(url)
	if err != nil {
		return "", false
	}
	api, err := c.installationClient(ctx, owner)
	if err != nil {
		c.logger.Debug().Err(err).Str("owner", owner).Msg("no installation client for issue status")
		return "", false
	}
	issue, _, err := api.Issues.Get(ctx, owner, repo, number)
	if err != nil {
		c.logger.Debug().Err(err).Str("url", url).Msg("issue status lookup failed")
		return "", false
	}
	return issue.GetState(), true
}

func (c *Checker) installationClient(ctx context.Context, owner string) (*gogithub.Client, error) {
	client, err := c.multi.ForOwner(owner)
	if err != nil {
		return nil, fmt.Errorf("resolving installation for %s: %w", owner, err)
	}
	return client.GetInstallationClient(ctx)
}
