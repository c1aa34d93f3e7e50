// Package linkscan recognizes Jira/GitHub/Confluence/Linear URLs in free
// text and in directive payloads, and derives a human label and provider
// for each — the single rule set the Dispatch Service and the directive
// parsers) both depend on.
package linkscan

import (
	"regexp"
	"strings"
)

// LinkType is the session-link slot a recognized URL fills.
type LinkType string

const (
	LinkIssue LinkType = "issue"
	LinkPR    LinkType = "pr"
	LinkDoc   LinkType = "doc"
)

// Provider identifies the external system a link belongs to.
type Provider string

const (
	ProviderGitHub     Provider = "github"
	ProviderJira       Provider = "jira"
	ProviderConfluence Provider = "confluence"
	ProviderLinear     Provider = "linear"
	ProviderUnknown    Provider = "unknown"
)

// Found is one recognized link in scanned text.
type Found struct {
	URL      string
	Type     LinkType
	Provider Provider
	Label    string
}

var (
	jiraBrowseRe  = regexp.MustCompile(`[\w.-]*atlassian\.net/browse/([A-Z][A-Z0-9]+-\d+)`)
	jiraSelectRe  = regexp.MustCompile(`[\w.-]*atlassian\.net/[^\s]*[?&]selectedIssue=([A-Z][A-Z0-9]+-\d+)`)
	githubPRRe    = regexp.MustCompile(`github\.com/([\w.-]+)/([\w.-]+)/pull/(\d+)`)
	githubIssueRe = regexp.MustCompile(`github\.com/([\w.-]+)/([\w.-]+)/issues/(\d+)`)
	confluenceRe  = regexp.MustCompile(`[\w.-]*atlassian\.net/wiki/spaces/[^\s]+`)
	linearRe      = regexp.MustCompile(`linear\.app/([\w-]+)/issue/([A-Z][A-Z0-9]*-\d+)`)
	urlRe         = regexp.MustCompile(`https?://[^\s<>|]+`)
)

// ScanText scans free text for every known URL pattern and returns the
// winning link per slot: first Jira hit wins over GitHub issues for the
// `issue` slot step 1.
func ScanText(text string) map[LinkType]Found {
	out := map[LinkType]Found{}

	if m := jiraBrowseRe.FindStringSubmatch(text); m != nil {
		out[LinkIssue] = Found{URL: fullURLFor(text, m[0]), Type: LinkIssue, Provider: ProviderJira, Label: m[1]}
	} else if m := jiraSelectRe.FindStringSubmatch(text); m != nil {
		out[LinkIssue] = Found{URL: fullURLFor(text, m[0]), Type: LinkIssue, Provider: ProviderJira, Label: m[1]}
	} else if m := githubIssueRe.FindStringSubmatch(text); m != nil {
		out[LinkIssue] = Found{URL: fullURLFor(text, m[0]), Type: LinkIssue, Provider: ProviderGitHub, Label: "Issue #" + m[3]}
	}

	if m := githubPRRe.FindStringSubmatch(text); m != nil {
		out[LinkPR] = Found{URL: fullURLFor(text, m[0]), Type: LinkPR, Provider: ProviderGitHub, Label: "PR #" + m[3]}
	}

	if m := confluenceRe.FindString(text); m != "" {
		out[LinkDoc] = Found{URL: fullURLFor(text, m), Type: LinkDoc, Provider: ProviderConfluence, Label: "Confluence doc"}
	} else if m := linearRe.FindStringSubmatch(text); m != nil {
		out[LinkDoc] = Found{URL: fullURLFor(text, m[0]), Type: LinkDoc, Provider: ProviderLinear, Label: m[2]}
	}

	return out
}

// fullURLFor expands a matched fragment back to its containing http(s) URL
// token, so the returned Found.URL is a real, dereferenceable link rather
// than the bare regex match.
func fullURLFor(text, fragment string) string {
	for _, u := range urlRe.FindAllString(text, -1) {
		if strings.Contains(u, fragment) {
			return u
		}
	}
	return "https://" + fragment
}

// Classify derives provider and label for a URL supplied directly (e.g. from
// a session_links directive field), using the same pattern set as ScanText.
func Classify(url string) (Provider, string) {
	if m := jiraBrowseRe.FindStringSubmatch(url); m != nil {
		return ProviderJira, m[1]
	}
	if m := jiraSelectRe.FindStringSubmatch(url); m != nil {
		return ProviderJira, m[1]
	}
	if m := githubPRRe.FindStringSubmatch(url); m != nil {
		return ProviderGitHub, "PR #" + m[3]
	}
	if m := githubIssueRe.FindStringSubmatch(url); m != nil {
		return ProviderGitHub, "Issue #" + m[3]
	}
	if confluenceRe.MatchString(url) {
		return ProviderConfluence, "Confluence doc"
	}
	if m := linearRe.FindStringSubmatch(url); m != nil {
		return ProviderLinear, m[2]
	}
	return ProviderUnknown, ""
}
