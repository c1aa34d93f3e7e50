// Package dispatch classifies an incoming message into one of a closed set
// of workflows, merging classifier output with text-extracted links and
// falling back to the default workflow when the classifier is absent or
// unusable.
package dispatch

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/p-blackswan/sessionagent/internal/linkscan"
)

// Workflow is one of the closed set of classifications.
type Workflow string

const (
	WorkflowOnboarding        Workflow = "onboarding"
	WorkflowJiraExecSummary   Workflow = "jira-executive-summary"
	WorkflowJiraBrainstorming Workflow = "jira-brainstorming"
	WorkflowJiraPlanning      Workflow = "jira-planning"
	WorkflowJiraCreatePR      Workflow = "jira-create-pr"
	WorkflowPRReview          Workflow = "pr-review"
	WorkflowPRFixAndUpdate    Workflow = "pr-fix-and-update"
	WorkflowPRDocsConfluence  Workflow = "pr-docs-confluence"
	WorkflowDeploy            Workflow = "deploy"
	WorkflowDefault           Workflow = "default"
)

var validWorkflows = map[Workflow]bool{
	WorkflowOnboarding: true, WorkflowJiraExecSummary: true, WorkflowJiraBrainstorming: true,
	WorkflowJiraPlanning: true, WorkflowJiraCreatePR: true, WorkflowPRReview: true,
	WorkflowPRFixAndUpdate: true, WorkflowPRDocsConfluence: true, WorkflowDeploy: true,
	WorkflowDefault: true,
}

// Links is the optional per-slot link map a DispatchResult carries.
type Links struct {
	Issue *linkscan.Found
	PR    *linkscan.Found
	Doc   *linkscan.Found
}

// DispatchResult is the Dispatch Service's output.
type DispatchResult struct {
	Workflow Workflow
	Title    string
	Links    Links
}

// Classifier is the one-shot classification call; ctx carries cancellation,
// model is the configured cheap classification model identifier.
type Classifier func(ctx context.Context, model, userText string) (raw string, err error)

// Service runs the classification algorithm.
type Service struct {
	classifier Classifier
	model      string
	fallbacks  prometheus.Counter
}

// NewService builds a Service. classifier may be nil (credentials/prompt
// absent), in which case dispatch always falls back to heuristic routing.
func NewService(classifier Classifier, model string, fallbacks prometheus.Counter) *Service {
	return &Service{classifier: classifier, model: model, fallbacks: fallbacks}
}

var mentionRe = regexp.MustCompile(`<@[^>]+>`)
var channelRe = regexp.MustCompile(`<#[^>]+>`)
var linkSyntaxRe = regexp.MustCompile(`<(https?://[^|>]+)\|([^>]+)>`)

func sanitizeTitle(s string) string {
	s = mentionRe.ReplaceAllString(s, "")
	s = channelRe.ReplaceAllString(s, "")
	s = linkSyntaxRe.ReplaceAllString(s, "$2")
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) > 60 {
		s = string(runes[:60])
	}
	return s
}

func heuristicTitle(text string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) > 50 {
		runes = runes[:50]
	}
	return sanitizeTitle(string(runes))
}

func mergeLinks(classifierLinks, textLinks Links) Links {
	out := textLinks
	if classifierLinks.Issue != nil {
		out.Issue = classifierLinks.Issue
	}
	if classifierLinks.PR != nil {
		out.PR = classifierLinks.PR
	}
	if classifierLinks.Doc != nil {
		out.Doc = classifierLinks.Doc
	}
	return out
}

func textExtractedLinks(text string) Links {
	found := linkscan.ScanText(text)
	var l Links
	if f, ok := found[linkscan.LinkIssue]; ok {
		f := f
		l.Issue = &f
	}
	if f, ok := found[linkscan.LinkPR]; ok {
		f := f
		l.PR = &f
	}
	if f, ok := found[linkscan.LinkDoc]; ok {
		f := f
		l.Doc = &f
	}
	return l
}

// classifierWire is the JSON shape a classifier response is expected to
// parse into via balanced-brace extraction.
type classifierWire struct {
	Workflow string `json:"workflow"`
	Title    string `json:"title"`
	Links    struct {
		Issue string `json:"issue"`
		PR    string `json:"pr"`
		Doc   string `json:"doc"`
	} `json:"links"`
}

var legacyWorkflowRe = regexp.MustCompile(`(?s)<workflow>(.*?)</workflow>`)
var legacyTitleRe = regexp.MustCompile(`(?s)<title>(.*?)</title>`)

func parseClassifierResponse(raw string) (Workflow, string, Links, bool) {
	depth, inString, escaped, objStart := 0, false, false, -1
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				objStart = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && objStart >= 0 {
					var wire classifierWire
					if err := json.Unmarshal([]byte(raw[objStart:i+1]), &wire); err == nil && wire.Workflow != "" {
						var links Links
						if wire.Links.Issue != "" {
							p, l := linkscan.Classify(wire.Links.Issue)
							f := linkscan.Found{URL: wire.Links.Issue, Type: linkscan.LinkIssue, Provider: p, Label: l}
							links.Issue = &f
						}
						if wire.Links.PR != "" {
							p, l := linkscan.Classify(wire.Links.PR)
							f := linkscan.Found{URL: wire.Links.PR, Type: linkscan.LinkPR, Provider: p, Label: l}
							links.PR = &f
						}
						if wire.Links.Doc != "" {
							p, l := linkscan.Classify(wire.Links.Doc)
							f := linkscan.Found{URL: wire.Links.Doc, Type: linkscan.LinkDoc, Provider: p, Label: l}
							links.Doc = &f
						}
						return Workflow(wire.Workflow), wire.Title, links, true
					}
				}
			}
		}
	}

	// legacy XML fallback
	if m := legacyWorkflowRe.FindStringSubmatch(raw); m != nil {
		title := ""
		if tm := legacyTitleRe.FindStringSubmatch(raw); tm != nil {
			title = tm[1]
		}
		return Workflow(strings.TrimSpace(m[1])), title, Links{}, true
	}

	return "", "", Links{}, false
}

// Dispatch runs the classification algorithm for one user message.
func (s *Service) Dispatch(ctx context.Context, userText string) DispatchResult {
	textLinks := textExtractedLinks(userText)

	if s.classifier == nil {
		return DispatchResult{Workflow: WorkflowDefault, Title: heuristicTitle(userText), Links: textLinks}
	}

	select {
	case <-ctx.Done():
		return DispatchResult{Workflow: WorkflowDefault, Title: heuristicTitle(userText), Links: textLinks}
	default:
	}

	raw, err := s.classifier(ctx, s.model, userText)
	if err != nil {
		s.countFallback()
		return DispatchResult{Workflow: WorkflowDefault, Title: heuristicTitle(userText), Links: textLinks}
	}

	wf, title, classifierLinks, ok := parseClassifierResponse(raw)
	if !ok {
		s.countFallback()
		return DispatchResult{Workflow: WorkflowDefault, Title: heuristicTitle(userText), Links: textLinks}
	}

	if !validWorkflows[wf] {
		s.countFallback()
		wf = WorkflowDefault
	}

	if title == "" {
		title = heuristicTitle(userText)
	} else {
		title = sanitizeTitle(title)
	}

	return DispatchResult{Workflow: wf, Title: title, Links: mergeLinks(classifierLinks, textLinks)}
}

func (s *Service) countFallback() {
	if s.fallbacks != nil {
		s.fallbacks.Inc()
	}
}

// DefaultTimeout bounds a single classifier call.
const DefaultTimeout = 5 * time.Second
