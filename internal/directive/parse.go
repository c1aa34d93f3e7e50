package directive

import (
	"encoding/json"
	"strings"

	"github.com/p-blackswan/sessionagent/internal/linkscan"
)

// probe is used only to read the discriminator before deciding which
// concrete shape to unmarshal into.
type probe struct {
	Type string `json:"type"`
}

// candidate is one JSON object found in text, plus the span it occupied.
type candidate struct {
	raw        string
	start, end int
}

// findCandidates returns every fenced-json-block and raw-top-level-object
// candidate in text, tried in a fixed order: fenced
// blocks first (so "fenced wins" when both shapes appear), each in
// first-to-last order within its own category.
func findCandidates(text string) []candidate {
	var out []candidate

	remaining := text
	offset := 0
	for {
		content, s, e, ok := fencedJSONBlock(remaining)
		if !ok {
			break
		}
		out = append(out, candidate{raw: content, start: offset + s, end: offset + e})
		offset += e
		remaining = remaining[e:]
	}

	remaining = text
	offset = 0
	for {
		raw, s, e, ok := extractBalancedJSON(remaining)
		if !ok {
			break
		}
		out = append(out, candidate{raw: raw, start: offset + s, end: offset + e})
		offset += e
		remaining = remaining[e:]
	}

	return out
}

func stripSpan(text string, start, end int) string {
	return strings.TrimSpace(text[:start] + text[end:])
}

// ParseSessionLinks recognizes a `session_links` directive in either fenced
// or raw form and returns the payload with the directive text removed.
func ParseSessionLinks(text string) (*SessionLinks, string, bool) {
	for _, c := range findCandidates(text) {
		var p probe
		if err := json.Unmarshal([]byte(c.raw), &p); err != nil || p.Type != "session_links" {
			continue
		}
		var wire struct {
			Jira  string `json:"jira"`
			Issue string `json:"issue"`
			PR    string `json:"pr"`
			Doc   string `json:"doc"`
		}
		if err := json.Unmarshal([]byte(c.raw), &wire); err != nil {
			continue
		}
		sl := &SessionLinks{PR: wire.PR, Doc: wire.Doc}
		if wire.Jira != "" {
			sl.Jira = wire.Jira
		} else {
			sl.Jira = wire.Issue
		}
		if sl.Empty() {
			continue
		}
		return sl, stripSpan(text, c.start, c.end), true
	}
	return nil, text, false
}

// ParseChannelMessage recognizes a `channel_message` directive. The message
// text is accepted under any of three key aliases and must be non-empty
// after trimming.
func ParseChannelMessage(text string) (*ChannelMessage, string, bool) {
	for _, c := range findCandidates(text) {
		var p probe
		if err := json.Unmarshal([]byte(c.raw), &p); err != nil || p.Type != "channel_message" {
			continue
		}
		var wire struct {
			Text    string `json:"text"`
			Message string `json:"message"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal([]byte(c.raw), &wire); err != nil {
			continue
		}
		msg := firstNonEmpty(wire.Text, wire.Message, wire.Content)
		msg = strings.TrimSpace(msg)
		if msg == "" {
			continue
		}
		return &ChannelMessage{Text: msg}, stripSpan(text, c.start, c.end), true
	}
	return nil, text, false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// ParseUserChoice recognizes any of the three admissible user-choice shapes
// (single, multi-question form, or the legacy unqualified group) and
// normalizes the legacy shape: a single inner choice collapses to
// a SingleChoice, otherwise the outer question becomes the form title.
// Exactly one of the two return pointers is non-nil when ok.
func ParseUserChoice(text string) (*SingleChoice, *Form, string, bool) {
	for _, c := range findCandidates(text) {
		var p probe
		_ = json.Unmarshal([]byte(c.raw), &p)

		switch p.Type {
		case "user_choice":
			var wire struct {
				Question string   `json:"question"`
				Choices  []Choice `json:"choices"`
				Context  string   `json:"context"`
			}
			if err := json.Unmarshal([]byte(c.raw), &wire); err != nil || len(wire.Choices) == 0 {
				continue
			}
			return &SingleChoice{Question: wire.Question, Choices: wire.Choices, Context: wire.Context}, nil, stripSpan(text, c.start, c.end), true

		case "user_choices":
			var wire struct {
				Title       string `json:"title"`
				Description string `json:"description"`
				Questions   []struct {
					ID       string   `json:"id"`
					Question string   `json:"question"`
					Choices  []Choice `json:"choices"`
					Context  string   `json:"context"`
				} `json:"questions"`
			}
			if err := json.Unmarshal([]byte(c.raw), &wire); err != nil || len(wire.Questions) == 0 {
				continue
			}
			form := &Form{Title: wire.Title, Description: wire.Description}
			for _, q := range wire.Questions {
				form.Questions = append(form.Questions, FormQuestion{ID: q.ID, Question: q.Question, Choices: q.Choices, Context: q.Context})
			}
			return nil, form, stripSpan(text, c.start, c.end), true

		case "":
			// legacy unqualified group: {question, choices:[...], context?}
			var wire struct {
				Question string   `json:"question"`
				Choices  []Choice `json:"choices"`
				Context  string   `json:"context"`
			}
			if err := json.Unmarshal([]byte(c.raw), &wire); err != nil || wire.Question == "" || len(wire.Choices) == 0 {
				continue
			}
			if len(wire.Choices) == 1 {
				return &SingleChoice{Question: wire.Question, Choices: wire.Choices, Context: wire.Context}, nil, stripSpan(text, c.start, c.end), true
			}
			form := &Form{
				Title: wire.Question,
				Questions: []FormQuestion{
					{ID: "q1", Question: wire.Question, Choices: wire.Choices, Context: wire.Context},
				},
			}
			return nil, form, stripSpan(text, c.start, c.end), true
		}
	}
	return nil, nil, text, false
}

// ExtractJSONCandidates returns every fenced-json-block and raw top-level
// JSON object found in text, fenced blocks first — the same scan the
// directive parsers above use, exposed for callers that need to probe for a
// shape this package doesn't model itself (e.g. the Renew Controller's
// save_result text fallback).
func ExtractJSONCandidates(text string) []string {
	cands := findCandidates(text)
	out := make([]string, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.raw)
	}
	return out
}

// DeriveLabel fills provider/label for a session-links URL using the same
// recognition rules the Dispatch Service uses for free text.
func DeriveLabel(url string) (provider, label string) {
	p, l := linkscan.Classify(url)
	return string(p), l
}
