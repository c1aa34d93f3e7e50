// Package directive extracts embedded JSON directives from assistant text:
// session_links, channel_message, and user_choice/user_choices. Parsing is
// shared (fenced block before raw top-level object, balanced-brace
// string/escape-aware scanning) and each parser returns the detected
// payload alongside the text with the directive removed.
package directive

// SessionLinks is the parsed `session_links` directive payload.
type SessionLinks struct {
	Jira string // alias "issue"
	PR   string
	Doc  string
}

// Empty reports whether no slot was populated.
func (s SessionLinks) Empty() bool { return s.Jira == "" && s.PR == "" && s.Doc == "" }

// ChannelMessage is the parsed `channel_message` directive payload.
type ChannelMessage struct {
	Text string
}

// Choice is one selectable option in a user_choice/user_choices directive.
type Choice struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// SingleChoice is the normalized `user_choice` directive payload.
type SingleChoice struct {
	Question string
	Choices  []Choice
	Context  string
}

// FormQuestion is one question within a `user_choices` multi-question form.
type FormQuestion struct {
	ID       string
	Question string
	Choices  []Choice
	Context  string
}

// Form is the normalized `user_choices` directive payload.
type Form struct {
	Title       string
	Description string
	Questions   []FormQuestion
}
