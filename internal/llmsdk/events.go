// Package llmsdk defines the abstract contract this repository consumes from
// an LLM SDK: a streaming query that emits a discriminated union of typed
// events and a one-shot classification call. The rest of the system treats the LLM SDK as
// an external collaborator; this package gives that collaborator a concrete
// Go shape so the Stream Processor and Dispatch Service have something
// real to import.
package llmsdk

// EventType discriminates the stream taxonomy the Stream Processor consumes.
type EventType string

const (
	EventAssistant EventType = "assistant"
	EventUser      EventType = "user"
	EventResult    EventType = "result"
)

// ResultSubtype mirrors the terminal result event's outcome.
type ResultSubtype string

const (
	ResultSuccess   ResultSubtype = "success"
	ResultError     ResultSubtype = "error"
	ResultCancelled ResultSubtype = "cancelled"
)

// ContentBlock is a discriminated union for assistant message content: a
// block is either text, a tool invocation, or a thinking block.
type ContentBlock struct {
	Type string `json:"type"` // "text" | "tool_use" | "thinking"

	Text string `json:"text,omitempty"`

	ToolUseID string         `json:"id,omitempty"`
	ToolName  string         `json:"name,omitempty"`
	ToolInput map[string]any `json:"input,omitempty"`

	Thinking string `json:"thinking,omitempty"`
}

// IsToolUse reports whether this block is a tool invocation.
func (c ContentBlock) IsToolUse() bool { return c.Type == "tool_use" }

// IsText reports whether this block is a text block.
func (c ContentBlock) IsText() bool { return c.Type == "text" }

// AssistantEvent carries one assistant turn's content array.
type AssistantEvent struct {
	Content []ContentBlock
}

// ToolResult is one tool-use's delivered result, matched back by ToolUseID.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// UserEvent delivers tool results for previously emitted tool-use IDs.
type UserEvent struct {
	Results []ToolResult
}

// ModelUsage tracks per-model token consumption and cost, summed across
// models when the SDK reports a per-model breakdown.
type ModelUsage struct {
	InputTokens              int
	OutputTokens             int
	CacheReadInputTokens     int
	CacheCreationInputTokens int
	CostUSD                  float64
	ContextWindow            int
}

// ResultEvent is the terminal, exactly-once-per-turn event.
type ResultEvent struct {
	Subtype    ResultSubtype
	Result     string // final text, if any, and if not already streamed
	SessionID  string // LLM-SDK-side session id, used to resume the next turn
	ModelUsage map[string]ModelUsage
	FlatUsage  *ModelUsage // fallback when the SDK reports a single flat usage object instead of a per-model map
	IsError    bool
}

// Event is the envelope delivered on Query.Messages(): exactly one of
// Assistant, User, or Result is non-nil, matching Type.
type Event struct {
	Type      EventType
	Assistant *AssistantEvent
	User      *UserEvent
	Result    *ResultEvent
}

// AggregatedUsage is the session-usage snapshot derived from a ResultEvent,
// summing the per-model map when present or falling back to the flat usage.
func AggregatedUsage(r ResultEvent) ModelUsage {
	if len(r.ModelUsage) > 0 {
		var agg ModelUsage
		for _, mu := range r.ModelUsage {
			agg.InputTokens += mu.InputTokens
			agg.OutputTokens += mu.OutputTokens
			agg.CacheReadInputTokens += mu.CacheReadInputTokens
			agg.CacheCreationInputTokens += mu.CacheCreationInputTokens
			agg.CostUSD += mu.CostUSD
			if mu.ContextWindow > agg.ContextWindow {
				agg.ContextWindow = mu.ContextWindow
			}
		}
		return agg
	}
	if r.FlatUsage != nil {
		return *r.FlatUsage
	}
	return ModelUsage{}
}
