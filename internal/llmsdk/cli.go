package llmsdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// CLIConfig configures the exec-based adapter: os/exec.CommandContext
// against an external agent CLI whose stdout streams one JSON object per
// line.
type CLIConfig struct {
	// Bin is the path to the LLM CLI binary (config.Config.LLMBin, default "claude").
	Bin string

	// DefaultModel is used when a turn doesn't specify one.
	DefaultModel string

	// Timeout bounds a single turn; zero means no timeout beyond ctx.
	Timeout time.Duration
}

// StartRequest is one turn's parameters.
type StartRequest struct {
	Model         string
	WorkingDir    string
	SystemPrompt  string
	ResumeSession string // LLM-SDK-side session id to resume, empty for a fresh session
	Prompt        string
	AllowedTools  []string
	MCPConfigPath string
	Env           []string // extra KEY=VALUE pairs for the subprocess (and its MCP server children)
}

// CLIAdapter execs the configured CLI binary per turn and adapts its
// streamed JSON-lines output into llmsdk.Event values.
type CLIAdapter struct {
	cfg    CLIConfig
	logger zerolog.Logger
}

// NewCLIAdapter builds a CLIAdapter.
func NewCLIAdapter(cfg CLIConfig, logger zerolog.Logger) *CLIAdapter {
	if cfg.Bin == "" {
		cfg.Bin = "claude"
	}
	return &CLIAdapter{cfg: cfg, logger: logger.With().Str("component", "llmsdk").Logger()}
}

// cliLine is the on-the-wire shape of one streamed JSON line. Only the
// fields this repository consumes are modeled; unknown fields are ignored by
// encoding/json.
type cliLine struct {
	Type string `json:"type"` // "system" | "assistant" | "user" | "result"

	Message *struct {
		Content []cliContentBlock `json:"content"`
	} `json:"message"`

	Subtype string `json:"subtype"` // result: "success" | "error_max_turns" | "error_during_execution" | ...
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`

	SessionID string `json:"session_id"`

	Usage      *cliUsage           `json:"usage"`
	ModelUsage map[string]cliUsage `json:"modelUsage"`
}

type cliContentBlock struct {
	Type string `json:"type"` // "text" | "tool_use" | "tool_result" | "thinking"

	Text string `json:"text"`

	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`

	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`

	Thinking string `json:"thinking"`
}

type cliUsage struct {
	InputTokens              int     `json:"input_tokens"`
	OutputTokens             int     `json:"output_tokens"`
	CacheReadInputTokens     int     `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int     `json:"cache_creation_input_tokens"`
	CostUSD                  float64 `json:"cost_usd"`
	ContextWindow            int     `json:"context_window"`
}

func (u cliUsage) toModelUsage() ModelUsage {
	return ModelUsage{
		InputTokens:              u.InputTokens,
		OutputTokens:             u.OutputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens,
		CostUSD:                  u.CostUSD,
		ContextWindow:            u.ContextWindow,
	}
}

// Start launches the CLI binary for one turn and returns a Query streaming
// its output. The subprocess and its goroutine are torn down when the
// returned Query's context is cancelled or Close is called.
func (a *CLIAdapter) Start(ctx context.Context, req StartRequest) (*Query, error) {
	model := req.Model
	if model == "" {
		model = a.cfg.DefaultModel
	}

	turnCtx, cancel := context.WithCancel(ctx)
	if a.cfg.Timeout > 0 {
		turnCtx, cancel = context.WithTimeout(turnCtx, a.cfg.Timeout)
	}

	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--model", model,
	}
	if req.ResumeSession != "" {
		args = append(args, "--resume", req.ResumeSession)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}
	if req.MCPConfigPath != "" {
		args = append(args, "--mcp-config", req.MCPConfigPath)
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(req.AllowedTools, ","))
	}
	args = append(args, req.Prompt)

	cmd := exec.CommandContext(turnCtx, a.cfg.Bin, args...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("llmsdk: stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("llmsdk: start %s: %w", a.cfg.Bin, err)
	}

	events := make(chan Event, 8)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(events)
		defer cancel()

		sawResult := a.pump(turnCtx, stdout, events)

		waitErr := cmd.Wait()
		if !sawResult {
			// The process exited without a terminal result event — surface
			// whatever it printed to stderr as a synthetic error result so
			// the Stream Processor always observes exactly one ResultEvent.
			msg := strings.TrimSpace(stderr.String())
			if msg == "" && waitErr != nil {
				msg = waitErr.Error()
			}
			if msg == "" {
				msg = "llmsdk: process exited without a result event"
			}
			select {
			case events <- Event{Type: EventResult, Result: &ResultEvent{Subtype: ResultError, Result: msg, IsError: true}}:
			default:
			}
		}
	}()

	return NewQuery(events, done, cancel), nil
}

// pump reads newline-delimited JSON from r, translating each line into an
// Event on out. Returns true if a terminal result event was observed.
func (a *CLIAdapter) pump(ctx context.Context, r io.Reader, out chan<- Event) bool {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return false
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var raw cliLine
		if err := json.Unmarshal(line, &raw); err != nil {
			a.logger.Warn().Err(err).Str("line", truncate(string(line), 200)).Msg("unparseable stream line, skipping")
			continue
		}

		ev, ok := translate(raw)
		if !ok {
			continue
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return false
		}

		if ev.Type == EventResult {
			return true
		}
	}
	return false
}

func translate(raw cliLine) (Event, bool) {
	switch raw.Type {
	case "assistant":
		if raw.Message == nil {
			return Event{}, false
		}
		return Event{Type: EventAssistant, Assistant: &AssistantEvent{Content: translateBlocks(raw.Message.Content)}}, true

	case "user":
		if raw.Message == nil {
			return Event{}, false
		}
		var results []ToolResult
		for _, b := range raw.Message.Content {
			if b.Type != "tool_result" {
				continue
			}
			results = append(results, ToolResult{ToolUseID: b.ToolUseID, Content: b.Content, IsError: b.IsError})
		}
		return Event{Type: EventUser, User: &UserEvent{Results: results}}, true

	case "result":
		subtype := ResultSuccess
		switch {
		case raw.IsError:
			subtype = ResultError
		case strings.Contains(raw.Subtype, "cancel"):
			subtype = ResultCancelled
		case raw.Subtype != "" && raw.Subtype != "success":
			subtype = ResultError
		}

		re := &ResultEvent{Subtype: subtype, Result: raw.Result, SessionID: raw.SessionID, IsError: raw.IsError}
		if len(raw.ModelUsage) > 0 {
			re.ModelUsage = make(map[string]ModelUsage, len(raw.ModelUsage))
			for model, u := range raw.ModelUsage {
				re.ModelUsage[model] = u.toModelUsage()
			}
		} else if raw.Usage != nil {
			flat := raw.Usage.toModelUsage()
			re.FlatUsage = &flat
		}
		return Event{Type: EventResult, Result: re}, true

	default:
		// "system" (init banner) and anything else unrecognized is ignored.
		return Event{}, false
	}
}

func translateBlocks(blocks []cliContentBlock) []ContentBlock {
	out := make([]ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		cb := ContentBlock{Type: b.Type, Text: b.Text, Thinking: b.Thinking}
		if b.Type == "tool_use" {
			cb.ToolUseID = b.ID
			cb.ToolName = b.Name
			cb.ToolInput = b.Input
		}
		out = append(out, cb)
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// Classify implements dispatch.Classifier: a one-shot, non-streaming call
// against the cheap classification model. It execs the same CLI binary with
// --print (no streaming) and returns raw stdout as the classifier's text.
func (a *CLIAdapter) Classify(ctx context.Context, model, userText string) (string, error) {
	turnCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	cmd := exec.CommandContext(turnCtx, a.cfg.Bin, "--print", "--model", model, userText)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("llmsdk: classify call failed: %w (stderr: %s)", err, truncate(stderr.String(), 300))
	}
	return strings.TrimSpace(stdout.String()), nil
}
