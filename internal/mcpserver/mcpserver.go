// Package mcpserver exposes the model-command tool — GET_SESSION,
// UPDATE_SESSION, ASK_USER_QUESTION, SAVE_CONTEXT_RESULT — to the LLM CLI
// as a real MCP stdio server, so the model synchronously observes each
// command's JSON response (session snapshots, sequence numbers,
// SEQUENCE_MISMATCH rejections) instead of firing into a void.
//
// The CLI is exec'd per turn and spawns this server as a subprocess from
// mcp-servers.json; the server runs in a separate process from the agent
// and therefore cannot touch the in-memory session store directly. It
// forwards every tools/call over loopback HTTP to the agent's
// /v1/model-command endpoint, which executes against the live stores and
// returns the payload verbatim. The session key and endpoint URL ride in
// on environment variables set by the agent when it execs the CLI.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Environment variables the agent sets on the exec'd CLI (and that the CLI
// passes down to this server).
const (
	EnvCommandURL = "SESSIONAGENT_COMMAND_URL"
	EnvSessionKey = "SESSIONAGENT_SESSION_KEY"
)

// Executor runs one model command against the live session state. The
// returned payload is serialized back to the model verbatim — domain
// rejections (SEQUENCE_MISMATCH, INVALID_ARGS, ...) travel inside the
// payload's {ok,error} envelope, not as Go errors.
type Executor interface {
	Execute(ctx context.Context, sessionKey, command string, args json.RawMessage) (any, error)
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, sessionKey, command string, args json.RawMessage) (any, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, sessionKey, command string, args json.RawMessage) (any, error) {
	return f(ctx, sessionKey, command, args)
}

// CommandRequest is the loopback wire between this server and the agent.
type CommandRequest struct {
	SessionKey string          `json:"session_key"`
	Command    string          `json:"command"`
	Args       json.RawMessage `json:"args,omitempty"`
}

// HTTPHandler serves /v1/model-command inside the agent process. The
// executor is bound late because the pipeline is only constructed once
// Slack is up; until then every call is rejected.
type HTTPHandler struct {
	mu     sync.RWMutex
	exec   Executor
	logger zerolog.Logger
}

// NewHTTPHandler creates the agent-side command endpoint.
func NewHTTPHandler(logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{
		logger: logger.With().Str("component", "mcpserver.http").Logger(),
	}
}

// SetExecutor binds the live executor.
func (h *HTTPHandler) SetExecutor(exec Executor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exec = exec
}

// ServeHTTP implements http.Handler.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SessionKey == "" || req.Command == "" {
		http.Error(w, "session_key and command are required", http.StatusBadRequest)
		return
	}

	h.mu.RLock()
	exec := h.exec
	h.mu.RUnlock()
	if exec == nil {
		http.Error(w, "command executor not ready", http.StatusServiceUnavailable)
		return
	}

	payload, err := exec.Execute(r.Context(), req.SessionKey, req.Command, req.Args)
	if err != nil {
		h.logger.Warn().Err(err).Str("command", req.Command).Msg("model command failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn().Err(err).Msg("failed to encode command response")
	}
}

// Client is the stdio server's side of the loopback wire.
type Client struct {
	url        string
	sessionKey string
	httpClient *http.Client
}

// NewClient creates a Client bound to one session's turn.
func NewClient(commandURL, sessionKey string) *Client {
	return &Client{
		url:        commandURL,
		sessionKey: sessionKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Call executes one command in the agent process and returns its raw JSON
// payload.
func (c *Client) Call(ctx context.Context, command string, args json.RawMessage) (json.RawMessage, error) {
	body, err := json.Marshal(CommandRequest{
		SessionKey: c.sessionKey,
		Command:    command,
		Args:       args,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding command request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating command request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing command request: %w", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading command response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("command endpoint returned status %d: %s", resp.StatusCode, out)
	}
	return out, nil
}
