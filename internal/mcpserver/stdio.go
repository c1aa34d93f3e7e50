package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

const protocolVersion = "2024-11-05"

// Caller abstracts the loopback client so the stdio loop is testable
// without a live HTTP endpoint.
type Caller interface {
	Call(ctx context.Context, command string, args json.RawMessage) (json.RawMessage, error)
}

// StdioServer speaks MCP over newline-delimited JSON-RPC 2.0 on a reader/
// writer pair (stdin/stdout when spawned by the CLI).
type StdioServer struct {
	caller Caller
	logger zerolog.Logger

	mu  sync.Mutex // serializes writes
	out *bufio.Writer
}

// NewStdioServer creates a server forwarding tools/call through caller.
func NewStdioServer(caller Caller, logger zerolog.Logger) *StdioServer {
	return &StdioServer{
		caller: caller,
		logger: logger.With().Str("component", "mcpserver.stdio").Logger(),
	}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// toolContent is one entry of a tools/call result's content array.
type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type callResult struct {
	Content []toolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// Serve reads requests from r until EOF or ctx cancellation, writing
// responses to w. One request at a time — the CLI issues tool calls
// sequentially within a turn.
func (s *StdioServer) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.out = bufio.NewWriter(w)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.logger.Warn().Err(err).Msg("unparseable request line")
			continue
		}
		s.handle(ctx, req)
	}
	return scanner.Err()
}

func (s *StdioServer) handle(ctx context.Context, req rpcRequest) {
	switch req.Method {
	case "initialize":
		s.reply(req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo": map[string]any{
				"name":    "sessionagent-session",
				"version": "1.0.0",
			},
		})

	case "notifications/initialized", "initialized":
		// Notification, no response.

	case "ping":
		s.reply(req.ID, map[string]any{})

	case "tools/list":
		s.reply(req.ID, map[string]any{"tools": Tools()})

	case "tools/call":
		s.handleCall(ctx, req)

	default:
		if len(req.ID) == 0 {
			return // unknown notification
		}
		s.replyError(req.ID, -32601, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func (s *StdioServer) handleCall(ctx context.Context, req rpcRequest) {
	var params callParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.replyError(req.ID, -32602, "invalid tools/call params")
		return
	}
	if !knownTool(params.Name) {
		s.reply(req.ID, callResult{
			Content: []toolContent{{Type: "text", Text: fmt.Sprintf("unknown tool: %s", params.Name)}},
			IsError: true,
		})
		return
	}

	payload, err := s.caller.Call(ctx, params.Name, params.Arguments)
	if err != nil {
		s.reply(req.ID, callResult{
			Content: []toolContent{{Type: "text", Text: err.Error()}},
			IsError: true,
		})
		return
	}

	s.reply(req.ID, callResult{
		Content: []toolContent{{Type: "text", Text: string(payload)}},
	})
}

func (s *StdioServer) reply(id json.RawMessage, result any) {
	if len(id) == 0 {
		return
	}
	s.write(rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *StdioServer) replyError(id json.RawMessage, code int, message string) {
	s.write(rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}})
}

func (s *StdioServer) write(resp rpcResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal response")
		return
	}
	s.out.Write(data)
	s.out.WriteByte('\n')
	s.out.Flush()
}

// ConfigJSON renders the mcp-servers.json content pointing the CLI at this
// binary's `mcp` mode. The agent writes it at startup when the configured
// path does not already exist.
func ConfigJSON(executable string) ([]byte, error) {
	cfg := map[string]any{
		"mcpServers": map[string]any{
			"session": map[string]any{
				"command": executable,
				"args":    []string{"mcp"},
			},
		},
	}
	return json.MarshalIndent(cfg, "", "  ")
}
