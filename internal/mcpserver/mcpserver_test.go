package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/sessionagent/internal/toolmap"
)

type fakeCaller struct {
	calls   []string
	payload json.RawMessage
	err     error
}

func (f *fakeCaller) Call(_ context.Context, command string, args json.RawMessage) (json.RawMessage, error) {
	f.calls = append(f.calls, command)
	return f.payload, f.err
}

// serve runs a request sequence through the stdio server and returns the
// decoded responses in order.
func serve(t *testing.T, caller Caller, requests ...string) []map[string]any {
	t.Helper()
	in := strings.NewReader(strings.Join(requests, "\n") + "\n")
	var out bytes.Buffer

	srv := NewStdioServer(caller, zerolog.Nop())
	require.NoError(t, srv.Serve(context.Background(), in, &out))

	var responses []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var resp map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &resp))
		responses = append(responses, resp)
	}
	return responses
}

func TestStdio_InitializeAndListTools(t *testing.T) {
	responses := serve(t, &fakeCaller{},
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
	)
	require.Len(t, responses, 2, "the initialized notification gets no response")

	init := responses[0]["result"].(map[string]any)
	assert.Equal(t, protocolVersion, init["protocolVersion"])

	list := responses[1]["result"].(map[string]any)
	tools := list["tools"].([]any)
	require.Len(t, tools, 4)

	names := map[string]bool{}
	for _, tl := range tools {
		names[tl.(map[string]any)["name"].(string)] = true
	}
	assert.True(t, names[toolmap.CmdGetSession])
	assert.True(t, names[toolmap.CmdUpdateSession])
	assert.True(t, names[toolmap.CmdAskUserQuestion])
	assert.True(t, names[toolmap.CmdSaveContextResult])
}

func TestStdio_ToolCallRelaysPayload(t *testing.T) {
	caller := &fakeCaller{payload: json.RawMessage(`{"ok":true,"session":{"sequence":3}}`)}
	responses := serve(t, caller,
		`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"GET_SESSION","arguments":{}}}`,
	)
	require.Len(t, responses, 1)
	assert.Equal(t, []string{toolmap.CmdGetSession}, caller.calls)

	result := responses[0]["result"].(map[string]any)
	content := result["content"].([]any)
	require.Len(t, content, 1)
	text := content[0].(map[string]any)["text"].(string)
	assert.Contains(t, text, `"sequence":3`)
	assert.Nil(t, result["isError"])
}

func TestStdio_UnknownToolIsError(t *testing.T) {
	responses := serve(t, &fakeCaller{},
		`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"NOT_A_TOOL"}}`,
	)
	require.Len(t, responses, 1)
	result := responses[0]["result"].(map[string]any)
	assert.Equal(t, true, result["isError"])
}

func TestStdio_CallerFailureIsToolError(t *testing.T) {
	caller := &fakeCaller{err: fmt.Errorf("endpoint unreachable")}
	responses := serve(t, caller,
		`{"jsonrpc":"2.0","id":8,"method":"tools/call","params":{"name":"GET_SESSION"}}`,
	)
	require.Len(t, responses, 1)
	result := responses[0]["result"].(map[string]any)
	assert.Equal(t, true, result["isError"])
	text := result["content"].([]any)[0].(map[string]any)["text"].(string)
	assert.Contains(t, text, "endpoint unreachable")
}

func TestStdio_UnknownMethod(t *testing.T) {
	responses := serve(t, &fakeCaller{},
		`{"jsonrpc":"2.0","id":9,"method":"resources/list"}`,
	)
	require.Len(t, responses, 1)
	rpcErr := responses[0]["error"].(map[string]any)
	assert.Equal(t, float64(-32601), rpcErr["code"])
}

type fakeExecutor struct {
	lastKey     string
	lastCommand string
	payload     any
}

func (f *fakeExecutor) Execute(_ context.Context, sessionKey, command string, _ json.RawMessage) (any, error) {
	f.lastKey = sessionKey
	f.lastCommand = command
	return f.payload, nil
}

func TestHTTPHandler_RoutesToExecutor(t *testing.T) {
	h := NewHTTPHandler(zerolog.Nop())
	exec := &fakeExecutor{payload: map[string]any{"ok": true}}
	h.SetExecutor(exec)

	body := `{"session_key":"C1:1.1","command":"GET_SESSION"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/model-command", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "C1:1.1", exec.lastKey)
	assert.Equal(t, "GET_SESSION", exec.lastCommand)
	assert.Contains(t, rr.Body.String(), `"ok":true`)
}

func TestHTTPHandler_NotReadyAndBadRequests(t *testing.T) {
	h := NewHTTPHandler(zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/v1/model-command", strings.NewReader(`{"session_key":"k","command":"GET_SESSION"}`))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code, "no executor bound yet")

	h.SetExecutor(&fakeExecutor{payload: map[string]any{}})

	req = httptest.NewRequest(http.MethodPost, "/v1/model-command", strings.NewReader(`not json`))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/model-command", strings.NewReader(`{"command":"GET_SESSION"}`))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "session key is required")

	req = httptest.NewRequest(http.MethodGet, "/v1/model-command", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestClient_RoundTripAgainstHandler(t *testing.T) {
	h := NewHTTPHandler(zerolog.Nop())
	h.SetExecutor(&fakeExecutor{payload: map[string]any{"ok": true, "session": map[string]any{"sequence": 1}}})
	server := httptest.NewServer(h)
	defer server.Close()

	client := NewClient(server.URL, "C1:1.1")
	payload, err := client.Call(context.Background(), toolmap.CmdGetSession, nil)
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"sequence":1`)
}

func TestConfigJSON(t *testing.T) {
	data, err := ConfigJSON("/usr/local/bin/sessionagent")
	require.NoError(t, err)

	var cfg struct {
		MCPServers map[string]struct {
			Command string   `json:"command"`
			Args    []string `json:"args"`
		} `json:"mcpServers"`
	}
	require.NoError(t, json.Unmarshal(data, &cfg))
	srv, ok := cfg.MCPServers["session"]
	require.True(t, ok)
	assert.Equal(t, "/usr/local/bin/sessionagent", srv.Command)
	assert.Equal(t, []string{"mcp"}, srv.Args)
}
