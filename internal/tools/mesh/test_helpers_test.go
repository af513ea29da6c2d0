package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/relaywork/internal/app"
	"github.com/jaakkos/relaywork/internal/broker/brokertest"
	"github.com/jaakkos/relaywork/internal/policy"
)

type testEnv struct {
	srv      *server.MCPServer
	svc      *app.Service
	pol      *policy.Policy
	sessions *app.SessionRegistry
}

// newTestEnv creates a MCPServer with all tools registered against an embedded broker.
// Every agent session is deregistered when the test ends.
func newTestEnv(t *testing.T, mutate func(*policy.Config)) *testEnv {
	t.Helper()
	cfg := policy.DefaultConfig()
	cfg.Namespace = "test-registry"
	cfg.WorkspaceRoot = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	pol := policy.New(cfg)
	logger := log.New(io.Discard, "", 0)
	svc := app.NewService(brokertest.NewClient(t), pol, logger)
	if err := svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	sessions := app.NewSessionRegistry()
	s := server.NewMCPServer("test", "1.0.0",
		server.WithToolHandlerMiddleware(UnreadMiddleware(sessions)),
		server.WithToolHandlerMiddleware(ToolGateMiddleware(pol)),
		server.WithToolFilter(ToolFilter(pol)),
	)
	Register(s, svc, sessions, logger)
	t.Cleanup(func() {
		for _, b := range sessions.Sessions() {
			_ = b.Session.Deregister(context.Background())
		}
	})
	return &testEnv{srv: s, svc: svc, pol: pol, sessions: sessions}
}

// fakeSession is a minimal server.ClientSession so several clients can share one server.
type fakeSession struct {
	id string
	ch chan mcp.JSONRPCNotification
}

func (f *fakeSession) Initialize()                                         {}
func (f *fakeSession) Initialized() bool                                   { return true }
func (f *fakeSession) NotificationChannel() chan<- mcp.JSONRPCNotification { return f.ch }
func (f *fakeSession) SessionID() string                                   { return f.id }

// client returns a context that identifies calls as coming from session id.
func (e *testEnv) client(id string) context.Context {
	return e.srv.WithContext(context.Background(), &fakeSession{id: id, ch: make(chan mcp.JSONRPCNotification, 16)})
}

// callTool calls a registered tool via the MCPServer's HandleMessage.
// Returns the parsed CallToolResult or an error.
func callTool(t *testing.T, ctx context.Context, s *server.MCPServer, name string, args map[string]any) (*mcp.CallToolResult, error) {
	t.Helper()

	reqJSON, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": args,
		},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	respJSON := s.HandleMessage(ctx, reqJSON)

	respBytes, marshalErr := json.Marshal(respJSON)
	if marshalErr != nil {
		t.Fatalf("marshal response: %v", marshalErr)
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}

	if resp.Error != nil {
		return nil, fmt.Errorf("RPC error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}

	return &result, nil
}

// mustCall fails the test when the tool call errors.
func mustCall(t *testing.T, ctx context.Context, s *server.MCPServer, name string, args map[string]any) string {
	t.Helper()
	result, err := callTool(t, ctx, s, name, args)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return resultText(t, result)
}

// resultText extracts the first text content from a CallToolResult.
func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil {
		t.Fatal("result is nil")
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content in result")
	return ""
}

// decodeJSON parses a JSON tool result, ignoring any banner appended after it.
func decodeJSON(t *testing.T, text string, v any) {
	t.Helper()
	if err := json.NewDecoder(strings.NewReader(text)).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", text, err)
	}
}

// registerAs registers an agent on the session behind ctx and returns its GUID.
func registerAs(t *testing.T, e *testEnv, ctx context.Context, handle string, caps ...string) string {
	t.Helper()
	args := map[string]any{"agent_type": "claude-code", "handle": handle}
	if len(caps) > 0 {
		list := make([]any, len(caps))
		for i, c := range caps {
			list[i] = c
		}
		args["capabilities"] = list
	}
	var out struct {
		GUID string `json:"guid"`
	}
	decodeJSON(t, mustCall(t, ctx, e.srv, "register_agent", args), &out)
	if out.GUID == "" {
		t.Fatal("register_agent returned no guid")
	}
	return out.GUID
}
