package mesh

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/relaywork/internal/app"
)

// suppressBannerTools lists tools that already show inbox state.
var suppressBannerTools = map[string]struct{}{
	"read_direct_messages": {},
	"deregister_agent":     {},
}

// UnreadMiddleware returns a mcp-go ToolHandlerMiddleware that appends a banner to tool
// responses when the calling agent has unread direct messages. It also records session
// activity.
func UnreadMiddleware(sessions *app.SessionRegistry) server.ToolHandlerMiddleware {
	return func(next server.ToolHandlerFunc) server.ToolHandlerFunc {
		return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			sid := sessionID(ctx)
			sessions.TouchSession(sid)

			result, err := next(ctx, req)
			if err != nil || result == nil || result.IsError {
				return result, err
			}
			if _, suppress := suppressBannerTools[req.Params.Name]; suppress {
				return result, nil
			}

			sess := sessions.Lookup(sid)
			if sess == nil {
				return result, nil
			}
			unread, err := sess.PendingMessages(ctx)
			if err != nil || unread == 0 {
				return result, nil
			}
			appendBannerToResult(result, fmt.Sprintf("\n\n---\nYou have %d unread message(s). Call read_direct_messages to see them.", unread))
			return result, nil
		}
	}
}

// ToolGateMiddleware rejects calls to tools that enabled_tools no longer allows, so a
// reloaded config takes effect without re-registering tools.
func ToolGateMiddleware(pol app.Policy) server.ToolHandlerMiddleware {
	return func(next server.ToolHandlerFunc) server.ToolHandlerFunc {
		return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			if !pol.IsToolEnabled(req.Params.Name) {
				return nil, fmt.Errorf("tool %s is disabled by configuration", req.Params.Name)
			}
			return next(ctx, req)
		}
	}
}

// ToolFilter hides disabled tools from tools/list.
func ToolFilter(pol app.Policy) server.ToolFilterFunc {
	return func(ctx context.Context, tools []mcp.Tool) []mcp.Tool {
		out := make([]mcp.Tool, 0, len(tools))
		for _, t := range tools {
			if pol.IsToolEnabled(t.Name) {
				out = append(out, t)
			}
		}
		return out
	}
}

// appendBannerToResult appends text to the last text content block, or adds a new one.
func appendBannerToResult(result *mcp.CallToolResult, banner string) {
	for i := len(result.Content) - 1; i >= 0; i-- {
		if tc, ok := result.Content[i].(mcp.TextContent); ok {
			result.Content[i] = mcp.TextContent{
				Annotated: tc.Annotated,
				Type:      "text",
				Text:      tc.Text + banner,
			}
			return
		}
	}
	result.Content = append(result.Content, mcp.TextContent{
		Type: "text",
		Text: banner,
	})
}
