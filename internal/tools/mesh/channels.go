package mesh

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/relaywork/internal/app"
	"github.com/jaakkos/relaywork/internal/channels"
)

// registerBroadcastMessage registers the broadcast_message tool.
func registerBroadcastMessage(s *server.MCPServer, h *host) {
	s.AddTool(
		mcp.NewTool("broadcast_message",
			mcp.WithDescription("Post a message to a shared channel every agent can read."),
			mcp.WithString("channel", mcp.Required(), mcp.Description("Channel name (see list_channels)")),
			mcp.WithString("content", mcp.Required(), mcp.Description("Message text")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			channel, err := requireString(args, "channel")
			if err != nil {
				return nil, err
			}
			content, err := requireString(args, "content")
			if err != nil {
				return nil, err
			}
			self := h.session(ctx).Entry()
			if self == nil {
				return nil, app.ErrNotRegistered
			}
			msg, err := h.svc.Channels().Broadcast(ctx, channel, self.GUID, self.Handle, content)
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(fmt.Sprintf("Broadcast %s posted to #%s", msg.ID, msg.Channel)), nil
		},
	)
}

// registerReadMessages registers the read_messages tool.
func registerReadMessages(s *server.MCPServer, h *host) {
	s.AddTool(
		mcp.NewTool("read_messages",
			mcp.WithDescription("Read the most recent messages posted to a channel. Reading does not consume them."),
			mcp.WithString("channel", mcp.Required(), mcp.Description("Channel name")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of messages (default: 20, max: 200)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			channel, err := requireString(args, "channel")
			if err != nil {
				return nil, err
			}
			msgs, err := h.svc.Channels().Read(ctx, channel, optionalInt(args, "limit", 20, 1, 200))
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(formatChannel(channel, msgs)), nil
		},
	)
}

// registerListChannels registers the list_channels tool.
func registerListChannels(s *server.MCPServer, h *host) {
	s.AddTool(
		mcp.NewTool("list_channels",
			mcp.WithDescription("List the broadcast channels configured on this server."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			names := h.svc.Channels().List()
			return mcp.NewToolResultText("Channels: #" + strings.Join(names, ", #")), nil
		},
	)
}

func formatChannel(channel string, msgs []channels.Message) string {
	if len(msgs) == 0 {
		return fmt.Sprintf("No messages in #%s", channel)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "#%s (%d message(s)):\n", channel, len(msgs))
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Timestamp.Format(time.RFC3339), m.SenderHandle, m.Content)
	}
	return b.String()
}
