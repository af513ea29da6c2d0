package mesh

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/relaywork/internal/app"
	"github.com/jaakkos/relaywork/internal/domain"
	"github.com/jaakkos/relaywork/internal/inbox"
)

// registerSendDirectMessage registers the send_direct_message tool.
func registerSendDirectMessage(s *server.MCPServer, h *host) {
	s.AddTool(
		mcp.NewTool("send_direct_message",
			mcp.WithDescription("Send a message to another agent's inbox by GUID. Offline agents receive it when they next read. Work lifecycle types (work-claim, progress-update, work-complete, work-error, ...) take a JSON payload as content."),
			mcp.WithString("recipient_guid", mcp.Required(), mcp.Description("GUID of the recipient")),
			mcp.WithString("content", mcp.Required(), mcp.Description("Message text, or the JSON payload for work lifecycle types")),
			mcp.WithString("message_type", mcp.Description("Message type (default: 'text')")),
			mcp.WithObject("metadata", mcp.Description("String key/value pairs attached to the message")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			recipient, err := requireString(args, "recipient_guid")
			if err != nil {
				return nil, err
			}
			content, err := requireString(args, "content")
			if err != nil {
				return nil, err
			}
			msgType := domain.MessageType(optionalString(args, "message_type"))
			if msgType == "" {
				msgType = domain.MessageText
			}
			if !domain.ValidMessageType(msgType) {
				return nil, domain.Invalid("message_type", "unknown type %q", msgType)
			}
			if msgType != domain.MessageText {
				if _, err := domain.ParsePayload(msgType, content); err != nil {
					return nil, err
				}
			}

			res, err := h.session(ctx).Send(ctx, app.SendRequest{
				RecipientGUID: recipient,
				MessageType:   msgType,
				Content:       content,
				Metadata:      stringMap(args, "metadata"),
			})
			if err != nil {
				return nil, err
			}
			h.logger.Printf("Message %s (%s) sent to %s", res.MessageID, msgType, recipient)
			return mcp.NewToolResultText(fmt.Sprintf("Message %s sent. %s", res.MessageID, res.Confirmation)), nil
		},
	)
}

// registerReadDirectMessages registers the read_direct_messages tool.
func registerReadDirectMessages(s *server.MCPServer, h *host) {
	s.AddTool(
		mcp.NewTool("read_direct_messages",
			mcp.WithDescription("Read unread messages from your inbox, oldest first. Returned messages are acknowledged; messages that don't match the filters are discarded."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of messages to return (default: 10, max: 100)")),
			mcp.WithString("message_type", mcp.Description("Only messages of this type")),
			mcp.WithString("sender_guid", mcp.Description("Only messages from this sender")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			limit := optionalInt(args, "limit", inbox.DefaultLimit, 1, 100)
			msgs, err := h.session(ctx).ReadInbox(ctx, limit, inbox.Filter{
				MessageType: domain.MessageType(optionalString(args, "message_type")),
				SenderGUID:  optionalString(args, "sender_guid"),
			})
			if err != nil {
				return nil, err
			}
			if len(msgs) > 0 {
				h.logger.Printf("Read %d message(s) for session %s", len(msgs), sessionID(ctx))
			}
			return mcp.NewToolResultText(inbox.FormatMessages(msgs)), nil
		},
	)
}
