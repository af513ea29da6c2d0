package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/relaywork/internal/app"
)

const (
	uriInstructions  = "relaywork://guides/instructions"
	uriSelf          = "relaywork://agents/self"
	uriChannelPrefix = "relaywork://channels/"
)

// registerResources adds the instructions guide, the caller's own registry entry and a
// template for reading channels.
func registerResources(s *server.MCPServer, h *host) {
	s.AddResource(
		mcp.NewResource(uriInstructions, "Mesh Instructions",
			mcp.WithResourceDescription("How to register, message, and distribute work on the mesh."),
			mcp.WithMIMEType("text/markdown"),
		),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			return []mcp.ResourceContents{
				mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "text/markdown", Text: InstructionsText()},
			}, nil
		},
	)

	s.AddResource(
		mcp.NewResource(uriSelf, "Own Registry Entry",
			mcp.WithResourceDescription("The registry entry of the agent registered on this connection."),
			mcp.WithMIMEType("application/json"),
		),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			self := h.session(ctx).Entry()
			if self == nil {
				return nil, app.ErrNotRegistered
			}
			data, err := json.MarshalIndent(self, "", "  ")
			if err != nil {
				return nil, fmt.Errorf("encode entry: %w", err)
			}
			return []mcp.ResourceContents{
				mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "application/json", Text: string(data)},
			}, nil
		},
	)

	s.AddResourceTemplate(
		mcp.NewResourceTemplate(uriChannelPrefix+"{channel}", "Channel Messages",
			mcp.WithTemplateDescription("Recent messages on a broadcast channel."),
			mcp.WithTemplateMIMEType("text/plain"),
		),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			channel := strings.TrimPrefix(req.Params.URI, uriChannelPrefix)
			h.logger.Printf("Resource template read: channels/%s", channel)
			msgs, err := h.svc.Channels().Read(ctx, channel, 0)
			if err != nil {
				return nil, err
			}
			return []mcp.ResourceContents{
				mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "text/plain", Text: formatChannel(channel, msgs)},
			}, nil
		},
	)
}
