package mesh

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/relaywork/internal/app"
	"github.com/jaakkos/relaywork/internal/domain"
)

// registerRegisterAgent registers the register_agent tool.
func registerRegisterAgent(s *server.MCPServer, h *host) {
	s.AddTool(
		mcp.NewTool("register_agent",
			mcp.WithDescription("Register this agent in the shared registry. Call this first. Registering again with the same handle in the same project on the same host reuses your GUID."),
			mcp.WithString("agent_type", mcp.Required(), mcp.Description("Kind of agent (e.g., 'claude-code', 'cursor', 'codex')")),
			mcp.WithString("handle", mcp.Required(), mcp.Description("Human-readable name, unique within your project (e.g., 'backend-dev')")),
			mcp.WithString("workspace", mcp.Description("Project path; hashed into a project id (default: server workspace root)")),
			mcp.WithArray("capabilities", mcp.Description("Capabilities you can take work for (e.g., 'go', 'review')")),
			mcp.WithString("scope", mcp.Description("'project' (default) or 'user'")),
			mcp.WithString("visibility", mcp.Description("'private', 'project-only' (default), 'user-only' or 'public'")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			agentType, err := requireString(args, "agent_type")
			if err != nil {
				return nil, err
			}
			handle, err := requireString(args, "handle")
			if err != nil {
				return nil, err
			}

			sid := sessionID(ctx)
			reg, err := h.session(ctx).Register(ctx, app.RegisterRequest{
				AgentType:     agentType,
				Handle:        handle,
				WorkspacePath: optionalString(args, "workspace"),
				Capabilities:  stringSlice(args, "capabilities"),
				Scope:         domain.Scope(optionalString(args, "scope")),
				Visibility:    domain.Visibility(optionalString(args, "visibility")),
			})
			if err != nil {
				return nil, err
			}
			h.sessions.SetAgent(sid, reg.Entry.GUID)

			verb := "registered"
			if reg.Reused {
				verb = "re-registered (GUID reused)"
			}
			h.logger.Printf("Agent %s %s as %s (session %s)", handle, verb, reg.Entry.GUID, sid)
			return jsonResult(map[string]any{
				"guid":       reg.Entry.GUID,
				"handle":     reg.Entry.Handle,
				"projectId":  reg.Entry.ProjectID,
				"scope":      reg.Entry.Scope,
				"visibility": reg.Entry.Visibility,
				"status":     reg.Entry.Status,
				"reused":     reg.Reused,
				"message":    fmt.Sprintf("Agent '%s' %s", handle, verb),
			})
		},
	)
}

// registerDeregisterAgent registers the deregister_agent tool.
func registerDeregisterAgent(s *server.MCPServer, h *host) {
	s.AddTool(
		mcp.NewTool("deregister_agent",
			mcp.WithDescription("Mark this agent offline and stop its heartbeat. The registry entry is kept so a later register_agent reuses the GUID."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			sess := h.session(ctx)
			guid := sess.GUID()
			if guid == "" {
				return nil, app.ErrNotRegistered
			}
			if err := sess.Deregister(ctx); err != nil {
				return nil, err
			}
			h.sessions.ClearAgent(sessionID(ctx))
			h.logger.Printf("Agent %s deregistered", guid)
			return mcp.NewToolResultText(fmt.Sprintf("Agent %s is now offline", guid)), nil
		},
	)
}

// registerUpdatePresence registers the update_presence tool.
func registerUpdatePresence(s *server.MCPServer, h *host) {
	s.AddTool(
		mcp.NewTool("update_presence",
			mcp.WithDescription("Set your status to online, busy or offline and optionally your current task count."),
			mcp.WithString("status", mcp.Required(), mcp.Description("'online', 'busy' or 'offline'")),
			mcp.WithNumber("current_task_count", mcp.Description("Number of tasks you are working on")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			status, err := requireString(args, "status")
			if err != nil {
				return nil, err
			}
			var count *int
			if v, ok := args["current_task_count"].(float64); ok {
				n := int(v)
				count = &n
			}
			entry, err := h.session(ctx).UpdatePresence(ctx, domain.AgentStatus(status), count)
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(fmt.Sprintf("Status: %s, tasks: %d", entry.Status, entry.CurrentTaskCount)), nil
		},
	)
}

// registerDiscoverAgents registers the discover_agents tool.
func registerDiscoverAgents(s *server.MCPServer, h *host) {
	s.AddTool(
		mcp.NewTool("discover_agents",
			mcp.WithDescription("List other agents you are allowed to see. Fields outside your project or user scope are redacted."),
			mcp.WithString("capability", mcp.Description("Only agents advertising this capability")),
			mcp.WithString("agent_type", mcp.Description("Only agents of this type")),
			mcp.WithString("status", mcp.Description("Only agents with this status")),
			mcp.WithBoolean("include_offline", mcp.Description("Include offline agents (default: false)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			agents, err := h.session(ctx).Discover(ctx, app.DiscoverFilter{
				Capability:     optionalString(args, "capability"),
				AgentType:      optionalString(args, "agent_type"),
				Status:         domain.AgentStatus(optionalString(args, "status")),
				IncludeOffline: optionalBool(args, "include_offline", false),
			})
			if err != nil {
				return nil, err
			}
			return jsonResult(map[string]any{"agents": agents, "count": len(agents)})
		},
	)
}

// registerGetAgentInfo registers the get_agent_info tool.
func registerGetAgentInfo(s *server.MCPServer, h *host) {
	s.AddTool(
		mcp.NewTool("get_agent_info",
			mcp.WithDescription("Show one agent's registry entry, redacted for you."),
			mcp.WithString("guid", mcp.Required(), mcp.Description("The agent's GUID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			guid, err := requireString(req.GetArguments(), "guid")
			if err != nil {
				return nil, err
			}
			info, err := h.session(ctx).AgentInfo(ctx, guid)
			if err != nil {
				return nil, err
			}
			return jsonResult(info)
		},
	)
}
