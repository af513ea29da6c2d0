package mesh

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/relaywork/internal/app"
	"github.com/jaakkos/relaywork/internal/coordinator"
	"github.com/jaakkos/relaywork/internal/domain"
	"github.com/jaakkos/relaywork/internal/registry"
)

// registerFindWorkers registers the find_workers tool.
func registerFindWorkers(s *server.MCPServer, h *host) {
	s.AddTool(
		mcp.NewTool("find_workers",
			mcp.WithDescription("List agents able to take work for a capability, least loaded first."),
			mcp.WithString("capability", mcp.Required(), mcp.Description("Required capability")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			capability, err := requireString(req.GetArguments(), "capability")
			if err != nil {
				return nil, err
			}
			sess := h.session(ctx)
			coord, err := sess.Coordinator()
			if err != nil {
				return nil, err
			}
			workers, err := coord.FindWorkers(ctx, capability)
			if err != nil {
				return nil, err
			}
			self := sess.Entry()
			if self == nil {
				return nil, app.ErrNotRegistered
			}
			viewer := registry.RequesterFor(self)
			out := make([]map[string]any, 0, len(workers))
			for _, w := range workers {
				out = append(out, registry.RedactEntry(w, viewer))
			}
			return jsonResult(map[string]any{"workers": out, "count": len(out)})
		},
	)
}

// registerSubmitWork registers the submit_work tool.
func registerSubmitWork(s *server.MCPServer, h *host) {
	s.AddTool(
		mcp.NewTool("submit_work",
			mcp.WithDescription("Offer work and have the coordinator track it: claims, progress and completion arrive in your inbox; timed-out or failed attempts are retried and finally dead-lettered."),
			mcp.WithString("capability", mcp.Required(), mcp.Description("Capability required to do the work")),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Your identifier for the task")),
			mcp.WithString("description", mcp.Required(), mcp.Description("What needs to be done")),
			mcp.WithNumber("priority", mcp.Description("1-10, 10 highest (default: 5)")),
			mcp.WithString("deadline", mcp.Description("RFC 3339 deadline (optional)")),
			mcp.WithObject("context_data", mcp.Description("Arbitrary JSON context for the worker")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			offer, err := offerArgs(req.GetArguments())
			if err != nil {
				return nil, err
			}
			coord, err := h.session(ctx).Coordinator()
			if err != nil {
				return nil, err
			}
			a, err := coord.SubmitWork(ctx, coordinator.SubmitRequest{
				TaskID:      offer.TaskID,
				Capability:  offer.Capability,
				Description: offer.Description,
				Priority:    offer.Priority,
				Deadline:    offer.Deadline,
				ContextData: offer.ContextData,
			})
			if err != nil {
				return nil, err
			}
			return jsonResult(a)
		},
	)
}

// registerGetAssignment registers the get_assignment tool.
func registerGetAssignment(s *server.MCPServer, h *host) {
	s.AddTool(
		mcp.NewTool("get_assignment",
			mcp.WithDescription("Show the tracked state of work you submitted."),
			mcp.WithString("work_item_id", mcp.Required(), mcp.Description("Work item id returned by submit_work")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := requireString(req.GetArguments(), "work_item_id")
			if err != nil {
				return nil, err
			}
			coord, err := h.session(ctx).Coordinator()
			if err != nil {
				return nil, err
			}
			a, ok := coord.Assignment(id)
			if !ok {
				return nil, domain.NotFoundf("assignment %s", id)
			}
			return jsonResult(a)
		},
	)
}

// registerListAssignments registers the list_assignments tool.
func registerListAssignments(s *server.MCPServer, h *host) {
	s.AddTool(
		mcp.NewTool("list_assignments",
			mcp.WithDescription("List work you submitted in this session, oldest first."),
			mcp.WithString("status", mcp.Description("Only assignments in this state (pending, assigned, in-progress, completed, failed)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			status := domain.AssignmentStatus(optionalString(req.GetArguments(), "status"))
			coord, err := h.session(ctx).Coordinator()
			if err != nil {
				return nil, err
			}
			all := coord.Assignments()
			out := make([]domain.Assignment, 0, len(all))
			for _, a := range all {
				if status == "" || a.Status == status {
					out = append(out, a)
				}
			}
			if len(out) == 0 {
				return mcp.NewToolResultText(fmt.Sprintf("No assignments%s", statusSuffix(status))), nil
			}
			return jsonResult(map[string]any{"assignments": out, "count": len(out)})
		},
	)
}

func statusSuffix(s domain.AssignmentStatus) string {
	if s == "" {
		return ""
	}
	return " with status " + string(s)
}
