package mesh

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/relaywork/internal/app"
)

const (
	defaultClaimTimeout = 5 * time.Second
	maxClaimTimeout     = 60 * time.Second
)

// registerBroadcastWorkOffer registers the broadcast_work_offer tool.
func registerBroadcastWorkOffer(s *server.MCPServer, h *host) {
	s.AddTool(
		mcp.NewTool("broadcast_work_offer",
			mcp.WithDescription("Offer a unit of work to every agent with a capability. Exactly one of them will claim it."),
			mcp.WithString("capability", mcp.Required(), mcp.Description("Capability required to do the work")),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Your identifier for the task")),
			mcp.WithString("description", mcp.Required(), mcp.Description("What needs to be done")),
			mcp.WithNumber("priority", mcp.Description("1-10, 10 highest (default: 5)")),
			mcp.WithString("deadline", mcp.Description("RFC 3339 deadline (optional)")),
			mcp.WithObject("context_data", mcp.Description("Arbitrary JSON context for the worker")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			offer, err := offerArgs(args)
			if err != nil {
				return nil, err
			}
			item, err := h.session(ctx).OfferWork(ctx, offer)
			if err != nil {
				return nil, err
			}
			h.logger.Printf("Work %s offered on %s", item.ID, item.Capability)
			return jsonResult(item)
		},
	)
}

func offerArgs(args map[string]any) (app.OfferRequest, error) {
	capability, err := requireString(args, "capability")
	if err != nil {
		return app.OfferRequest{}, err
	}
	taskID, err := requireString(args, "task_id")
	if err != nil {
		return app.OfferRequest{}, err
	}
	description, err := requireString(args, "description")
	if err != nil {
		return app.OfferRequest{}, err
	}
	deadline, err := optionalTime(args, "deadline")
	if err != nil {
		return app.OfferRequest{}, err
	}
	return app.OfferRequest{
		TaskID:      taskID,
		Capability:  capability,
		Description: description,
		Priority:    int(optionalFloat64(args, "priority", 5)),
		Deadline:    deadline,
		ContextData: objectArg(args, "context_data"),
	}, nil
}

// registerClaimWork registers the claim_work tool.
func registerClaimWork(s *server.MCPServer, h *host) {
	s.AddTool(
		mcp.NewTool("claim_work",
			mcp.WithDescription("Take the next work item for a capability, waiting briefly if none is queued. The offering agent is told you claimed it."),
			mcp.WithString("capability", mcp.Required(), mcp.Description("Capability queue to claim from")),
			mcp.WithNumber("timeout_ms", mcp.Description("How long to wait for work (default: 5000, max: 60000)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			capability, err := requireString(args, "capability")
			if err != nil {
				return nil, err
			}
			timeout := time.Duration(optionalFloat64(args, "timeout_ms", float64(defaultClaimTimeout.Milliseconds()))) * time.Millisecond
			timeout = max(0, min(timeout, maxClaimTimeout))

			item, err := h.session(ctx).ClaimWork(ctx, capability, timeout)
			if err != nil {
				return nil, err
			}
			if item == nil {
				return mcp.NewToolResultText(fmt.Sprintf("No work available for %s", capability)), nil
			}
			h.logger.Printf("Work %s claimed on %s (attempt %d)", item.ID, capability, item.Attempts)
			return jsonResult(item)
		},
	)
}

// registerGetPendingWorkCount registers the get_pending_work_count tool.
func registerGetPendingWorkCount(s *server.MCPServer, h *host) {
	s.AddTool(
		mcp.NewTool("get_pending_work_count",
			mcp.WithDescription("Count work items waiting in a capability queue."),
			mcp.WithString("capability", mcp.Required(), mcp.Description("Capability queue")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			capability, err := requireString(req.GetArguments(), "capability")
			if err != nil {
				return nil, err
			}
			n, err := h.svc.Queue().PendingCount(ctx, capability)
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(fmt.Sprintf("%d pending work item(s) for %s", n, capability)), nil
		},
	)
}

// registerListDeadLetterItems registers the list_dead_letter_items tool.
func registerListDeadLetterItems(s *server.MCPServer, h *host) {
	s.AddTool(
		mcp.NewTool("list_dead_letter_items",
			mcp.WithDescription("List work items that exhausted their delivery attempts, oldest first."),
			mcp.WithString("capability", mcp.Description("Only items for this capability")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of items (default: 50)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			items, err := h.svc.DeadLetters().List(ctx, optionalString(args, "capability"), optionalInt(args, "limit", 50, 1, 1000))
			if err != nil {
				return nil, err
			}
			return jsonResult(map[string]any{"items": items, "count": len(items)})
		},
	)
}

// registerRetryDeadLetterItem registers the retry_dead_letter_item tool.
func registerRetryDeadLetterItem(s *server.MCPServer, h *host) {
	s.AddTool(
		mcp.NewTool("retry_dead_letter_item",
			mcp.WithDescription("Put a dead-lettered item back on its capability queue and remove it from the dead letter queue."),
			mcp.WithString("id", mcp.Required(), mcp.Description("Dead letter item id")),
			mcp.WithBoolean("reset_attempts", mcp.Description("Start the attempt count over (default: true)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			id, err := requireString(args, "id")
			if err != nil {
				return nil, err
			}
			item, err := h.svc.DeadLetters().Retry(ctx, id, optionalBool(args, "reset_attempts", true))
			if err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(fmt.Sprintf("Work %s requeued on %s", item.ID, item.Capability)), nil
		},
	)
}

// registerDiscardDeadLetterItem registers the discard_dead_letter_item tool.
func registerDiscardDeadLetterItem(s *server.MCPServer, h *host) {
	s.AddTool(
		mcp.NewTool("discard_dead_letter_item",
			mcp.WithDescription("Permanently delete a dead-lettered item."),
			mcp.WithString("id", mcp.Required(), mcp.Description("Dead letter item id")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := requireString(req.GetArguments(), "id")
			if err != nil {
				return nil, err
			}
			if err := h.svc.DeadLetters().Discard(ctx, id); err != nil {
				return nil, err
			}
			return mcp.NewToolResultText(fmt.Sprintf("Dead letter item %s discarded", id)), nil
		},
	)
}
