package mesh

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/jaakkos/relaywork/internal/domain"
	"github.com/jaakkos/relaywork/internal/policy"
)

func TestRegisterAgent_BindsSession(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := e.client("sess-a")

	guid := registerAs(t, e, ctx, "dev1", "go")
	if !domain.IsUUIDv4(guid) {
		t.Fatalf("guid %q is not a UUID v4", guid)
	}
	if got := e.sessions.SessionForAgent(guid); got != "sess-a" {
		t.Errorf("SessionForAgent = %q, want sess-a", got)
	}
	entry, err := e.svc.Registry().Get(context.Background(), guid)
	if err != nil || entry == nil {
		t.Fatalf("Get = %v, %v", entry, err)
	}
	if entry.Status != domain.StatusOnline || !entry.HasCapability("go") {
		t.Errorf("entry = %+v", entry)
	}

	// same handle on a new connection in the same project reuses the GUID
	mustCall(t, ctx, e.srv, "deregister_agent", nil)
	again := registerAs(t, e, e.client("sess-b"), "dev1")
	if again != guid {
		t.Errorf("re-register guid = %s, want %s", again, guid)
	}
}

func TestRegisterAgent_Validation(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := e.client("sess-a")

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing handle", map[string]any{"agent_type": "claude-code"}},
		{"missing type", map[string]any{"handle": "dev1"}},
		{"bad visibility", map[string]any{"agent_type": "claude-code", "handle": "dev1", "visibility": "everyone"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := callTool(t, ctx, e.srv, "register_agent", tt.args); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestTools_RequireRegistration(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := e.client("anon")

	for _, name := range []string{"discover_agents", "deregister_agent", "read_direct_messages", "find_workers"} {
		args := map[string]any{"capability": "go"}
		_, err := callTool(t, ctx, e.srv, name, args)
		if err == nil || !strings.Contains(err.Error(), "register_agent") {
			t.Errorf("%s: err = %v, want not-registered error", name, err)
		}
	}
}

func TestDirectMessages_RoundTripWithBanner(t *testing.T) {
	e := newTestEnv(t, nil)
	alice, bob := e.client("sess-a"), e.client("sess-b")
	registerAs(t, e, alice, "alice")
	bobGUID := registerAs(t, e, bob, "bob")

	text := mustCall(t, alice, e.srv, "send_direct_message", map[string]any{
		"recipient_guid": bobGUID,
		"content":        "hello bob",
	})
	if !strings.Contains(text, "delivered") {
		t.Errorf("confirmation = %q", text)
	}

	// bob sees a banner on an unrelated call
	text = mustCall(t, bob, e.srv, "list_channels", nil)
	if !strings.Contains(text, "1 unread message(s)") {
		t.Errorf("expected unread banner, got %q", text)
	}

	text = mustCall(t, bob, e.srv, "read_direct_messages", nil)
	if !strings.Contains(text, "hello bob") || !strings.Contains(text, "alice") {
		t.Errorf("read = %q", text)
	}
	if strings.Contains(text, "unread message(s). Call") {
		t.Error("read_direct_messages should not carry the banner")
	}

	text = mustCall(t, bob, e.srv, "list_channels", nil)
	if strings.Contains(text, "unread") {
		t.Errorf("banner after reading: %q", text)
	}
}

func TestSendDirectMessage_Validation(t *testing.T) {
	e := newTestEnv(t, nil)
	alice, bob := e.client("sess-a"), e.client("sess-b")
	registerAs(t, e, alice, "alice")
	bobGUID := registerAs(t, e, bob, "bob")

	tests := []struct {
		name string
		args map[string]any
	}{
		{"not a guid", map[string]any{"recipient_guid": "bob", "content": "x"}},
		{"unknown recipient", map[string]any{"recipient_guid": domain.NewID(), "content": "x"}},
		{"unknown type", map[string]any{"recipient_guid": bobGUID, "content": "x", "message_type": "shout"}},
		{"bad payload", map[string]any{"recipient_guid": bobGUID, "content": "not json", "message_type": "work-complete"}},
		{"payload without task", map[string]any{"recipient_guid": bobGUID, "content": `{"progress":5}`, "message_type": "progress-update"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := callTool(t, alice, e.srv, "send_direct_message", tt.args); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDiscoverAndAgentInfo(t *testing.T) {
	e := newTestEnv(t, nil)
	alice, bob := e.client("sess-a"), e.client("sess-b")
	aliceGUID := registerAs(t, e, alice, "alice", "go")
	bobGUID := registerAs(t, e, bob, "bob", "review")

	var found struct {
		Agents []map[string]any `json:"agents"`
		Count  int              `json:"count"`
	}
	decodeJSON(t, mustCall(t, alice, e.srv, "discover_agents", nil), &found)
	if found.Count != 1 || found.Agents[0]["guid"] != bobGUID {
		t.Fatalf("discover = %+v", found)
	}

	decodeJSON(t, mustCall(t, alice, e.srv, "discover_agents", map[string]any{"capability": "go"}), &found)
	if found.Count != 0 {
		t.Errorf("self should be excluded, got %+v", found)
	}

	var info map[string]any
	decodeJSON(t, mustCall(t, bob, e.srv, "get_agent_info", map[string]any{"guid": aliceGUID}), &info)
	if info["handle"] != "alice" {
		t.Errorf("info = %+v", info)
	}
	if _, err := callTool(t, bob, e.srv, "get_agent_info", map[string]any{"guid": domain.NewID()}); err == nil {
		t.Error("expected not found")
	}
}

func TestUpdatePresence(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := e.client("sess-a")
	guid := registerAs(t, e, ctx, "alice")

	text := mustCall(t, ctx, e.srv, "update_presence", map[string]any{"status": "busy", "current_task_count": 2})
	if !strings.Contains(text, "busy") {
		t.Errorf("text = %q", text)
	}
	entry, _ := e.svc.Registry().Get(context.Background(), guid)
	if entry.Status != domain.StatusBusy || entry.CurrentTaskCount != 2 {
		t.Errorf("entry = %+v", entry)
	}
	if _, err := callTool(t, ctx, e.srv, "update_presence", map[string]any{"status": "asleep"}); err == nil {
		t.Error("expected invalid status error")
	}
}

func TestChannels(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := e.client("sess-a")
	registerAs(t, e, ctx, "alice")

	text := mustCall(t, ctx, e.srv, "list_channels", nil)
	for _, c := range []string{"#general", "#work", "#status"} {
		if !strings.Contains(text, c) {
			t.Errorf("list_channels = %q, missing %s", text, c)
		}
	}

	mustCall(t, ctx, e.srv, "broadcast_message", map[string]any{"channel": "general", "content": "first"})
	mustCall(t, ctx, e.srv, "broadcast_message", map[string]any{"channel": "general", "content": "second"})

	text = mustCall(t, e.client("reader"), e.srv, "read_messages", map[string]any{"channel": "general"})
	if !strings.Contains(text, "2 message(s)") || strings.Index(text, "first") > strings.Index(text, "second") {
		t.Errorf("read_messages = %q", text)
	}

	if _, err := callTool(t, ctx, e.srv, "broadcast_message", map[string]any{"channel": "nope", "content": "x"}); err == nil {
		t.Error("expected unknown channel error")
	}
}

func TestWorkOfferAndClaim(t *testing.T) {
	e := newTestEnv(t, nil)
	lead, worker := e.client("lead"), e.client("worker")
	leadGUID := registerAs(t, e, lead, "lead")
	registerAs(t, e, worker, "worker", "go")

	var offered domain.WorkItem
	decodeJSON(t, mustCall(t, lead, e.srv, "broadcast_work_offer", map[string]any{
		"capability":   "go",
		"task_id":      "T-1",
		"description":  "write the parser",
		"priority":     8,
		"context_data": map[string]any{"file": "parser.go"},
	}), &offered)
	if offered.OfferedBy != leadGUID {
		t.Errorf("offeredBy = %s, want %s", offered.OfferedBy, leadGUID)
	}

	text := mustCall(t, worker, e.srv, "get_pending_work_count", map[string]any{"capability": "go"})
	if !strings.HasPrefix(text, "1 pending") {
		t.Errorf("pending = %q", text)
	}

	var claimed domain.WorkItem
	decodeJSON(t, mustCall(t, worker, e.srv, "claim_work", map[string]any{"capability": "go"}), &claimed)
	if claimed.ID != offered.ID || claimed.TaskID != "T-1" || claimed.Attempts != 1 {
		t.Errorf("claimed = %+v", claimed)
	}
	if claimed.ContextData["file"] != "parser.go" {
		t.Errorf("contextData = %+v", claimed.ContextData)
	}

	text = mustCall(t, worker, e.srv, "claim_work", map[string]any{"capability": "go", "timeout_ms": 100})
	if !strings.HasPrefix(text, "No work available") {
		t.Errorf("second claim = %q", text)
	}

	// the offerer is told about the claim
	text = mustCall(t, lead, e.srv, "read_direct_messages", map[string]any{"message_type": "work-claim"})
	if !strings.Contains(text, offered.ID) {
		t.Errorf("lead inbox = %q", text)
	}
}

func TestBroadcastWorkOffer_Validation(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := e.client("lead")
	registerAs(t, e, ctx, "lead")

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing capability", map[string]any{"task_id": "T", "description": "d"}},
		{"bad priority", map[string]any{"capability": "go", "task_id": "T", "description": "d", "priority": 11}},
		{"bad deadline", map[string]any{"capability": "go", "task_id": "T", "description": "d", "deadline": "tomorrow"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := callTool(t, ctx, e.srv, "broadcast_work_offer", tt.args); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCoordinatorTools_TrackClaimProgressCompletion(t *testing.T) {
	e := newTestEnv(t, nil)
	lead, worker := e.client("lead"), e.client("worker")
	leadGUID := registerAs(t, e, lead, "lead")
	workerGUID := registerAs(t, e, worker, "worker", "go")

	var workers struct {
		Workers []map[string]any `json:"workers"`
	}
	decodeJSON(t, mustCall(t, lead, e.srv, "find_workers", map[string]any{"capability": "go"}), &workers)
	if len(workers.Workers) != 1 || workers.Workers[0]["guid"] != workerGUID {
		t.Fatalf("workers = %+v", workers)
	}

	var a domain.Assignment
	decodeJSON(t, mustCall(t, lead, e.srv, "submit_work", map[string]any{
		"capability":  "go",
		"task_id":     "T-7",
		"description": "tracked",
	}), &a)
	if a.Status != domain.AssignmentPending || a.Attempts != 1 {
		t.Fatalf("assignment = %+v", a)
	}

	var item domain.WorkItem
	decodeJSON(t, mustCall(t, worker, e.srv, "claim_work", map[string]any{"capability": "go"}), &item)
	if item.ID != a.WorkItemID {
		t.Fatalf("claimed %s, want %s", item.ID, a.WorkItemID)
	}

	progress, _ := json.Marshal(domain.ProgressUpdatePayload{TaskID: "T-7", WorkItemID: item.ID, Progress: 40})
	mustCall(t, worker, e.srv, "send_direct_message", map[string]any{
		"recipient_guid": leadGUID,
		"message_type":   "progress-update",
		"content":        string(progress),
	})

	// reading the inbox feeds the coordinator
	mustCall(t, lead, e.srv, "read_direct_messages", nil)
	decodeJSON(t, mustCall(t, lead, e.srv, "get_assignment", map[string]any{"work_item_id": item.ID}), &a)
	if a.Status != domain.AssignmentInProgress || a.AssignedTo != workerGUID || a.Progress != 40 {
		t.Fatalf("after progress = %+v", a)
	}

	done, _ := json.Marshal(domain.WorkCompletePayload{TaskID: "T-7", WorkItemID: item.ID, Result: map[string]any{"ok": true}})
	mustCall(t, worker, e.srv, "send_direct_message", map[string]any{
		"recipient_guid": leadGUID,
		"message_type":   "work-complete",
		"content":        string(done),
	})
	mustCall(t, lead, e.srv, "read_direct_messages", nil)

	var list struct {
		Assignments []domain.Assignment `json:"assignments"`
		Count       int                 `json:"count"`
	}
	decodeJSON(t, mustCall(t, lead, e.srv, "list_assignments", map[string]any{"status": "completed"}), &list)
	if list.Count != 1 || list.Assignments[0].Result["ok"] != true {
		t.Errorf("completed = %+v", list)
	}
	text := mustCall(t, lead, e.srv, "list_assignments", map[string]any{"status": "failed"})
	if !strings.HasPrefix(text, "No assignments with status failed") {
		t.Errorf("failed list = %q", text)
	}

	if _, err := callTool(t, lead, e.srv, "get_assignment", map[string]any{"work_item_id": domain.NewID()}); err == nil {
		t.Error("expected not found")
	}
}

func TestCoordinatorTools_NotRegisteredWhenDisabled(t *testing.T) {
	e := newTestEnv(t, func(c *policy.Config) { c.Coordinator.Enabled = false })
	ctx := e.client("lead")
	registerAs(t, e, ctx, "lead")

	for _, name := range []string{"find_workers", "submit_work", "get_assignment", "list_assignments"} {
		if _, err := callTool(t, ctx, e.srv, name, map[string]any{}); err == nil {
			t.Errorf("%s should not be registered", name)
		}
	}
}

func TestDeadLetterTools(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := e.client("ops")
	bg := context.Background()

	item := &domain.WorkItem{
		ID:          domain.NewID(),
		TaskID:      "T-9",
		Capability:  "go",
		Description: "flaky",
		OfferedBy:   domain.NewID(),
		OfferedAt:   time.Now().UTC(),
		Attempts:    3,
	}
	if _, err := e.svc.DeadLetters().MoveToDeadLetter(bg, item, "max deliveries", nil); err != nil {
		t.Fatal(err)
	}

	var list struct {
		Items []domain.DLQItem `json:"items"`
		Count int              `json:"count"`
	}
	decodeJSON(t, mustCall(t, ctx, e.srv, "list_dead_letter_items", map[string]any{"capability": "go"}), &list)
	if list.Count != 1 || list.Items[0].ID != item.ID || list.Items[0].Attempts != 3 {
		t.Fatalf("list = %+v", list)
	}

	mustCall(t, ctx, e.srv, "retry_dead_letter_item", map[string]any{"id": item.ID})
	n, err := e.svc.Queue().PendingCount(bg, "go")
	if err != nil || n != 1 {
		t.Errorf("pending after retry = %d, %v", n, err)
	}
	decodeJSON(t, mustCall(t, ctx, e.srv, "list_dead_letter_items", nil), &list)
	if list.Count != 0 {
		t.Errorf("dlq after retry = %+v", list)
	}

	// a second failure of the retried offer is a new record
	other := *item
	other.ID = domain.NewID()
	if _, err := e.svc.DeadLetters().MoveToDeadLetter(bg, &other, "bad input", nil); err != nil {
		t.Fatal(err)
	}
	mustCall(t, ctx, e.srv, "discard_dead_letter_item", map[string]any{"id": other.ID})
	if _, err := callTool(t, ctx, e.srv, "discard_dead_letter_item", map[string]any{"id": other.ID}); err == nil {
		t.Error("second discard should report not found")
	}
	if _, err := callTool(t, ctx, e.srv, "retry_dead_letter_item", map[string]any{"id": domain.NewID()}); err == nil {
		t.Error("retry of unknown id should fail")
	}
}

func TestToolGate_DisabledTools(t *testing.T) {
	e := newTestEnv(t, func(c *policy.Config) {
		c.EnabledTools = []string{"register_agent", "list_channels"}
	})
	ctx := e.client("sess-a")
	registerAs(t, e, ctx, "alice")

	if _, err := callTool(t, ctx, e.srv, "discover_agents", nil); err == nil || !strings.Contains(err.Error(), "disabled") {
		t.Errorf("discover_agents err = %v, want disabled", err)
	}
	mustCall(t, ctx, e.srv, "list_channels", nil)

	// a reload re-enables everything
	cfg := policy.DefaultConfig()
	e.pol.Apply(cfg)
	mustCall(t, ctx, e.srv, "discover_agents", nil)
}

func TestDeregisterAgent(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := e.client("sess-a")
	guid := registerAs(t, e, ctx, "alice")

	text := mustCall(t, ctx, e.srv, "deregister_agent", nil)
	if !strings.Contains(text, "offline") {
		t.Errorf("text = %q", text)
	}
	if e.sessions.HasActiveSession(guid) {
		t.Error("agent binding should be cleared")
	}
	entry, _ := e.svc.Registry().Get(context.Background(), guid)
	if entry == nil || entry.Status != domain.StatusOffline {
		t.Errorf("entry = %+v", entry)
	}
	if _, err := callTool(t, ctx, e.srv, "deregister_agent", nil); err == nil {
		t.Error("second deregister should fail")
	}
}
