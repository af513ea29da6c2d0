// Package dashboard provides a web dashboard and JSON API for monitoring the agents,
// work queues, dead letters and coordinator assignments seen by this process.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/jaakkos/relaywork/internal/app"
	"github.com/jaakkos/relaywork/internal/domain"
	"github.com/jaakkos/relaywork/internal/registry"
	"github.com/jaakkos/relaywork/internal/workqueue"
)

const requestTimeout = 10 * time.Second

// AgentSnapshot is a per-agent summary.
type AgentSnapshot struct {
	GUID             string   `json:"guid"`
	Handle           string   `json:"handle"`
	AgentType        string   `json:"agent_type"`
	Hostname         string   `json:"hostname,omitempty"`
	ProjectID        string   `json:"project_id,omitempty"`
	Capabilities     []string `json:"capabilities"`
	Visibility       string   `json:"visibility"`
	Status           string   `json:"status"`
	CurrentTaskCount int      `json:"current_task_count"`
	LastHeartbeat    string   `json:"last_heartbeat"`
	Registered       string   `json:"registered"`
	Connected        bool     `json:"connected"`
}

// QueueSnapshot is the JSON response from /api/queues.
type QueueSnapshot struct {
	Timestamp string                `json:"timestamp"`
	Queues    []workqueue.QueueStat `json:"queues"`
	Pending   map[string]int        `json:"pending,omitempty"`
}

// DeadLetterSnapshot is the JSON response from /api/dlq.
type DeadLetterSnapshot struct {
	Timestamp string           `json:"timestamp"`
	Depth     int              `json:"depth"`
	Items     []DeadLetterItem `json:"items"`
}

// DeadLetterItem is a per-record summary.
type DeadLetterItem struct {
	ID          string   `json:"id"`
	TaskID      string   `json:"task_id"`
	Capability  string   `json:"capability"`
	Description string   `json:"description"`
	Reason      string   `json:"reason"`
	Attempts    int      `json:"attempts"`
	Errors      []string `json:"errors"`
	Age         string   `json:"age"`
}

// AssignmentSnapshot is one coordinator assignment and the local agent tracking it.
type AssignmentSnapshot struct {
	Coordinator string            `json:"coordinator"`
	Assignment  domain.Assignment `json:"assignment"`
	Age         string            `json:"age"`
}

// Handler holds dependencies for dashboard HTTP handlers.
type Handler struct {
	svc      *app.Service
	sessions *app.SessionRegistry
}

// NewHandler creates a dashboard handler.
func NewHandler(svc *app.Service, sessions *app.SessionRegistry) *Handler {
	return &Handler{svc: svc, sessions: sessions}
}

// RegisterRoutes adds dashboard routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/agents", h.handleAPIAgents)
	mux.HandleFunc("/api/queues", h.handleAPIQueues)
	mux.HandleFunc("/api/dlq", h.handleAPIDeadLetters)
	mux.HandleFunc("/api/dlq/retry", h.handleAPIDeadLetterAction)
	mux.HandleFunc("/api/dlq/discard", h.handleAPIDeadLetterAction)
	mux.HandleFunc("/api/assignments", h.handleAPIAssignments)
	mux.HandleFunc("/dashboard", h.handleDashboard)
	mux.HandleFunc("/dashboard/", h.handleDashboard)
}

func jsonHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "no-cache")
}

func writeJSON(w http.ResponseWriter, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotConnected):
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	writeJSON(w, map[string]string{"error": err.Error()})
}

// agentView decides which registry entries the dashboard may show and whether their
// location fields are included. The dashboard sees what the agents bound to this
// process see; with none bound it sees public entries without location fields.
type agentView struct {
	requesters []registry.Requester
}

func (h *Handler) agentView() agentView {
	var v agentView
	for _, b := range h.sessions.Sessions() {
		if e := b.Session.Entry(); e != nil {
			v.requesters = append(v.requesters, registry.RequesterFor(e))
		}
	}
	return v
}

func (v agentView) visible(e *domain.RegistryEntry) bool {
	if len(v.requesters) == 0 {
		return e.Visibility == domain.VisibilityPublic
	}
	for _, req := range v.requesters {
		if registry.IsVisibleTo(e, req) {
			return true
		}
	}
	return false
}

func (v agentView) showsLocation(e *domain.RegistryEntry) bool {
	for _, req := range v.requesters {
		if _, ok := registry.RedactEntry(e, req)["hostname"]; ok {
			return true
		}
	}
	return false
}

// handleAPIAgents lists the registry entries visible to the agents bound to this
// process.
func (h *Handler) handleAPIAgents(w http.ResponseWriter, r *http.Request) {
	jsonHeaders(w)
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	includeOffline := r.URL.Query().Get("include_offline") == "true"
	capability := r.URL.Query().Get("capability")
	connected := make(map[string]bool)
	for _, guid := range h.sessions.ConnectedAgents() {
		connected[guid] = true
	}
	view := h.agentView()

	entries, err := h.svc.Directory().List(ctx, func(e *domain.RegistryEntry) bool {
		if !view.visible(e) {
			return false
		}
		if capability != "" && !e.HasCapability(capability) {
			return false
		}
		return includeOffline || e.Status != domain.StatusOffline
	})
	if err != nil {
		writeError(w, err)
		return
	}

	now := time.Now()
	agents := make([]AgentSnapshot, 0, len(entries))
	for _, e := range entries {
		snap := AgentSnapshot{
			GUID:             e.GUID,
			Handle:           e.Handle,
			AgentType:        e.AgentType,
			Capabilities:     e.Capabilities,
			Visibility:       string(e.Visibility),
			Status:           string(e.Status),
			CurrentTaskCount: e.CurrentTaskCount,
			LastHeartbeat:    relTime(e.LastHeartbeat, now),
			Registered:       relTime(e.RegisteredAt, now),
			Connected:        connected[e.GUID],
		}
		if view.showsLocation(e) {
			snap.Hostname = e.Hostname
			snap.ProjectID = e.ProjectID
		}
		agents = append(agents, snap)
	}
	// Sort agents: connected first, then by handle
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].Connected != agents[j].Connected {
			return agents[i].Connected
		}
		return agents[i].Handle < agents[j].Handle
	})
	writeJSON(w, map[string]any{
		"timestamp": now.Format(time.RFC3339),
		"broker":    h.svc.BrokerAddress(),
		"connected": h.svc.Connected(),
		"agents":    agents,
	})
}

func (h *Handler) handleAPIQueues(w http.ResponseWriter, r *http.Request) {
	jsonHeaders(w)
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	stats, err := h.svc.Queue().Stats(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Capability < stats[j].Capability })
	snap := QueueSnapshot{Timestamp: time.Now().Format(time.RFC3339), Queues: stats}
	if stats == nil {
		snap.Queues = []workqueue.QueueStat{}
	}
	if capability := r.URL.Query().Get("capability"); capability != "" {
		n, err := h.svc.Queue().PendingCount(ctx, capability)
		if err != nil {
			writeError(w, err)
			return
		}
		snap.Pending = map[string]int{capability: n}
	}
	writeJSON(w, snap)
}

func (h *Handler) handleAPIDeadLetters(w http.ResponseWriter, r *http.Request) {
	jsonHeaders(w)
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	limit := 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	items, err := h.svc.DeadLetters().List(ctx, r.URL.Query().Get("capability"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	depth, err := h.svc.DeadLetters().Depth(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	now := time.Now()
	snap := DeadLetterSnapshot{
		Timestamp: now.Format(time.RFC3339),
		Depth:     depth,
		Items:     make([]DeadLetterItem, 0, len(items)),
	}
	for _, it := range items {
		snap.Items = append(snap.Items, DeadLetterItem{
			ID:          it.ID,
			TaskID:      it.WorkItem.TaskID,
			Capability:  it.WorkItem.Capability,
			Description: app.Truncate(it.WorkItem.Description, 200),
			Reason:      it.Reason,
			Attempts:    it.Attempts,
			Errors:      it.Errors,
			Age:         relTime(it.FailedAt, now),
		})
	}
	writeJSON(w, snap)
}

// handleAPIDeadLetterAction serves POST /api/dlq/retry and /api/dlq/discard with an id
// query parameter or JSON body.
func (h *Handler) handleAPIDeadLetterAction(w http.ResponseWriter, r *http.Request) {
	jsonHeaders(w)
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"error":"POST required"}`))
		return
	}

	id := r.URL.Query().Get("id")
	resetAttempts := r.URL.Query().Get("reset_attempts") != "false"
	if id == "" && r.Body != nil {
		var body struct {
			ID            string `json:"id"`
			ResetAttempts *bool  `json:"reset_attempts"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		id = body.ID
		if body.ResetAttempts != nil {
			resetAttempts = *body.ResetAttempts
		}
	}
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"id parameter is required"}`))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if r.URL.Path == "/api/dlq/retry" {
		item, err := h.svc.DeadLetters().Retry(ctx, id, resetAttempts)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"status": "ok", "action": "retry", "id": id, "capability": item.Capability})
		return
	}
	if err := h.svc.DeadLetters().Discard(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "action": "discard", "id": id})
}

// handleAPIAssignments lists the assignments tracked by every local agent's coordinator.
func (h *Handler) handleAPIAssignments(w http.ResponseWriter, r *http.Request) {
	jsonHeaders(w)
	status := domain.AssignmentStatus(r.URL.Query().Get("status"))

	now := time.Now()
	out := make([]AssignmentSnapshot, 0)
	for _, b := range h.sessions.Sessions() {
		coord, err := b.Session.Coordinator()
		if err != nil {
			continue
		}
		owner := b.Session.GUID()
		for _, a := range coord.Assignments() {
			if status != "" && a.Status != status {
				continue
			}
			out = append(out, AssignmentSnapshot{Coordinator: owner, Assignment: a, Age: relTime(a.CreatedAt, now)})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Assignment.CreatedAt.Before(out[j].Assignment.CreatedAt)
	})
	writeJSON(w, map[string]any{
		"timestamp":   now.Format(time.RFC3339),
		"enabled":     h.svc.CoordinatorEnabled(),
		"assignments": out,
	})
}

func relTime(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < time.Second:
		return "just now"
	case d < time.Minute:
		return strconv.Itoa(int(d.Seconds())) + "s ago"
	case d < time.Hour:
		return strconv.Itoa(int(d.Minutes())) + "m ago"
	case d < 24*time.Hour:
		return strconv.Itoa(int(d.Hours())) + "h ago"
	default:
		return t.Format("Jan 2 15:04")
	}
}
