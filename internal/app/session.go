package app

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jaakkos/relaywork/internal/coordinator"
	"github.com/jaakkos/relaywork/internal/domain"
	"github.com/jaakkos/relaywork/internal/inbox"
	"github.com/jaakkos/relaywork/internal/metrics"
	"github.com/jaakkos/relaywork/internal/registry"
)

// RegisterRequest describes the agent a session registers as.
type RegisterRequest struct {
	AgentType string
	Handle    string
	// WorkspacePath is resolved with ProjectRoot and hashed into the project id.
	// Empty means the configured workspace root, then the working directory.
	WorkspacePath string
	Hostname      string
	Capabilities  []string
	Scope         domain.Scope
	Visibility    domain.Visibility
	Username      string
}

// Registration is the outcome of Register.
type Registration struct {
	Entry  *domain.RegistryEntry
	Reused bool
}

// AgentSession is one agent identity held by this process: its registry entry, the
// heartbeat that keeps it fresh, its inbox, and its coordinator when enabled.
type AgentSession struct {
	svc    *Service
	logger *log.Logger

	mu        sync.Mutex
	entry     *domain.RegistryEntry
	heartbeat *Heartbeat
	coord     *coordinator.Coordinator
}

// Register writes the agent's registry entry, opens its inbox and starts the heartbeat.
// A session that is already registered is deregistered first, so registering again with
// the same handle keeps the GUID.
func (s *AgentSession) Register(ctx context.Context, req RegisterRequest) (*Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entry != nil {
		if err := s.deregisterLocked(ctx); err != nil {
			return nil, err
		}
	}

	workspace := req.WorkspacePath
	if workspace == "" {
		workspace = s.svc.policy.WorkspaceRoot()
	}
	if req.Hostname == "" {
		req.Hostname = LocalHostname()
	}
	if req.Username == "" {
		req.Username = LocalUsername()
	}

	entry, reused, err := s.svc.directory.CreateEntry(ctx, registry.EntryParams{
		AgentType:     req.AgentType,
		Handle:        req.Handle,
		Hostname:      req.Hostname,
		ProjectID:     domain.ProjectID(ProjectRoot(workspace)),
		BrokerAddress: s.svc.BrokerAddress(),
		Capabilities:  req.Capabilities,
		Scope:         req.Scope,
		Visibility:    req.Visibility,
		Username:      req.Username,
	})
	if err != nil {
		return nil, err
	}
	guid := entry.GUID

	if _, err := s.svc.mailbox.Open(ctx, guid); err != nil {
		// no online entry without a readable inbox
		s.markOffline(context.WithoutCancel(ctx), guid)
		return nil, fmt.Errorf("open inbox for %s: %w", guid, err)
	}

	hb := NewHeartbeat(s.svc.policy.HeartbeatInterval(), func(ctx context.Context) error {
		_, err := s.svc.directory.Touch(ctx, guid, nil)
		return err
	}, func(err error) {
		s.logger.Printf("heartbeat %s: %v", guid, err)
	}, s.logger)
	// the registering request ends long before the session does
	hb.Start(context.WithoutCancel(ctx))
	s.heartbeat = hb

	if s.svc.CoordinatorEnabled() {
		s.coord = coordinator.New(s.svc.queue, s.svc.dlq, s.svc.directory,
			coordinator.WithConfig(s.svc.CoordinatorConfig()),
			coordinator.WithIdentity(registry.RequesterFor(entry)),
			coordinator.WithLogger(s.logger),
		)
	}

	s.entry = entry
	if reused {
		metrics.AgentsRegistered.WithLabelValues("reused").Inc()
	} else {
		metrics.AgentsRegistered.WithLabelValues("new").Inc()
	}
	return &Registration{Entry: entry.Clone(), Reused: reused}, nil
}

// Deregister stops the heartbeat, the inbox and the coordinator, then marks the entry
// offline. Background tasks stop first so a late heartbeat cannot overwrite the offline
// status. The entry itself is kept.
func (s *AgentSession) Deregister(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry == nil {
		return ErrNotRegistered
	}
	return s.deregisterLocked(ctx)
}

func (s *AgentSession) deregisterLocked(ctx context.Context) error {
	guid := s.entry.GUID
	if s.heartbeat != nil {
		s.heartbeat.Stop()
		s.heartbeat = nil
	}
	s.svc.mailbox.Close(guid)
	if s.coord != nil {
		s.coord.Shutdown()
		s.coord = nil
	}
	s.entry = nil

	if _, err := s.svc.directory.Touch(ctx, guid, func(e *domain.RegistryEntry) {
		e.Status = domain.StatusOffline
	}); err != nil {
		return fmt.Errorf("deregister %s: %w", guid, err)
	}
	metrics.AgentsDeregistered.Inc()
	s.logger.Printf("session: %s is offline", guid)
	return nil
}

func (s *AgentSession) markOffline(ctx context.Context, guid string) {
	if _, err := s.svc.directory.Touch(ctx, guid, func(e *domain.RegistryEntry) {
		e.Status = domain.StatusOffline
	}); err != nil {
		s.logger.Printf("session: mark %s offline: %v", guid, err)
	}
}

// UpdatePresence sets status and, when taskCount is non-nil, the current task count.
// Empty status keeps the current one. Races with the heartbeat are last-write-wins.
func (s *AgentSession) UpdatePresence(ctx context.Context, status domain.AgentStatus, taskCount *int) (*domain.RegistryEntry, error) {
	if status != "" && !domain.ValidStatus(status) {
		return nil, domain.Invalid("status", "%q", status)
	}
	if taskCount != nil && *taskCount < 0 {
		return nil, domain.Invalid("currentTaskCount", "must be >= 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry == nil {
		return nil, ErrNotRegistered
	}
	updated, err := s.svc.directory.Touch(ctx, s.entry.GUID, func(e *domain.RegistryEntry) {
		if status != "" {
			e.Status = status
		}
		if taskCount != nil {
			e.CurrentTaskCount = *taskCount
		}
	})
	if err != nil {
		return nil, err
	}
	s.entry = updated
	return updated.Clone(), nil
}

// DiscoverFilter narrows Discover. Zero fields match everything; offline agents are
// included only when IncludeOffline is set or Status asks for them.
type DiscoverFilter struct {
	Capability     string
	AgentType      string
	Status         domain.AgentStatus
	IncludeOffline bool
}

func (f DiscoverFilter) match(e *domain.RegistryEntry) bool {
	if f.Capability != "" && !e.HasCapability(f.Capability) {
		return false
	}
	if f.AgentType != "" && e.AgentType != f.AgentType {
		return false
	}
	if f.Status != "" {
		return e.Status == f.Status
	}
	return f.IncludeOffline || e.Status != domain.StatusOffline
}

// Discover lists other agents visible to this one, redacted for this requester.
func (s *AgentSession) Discover(ctx context.Context, filter DiscoverFilter) ([]map[string]any, error) {
	req, err := s.requester()
	if err != nil {
		return nil, err
	}
	visible := registry.VisibleFilter(req)
	entries, err := s.svc.directory.List(ctx, func(e *domain.RegistryEntry) bool {
		return e.GUID != req.GUID && visible(e) && filter.match(e)
	})
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, registry.RedactEntry(e, req))
	}
	return out, nil
}

// AgentInfo returns guid's entry redacted for this agent. Agents this one cannot see
// are reported as not found.
func (s *AgentSession) AgentInfo(ctx context.Context, guid string) (map[string]any, error) {
	req, err := s.requester()
	if err != nil {
		return nil, err
	}
	e, err := s.svc.directory.Get(ctx, guid)
	if err != nil {
		return nil, err
	}
	if e == nil || !registry.IsVisibleTo(e, req) {
		return nil, domain.NotFoundf("agent %s", guid)
	}
	return registry.RedactEntry(e, req), nil
}

// SendRequest is a direct message to another agent.
type SendRequest struct {
	RecipientGUID string
	MessageType   domain.MessageType
	Content       string
	Metadata      map[string]string
}

// Send delivers a direct message to any registered agent, online or not.
func (s *AgentSession) Send(ctx context.Context, req SendRequest) (inbox.SendResult, error) {
	self := s.Entry()
	if self == nil {
		return inbox.SendResult{}, ErrNotRegistered
	}
	if !domain.IsUUIDv4(req.RecipientGUID) {
		return inbox.SendResult{}, domain.Invalid("recipientGuid", "%q is not a UUID v4", req.RecipientGUID)
	}
	if req.MessageType == "" {
		req.MessageType = domain.MessageText
	}
	recipient, err := s.svc.directory.Get(ctx, req.RecipientGUID)
	if err != nil {
		return inbox.SendResult{}, err
	}
	if recipient == nil {
		return inbox.SendResult{}, domain.NotFoundf("agent %s", req.RecipientGUID)
	}
	res, err := s.svc.mailbox.Send(ctx, &domain.InboxMessage{
		SenderGUID:    self.GUID,
		SenderHandle:  self.Handle,
		RecipientGUID: recipient.GUID,
		MessageType:   req.MessageType,
		Content:       req.Content,
		Metadata:      req.Metadata,
	}, recipient.Status)
	if err != nil {
		return inbox.SendResult{}, err
	}
	s.svc.trigger()
	return res, nil
}

// ReadInbox reads and acks up to limit messages. Work lifecycle messages addressed to
// this agent's coordinator also update its assignments.
func (s *AgentSession) ReadInbox(ctx context.Context, limit int, filter inbox.Filter) ([]domain.InboxMessage, error) {
	s.mu.Lock()
	if s.entry == nil {
		s.mu.Unlock()
		return nil, ErrNotRegistered
	}
	guid, coord := s.entry.GUID, s.coord
	s.mu.Unlock()

	msgs, err := s.svc.mailbox.Read(ctx, guid, limit, filter)
	if err != nil {
		return nil, err
	}
	if coord != nil {
		for i := range msgs {
			if _, err := coord.HandleMessage(ctx, &msgs[i]); err != nil {
				s.logger.Printf("session %s: coordinator rejected %s: %v", guid, msgs[i].ID, err)
			}
		}
	}
	return msgs, nil
}

// PendingMessages returns the unread inbox count, 0 when not registered.
func (s *AgentSession) PendingMessages(ctx context.Context) (int, error) {
	e := s.Entry()
	if e == nil {
		return 0, nil
	}
	return s.svc.mailbox.Pending(ctx, e.GUID)
}

// OfferRequest is work offered to every agent holding Capability.
type OfferRequest struct {
	TaskID      string
	Capability  string
	Description string
	Priority    int
	Deadline    *time.Time
	ContextData map[string]any
}

// OfferWork publishes a work item stamped with this agent as the offerer.
func (s *AgentSession) OfferWork(ctx context.Context, req OfferRequest) (*domain.WorkItem, error) {
	self := s.Entry()
	if self == nil {
		return nil, ErrNotRegistered
	}
	item := &domain.WorkItem{
		ID:          domain.NewID(),
		TaskID:      req.TaskID,
		Capability:  req.Capability,
		Description: req.Description,
		Priority:    req.Priority,
		Deadline:    req.Deadline,
		ContextData: req.ContextData,
		OfferedBy:   self.GUID,
	}
	if err := s.svc.queue.Publish(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// ClaimWork takes one item from capability's queue, waiting up to timeout. A nil item
// means no work. The offering agent is sent a work-claim message so its coordinator can
// track the assignment.
func (s *AgentSession) ClaimWork(ctx context.Context, capability string, timeout time.Duration) (*domain.WorkItem, error) {
	self := s.Entry()
	if self == nil {
		return nil, ErrNotRegistered
	}
	item, err := s.svc.queue.Claim(ctx, capability, timeout)
	if err != nil || item == nil {
		return item, err
	}
	if item.OfferedBy != "" && item.OfferedBy != self.GUID && domain.IsUUIDv4(item.OfferedBy) {
		content, err := domain.EncodePayload(domain.WorkClaimPayload{TaskID: item.TaskID, WorkItemID: item.ID})
		if err == nil {
			_, err = s.Send(ctx, SendRequest{
				RecipientGUID: item.OfferedBy,
				MessageType:   domain.MessageWorkClaim,
				Content:       content,
			})
		}
		if err != nil {
			s.logger.Printf("session %s: notify claim of %s: %v", self.GUID, item.ID, err)
		}
	}
	return item, nil
}

// Coordinator returns this session's coordinator.
func (s *AgentSession) Coordinator() (*coordinator.Coordinator, error) {
	if !s.svc.CoordinatorEnabled() {
		return nil, ErrCoordinatorDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.coord == nil {
		return nil, ErrNotRegistered
	}
	return s.coord, nil
}

// ApplyPolicy pushes reloaded heartbeat and coordinator settings into the running session.
func (s *AgentSession) ApplyPolicy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heartbeat != nil {
		s.heartbeat.SetInterval(s.svc.policy.HeartbeatInterval())
	}
	if s.coord != nil {
		s.coord.Apply(s.svc.CoordinatorConfig())
	}
}

// Entry returns a copy of the session's registry entry as last written, nil when unregistered.
func (s *AgentSession) Entry() *domain.RegistryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entry.Clone()
}

// GUID returns the registered GUID, "" when unregistered.
func (s *AgentSession) GUID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry == nil {
		return ""
	}
	return s.entry.GUID
}

func (s *AgentSession) requester() (registry.Requester, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry == nil {
		return registry.Requester{}, ErrNotRegistered
	}
	return registry.RequesterFor(s.entry), nil
}
