// Package coordinator tracks submitted work through a claim, progress and completion
// workflow on top of the capability work queues.
//
// Assignments live only in this process. They are a cache over the durable queue and
// are lost on restart.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/jaakkos/relaywork/internal/domain"
	"github.com/jaakkos/relaywork/internal/metrics"
	"github.com/jaakkos/relaywork/internal/registry"
)

const (
	DefaultAssignmentTimeout = 5 * time.Minute
	DefaultMaxAttempts       = 3
	DefaultRetryPriority     = 7
)

// Publisher appends work items to their capability queue.
type Publisher interface {
	Publish(ctx context.Context, item *domain.WorkItem) error
}

// DeadLetterer records permanently failed work.
type DeadLetterer interface {
	MoveToDeadLetter(ctx context.Context, item *domain.WorkItem, reason string, errs []string) (*domain.DLQItem, error)
}

// AgentLister enumerates registered agents.
type AgentLister interface {
	List(ctx context.Context, filter registry.Filter) ([]*domain.RegistryEntry, error)
}

// Config tunes retry and timeout behavior.
type Config struct {
	AssignmentTimeout time.Duration
	MaxAttempts       int
	AutoRetry         bool
	RetryPriority     int
}

// DefaultConfig returns the standard coordinator settings.
func DefaultConfig() Config {
	return Config{
		AssignmentTimeout: DefaultAssignmentTimeout,
		MaxAttempts:       DefaultMaxAttempts,
		AutoRetry:         true,
		RetryPriority:     DefaultRetryPriority,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.AssignmentTimeout <= 0 {
		c.AssignmentTimeout = def.AssignmentTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.RetryPriority < 1 || c.RetryPriority > 10 {
		c.RetryPriority = def.RetryPriority
	}
	return c
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConfig replaces the default settings.
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) { c.cfg = cfg.normalized() }
}

// WithIdentity sets the coordinator's own agent identity, used to exclude itself and
// apply visibility in FindWorkers and to stamp offeredBy.
func WithIdentity(req registry.Requester) Option {
	return func(c *Coordinator) { c.self = req }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

type tracked struct {
	a     domain.Assignment
	item  domain.WorkItem
	timer *slidingTimer
}

// Coordinator owns the assignment ledger and one timeout timer per live assignment.
type Coordinator struct {
	publisher Publisher
	dlq       DeadLetterer
	agents    AgentLister
	logger    *log.Logger
	self      registry.Requester

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	cfg         Config
	assignments map[string]*tracked
	closed      bool
}

// New returns a Coordinator. Call Shutdown to release its timers.
func New(publisher Publisher, dlq DeadLetterer, agents AgentLister, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		publisher:   publisher,
		dlq:         dlq,
		agents:      agents,
		logger:      log.Default(),
		cfg:         DefaultConfig(),
		ctx:         ctx,
		cancel:      cancel,
		assignments: make(map[string]*tracked),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the current settings.
func (c *Coordinator) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Apply replaces the settings. Running timers pick up the new timeout on their next reset.
func (c *Coordinator) Apply(cfg Config) {
	cfg = cfg.normalized()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	for _, t := range c.assignments {
		if t.timer != nil {
			t.timer.SetDuration(cfg.AssignmentTimeout)
		}
	}
}

// FindWorkers returns online and busy agents holding capability that the coordinator
// can see, excluding itself: online before busy, then fewest current tasks first.
// The order is a hint; workers still self-select by claiming.
func (c *Coordinator) FindWorkers(ctx context.Context, capability string) ([]*domain.RegistryEntry, error) {
	workers, err := c.agents.List(ctx, func(e *domain.RegistryEntry) bool {
		return e.HasCapability(capability) &&
			e.Status != domain.StatusOffline &&
			e.GUID != c.self.GUID &&
			registry.IsVisibleTo(e, c.self)
	})
	if err != nil {
		return nil, fmt.Errorf("find workers for %s: %w", capability, err)
	}
	sort.SliceStable(workers, func(i, j int) bool {
		a, b := workers[i], workers[j]
		if a.Status != b.Status {
			return a.Status == domain.StatusOnline
		}
		return a.CurrentTaskCount < b.CurrentTaskCount
	})
	return workers, nil
}

// SubmitRequest describes work to be tracked.
type SubmitRequest struct {
	TaskID      string
	Capability  string
	Description string
	Priority    int
	Deadline    *time.Time
	ContextData map[string]any
}

// SubmitWork records a pending assignment, publishes the work item and arms its
// timeout. The queue is created on first use.
func (c *Coordinator) SubmitWork(ctx context.Context, req SubmitRequest) (*domain.Assignment, error) {
	now := time.Now().UTC()
	item := domain.WorkItem{
		ID:          domain.NewID(),
		TaskID:      req.TaskID,
		Capability:  req.Capability,
		Description: req.Description,
		Priority:    req.Priority,
		Deadline:    req.Deadline,
		ContextData: req.ContextData,
		OfferedBy:   c.self.GUID,
		OfferedAt:   now,
	}
	if err := domain.ValidateWorkItem(&item); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("submit work: coordinator is shut down")
	}
	t := &tracked{
		a: domain.Assignment{
			WorkItemID:  item.ID,
			TaskID:      item.TaskID,
			Capability:  item.Capability,
			Status:      domain.AssignmentPending,
			Attempts:    1,
			MaxAttempts: c.cfg.MaxAttempts,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		item: item,
	}
	c.assignments[item.ID] = t
	c.mu.Unlock()

	if err := c.publisher.Publish(ctx, &item); err != nil {
		c.mu.Lock()
		delete(c.assignments, item.ID)
		c.mu.Unlock()
		return nil, fmt.Errorf("submit work %s: %w", item.ID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed && !t.a.Status.Terminal() {
		c.armLocked(t)
	}
	metrics.AssignmentsSubmitted.Inc()
	c.logger.Printf("coordinator: submitted %s (%s) for task %s", item.ID, item.Capability, item.TaskID)
	a := t.a
	return &a, nil
}

func (c *Coordinator) armLocked(t *tracked) {
	if t.timer != nil {
		t.timer.Reset()
		return
	}
	id := t.a.WorkItemID
	t.timer = newSlidingTimer(c.cfg.AssignmentTimeout, func(gen uint64) { c.onTimeout(id, gen) })
}

func (c *Coordinator) clearLocked(t *tracked) {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// onTimeout fails the assignment with a recoverable error when the window gen is still
// live. A claim or progress report that reset the timer after it fired wins.
func (c *Coordinator) onTimeout(id string, gen uint64) {
	c.mu.Lock()
	t, ok := c.assignments[id]
	if c.closed || !ok || t.timer == nil || !t.timer.current(gen) {
		c.mu.Unlock()
		return
	}
	status := t.a.Status
	if status != domain.AssignmentPending && status != domain.AssignmentAssigned {
		c.mu.Unlock()
		return
	}

	metrics.AssignmentTimeouts.Inc()
	msg := fmt.Sprintf("assignment timed out after %s in status %s", c.cfg.AssignmentTimeout, status)
	c.logger.Printf("coordinator: %s %s", id, msg)
	if err := c.failLocked(c.ctx, t, msg, true); err != nil {
		c.logger.Printf("coordinator: timeout handling for %s: %v", id, err)
	}
}

// check gates an update on the assignment it would apply to.
type check func(t *tracked) bool

func anySender(*tracked) bool { return true }

// sentBy admits updates only from the agent the assignment is assigned to.
func sentBy(guid string) check {
	return func(t *tracked) bool { return guid != "" && t.a.AssignedTo == guid }
}

// RecordClaim marks a pending assignment as claimed by agent. It returns false when the
// assignment is unknown or not pending.
func (c *Coordinator) RecordClaim(id, agent string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.assignments[id]
	if !ok || t.a.Status != domain.AssignmentPending {
		return false
	}
	now := time.Now().UTC()
	t.a.Status = domain.AssignmentAssigned
	t.a.AssignedTo = agent
	t.a.AssignedAt = &now
	t.a.UpdatedAt = now
	c.armLocked(t)
	return true
}

// RecordProgress updates progress, clamped to [0,100], and moves a claimed assignment to
// in-progress.
func (c *Coordinator) RecordProgress(id string, progress int) bool {
	return c.recordProgress(id, progress, anySender)
}

func (c *Coordinator) recordProgress(id string, progress int, ok check) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, found := c.assignments[id]
	if !found || t.a.Status.Terminal() || t.a.Status == domain.AssignmentPending || !ok(t) {
		return false
	}
	t.a.Progress = min(max(progress, 0), 100)
	t.a.Status = domain.AssignmentInProgress
	t.a.UpdatedAt = time.Now().UTC()
	c.armLocked(t)
	return true
}

// RecordCompletion marks the assignment completed and clears its timer.
func (c *Coordinator) RecordCompletion(id string, result map[string]any) bool {
	return c.recordCompletion(id, result, anySender)
}

func (c *Coordinator) recordCompletion(id string, result map[string]any, ok check) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, found := c.assignments[id]
	if !found || t.a.Status.Terminal() || !ok(t) {
		return false
	}
	now := time.Now().UTC()
	t.a.Status = domain.AssignmentCompleted
	t.a.Progress = 100
	t.a.Result = result
	t.a.CompletedAt = &now
	t.a.UpdatedAt = now
	c.clearLocked(t)
	metrics.AssignmentsFinished.WithLabelValues(string(domain.AssignmentCompleted)).Inc()
	return true
}

// RecordError handles a failure. A recoverable error under the attempt budget returns
// the assignment to pending and republishes the item at the retry priority; anything
// else fails the assignment and moves the item to the dead letter queue. It returns
// false when the assignment is unknown or already terminal.
func (c *Coordinator) RecordError(ctx context.Context, id, message string, recoverable bool) (bool, error) {
	return c.recordError(ctx, id, message, recoverable, anySender)
}

func (c *Coordinator) recordError(ctx context.Context, id, message string, recoverable bool, ok check) (bool, error) {
	c.mu.Lock()
	t, found := c.assignments[id]
	if !found || t.a.Status.Terminal() || !ok(t) {
		c.mu.Unlock()
		return false, nil
	}
	return true, c.failLocked(ctx, t, message, recoverable)
}

// failLocked applies an error to t. It is called with c.mu held and releases it before
// publishing.
func (c *Coordinator) failLocked(ctx context.Context, t *tracked, message string, recoverable bool) error {
	id := t.a.WorkItemID
	now := time.Now().UTC()
	t.a.Error = message
	t.a.UpdatedAt = now

	if recoverable && c.cfg.AutoRetry && t.a.Attempts < t.a.MaxAttempts {
		t.a.Status = domain.AssignmentPending
		t.a.AssignedTo = ""
		t.a.AssignedAt = nil
		t.a.Progress = 0
		t.a.Attempts++
		t.item.Priority = c.cfg.RetryPriority
		t.item.OfferedAt = now
		t.item.Attempts = 0
		item := t.item
		attempt := t.a.Attempts
		if !c.closed {
			c.armLocked(t)
		}
		c.mu.Unlock()

		if err := c.publisher.Publish(ctx, &item); err != nil {
			return fmt.Errorf("republish %s: %w", id, err)
		}
		c.logger.Printf("coordinator: retrying %s (attempt %d): %s", id, attempt, message)
		return nil
	}

	t.a.Status = domain.AssignmentFailed
	t.a.CompletedAt = &now
	c.clearLocked(t)
	item := t.item
	item.Attempts = t.a.Attempts
	c.mu.Unlock()

	metrics.AssignmentsFinished.WithLabelValues(string(domain.AssignmentFailed)).Inc()
	if _, err := c.dlq.MoveToDeadLetter(ctx, &item, message, []string{message}); err != nil {
		return fmt.Errorf("dead letter %s: %w", id, err)
	}
	c.logger.Printf("coordinator: %s failed: %s", id, message)
	return nil
}

// HandleMessage applies a work-claim, progress-update, work-complete or work-error inbox
// message to the matching assignment. Progress, completion and error messages count only
// when sent by the agent that claimed the assignment. Messages of other types, and
// messages without a work item id, are ignored.
func (c *Coordinator) HandleMessage(ctx context.Context, msg *domain.InboxMessage) (bool, error) {
	p, err := domain.ParsePayload(msg.MessageType, msg.Content)
	if err != nil {
		return false, err
	}
	switch p := p.(type) {
	case domain.WorkClaimPayload:
		return p.WorkItemID != "" && c.RecordClaim(p.WorkItemID, msg.SenderGUID), nil
	case domain.ProgressUpdatePayload:
		return p.WorkItemID != "" && c.recordProgress(p.WorkItemID, p.Progress, sentBy(msg.SenderGUID)), nil
	case domain.WorkCompletePayload:
		return p.WorkItemID != "" && c.recordCompletion(p.WorkItemID, p.Result, sentBy(msg.SenderGUID)), nil
	case domain.WorkErrorPayload:
		if p.WorkItemID == "" {
			return false, nil
		}
		return c.recordError(ctx, p.WorkItemID, p.Error, p.Recoverable, sentBy(msg.SenderGUID))
	}
	return false, nil
}

// Assignment returns a copy of the assignment for id.
func (c *Coordinator) Assignment(id string) (domain.Assignment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.assignments[id]
	if !ok {
		return domain.Assignment{}, false
	}
	return t.a, true
}

// Assignments returns copies of every assignment, oldest first.
func (c *Coordinator) Assignments() []domain.Assignment {
	c.mu.Lock()
	out := make([]domain.Assignment, 0, len(c.assignments))
	for _, t := range c.assignments {
		out = append(out, t.a)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Shutdown cancels every outstanding timer. Safe to call more than once.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, t := range c.assignments {
		c.clearLocked(t)
	}
	c.cancel()
}
