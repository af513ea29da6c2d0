package app

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jaakkos/relaywork/internal/domain"
	"github.com/jaakkos/relaywork/internal/registry"
)

const (
	defaultDebounce     = 200 * time.Millisecond
	defaultPollInterval = 10 * time.Second

	// MethodAgentsChanged is pushed when agents visible to a session come, go or change status.
	MethodAgentsChanged = "notifications/agents_changed"
	// MethodInboxUpdate is pushed when a session's agent has unread direct messages.
	MethodInboxUpdate = "notifications/inbox_update"
)

// AgentsChangedParams is the payload for notifications/agents_changed.
type AgentsChangedParams struct {
	Changed int    `json:"changed"`
	Summary string `json:"summary"`
}

// InboxUpdateParams is the payload for notifications/inbox_update.
type InboxUpdateParams struct {
	UnreadMessages int    `json:"unread_messages"`
	Summary        string `json:"summary"`
}

// PushFunc delivers a notification to one client session.
type PushFunc func(sessionID, method string, params any) error

// Notifier watches the registry and the inboxes of locally registered agents and pushes
// notifications to their client sessions. Registry changes arrive through a watch; inbox
// counts are polled, and Trigger forces an early poll after a local send.
type Notifier struct {
	directory    Directory
	sessions     *SessionRegistry
	pushFunc     PushFunc
	logger       *log.Logger
	debounce     time.Duration
	pollInterval time.Duration

	mu            sync.Mutex
	lastStatus    map[string]domain.AgentStatus // agent GUID → last status seen in the watch
	changed       map[string]int                // sessionID → visible changes not yet pushed
	lastUnread    map[string]int                // sessionID → unread count last pushed
	debounceTimer *time.Timer

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	pushMu   sync.Mutex // serializes push cycles
}

// NotifierOption configures the notifier.
type NotifierOption func(*Notifier)

// WithPollInterval sets the inbox poll interval (default 10s).
func WithPollInterval(d time.Duration) NotifierOption {
	return func(n *Notifier) {
		n.pollInterval = d
	}
}

// WithDebounce sets how long registry changes and triggers are coalesced.
func WithDebounce(d time.Duration) NotifierOption {
	return func(n *Notifier) {
		n.debounce = d
	}
}

// NewNotifier creates a notifier over the sessions tracked in sessions.
func NewNotifier(directory Directory, sessions *SessionRegistry, pushFunc PushFunc, logger *log.Logger, opts ...NotifierOption) *Notifier {
	if logger == nil {
		logger = log.Default()
	}
	n := &Notifier{
		directory:    directory,
		sessions:     sessions,
		pushFunc:     pushFunc,
		logger:       logger,
		debounce:     defaultDebounce,
		pollInterval: defaultPollInterval,
		lastStatus:   make(map[string]domain.AgentStatus),
		changed:      make(map[string]int),
		lastUnread:   make(map[string]int),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Start runs the registry watch and the inbox poll. Returns when ctx is cancelled or
// Stop is called. If the watch cannot be opened, falls back to poll-only mode.
func (n *Notifier) Start(ctx context.Context) {
	defer close(n.doneCh)

	w, err := n.directory.Watch(ctx, registry.UpdatesOnly())
	if err != nil {
		n.logger.Printf("Notifier: registry watch failed (%v), inbox polling only", err)
	} else {
		defer w.Stop()
		go n.watchLoop(ctx, w)
	}

	n.pollLoop(ctx)
}

// Stop signals the notifier to stop and waits for Start to return. Safe to call twice.
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() { close(n.stopCh) })
	<-n.doneCh

	n.mu.Lock()
	if n.debounceTimer != nil {
		n.debounceTimer.Stop()
	}
	n.mu.Unlock()
}

// CheckOnce runs one push cycle (for testing or manual trigger).
func (n *Notifier) CheckOnce() {
	n.checkAndPush(context.Background())
}

// Trigger forces a push cycle, bypassing the unread dedup, so a recipient in this
// process hears about a message without waiting for the next poll.
func (n *Notifier) Trigger() {
	n.mu.Lock()
	clear(n.lastUnread)
	n.mu.Unlock()
	n.triggerDebounced()
}

func (n *Notifier) watchLoop(ctx context.Context, w *registry.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.stopCh:
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			if n.observe(ev) {
				n.triggerDebounced()
			}
		}
	}
}

// observe records a registry event against every session that can see the agent. Only
// arrivals and status changes count; heartbeat refreshes do not.
func (n *Notifier) observe(ev registry.Event) bool {
	if ev.Type != registry.EventPut || ev.Entry == nil {
		return false
	}
	n.mu.Lock()
	prev, seen := n.lastStatus[ev.GUID]
	n.lastStatus[ev.GUID] = ev.Entry.Status
	n.mu.Unlock()
	if seen && prev == ev.Entry.Status {
		return false
	}

	hit := false
	for _, b := range n.sessions.Sessions() {
		self := b.Session.Entry()
		if self == nil || self.GUID == ev.GUID {
			continue
		}
		if !registry.IsVisibleTo(ev.Entry, registry.RequesterFor(self)) {
			continue
		}
		n.mu.Lock()
		n.changed[b.ID]++
		n.mu.Unlock()
		hit = true
	}
	return hit
}

func (n *Notifier) triggerDebounced() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.debounceTimer != nil {
		n.debounceTimer.Stop()
	}
	n.debounceTimer = time.AfterFunc(n.debounce, func() {
		n.checkAndPush(context.Background())
	})
}

func (n *Notifier) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(n.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.checkAndPush(ctx)
		}
	}
}

func (n *Notifier) checkAndPush(ctx context.Context) {
	n.pushMu.Lock()
	defer n.pushMu.Unlock()

	n.mu.Lock()
	changed := n.changed
	n.changed = make(map[string]int)
	n.mu.Unlock()

	for _, b := range n.sessions.Sessions() {
		if c := changed[b.ID]; c > 0 {
			params := AgentsChangedParams{Changed: c, Summary: fmt.Sprintf("%d agent(s) joined or changed status", c)}
			if err := n.pushFunc(b.ID, MethodAgentsChanged, params); err != nil {
				n.logger.Printf("Notifier: push to %s failed: %v", b.ID, err)
			}
		}
		n.pushUnread(ctx, b)
	}
}

func (n *Notifier) pushUnread(ctx context.Context, b BoundSession) {
	unread, err := b.Session.PendingMessages(ctx)
	if err != nil {
		n.logger.Printf("Notifier: pending count for %s: %v", b.ID, err)
		return
	}
	n.mu.Lock()
	last, ok := n.lastUnread[b.ID]
	n.mu.Unlock()
	if unread == 0 || (ok && last == unread) {
		n.mu.Lock()
		n.lastUnread[b.ID] = unread
		n.mu.Unlock()
		return
	}

	params := InboxUpdateParams{
		UnreadMessages: unread,
		Summary:        fmt.Sprintf("%d new message(s)", unread),
	}
	if err := n.pushFunc(b.ID, MethodInboxUpdate, params); err != nil {
		n.logger.Printf("Notifier: push to %s failed: %v", b.ID, err)
		return
	}
	n.mu.Lock()
	n.lastUnread[b.ID] = unread
	n.mu.Unlock()
}
