// Package domain holds the coordination entities shared by the registry,
// inbox, work queue and coordinator packages.
// It has no dependencies on other packages in this module.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"time"
)

// Scope is where an agent registration applies.
type Scope string

const (
	ScopeUser    Scope = "user"
	ScopeProject Scope = "project"
)

// Visibility is the discovery policy attached to a registry entry.
type Visibility string

const (
	VisibilityPrivate     Visibility = "private"
	VisibilityProjectOnly Visibility = "project-only"
	VisibilityUserOnly    Visibility = "user-only"
	VisibilityPublic      Visibility = "public"
)

// AgentStatus is an agent's reported presence.
type AgentStatus string

const (
	StatusOnline  AgentStatus = "online"
	StatusBusy    AgentStatus = "busy"
	StatusOffline AgentStatus = "offline"
)

// RegistryEntry is one agent identity stored in the registry bucket (key = GUID).
type RegistryEntry struct {
	GUID             string      `json:"guid"`
	AgentType        string      `json:"agentType"`
	Handle           string      `json:"handle"`
	Hostname         string      `json:"hostname"`
	ProjectID        string      `json:"projectId"`
	BrokerAddress    string      `json:"brokerAddress"`
	Capabilities     []string    `json:"capabilities"`
	Scope            Scope       `json:"scope"`
	Visibility       Visibility  `json:"visibility"`
	Status           AgentStatus `json:"status"`
	CurrentTaskCount int         `json:"currentTaskCount"`
	RegisteredAt     time.Time   `json:"registeredAt"`
	LastHeartbeat    time.Time   `json:"lastHeartbeat"`
	Username         string      `json:"username,omitempty"`
}

// HasCapability reports whether the entry advertises capability c.
func (e *RegistryEntry) HasCapability(c string) bool {
	for _, have := range e.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the entry.
func (e *RegistryEntry) Clone() *RegistryEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.Capabilities = append([]string(nil), e.Capabilities...)
	return &c
}

// WorkItem is a unit of distributable work routed by capability.
type WorkItem struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"taskId"`
	Capability  string         `json:"capability"`
	Description string         `json:"description"`
	Priority    int            `json:"priority,omitempty"` // 1-10, 10 = highest
	Deadline    *time.Time     `json:"deadline,omitempty"`
	ContextData map[string]any `json:"contextData,omitempty"`
	OfferedBy   string         `json:"offeredBy"`
	OfferedAt   time.Time      `json:"offeredAt"`
	Attempts    int            `json:"attempts"`
}

// DLQItem is the terminal failure record for a work item that exhausted its delivery budget.
type DLQItem struct {
	ID       string    `json:"id"`
	WorkItem WorkItem  `json:"workItem"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failedAt"`
	Errors   []string  `json:"errors"`
}

// MessageType discriminates inbox message payloads.
type MessageType string

const (
	MessageText           MessageType = "text"
	MessageWorkOffer      MessageType = "work-offer"
	MessageWorkClaim      MessageType = "work-claim"
	MessageWorkAccept     MessageType = "work-accept"
	MessageWorkReject     MessageType = "work-reject"
	MessageProgressUpdate MessageType = "progress-update"
	MessageWorkComplete   MessageType = "work-complete"
	MessageWorkError      MessageType = "work-error"
)

// MessageTypes lists every valid message type, in declaration order.
var MessageTypes = []MessageType{
	MessageText, MessageWorkOffer, MessageWorkClaim, MessageWorkAccept,
	MessageWorkReject, MessageProgressUpdate, MessageWorkComplete, MessageWorkError,
}

// InboxMessage is a point-to-point message delivered through the recipient's inbox stream.
type InboxMessage struct {
	ID            string            `json:"id"`
	SenderGUID    string            `json:"senderGuid"`
	SenderHandle  string            `json:"senderHandle"`
	RecipientGUID string            `json:"recipientGuid"`
	MessageType   MessageType       `json:"messageType"`
	Content       string            `json:"content"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// AssignmentStatus is a coordinator assignment state.
type AssignmentStatus string

const (
	AssignmentPending    AssignmentStatus = "pending"
	AssignmentAssigned   AssignmentStatus = "assigned"
	AssignmentInProgress AssignmentStatus = "in-progress"
	AssignmentCompleted  AssignmentStatus = "completed"
	AssignmentFailed     AssignmentStatus = "failed"
)

// Terminal reports whether no further transitions may occur.
func (s AssignmentStatus) Terminal() bool {
	return s == AssignmentCompleted || s == AssignmentFailed
}

// Assignment is the coordinator's in-process tracking record for one submitted work item.
// It is a cache over the durable queue, not a source of truth.
type Assignment struct {
	WorkItemID  string           `json:"workItemId"`
	TaskID      string           `json:"taskId"`
	Capability  string           `json:"capability"`
	AssignedTo  string           `json:"assignedTo,omitempty"`
	Status      AssignmentStatus `json:"status"`
	Progress    int              `json:"progress"`
	Attempts    int              `json:"attempts"`
	MaxAttempts int              `json:"maxAttempts"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
	AssignedAt  *time.Time       `json:"assignedAt,omitempty"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
	Result      map[string]any   `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// ProjectID derives the 16-character project scope id from a working-context path.
// The raw path never leaves the process.
func ProjectID(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	sum := sha256.Sum256([]byte(filepath.Clean(path)))
	return hex.EncodeToString(sum[:])[:16]
}
