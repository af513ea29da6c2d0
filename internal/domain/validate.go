package domain

import (
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var projectIDPattern = regexp.MustCompile(`^[0-9a-f]{16}$`)

// IsUUIDv4 reports whether s is a canonical UUID version 4.
func IsUUIDv4(s string) bool {
	id, err := uuid.Parse(s)
	if err != nil || len(s) != 36 {
		return false
	}
	return id.Version() == 4 && id.Variant() == uuid.RFC4122
}

// NewID mints a fresh UUID v4 string.
func NewID() string {
	return uuid.NewString()
}

// ValidBrokerAddress reports whether addr names a broker endpoint:
// nats://, tls://, ws:// or wss:// with a host, or a bare host:port.
func ValidBrokerAddress(addr string) bool {
	if addr == "" {
		return false
	}
	// nats clients accept comma-separated server lists
	for _, part := range strings.Split(addr, ",") {
		part = strings.TrimSpace(part)
		if !strings.Contains(part, "://") {
			host, port, err := net.SplitHostPort(part)
			if err != nil || host == "" || port == "" {
				return false
			}
			continue
		}
		u, err := url.Parse(part)
		if err != nil || u.Host == "" {
			return false
		}
		switch u.Scheme {
		case "nats", "tls", "ws", "wss":
		default:
			return false
		}
	}
	return true
}

// ValidateCapabilities rejects empty and duplicate capability strings.
func ValidateCapabilities(caps []string) error {
	seen := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		if strings.TrimSpace(c) == "" {
			return Invalid("capabilities", "empty capability")
		}
		if _, dup := seen[c]; dup {
			return Invalid("capabilities", "duplicate capability %q", c)
		}
		seen[c] = struct{}{}
	}
	return nil
}

// ValidateRegistryEntry checks every field constraint of a registry entry.
func ValidateRegistryEntry(e *RegistryEntry) error {
	if e == nil {
		return Invalid("entry", "nil")
	}
	if !IsUUIDv4(e.GUID) {
		return Invalid("guid", "%q is not a UUID v4", e.GUID)
	}
	if strings.TrimSpace(e.AgentType) == "" {
		return Invalid("agentType", "must not be empty")
	}
	if strings.TrimSpace(e.Handle) == "" {
		return Invalid("handle", "must not be empty")
	}
	if !projectIDPattern.MatchString(e.ProjectID) {
		return Invalid("projectId", "%q is not 16 lowercase hex characters", e.ProjectID)
	}
	if !ValidBrokerAddress(e.BrokerAddress) {
		return Invalid("brokerAddress", "%q is not a broker endpoint", e.BrokerAddress)
	}
	if err := ValidateCapabilities(e.Capabilities); err != nil {
		return err
	}
	switch e.Scope {
	case ScopeUser, ScopeProject:
	default:
		return Invalid("scope", "%q", e.Scope)
	}
	if !ValidVisibility(e.Visibility) {
		return Invalid("visibility", "%q", e.Visibility)
	}
	if !ValidStatus(e.Status) {
		return Invalid("status", "%q", e.Status)
	}
	if e.CurrentTaskCount < 0 {
		return Invalid("currentTaskCount", "must be >= 0, got %d", e.CurrentTaskCount)
	}
	if e.RegisteredAt.IsZero() {
		return Invalid("registeredAt", "must be set")
	}
	if e.LastHeartbeat.IsZero() {
		return Invalid("lastHeartbeat", "must be set")
	}
	return nil
}

// ValidVisibility reports whether v is a known visibility.
func ValidVisibility(v Visibility) bool {
	switch v {
	case VisibilityPrivate, VisibilityProjectOnly, VisibilityUserOnly, VisibilityPublic:
		return true
	}
	return false
}

// ValidStatus reports whether s is a known agent status.
func ValidStatus(s AgentStatus) bool {
	switch s {
	case StatusOnline, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// ValidMessageType reports whether t is a known inbox message type.
func ValidMessageType(t MessageType) bool {
	for _, known := range MessageTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ValidateWorkItem checks the fields required before a work item is published.
func ValidateWorkItem(w *WorkItem) error {
	if w == nil {
		return Invalid("workItem", "nil")
	}
	if !IsUUIDv4(w.ID) {
		return Invalid("id", "%q is not a UUID v4", w.ID)
	}
	if strings.TrimSpace(w.Capability) == "" {
		return Invalid("capability", "must not be empty")
	}
	if w.Priority != 0 && (w.Priority < 1 || w.Priority > 10) {
		return Invalid("priority", "must be between 1 and 10, got %d", w.Priority)
	}
	return nil
}
