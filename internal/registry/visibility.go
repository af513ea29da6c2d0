package registry

import (
	"github.com/jaakkos/relaywork/internal/domain"
)

// Requester identifies who is asking for registry data.
type Requester struct {
	GUID      string
	ProjectID string
	Username  string
}

// RequesterFor returns the requester identity of a registered agent.
func RequesterFor(e *domain.RegistryEntry) Requester {
	if e == nil {
		return Requester{}
	}
	return Requester{GUID: e.GUID, ProjectID: e.ProjectID, Username: e.Username}
}

func isSelf(e *domain.RegistryEntry, req Requester) bool {
	return req.GUID != "" && req.GUID == e.GUID
}

func sameUser(e *domain.RegistryEntry, req Requester) bool {
	return e.Username != "" && req.Username != "" && e.Username == req.Username
}

func sameProject(e *domain.RegistryEntry, req Requester) bool {
	return req.ProjectID != "" && req.ProjectID == e.ProjectID
}

// IsVisibleTo applies the entry's visibility policy to requester.
//
//	private       self only
//	project-only  self or same project
//	user-only     self or matching non-empty usernames
//	public        everyone
func IsVisibleTo(e *domain.RegistryEntry, req Requester) bool {
	if e == nil {
		return false
	}
	switch e.Visibility {
	case domain.VisibilityPublic:
		return true
	case domain.VisibilityPrivate:
		return isSelf(e, req)
	case domain.VisibilityProjectOnly:
		return isSelf(e, req) || sameProject(e, req)
	case domain.VisibilityUserOnly:
		return isSelf(e, req) || sameUser(e, req)
	}
	return false
}

// RedactEntry returns the view of e that requester may see: an empty map when e is not
// visible, every field for the entry's own agent, and otherwise the public fields plus
// location fields for the same project and the username under matching user-only scope.
func RedactEntry(e *domain.RegistryEntry, req Requester) map[string]any {
	if !IsVisibleTo(e, req) {
		return map[string]any{}
	}
	if isSelf(e, req) {
		return entryFields(e)
	}
	view := map[string]any{
		"guid":             e.GUID,
		"agentType":        e.AgentType,
		"handle":           e.Handle,
		"capabilities":     append([]string(nil), e.Capabilities...),
		"scope":            e.Scope,
		"status":           e.Status,
		"currentTaskCount": e.CurrentTaskCount,
		"lastHeartbeat":    e.LastHeartbeat,
	}
	if sameProject(e, req) {
		view["hostname"] = e.Hostname
		view["projectId"] = e.ProjectID
		view["brokerAddress"] = e.BrokerAddress
	}
	if e.Visibility == domain.VisibilityUserOnly && sameUser(e, req) {
		view["username"] = e.Username
	}
	return view
}

// entryFields is the unredacted map form of e, keyed by JSON field name.
func entryFields(e *domain.RegistryEntry) map[string]any {
	return map[string]any{
		"guid":             e.GUID,
		"agentType":        e.AgentType,
		"handle":           e.Handle,
		"hostname":         e.Hostname,
		"projectId":        e.ProjectID,
		"brokerAddress":    e.BrokerAddress,
		"capabilities":     append([]string(nil), e.Capabilities...),
		"scope":            e.Scope,
		"visibility":       e.Visibility,
		"status":           e.Status,
		"currentTaskCount": e.CurrentTaskCount,
		"registeredAt":     e.RegisteredAt,
		"lastHeartbeat":    e.LastHeartbeat,
		"username":         e.Username,
	}
}

// VisibleFilter keeps entries visible to requester.
func VisibleFilter(req Requester) Filter {
	return func(e *domain.RegistryEntry) bool { return IsVisibleTo(e, req) }
}
