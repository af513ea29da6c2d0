package app

import (
	"sort"
	"sync"
	"time"
)

// SessionRegistry tracks connected MCP client sessions and the agent session each one
// drives. Multiple sessions can be active (stdio and Streamable HTTP).
type SessionRegistry struct {
	mu           sync.RWMutex
	sessions     map[string]*AgentSession // sessionID → agent session
	agents       map[string]string        // agent GUID → sessionID (reverse lookup)
	lastActivity map[string]time.Time     // sessionID → last activity timestamp
}

// BoundSession pairs a client session id with its agent session.
type BoundSession struct {
	ID      string
	Session *AgentSession
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions:     make(map[string]*AgentSession),
		agents:       make(map[string]string),
		lastActivity: make(map[string]time.Time),
	}
}

// Session returns the agent session for sessionID, creating it with create on first use.
func (r *SessionRegistry) Session(sessionID string, create func() *AgentSession) *AgentSession {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		return s
	}
	s = create()
	r.sessions[sessionID] = s
	r.lastActivity[sessionID] = time.Now()
	return s
}

// Lookup returns the agent session for sessionID, or nil if unknown.
func (r *SessionRegistry) Lookup(sessionID string) *AgentSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// SetAgent records that sessionID is registered as guid. A GUID belongs to at most one
// session and a session to at most one GUID; older bindings on either side are dropped.
func (r *SessionRegistry) SetAgent(sessionID, guid string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for g, sid := range r.agents {
		if sid == sessionID && g != guid {
			delete(r.agents, g)
		}
	}
	r.agents[guid] = sessionID
	r.lastActivity[sessionID] = time.Now()
}

// ClearAgent drops the GUID binding of sessionID (after deregistration).
func (r *SessionRegistry) ClearAgent(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for g, sid := range r.agents {
		if sid == sessionID {
			delete(r.agents, g)
		}
	}
}

// SessionForAgent returns the session ID bound to an agent GUID, or "" if none.
func (r *SessionRegistry) SessionForAgent(guid string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[guid]
}

// HasActiveSession returns true if the agent has a connected session.
func (r *SessionRegistry) HasActiveSession(guid string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[guid]
	return ok
}

// ConnectedAgents returns the GUIDs of agents registered through a live session, sorted.
func (r *SessionRegistry) ConnectedAgents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agents := make([]string, 0, len(r.agents))
	for a := range r.agents {
		agents = append(agents, a)
	}
	sort.Strings(agents)
	return agents
}

// Sessions returns every tracked session ordered by id.
func (r *SessionRegistry) Sessions() []BoundSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BoundSession, 0, len(r.sessions))
	for id, s := range r.sessions {
		out = append(out, BoundSession{ID: id, Session: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TouchSession records activity for a session (call on each tool invocation).
func (r *SessionRegistry) TouchSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; ok {
		r.lastActivity[sessionID] = time.Now()
	}
}

// LastActivity returns the last activity time for a session, zero if unknown.
func (r *SessionRegistry) LastActivity(sessionID string) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastActivity[sessionID]
}

// RemoveSession unregisters a session (e.g. on disconnect) and returns its agent session
// so the caller can deregister it.
func (r *SessionRegistry) RemoveSession(sessionID string) *AgentSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[sessionID]
	for g, sid := range r.agents {
		if sid == sessionID {
			delete(r.agents, g)
		}
	}
	delete(r.sessions, sessionID)
	delete(r.lastActivity, sessionID)
	return s
}

// AgentCount returns the number of registered agents with a live session.
func (r *SessionRegistry) AgentCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
