// Package mesh exposes agent registration, messaging, channels, work queues and the
// coordinator as MCP tools.
package mesh

import (
	"context"
	"log"

	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/relaywork/internal/app"
)

// DefaultSessionID is used when a call carries no client session, as in tests that
// drive the server through HandleMessage directly.
const DefaultSessionID = "default"

// host carries what every tool handler needs.
type host struct {
	svc      *app.Service
	sessions *app.SessionRegistry
	logger   *log.Logger
}

// sessionID returns the id of the calling client session.
func sessionID(ctx context.Context) string {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		return session.SessionID()
	}
	return DefaultSessionID
}

// session returns the agent session driven by the calling client, creating it on
// first use.
func (h *host) session(ctx context.Context) *app.AgentSession {
	return h.sessions.Session(sessionID(ctx), h.svc.NewSession)
}

// Register registers the mesh tools with the mcp-go server. Coordinator tools are only
// added when the coordinator is enabled at startup.
func Register(s *server.MCPServer, svc *app.Service, sessions *app.SessionRegistry, logger *log.Logger) {
	if logger == nil {
		logger = log.Default()
	}
	h := &host{svc: svc, sessions: sessions, logger: logger}

	// Identity and presence (5)
	registerRegisterAgent(s, h)
	registerDeregisterAgent(s, h)
	registerUpdatePresence(s, h)
	registerDiscoverAgents(s, h)
	registerGetAgentInfo(s, h)

	// Direct messages (2)
	registerSendDirectMessage(s, h)
	registerReadDirectMessages(s, h)

	// Channels (3)
	registerBroadcastMessage(s, h)
	registerReadMessages(s, h)
	registerListChannels(s, h)

	// Work queues (3)
	registerBroadcastWorkOffer(s, h)
	registerClaimWork(s, h)
	registerGetPendingWorkCount(s, h)

	// Dead letters (3)
	registerListDeadLetterItems(s, h)
	registerRetryDeadLetterItem(s, h)
	registerDiscardDeadLetterItem(s, h)

	if svc.CoordinatorEnabled() {
		registerFindWorkers(s, h)
		registerSubmitWork(s, h)
		registerGetAssignment(s, h)
		registerListAssignments(s, h)
	}

	registerResources(s, h)
}
