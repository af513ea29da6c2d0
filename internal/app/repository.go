// Package app implements agent session use cases and defines the ports they run on.
package app

import (
	"context"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/jaakkos/relaywork/internal/domain"
	"github.com/jaakkos/relaywork/internal/inbox"
	"github.com/jaakkos/relaywork/internal/registry"
)

// Directory stores agent identities and presence.
// Implementation: internal/registry.
type Directory interface {
	CreateEntry(ctx context.Context, p registry.EntryParams) (*domain.RegistryEntry, bool, error)
	Get(ctx context.Context, guid string) (*domain.RegistryEntry, error)
	List(ctx context.Context, filter registry.Filter) ([]*domain.RegistryEntry, error)
	Touch(ctx context.Context, guid string, mutate func(*domain.RegistryEntry)) (*domain.RegistryEntry, error)
	Watch(ctx context.Context, opts ...registry.WatchOption) (*registry.Watcher, error)
}

// Mailbox delivers direct messages.
// Implementation: internal/inbox.
type Mailbox interface {
	Open(ctx context.Context, guid string) (jetstream.Consumer, error)
	Close(guid string)
	Send(ctx context.Context, msg *domain.InboxMessage, recipientStatus domain.AgentStatus) (inbox.SendResult, error)
	Read(ctx context.Context, guid string, limit int, filter inbox.Filter) ([]domain.InboxMessage, error)
	Pending(ctx context.Context, guid string) (int, error)
}
