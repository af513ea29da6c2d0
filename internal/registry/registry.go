// Package registry stores agent identity records in a shared JetStream key/value
// bucket (key = GUID) and answers visibility-scoped discovery queries over them.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/jaakkos/relaywork/internal/broker"
	"github.com/jaakkos/relaywork/internal/domain"
)

// DefaultBucket is the registry namespace used when none is configured.
const DefaultBucket = "agent-registry"

// Registry is the durable agent identity store.
type Registry struct {
	client *broker.Client
	bucket string
	logger *log.Logger

	mu sync.Mutex
	kv jetstream.KeyValue
}

// New returns a registry over bucket. Call Initialize before use.
func New(client *broker.Client, bucket string, logger *log.Logger) *Registry {
	if bucket == "" {
		bucket = DefaultBucket
	}
	return &Registry{client: client, bucket: bucket, logger: logger}
}

// Bucket returns the registry namespace.
func (r *Registry) Bucket() string { return r.bucket }

// Initialize creates the backing bucket if absent. It is idempotent and safe to call
// concurrently, including from separate processes racing to create the bucket.
func (r *Registry) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.kv != nil {
		return nil
	}
	kv, err := r.client.EnsureKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      r.bucket,
		Description: "agent registry",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("initialize registry: %w", err)
	}
	r.kv = kv
	return nil
}

func (r *Registry) store() (jetstream.KeyValue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.kv == nil {
		return nil, fmt.Errorf("registry %s: %w", r.bucket, domain.ErrNotInitialized)
	}
	return r.kv, nil
}

// Put writes entry under guid.
func (r *Registry) Put(ctx context.Context, guid string, entry *domain.RegistryEntry) error {
	kv, err := r.store()
	if err != nil {
		return err
	}
	if entry == nil || entry.GUID != guid {
		return domain.Invalid("guid", "entry guid does not match key %q", guid)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode registry entry %s: %w", guid, err)
	}
	if _, err := kv.Put(ctx, guid, data); err != nil {
		return domain.WrapBroker("put registry entry", guid, err)
	}
	return nil
}

// Get returns the entry for guid, or nil when it does not exist.
func (r *Registry) Get(ctx context.Context, guid string) (*domain.RegistryEntry, error) {
	kv, err := r.store()
	if err != nil {
		return nil, err
	}
	kve, err := kv.Get(ctx, guid)
	if err != nil {
		if broker.IsNotFound(err) {
			return nil, nil
		}
		return nil, domain.WrapBroker("get registry entry", guid, err)
	}
	var entry domain.RegistryEntry
	if err := json.Unmarshal(kve.Value(), &entry); err != nil {
		return nil, fmt.Errorf("decode registry entry %s: %w", guid, err)
	}
	return &entry, nil
}

// Delete removes guid and reports whether it existed.
func (r *Registry) Delete(ctx context.Context, guid string) (bool, error) {
	kv, err := r.store()
	if err != nil {
		return false, err
	}
	existing, err := r.Get(ctx, guid)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, nil
	}
	if err := kv.Delete(ctx, guid); err != nil {
		return false, domain.WrapBroker("delete registry entry", guid, err)
	}
	return true, nil
}

// Filter selects entries in List. A nil Filter keeps everything.
type Filter func(*domain.RegistryEntry) bool

// List returns every entry accepted by filter, oldest registration first. A key that
// fails to load (for example because it was deleted mid-listing) is logged and skipped.
func (r *Registry) List(ctx context.Context, filter Filter) ([]*domain.RegistryEntry, error) {
	kv, err := r.store()
	if err != nil {
		return nil, err
	}
	lister, err := kv.ListKeys(ctx)
	if err != nil {
		if broker.IsNotFound(err) {
			return []*domain.RegistryEntry{}, nil
		}
		return nil, domain.WrapBroker("list registry keys", r.bucket, err)
	}
	defer func() { _ = lister.Stop() }()

	entries := make([]*domain.RegistryEntry, 0)
	for key := range lister.Keys() {
		entry, err := r.Get(ctx, key)
		if err != nil {
			r.logger.Printf("registry: skipping %s: %v", key, err)
			continue
		}
		if entry == nil {
			continue
		}
		if filter != nil && !filter(entry) {
			continue
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].RegisteredAt.Before(entries[j].RegisteredAt)
	})
	return entries, nil
}
