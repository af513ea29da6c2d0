package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/jaakkos/relaywork/internal/domain"
)

// EntryParams describes an agent asking to be registered.
type EntryParams struct {
	AgentType     string
	Handle        string
	Hostname      string
	ProjectID     string
	BrokerAddress string
	Capabilities  []string
	Scope         domain.Scope
	Visibility    domain.Visibility
	Username      string
}

// FindReusableGUID returns the offline entry registered with the same handle, project
// and host, or nil when there is none.
func (r *Registry) FindReusableGUID(ctx context.Context, handle, projectID, hostname string) (*domain.RegistryEntry, error) {
	matches, err := r.List(ctx, func(e *domain.RegistryEntry) bool {
		return e.Handle == handle &&
			e.ProjectID == projectID &&
			e.Hostname == hostname &&
			e.Status == domain.StatusOffline
	})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	// most recently seen identity wins when several offline records match
	best := matches[0]
	for _, m := range matches[1:] {
		if m.LastHeartbeat.After(best.LastHeartbeat) {
			best = m
		}
	}
	return best, nil
}

// CreateEntry builds and stores the entry for a registering agent. An offline entry with
// the same handle, project and host donates its GUID (and original registration time), so a
// restarted agent keeps its identity and inbox. The lookup and the write are not atomic: two
// agents racing for the same offline GUID may both win. That race is accepted.
func (r *Registry) CreateEntry(ctx context.Context, p EntryParams) (entry *domain.RegistryEntry, reused bool, err error) {
	if p.Scope == "" {
		p.Scope = domain.ScopeProject
	}
	if p.Visibility == "" {
		p.Visibility = domain.VisibilityProjectOnly
	}
	if p.Capabilities == nil {
		p.Capabilities = []string{}
	}

	prior, err := r.FindReusableGUID(ctx, p.Handle, p.ProjectID, p.Hostname)
	if err != nil {
		return nil, false, fmt.Errorf("look up reusable identity: %w", err)
	}

	now := time.Now().UTC()
	entry = &domain.RegistryEntry{
		GUID:          domain.NewID(),
		AgentType:     p.AgentType,
		Handle:        p.Handle,
		Hostname:      p.Hostname,
		ProjectID:     p.ProjectID,
		BrokerAddress: p.BrokerAddress,
		Capabilities:  append([]string(nil), p.Capabilities...),
		Scope:         p.Scope,
		Visibility:    p.Visibility,
		Status:        domain.StatusOnline,
		RegisteredAt:  now,
		LastHeartbeat: now,
		Username:      p.Username,
	}
	if prior != nil {
		entry.GUID = prior.GUID
		entry.RegisteredAt = prior.RegisteredAt
		reused = true
	}
	if err := domain.ValidateRegistryEntry(entry); err != nil {
		return nil, false, err
	}
	if err := r.Put(ctx, entry.GUID, entry); err != nil {
		return nil, false, err
	}
	if reused {
		r.logger.Printf("registry: %s reuses identity %s", entry.Handle, entry.GUID)
	} else {
		r.logger.Printf("registry: registered %s as %s", entry.Handle, entry.GUID)
	}
	return entry, reused, nil
}

// Touch rewrites guid's lastHeartbeat, applying mutate first when it is non-nil. Concurrent
// touches from the same agent are last-write-wins.
func (r *Registry) Touch(ctx context.Context, guid string, mutate func(*domain.RegistryEntry)) (*domain.RegistryEntry, error) {
	entry, err := r.Get(ctx, guid)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, domain.NotFoundf("registry entry %s", guid)
	}
	if mutate != nil {
		mutate(entry)
	}
	entry.LastHeartbeat = time.Now().UTC()
	if err := r.Put(ctx, guid, entry); err != nil {
		return nil, err
	}
	return entry, nil
}
