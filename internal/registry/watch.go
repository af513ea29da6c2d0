package registry

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/jaakkos/relaywork/internal/domain"
)

// EventType is the kind of registry change.
type EventType string

const (
	EventPut    EventType = "put"
	EventDelete EventType = "delete"
)

// Event is one registry change. Entry is nil for deletes.
type Event struct {
	Type  EventType
	GUID  string
	Entry *domain.RegistryEntry
}

// watchBuffer bounds how far a slow reader can fall behind before the watch loop blocks.
const watchBuffer = 64

// Watcher delivers registry changes on a bounded channel until stopped.
type Watcher struct {
	events chan Event
	cancel context.CancelFunc
	kw     jetstream.KeyWatcher
	done   chan struct{}
	once   sync.Once
}

// WatchOption configures Watch.
type WatchOption func(*watchOpts)

type watchOpts struct {
	updatesOnly bool
}

// UpdatesOnly skips the current values and reports only changes made after Watch returns.
func UpdatesOnly() WatchOption {
	return func(o *watchOpts) { o.updatesOnly = true }
}

// Watch subscribes to every key in the registry. Unparseable updates are logged and
// skipped without ending the watch.
func (r *Registry) Watch(ctx context.Context, opts ...WatchOption) (*Watcher, error) {
	kv, err := r.store()
	if err != nil {
		return nil, err
	}
	var o watchOpts
	for _, opt := range opts {
		opt(&o)
	}
	var jsOpts []jetstream.WatchOpt
	if o.updatesOnly {
		jsOpts = append(jsOpts, jetstream.UpdatesOnly())
	}

	ctx, cancel := context.WithCancel(ctx)
	kw, err := kv.WatchAll(ctx, jsOpts...)
	if err != nil {
		cancel()
		return nil, domain.WrapBroker("watch registry", r.bucket, err)
	}
	w := &Watcher{
		events: make(chan Event, watchBuffer),
		cancel: cancel,
		kw:     kw,
		done:   make(chan struct{}),
	}
	go r.watchLoop(ctx, w)
	return w, nil
}

func (r *Registry) watchLoop(ctx context.Context, w *Watcher) {
	defer close(w.done)
	defer close(w.events)
	for {
		select {
		case <-ctx.Done():
			return
		case kve, ok := <-w.kw.Updates():
			if !ok {
				return
			}
			if kve == nil {
				// end of initial values
				continue
			}
			ev := Event{GUID: kve.Key()}
			switch kve.Operation() {
			case jetstream.KeyValuePut:
				var entry domain.RegistryEntry
				if err := json.Unmarshal(kve.Value(), &entry); err != nil {
					r.logger.Printf("registry: watch skipping %s: %v", kve.Key(), err)
					continue
				}
				ev.Type = EventPut
				ev.Entry = &entry
			default:
				ev.Type = EventDelete
			}
			select {
			case w.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Events returns the change channel. It is closed once the watcher stops.
func (w *Watcher) Events() <-chan Event { return w.events }

// Stop ends the watch and waits for the delivery goroutine to exit. Safe to call more than once
// and from any goroutine.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		w.cancel()
		_ = w.kw.Stop()
		<-w.done
	})
}
