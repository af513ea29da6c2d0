// Package channels implements named broadcast channels on one shared stream.
// Every reader sees every message; reads never consume.
package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/jaakkos/relaywork/internal/broker"
	"github.com/jaakkos/relaywork/internal/domain"
	"github.com/jaakkos/relaywork/internal/metrics"
)

const (
	StreamName = "CHANNELS"

	DefaultRetention = 7 * 24 * time.Hour
	DefaultReadLimit = 20
)

// DefaultChannels are available when none are configured.
var DefaultChannels = []string{"general", "work", "status"}

func subject(name string) string { return "channel." + broker.EncodeToken(name) }

// Message is one broadcast.
type Message struct {
	ID           string    `json:"id"`
	Channel      string    `json:"channel"`
	SenderGUID   string    `json:"senderGuid"`
	SenderHandle string    `json:"senderHandle"`
	Content      string    `json:"content"`
	Timestamp    time.Time `json:"timestamp"`
}

// Channels publishes to and reads from the configured channels.
type Channels struct {
	client    *broker.Client
	logger    *log.Logger
	names     []string
	retention time.Duration
}

// New returns Channels for names (DefaultChannels when empty).
func New(client *broker.Client, logger *log.Logger, names []string, retention time.Duration) *Channels {
	if len(names) == 0 {
		names = DefaultChannels
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	sorted := slices.Clone(names)
	sort.Strings(sorted)
	return &Channels{client: client, logger: logger, names: slices.Compact(sorted), retention: retention}
}

// List returns the configured channel names.
func (c *Channels) List() []string { return slices.Clone(c.names) }

func (c *Channels) known(name string) error {
	if !slices.Contains(c.names, name) {
		return domain.Invalid("channel", "%q is not one of %s", name, strings.Join(c.names, ", "))
	}
	return nil
}

func (c *Channels) ensure(ctx context.Context) (jetstream.Stream, error) {
	return c.client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "broadcast channels",
		Subjects:    []string{"channel.>"},
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		MaxAge:      c.retention,
	})
}

// Broadcast appends content to channel.
func (c *Channels) Broadcast(ctx context.Context, channel, senderGUID, senderHandle, content string) (*Message, error) {
	if err := c.known(channel); err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		return nil, domain.Invalid("content", "must not be empty")
	}
	if _, err := c.ensure(ctx); err != nil {
		return nil, fmt.Errorf("broadcast to %s: %w", channel, err)
	}
	js, err := c.client.JetStream()
	if err != nil {
		return nil, err
	}
	msg := &Message{
		ID:           domain.NewID(),
		Channel:      channel,
		SenderGUID:   senderGUID,
		SenderHandle: senderHandle,
		Content:      content,
		Timestamp:    time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode broadcast: %w", err)
	}
	if _, err := js.Publish(ctx, subject(channel), data, jetstream.WithMsgID(msg.ID)); err != nil {
		return nil, domain.WrapBroker("broadcast", channel, err)
	}
	metrics.ChannelBroadcasts.WithLabelValues(channel).Inc()
	return msg, nil
}

// Read returns the most recent limit messages on channel, oldest first. Reads never
// consume: the stream is scanned backwards from its tail by sequence.
func (c *Channels) Read(ctx context.Context, channel string, limit int) ([]Message, error) {
	if err := c.known(channel); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	s, err := c.client.Stream(ctx, StreamName)
	if err != nil {
		if broker.IsNotFound(err) {
			return []Message{}, nil
		}
		return nil, err
	}
	subj := subject(channel)
	info, err := s.Info(ctx, jetstream.WithSubjectFilter(subj))
	if err != nil {
		return nil, domain.WrapBroker("channel info", channel, err)
	}
	total := info.State.Subjects[subj]
	if total == 0 {
		return []Message{}, nil
	}
	want := min(uint64(limit), total)

	out := make([]Message, 0, want)
	for seq := info.State.LastSeq; seq >= info.State.FirstSeq && seq > 0 && uint64(len(out)) < want; seq-- {
		raw, err := s.GetMsg(ctx, seq)
		if err != nil {
			if broker.IsNotFound(err) {
				continue
			}
			return nil, domain.WrapBroker("read channel", channel, err)
		}
		if raw.Subject != subj {
			continue
		}
		var msg Message
		if err := json.Unmarshal(raw.Data, &msg); err != nil {
			c.logger.Printf("channels %s: skipping unparseable message %d: %v", channel, seq, err)
			continue
		}
		out = append(out, msg)
	}
	slices.Reverse(out)
	return out, nil
}
