// Package inbox delivers point-to-point messages through one durable stream per agent.
//
// Each agent owns stream INBOX_<guid> (subject inbox.<guid>) and a single durable
// consumer inbox-<guid>. The consumer is created once per agent, not per read, so
// acked messages are never replayed after a restart.
package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/jaakkos/relaywork/internal/broker"
	"github.com/jaakkos/relaywork/internal/domain"
	"github.com/jaakkos/relaywork/internal/metrics"
)

const (
	// DefaultMaxAge bounds how long unread messages are kept.
	DefaultMaxAge = 7 * 24 * time.Hour
	// DefaultLimit is the read batch size when the caller passes 0.
	DefaultLimit = 10

	ackWait = 30 * time.Second
)

// StreamName returns the inbox stream for guid.
func StreamName(guid string) string { return "INBOX_" + broker.EncodeToken(guid) }

// Subject returns the inbox subject for guid.
func Subject(guid string) string { return "inbox." + broker.EncodeToken(guid) }

func consumerName(guid string) string { return "inbox-" + broker.EncodeToken(guid) }

// Inbox publishes to and reads from agent inbox streams.
type Inbox struct {
	client *broker.Client
	logger *log.Logger
	maxAge time.Duration

	mu        sync.Mutex
	consumers map[string]jetstream.Consumer
}

// Option configures an Inbox.
type Option func(*Inbox)

// WithMaxAge sets the retention of inbox streams created by this process.
func WithMaxAge(d time.Duration) Option {
	return func(i *Inbox) {
		if d > 0 {
			i.maxAge = d
		}
	}
}

// New returns an Inbox over client.
func New(client *broker.Client, logger *log.Logger, opts ...Option) *Inbox {
	i := &Inbox{
		client:    client,
		logger:    logger,
		maxAge:    DefaultMaxAge,
		consumers: make(map[string]jetstream.Consumer),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Inbox) ensureStream(ctx context.Context, guid string) (jetstream.Stream, error) {
	return i.client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:        StreamName(guid),
		Description: "inbox for agent " + guid,
		Subjects:    []string{Subject(guid)},
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		MaxAge:      i.maxAge,
		Duplicates:  2 * time.Minute,
	})
}

// Open creates guid's inbox stream and durable consumer if absent. Repeated calls reuse
// the cached consumer handle.
func (i *Inbox) Open(ctx context.Context, guid string) (jetstream.Consumer, error) {
	i.mu.Lock()
	cons, ok := i.consumers[guid]
	i.mu.Unlock()
	if ok {
		return cons, nil
	}

	if _, err := i.ensureStream(ctx, guid); err != nil {
		return nil, fmt.Errorf("open inbox %s: %w", guid, err)
	}
	cons, err := i.client.EnsureConsumer(ctx, StreamName(guid), jetstream.ConsumerConfig{
		Durable:       consumerName(guid),
		Description:   "inbox reader for " + guid,
		FilterSubject: Subject(guid),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       ackWait,
	})
	if err != nil {
		return nil, fmt.Errorf("open inbox %s: %w", guid, err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if existing, ok := i.consumers[guid]; ok {
		return existing, nil
	}
	i.consumers[guid] = cons
	return cons, nil
}

// Close forgets the local consumer handle for guid. The durable consumer and any unread
// messages stay on the broker.
func (i *Inbox) Close(guid string) {
	i.mu.Lock()
	delete(i.consumers, guid)
	i.mu.Unlock()
}

// SendResult reports a published message.
type SendResult struct {
	MessageID    string
	Confirmation string
}

// Send publishes msg to the recipient's inbox whether or not the recipient is online.
// ID and Timestamp are filled in when empty. recipientStatus only changes the
// confirmation text.
func (i *Inbox) Send(ctx context.Context, msg *domain.InboxMessage, recipientStatus domain.AgentStatus) (SendResult, error) {
	if msg == nil {
		return SendResult{}, domain.Invalid("message", "nil message")
	}
	if !domain.IsUUIDv4(msg.RecipientGUID) {
		return SendResult{}, domain.Invalid("recipientGuid", "%q is not a UUID v4", msg.RecipientGUID)
	}
	if !domain.ValidMessageType(msg.MessageType) {
		return SendResult{}, domain.Invalid("messageType", "%q", msg.MessageType)
	}
	if _, err := domain.ParsePayload(msg.MessageType, msg.Content); err != nil {
		return SendResult{}, err
	}
	if msg.ID == "" {
		msg.ID = domain.NewID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	if _, err := i.ensureStream(ctx, msg.RecipientGUID); err != nil {
		return SendResult{}, fmt.Errorf("send to %s: %w", msg.RecipientGUID, err)
	}
	js, err := i.client.JetStream()
	if err != nil {
		return SendResult{}, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return SendResult{}, fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	start := time.Now()
	if _, err := js.Publish(ctx, Subject(msg.RecipientGUID), data, jetstream.WithMsgID(msg.ID)); err != nil {
		return SendResult{}, domain.WrapBroker("publish inbox message", msg.RecipientGUID, err)
	}
	metrics.BrokerLatency.WithLabelValues("inbox_publish").Observe(time.Since(start).Seconds())
	metrics.InboxSent.WithLabelValues(string(msg.MessageType)).Inc()

	res := SendResult{MessageID: msg.ID}
	switch recipientStatus {
	case domain.StatusOffline:
		res.Confirmation = "Message queued; recipient is offline and will receive it when it next reads its inbox."
	case domain.StatusBusy:
		res.Confirmation = "Message queued; recipient is busy and may not read it right away."
	default:
		res.Confirmation = "Message delivered to recipient's inbox."
	}
	return res, nil
}

// Filter narrows Read. Zero fields match everything.
type Filter struct {
	MessageType domain.MessageType
	SenderGUID  string
}

func (f Filter) match(m *domain.InboxMessage) bool {
	if f.MessageType != "" && m.MessageType != f.MessageType {
		return false
	}
	if f.SenderGUID != "" && m.SenderGUID != f.SenderGUID {
		return false
	}
	return true
}

// Read returns up to limit unread messages for guid that match filter, oldest first.
//
// It fetches up to twice limit messages without waiting. Messages that do not match
// filter and unparseable messages are acked and dropped. Matching messages are acked
// when returned; matching messages beyond limit are nak'd so a later read sees them.
func (i *Inbox) Read(ctx context.Context, guid string, limit int, filter Filter) ([]domain.InboxMessage, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	cons, err := i.Open(ctx, guid)
	if err != nil {
		return nil, err
	}
	batch, err := cons.FetchNoWait(2 * limit)
	if err != nil {
		return nil, domain.WrapBroker("fetch inbox", guid, err)
	}

	kept := make([]domain.InboxMessage, 0, limit)
	for m := range batch.Messages() {
		var msg domain.InboxMessage
		if err := json.Unmarshal(m.Data(), &msg); err != nil {
			i.logger.Printf("inbox %s: dropping unparseable message: %v", guid, err)
			metrics.InboxDropped.Inc()
			i.ack(ctx, m)
			continue
		}
		if !filter.match(&msg) {
			i.ack(ctx, m)
			continue
		}
		if len(kept) >= limit {
			if err := m.Nak(); err != nil {
				i.logger.Printf("inbox %s: nak %s: %v", guid, msg.ID, err)
			}
			continue
		}
		i.ack(ctx, m)
		kept = append(kept, msg)
	}
	if err := batch.Error(); err != nil && !broker.IsTimeout(err) {
		i.logger.Printf("inbox %s: fetch ended early: %v", guid, err)
	}

	sort.SliceStable(kept, func(a, b int) bool { return kept[a].Timestamp.Before(kept[b].Timestamp) })
	metrics.InboxRead.Add(float64(len(kept)))
	return kept, nil
}

// ack waits for the broker to confirm, so a following read or Pending sees the result.
func (i *Inbox) ack(ctx context.Context, m jetstream.Msg) {
	if err := m.DoubleAck(ctx); err != nil {
		i.logger.Printf("inbox: ack %s: %v", m.Subject(), err)
	}
}

// Pending returns the number of messages not yet acked from guid's inbox. A missing
// inbox has no pending messages.
func (i *Inbox) Pending(ctx context.Context, guid string) (int, error) {
	js, err := i.client.JetStream()
	if err != nil {
		return 0, err
	}
	cons, err := js.Consumer(ctx, StreamName(guid), consumerName(guid))
	if err != nil {
		if broker.IsNotFound(err) {
			return 0, nil
		}
		return 0, domain.WrapBroker("inbox consumer info", guid, err)
	}
	info, err := cons.Info(ctx)
	if err != nil {
		if broker.IsNotFound(err) {
			return 0, nil
		}
		return 0, domain.WrapBroker("inbox consumer info", guid, err)
	}
	return int(info.NumPending) + info.NumAckPending, nil
}

// FormatMessages renders messages for a human reader, one block per message.
func FormatMessages(msgs []domain.InboxMessage) string {
	if len(msgs) == 0 {
		return "No new messages."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d message(s):\n", len(msgs))
	for _, m := range msgs {
		sender := m.SenderHandle
		if sender == "" {
			sender = m.SenderGUID
		}
		fmt.Fprintf(&b, "\n[%s] %s from %s (%s)\n%s\n",
			m.Timestamp.Format(time.RFC3339), m.MessageType, sender, m.SenderGUID, m.Content)
	}
	return b.String()
}
