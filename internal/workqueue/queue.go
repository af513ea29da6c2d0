// Package workqueue distributes work items to competing agents through one
// work-queue stream per capability, with a shared dead letter stream for items
// that exhaust their delivery budget.
package workqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/jaakkos/relaywork/internal/broker"
	"github.com/jaakkos/relaywork/internal/domain"
	"github.com/jaakkos/relaywork/internal/metrics"
)

const (
	DefaultAckTimeout          = 30 * time.Second
	DefaultMaxDeliveryAttempts = 3
	DefaultClaimTimeout        = 5 * time.Second
)

// StreamName returns the work stream for capability.
func StreamName(capability string) string { return "WORK_" + broker.EncodeToken(capability) }

// Subject returns the work subject for capability.
func Subject(capability string) string { return "work." + broker.EncodeToken(capability) }

func consumerName(capability string) string { return "workers-" + broker.EncodeToken(capability) }

// QueueOptions tune the competing consumer of one capability queue. They apply when the
// consumer is first created; later callers share the existing consumer as is.
type QueueOptions struct {
	AckTimeout          time.Duration
	MaxDeliveryAttempts int
}

func (o QueueOptions) withDefaults(def QueueOptions) QueueOptions {
	if o.AckTimeout <= 0 {
		o.AckTimeout = def.AckTimeout
	}
	if o.MaxDeliveryAttempts <= 0 {
		o.MaxDeliveryAttempts = def.MaxDeliveryAttempts
	}
	return o
}

// Queue is the set of capability work queues.
type Queue struct {
	client   *broker.Client
	logger   *log.Logger
	defaults QueueOptions

	mu      sync.Mutex
	created map[string]jetstream.Consumer
}

// NewQueue returns a Queue. Zero fields of defaults fall back to the package defaults.
func NewQueue(client *broker.Client, logger *log.Logger, defaults QueueOptions) *Queue {
	return &Queue{
		client: client,
		logger: logger,
		defaults: defaults.withDefaults(QueueOptions{
			AckTimeout:          DefaultAckTimeout,
			MaxDeliveryAttempts: DefaultMaxDeliveryAttempts,
		}),
		created: make(map[string]jetstream.Consumer),
	}
}

// Defaults returns the options used when a caller passes none.
func (q *Queue) Defaults() QueueOptions { return q.defaults }

// CreateQueue creates the capability's stream and durable competing consumer if absent.
// Concurrent creators across processes all succeed.
func (q *Queue) CreateQueue(ctx context.Context, capability string, opts QueueOptions) (jetstream.Consumer, error) {
	if capability == "" {
		return nil, domain.Invalid("capability", "must not be empty")
	}
	q.mu.Lock()
	cons, ok := q.created[capability]
	q.mu.Unlock()
	if ok {
		return cons, nil
	}

	opts = opts.withDefaults(q.defaults)
	if _, err := q.client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:        StreamName(capability),
		Description: "work queue for capability " + capability,
		Subjects:    []string{Subject(capability)},
		Retention:   jetstream.WorkQueuePolicy,
		Storage:     jetstream.FileStorage,
	}); err != nil {
		return nil, fmt.Errorf("create queue %s: %w", capability, err)
	}
	cons, err := q.client.EnsureConsumer(ctx, StreamName(capability), jetstream.ConsumerConfig{
		Durable:       consumerName(capability),
		Description:   "competing workers for " + capability,
		FilterSubject: Subject(capability),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       opts.AckTimeout,
		MaxDeliver:    opts.MaxDeliveryAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("create queue %s: %w", capability, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if existing, ok := q.created[capability]; ok {
		return existing, nil
	}
	q.created[capability] = cons
	q.logger.Printf("workqueue: queue %s ready (ack timeout %s, max attempts %d)",
		capability, opts.AckTimeout, opts.MaxDeliveryAttempts)
	return cons, nil
}

// msgID is the publish dedup key. It includes offeredAt so a retried item is not
// mistaken for a duplicate of its first publish.
func msgID(item *domain.WorkItem) string {
	return item.ID + "." + strconv.FormatInt(item.OfferedAt.UnixNano(), 10)
}

// Publish validates item and appends it to its capability queue, creating the queue
// with default options if needed. OfferedAt is stamped when zero.
func (q *Queue) Publish(ctx context.Context, item *domain.WorkItem) error {
	if err := domain.ValidateWorkItem(item); err != nil {
		return err
	}
	if item.OfferedAt.IsZero() {
		item.OfferedAt = time.Now().UTC()
	}
	if _, err := q.CreateQueue(ctx, item.Capability, QueueOptions{}); err != nil {
		return err
	}
	js, err := q.client.JetStream()
	if err != nil {
		return err
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode work item %s: %w", item.ID, err)
	}
	start := time.Now()
	if _, err := js.Publish(ctx, Subject(item.Capability), data, jetstream.WithMsgID(msgID(item))); err != nil {
		return domain.WrapBroker("publish work item", item.ID, err)
	}
	metrics.BrokerLatency.WithLabelValues("work_publish").Observe(time.Since(start).Seconds())
	metrics.WorkPublished.WithLabelValues(item.Capability).Inc()
	return nil
}

// decode rebuilds the work item from m, taking attempts from the broker's delivery
// counter rather than the stale payload value.
func decode(m jetstream.Msg) (*domain.WorkItem, error) {
	var item domain.WorkItem
	if err := json.Unmarshal(m.Data(), &item); err != nil {
		return nil, fmt.Errorf("decode work item: %w", err)
	}
	if meta, err := m.Metadata(); err == nil {
		item.Attempts = int(meta.NumDelivered)
	}
	return &item, nil
}

// Claim takes one item from capability's queue, waiting at most timeout. The item is
// acked on receipt, so it is never redelivered even if the claimer later fails. A
// timeout or a queue that does not exist yields nil with no error.
func (q *Queue) Claim(ctx context.Context, capability string, timeout time.Duration) (*domain.WorkItem, error) {
	if timeout <= 0 {
		timeout = DefaultClaimTimeout
	}
	js, err := q.client.JetStream()
	if err != nil {
		return nil, err
	}
	cons, err := js.Consumer(ctx, StreamName(capability), consumerName(capability))
	if err != nil {
		if broker.IsNotFound(err) {
			return nil, nil
		}
		return nil, domain.WrapBroker("open queue", capability, err)
	}
	batch, err := cons.Fetch(1, jetstream.FetchMaxWait(timeout))
	if err != nil {
		if broker.IsTimeout(err) {
			return nil, nil
		}
		return nil, domain.WrapBroker("claim work", capability, err)
	}
	for m := range batch.Messages() {
		item, err := decode(m)
		if ackErr := m.DoubleAck(ctx); ackErr != nil {
			return nil, domain.WrapBroker("ack claimed work", capability, ackErr)
		}
		if err != nil {
			q.logger.Printf("workqueue %s: dropped unparseable item: %v", capability, err)
			return nil, nil
		}
		metrics.WorkClaimed.WithLabelValues(capability).Inc()
		return item, nil
	}
	if err := batch.Error(); err != nil && !broker.IsTimeout(err) {
		return nil, domain.WrapBroker("claim work", capability, err)
	}
	return nil, nil
}

// PendingCount returns the number of items in capability's queue, including delivered
// but unacked items. A missing queue has depth 0.
func (q *Queue) PendingCount(ctx context.Context, capability string) (int, error) {
	js, err := q.client.JetStream()
	if err != nil {
		return 0, err
	}
	s, err := js.Stream(ctx, StreamName(capability))
	if err != nil {
		if broker.IsNotFound(err) {
			return 0, nil
		}
		return 0, domain.WrapBroker("queue info", capability, err)
	}
	info, err := s.Info(ctx)
	if err != nil {
		return 0, domain.WrapBroker("queue info", capability, err)
	}
	return int(info.State.Msgs), nil
}

// QueueStat summarises one capability queue.
type QueueStat struct {
	Capability string `json:"capability"`
	Stream     string `json:"stream"`
	Depth      uint64 `json:"depth"`
	InFlight   int    `json:"inFlight"`
	Redelivers int    `json:"redelivered"`
}

// Stats lists every work queue stream on the broker.
func (q *Queue) Stats(ctx context.Context) ([]QueueStat, error) {
	js, err := q.client.JetStream()
	if err != nil {
		return nil, err
	}
	var out []QueueStat
	lister := js.ListStreams(ctx, jetstream.WithStreamListSubject("work.>"))
	for info := range lister.Info() {
		if len(info.Config.Subjects) == 0 {
			continue
		}
		capability, ok := broker.DecodeToken(strings.TrimPrefix(info.Config.Subjects[0], "work."))
		if !ok {
			q.logger.Printf("workqueue: skipping stream %s with unexpected subject %s", info.Config.Name, info.Config.Subjects[0])
			continue
		}
		st := QueueStat{Capability: capability, Stream: info.Config.Name, Depth: info.State.Msgs}
		if cons, err := js.Consumer(ctx, info.Config.Name, consumerName(capability)); err == nil {
			if ci, err := cons.Info(ctx); err == nil {
				st.InFlight = ci.NumAckPending
				st.Redelivers = ci.NumRedelivered
			}
		}
		out = append(out, st)
	}
	if err := lister.Err(); err != nil {
		return nil, domain.WrapBroker("list queues", "", err)
	}
	return out, nil
}
