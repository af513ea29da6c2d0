package workqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/jaakkos/relaywork/internal/broker"
	"github.com/jaakkos/relaywork/internal/domain"
	"github.com/jaakkos/relaywork/internal/metrics"
)

const (
	DeadLetterStream = "DEAD_LETTER"

	DefaultDeadLetterTTL = 7 * 24 * time.Hour
	DefaultDedupWindow   = time.Hour
)

func deadLetterSubject(capability string) string { return "dlq." + broker.EncodeToken(capability) }

// DLQOptions configure the dead letter stream when this process creates it.
type DLQOptions struct {
	TTL         time.Duration
	DedupWindow time.Duration
}

// DeadLetterQueue stores work items that exhausted their delivery budget.
//
// There is no id index: Get, Retry and Discard scan the stream's sequence range, so
// each lookup costs O(depth). That is fine at expected DLQ volumes.
type DeadLetterQueue struct {
	client *broker.Client
	queue  *Queue
	logger *log.Logger
	opts   DLQOptions
}

// NewDeadLetterQueue returns a DLQ that republishes retried items through queue.
func NewDeadLetterQueue(client *broker.Client, queue *Queue, logger *log.Logger, opts DLQOptions) *DeadLetterQueue {
	if opts.TTL <= 0 {
		opts.TTL = DefaultDeadLetterTTL
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	// the broker rejects a dedup window longer than the retention
	if opts.DedupWindow > opts.TTL {
		opts.DedupWindow = opts.TTL
	}
	return &DeadLetterQueue{client: client, queue: queue, logger: logger, opts: opts}
}

func (q *DeadLetterQueue) ensure(ctx context.Context) (jetstream.Stream, error) {
	return q.client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:        DeadLetterStream,
		Description: "work items that exhausted their delivery attempts",
		Subjects:    []string{"dlq.>"},
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		MaxAge:      q.opts.TTL,
		Duplicates:  q.opts.DedupWindow,
	})
}

// dedupKey identifies one failure of one offer of an item. It lets the broker drop a
// repeated move of the same offer from another process.
func dedupKey(item *domain.WorkItem) string {
	return "dlq." + item.ID + "." + strconv.FormatInt(item.OfferedAt.UnixNano(), 10)
}

// MoveToDeadLetter records item as permanently failed. errs defaults to [reason].
func (q *DeadLetterQueue) MoveToDeadLetter(ctx context.Context, item *domain.WorkItem, reason string, errs []string) (*domain.DLQItem, error) {
	if item == nil || item.ID == "" {
		return nil, domain.Invalid("workItem", "missing id")
	}
	if len(errs) == 0 {
		errs = []string{reason}
	}
	rec := &domain.DLQItem{
		ID:       item.ID,
		WorkItem: *item,
		Reason:   reason,
		Attempts: item.Attempts,
		FailedAt: time.Now().UTC(),
		Errors:   append([]string(nil), errs...),
	}
	if _, err := q.ensure(ctx); err != nil {
		return nil, fmt.Errorf("dead letter %s: %w", item.ID, err)
	}
	existing, err := q.find(ctx, item.ID)
	if err != nil {
		return nil, fmt.Errorf("dead letter %s: %w", item.ID, err)
	}
	if existing != nil {
		if existing.item.WorkItem.OfferedAt.Equal(item.OfferedAt) {
			q.logger.Printf("dlq: %s already dead-lettered", item.ID)
			return &existing.item, nil
		}
		// another copy of the same item failed; keep one record with the full history
		rec.Errors = append(append([]string(nil), existing.item.Errors...), rec.Errors...)
	}
	js, err := q.client.JetStream()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode dead letter %s: %w", item.ID, err)
	}
	ack, err := js.Publish(ctx, deadLetterSubject(item.Capability), data, jetstream.WithMsgID(dedupKey(item)))
	if err != nil {
		return nil, domain.WrapBroker("publish dead letter", item.ID, err)
	}
	if ack.Duplicate {
		q.logger.Printf("dlq: %s already dead-lettered", item.ID)
		return rec, nil
	}
	if existing != nil {
		if err := q.deleteAll(ctx, existing.seqs); err != nil {
			return nil, fmt.Errorf("dead letter %s: %w", item.ID, err)
		}
		q.logger.Printf("dlq: %s failed again (%s): %s", item.ID, item.Capability, reason)
		return rec, nil
	}
	metrics.WorkDeadLettered.WithLabelValues(item.Capability).Inc()
	q.logger.Printf("dlq: %s (%s) after %d attempts: %s", item.ID, item.Capability, item.Attempts, reason)
	return rec, nil
}

// storedItem is the newest record for one id and every sequence holding that id.
// Concurrent moves from different processes can leave more than one.
type storedItem struct {
	seqs []uint64
	item domain.DLQItem
}

func (s *storedItem) latest() uint64 { return s.seqs[len(s.seqs)-1] }

type rawRecord struct {
	seq  uint64
	item domain.DLQItem
}

// scan walks the DLQ in sequence order, calling fn until it returns false. A missing
// stream is an empty DLQ.
func (q *DeadLetterQueue) scan(ctx context.Context, fn func(rawRecord) bool) error {
	s, err := q.client.Stream(ctx, DeadLetterStream)
	if err != nil {
		if broker.IsNotFound(err) {
			return nil
		}
		return err
	}
	info, err := s.Info(ctx)
	if err != nil {
		return domain.WrapBroker("dead letter info", DeadLetterStream, err)
	}
	if info.State.Msgs == 0 {
		return nil
	}
	for seq := info.State.FirstSeq; seq <= info.State.LastSeq; seq++ {
		raw, err := s.GetMsg(ctx, seq)
		if err != nil {
			if broker.IsNotFound(err) {
				continue
			}
			return domain.WrapBroker("read dead letter", strconv.FormatUint(seq, 10), err)
		}
		var it domain.DLQItem
		if err := json.Unmarshal(raw.Data, &it); err != nil {
			q.logger.Printf("dlq: skipping unparseable record %d: %v", seq, err)
			continue
		}
		if !fn(rawRecord{seq: seq, item: it}) {
			return nil
		}
	}
	return nil
}

// records groups the DLQ by work item id, ordered by each id's newest sequence.
func (q *DeadLetterQueue) records(ctx context.Context) ([]*storedItem, error) {
	byID := make(map[string]*storedItem)
	err := q.scan(ctx, func(r rawRecord) bool {
		s, ok := byID[r.item.ID]
		if !ok {
			s = &storedItem{}
			byID[r.item.ID] = s
		}
		s.seqs = append(s.seqs, r.seq)
		s.item = r.item
		return true
	})
	if err != nil {
		return nil, err
	}
	out := make([]*storedItem, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].latest() < out[j].latest() })
	return out, nil
}

// List returns one record per work item, oldest first, optionally restricted to
// capability. limit <= 0 means no limit.
func (q *DeadLetterQueue) List(ctx context.Context, capability string, limit int) ([]domain.DLQItem, error) {
	recs, err := q.records(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.DLQItem, 0, len(recs))
	for _, s := range recs {
		if capability != "" && s.item.WorkItem.Capability != capability {
			continue
		}
		out = append(out, s.item)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (q *DeadLetterQueue) find(ctx context.Context, id string) (*storedItem, error) {
	var found *storedItem
	err := q.scan(ctx, func(r rawRecord) bool {
		if r.item.ID != id {
			return true
		}
		if found == nil {
			found = &storedItem{}
		}
		found.seqs = append(found.seqs, r.seq)
		found.item = r.item
		return true
	})
	return found, err
}

// Get returns the record for id, or nil when there is none.
func (q *DeadLetterQueue) Get(ctx context.Context, id string) (*domain.DLQItem, error) {
	s, err := q.find(ctx, id)
	if err != nil || s == nil {
		return nil, err
	}
	return &s.item, nil
}

// Retry republishes the dead-lettered item to its capability queue with a fresh
// offeredAt, optionally zeroing attempts, then removes the DLQ record.
func (q *DeadLetterQueue) Retry(ctx context.Context, id string, resetAttempts bool) (*domain.WorkItem, error) {
	s, err := q.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, domain.NotFoundf("dead letter item %s", id)
	}
	item := s.item.WorkItem
	item.OfferedAt = time.Now().UTC()
	if resetAttempts {
		item.Attempts = 0
	}
	if err := q.queue.Publish(ctx, &item); err != nil {
		return nil, fmt.Errorf("retry %s: %w", id, err)
	}
	if err := q.deleteAll(ctx, s.seqs); err != nil {
		return nil, fmt.Errorf("retry %s: %w", id, err)
	}
	metrics.DeadLetterActions.WithLabelValues("retry").Inc()
	q.logger.Printf("dlq: retried %s on %s", id, item.Capability)
	return &item, nil
}

// Discard permanently deletes every DLQ record for id.
func (q *DeadLetterQueue) Discard(ctx context.Context, id string) error {
	s, err := q.find(ctx, id)
	if err != nil {
		return err
	}
	if s == nil {
		return domain.NotFoundf("dead letter item %s", id)
	}
	if err := q.deleteAll(ctx, s.seqs); err != nil {
		return fmt.Errorf("discard %s: %w", id, err)
	}
	metrics.DeadLetterActions.WithLabelValues("discard").Inc()
	q.logger.Printf("dlq: discarded %s", id)
	return nil
}

func (q *DeadLetterQueue) deleteAll(ctx context.Context, seqs []uint64) error {
	s, err := q.client.Stream(ctx, DeadLetterStream)
	if err != nil {
		return err
	}
	for _, seq := range seqs {
		if err := s.DeleteMsg(ctx, seq); err != nil && !broker.IsNotFound(err) {
			return domain.WrapBroker("delete dead letter", strconv.FormatUint(seq, 10), err)
		}
	}
	return nil
}

// Depth returns the number of dead-lettered work items.
func (q *DeadLetterQueue) Depth(ctx context.Context) (int, error) {
	recs, err := q.records(ctx)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}
