package workqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/jaakkos/relaywork/internal/domain"
	"github.com/jaakkos/relaywork/internal/metrics"
)

const ackConfirmTimeout = 5 * time.Second

// Delivery settles one delivered work item. Exactly one of Ack or Nak should be called;
// an unsettled item is redelivered after the queue's ack timeout.
type Delivery interface {
	Ack() error
	Nak() error
}

// Handler processes a delivered item. A returned error or a panic acks the item and is
// logged, so a poison item cannot loop.
type Handler func(ctx context.Context, item *domain.WorkItem, d Delivery) error

type delivery struct {
	ctx     context.Context
	msg     jetstream.Msg
	mu      sync.Mutex
	settled bool
}

func (d *delivery) settle(fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return nil
	}
	d.settled = true
	return fn()
}

// Ack outlives the subscription so an item handled just before Stop is still settled.
func (d *delivery) Ack() error {
	return d.settle(func() error {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(d.ctx), ackConfirmTimeout)
		defer cancel()
		return d.msg.DoubleAck(ctx)
	})
}

func (d *delivery) Nak() error { return d.settle(d.msg.Nak) }

// Subscription is a running consume loop.
type Subscription struct {
	capability string
	cc         jetstream.ConsumeContext
	cancel     context.CancelFunc
	once       sync.Once
}

// Capability returns the queue being consumed.
func (s *Subscription) Capability() string { return s.capability }

// Stop ends the consume loop and waits for it to close. Safe to call more than once.
func (s *Subscription) Stop() {
	s.once.Do(func() {
		s.cancel()
		s.cc.Stop()
		<-s.cc.Closed()
	})
}

// Subscribe pulls from capability's queue until the subscription is stopped or ctx is
// done, invoking handler for each item. The queue is created with default options if
// needed.
func (q *Queue) Subscribe(ctx context.Context, capability string, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, domain.Invalid("handler", "must not be nil")
	}
	cons, err := q.CreateQueue(ctx, capability, QueueOptions{})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	cc, err := cons.Consume(func(m jetstream.Msg) {
		q.dispatch(ctx, capability, m, handler)
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		q.logger.Printf("workqueue %s: consume: %v", capability, err)
	}))
	if err != nil {
		cancel()
		return nil, domain.WrapBroker("subscribe", capability, err)
	}
	sub := &Subscription{capability: capability, cc: cc, cancel: cancel}
	go func() {
		<-ctx.Done()
		sub.Stop()
	}()
	return sub, nil
}

func (q *Queue) dispatch(ctx context.Context, capability string, m jetstream.Msg, handler Handler) {
	d := &delivery{ctx: ctx, msg: m}
	item, err := decode(m)
	if err != nil {
		q.logger.Printf("workqueue %s: acking unparseable item: %v", capability, err)
		_ = d.Ack()
		return
	}
	metrics.WorkClaimed.WithLabelValues(capability).Inc()

	if err := q.invoke(ctx, handler, item, d); err != nil {
		q.logger.Printf("workqueue %s: handler failed for %s (attempt %d), acking: %v",
			capability, item.ID, item.Attempts, err)
		if ackErr := d.Ack(); ackErr != nil {
			q.logger.Printf("workqueue %s: ack %s: %v", capability, item.ID, ackErr)
		}
	}
}

func (q *Queue) invoke(ctx context.Context, handler Handler, item *domain.WorkItem, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, item, d)
}
