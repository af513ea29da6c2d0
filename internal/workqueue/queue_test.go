package workqueue

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jaakkos/relaywork/internal/broker"
	"github.com/jaakkos/relaywork/internal/broker/brokertest"
	"github.com/jaakkos/relaywork/internal/domain"
)

var quiet = log.New(io.Discard, "", 0)

func newTestQueues(t *testing.T) (*Queue, *DeadLetterQueue, *broker.Client) {
	t.Helper()
	c := brokertest.NewClient(t)
	q := NewQueue(c, quiet, QueueOptions{AckTimeout: 2 * time.Second})
	return q, NewDeadLetterQueue(c, q, quiet, DLQOptions{}), c
}

func workItem(capability string, priority int) *domain.WorkItem {
	return &domain.WorkItem{
		ID:          domain.NewID(),
		TaskID:      "task-1",
		Capability:  capability,
		Description: "do the thing",
		Priority:    priority,
		OfferedBy:   domain.NewID(),
	}
}

func TestPublishClaim_RoundTrip(t *testing.T) {
	q, _, _ := newTestQueues(t)
	ctx := context.Background()

	item := workItem("ts", 7)
	if err := q.Publish(ctx, item); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got, err := q.Claim(ctx, "ts", 2*time.Second)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if got == nil {
		t.Fatal("Claim returned nothing")
	}
	if got.ID != item.ID || got.Capability != "ts" || got.Priority != 7 || got.Attempts != 1 {
		t.Errorf("claimed %+v", got)
	}

	n, err := q.PendingCount(ctx, "ts")
	if err != nil || n != 0 {
		t.Errorf("PendingCount after claim = %d, %v", n, err)
	}
}

func TestPublish_Validation(t *testing.T) {
	q, _, _ := newTestQueues(t)
	ctx := context.Background()

	bad := []*domain.WorkItem{
		{ID: "not-a-uuid", Capability: "ts"},
		{ID: domain.NewID(), Capability: ""},
		{ID: domain.NewID(), Capability: "ts", Priority: 11},
	}
	for _, it := range bad {
		if err := q.Publish(ctx, it); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("Publish(%+v) = %v, want validation error", it, err)
		}
	}
}

func TestClaim_MissingQueueAndTimeout(t *testing.T) {
	q, _, _ := newTestQueues(t)
	ctx := context.Background()

	got, err := q.Claim(ctx, "nobody-publishes-here", 200*time.Millisecond)
	if err != nil || got != nil {
		t.Errorf("Claim missing queue = %v, %v", got, err)
	}

	if _, err := q.CreateQueue(ctx, "empty", QueueOptions{}); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	got, err = q.Claim(ctx, "empty", 300*time.Millisecond)
	if err != nil || got != nil {
		t.Errorf("Claim empty queue = %v, %v", got, err)
	}
	if time.Since(start) < 250*time.Millisecond {
		t.Errorf("Claim returned before its timeout")
	}
}

func TestPendingCount(t *testing.T) {
	q, _, _ := newTestQueues(t)
	ctx := context.Background()

	if n, err := q.PendingCount(ctx, "missing"); err != nil || n != 0 {
		t.Fatalf("PendingCount missing = %d, %v", n, err)
	}
	for i := 0; i < 3; i++ {
		if err := q.Publish(ctx, workItem("go", 0)); err != nil {
			t.Fatal(err)
		}
	}
	if n, err := q.PendingCount(ctx, "go"); err != nil || n != 3 {
		t.Errorf("PendingCount = %d, %v; want 3", n, err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 1 || stats[0].Capability != "go" || stats[0].Depth != 3 {
		t.Errorf("Stats = %+v", stats)
	}
}

func TestClaim_CapabilitiesDifferingInPunctuation(t *testing.T) {
	q, _, _ := newTestQueues(t)
	ctx := context.Background()

	underscore := workItem("code_review", 0)
	if err := q.Publish(ctx, underscore); err != nil {
		t.Fatal(err)
	}
	dotted := workItem("code.review", 0)
	if err := q.Publish(ctx, dotted); err != nil {
		t.Fatal(err)
	}
	if StreamName("code_review") == StreamName("code.review") || Subject("code_review") == Subject("code.review") {
		t.Fatalf("capabilities share stream %s", StreamName("code.review"))
	}

	got, err := q.Claim(ctx, "code.review", time.Second)
	if err != nil || got == nil {
		t.Fatalf("Claim code.review = %v, %v", got, err)
	}
	if got.ID != dotted.ID {
		t.Errorf("claim on code.review returned item for %q", got.Capability)
	}
	if got, _ := q.Claim(ctx, "code.review", 200*time.Millisecond); got != nil {
		t.Errorf("second claim on code.review returned %+v", got)
	}
	if n, _ := q.PendingCount(ctx, "code_review"); n != 1 {
		t.Errorf("code_review pending = %d, want 1", n)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	caps := make(map[string]uint64)
	for _, s := range stats {
		caps[s.Capability] = s.Depth
	}
	if len(caps) != 2 || caps["code_review"] != 1 || caps["code.review"] != 0 {
		t.Errorf("Stats = %+v", stats)
	}
}

func TestCreateQueue_Concurrent(t *testing.T) {
	s := brokertest.RunServer(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		q := NewQueue(brokertest.Connect(t, s), quiet, QueueOptions{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.CreateQueue(ctx, "shared", QueueOptions{MaxDeliveryAttempts: 2})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("CreateQueue: %v", err)
		}
	}
}

func TestSubscribe_ExhaustionThenDeadLetter(t *testing.T) {
	q, dlq, _ := newTestQueues(t)
	ctx := context.Background()

	if _, err := q.CreateQueue(ctx, "flaky", QueueOptions{MaxDeliveryAttempts: 2, AckTimeout: time.Second}); err != nil {
		t.Fatal(err)
	}
	item := workItem("flaky", 5)
	if err := q.Publish(ctx, item); err != nil {
		t.Fatal(err)
	}

	var deliveries atomic.Int32
	var once sync.Once
	moved := make(chan struct{})
	sub, err := q.Subscribe(ctx, "flaky", func(ctx context.Context, it *domain.WorkItem, d Delivery) error {
		deliveries.Add(1)
		if it.Attempts >= 2 {
			if _, err := dlq.MoveToDeadLetter(ctx, it, "always fails", nil); err != nil {
				t.Errorf("MoveToDeadLetter: %v", err)
			}
			once.Do(func() { close(moved) })
		}
		return d.Nak()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Stop()

	select {
	case <-moved:
	case <-time.After(10 * time.Second):
		t.Fatal("item never reached its last attempt")
	}
	// no third delivery once the budget is spent
	time.Sleep(1500 * time.Millisecond)
	if n := deliveries.Load(); n != 2 {
		t.Errorf("deliveries = %d, want 2", n)
	}

	rec, err := dlq.Get(ctx, item.ID)
	if err != nil || rec == nil {
		t.Fatalf("Get = %v, %v", rec, err)
	}
	if rec.Reason != "always fails" || rec.Attempts != 2 || len(rec.Errors) != 1 {
		t.Errorf("dead letter record = %+v", rec)
	}
}

func TestSubscribe_HandlerErrorAndPanicAck(t *testing.T) {
	q, _, _ := newTestQueues(t)
	ctx := context.Background()

	var calls atomic.Int32
	done := make(chan struct{}, 2)
	sub, err := q.Subscribe(ctx, "poison", func(ctx context.Context, it *domain.WorkItem, d Delivery) error {
		defer func() { done <- struct{}{} }()
		if calls.Add(1) == 1 {
			return errors.New("boom")
		}
		panic("kaboom")
	})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := q.Publish(ctx, workItem("poison", 0)); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("handler not invoked")
		}
	}
	sub.Stop()
	sub.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for {
		n, err := q.PendingCount(ctx, "poison")
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("failed items still queued: %d", n)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if calls.Load() != 2 {
		t.Errorf("handler calls = %d, want 2", calls.Load())
	}
}
