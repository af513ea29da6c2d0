package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"

	"github.com/jaakkos/relaywork/internal/broker/brokertest"
	"github.com/jaakkos/relaywork/internal/domain"
)

func newTestChannels(t *testing.T, names ...string) *Channels {
	t.Helper()
	return New(brokertest.NewClient(t), log.New(io.Discard, "", 0), names, 0)
}

func TestList_DefaultsSortedAndDeduped(t *testing.T) {
	c := New(nil, log.New(io.Discard, "", 0), nil, 0)
	if got := c.List(); len(got) != 3 || got[0] != "general" {
		t.Errorf("default channels = %v", got)
	}
	c = New(nil, log.New(io.Discard, "", 0), []string{"b", "a", "b"}, 0)
	if got := c.List(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("List = %v", got)
	}
}

func TestBroadcastRead_RecentOldestFirst(t *testing.T) {
	c := newTestChannels(t, "general", "work")
	ctx := context.Background()
	sender := domain.NewID()

	if got, err := c.Read(ctx, "general", 5); err != nil || len(got) != 0 {
		t.Fatalf("Read before any broadcast = %v, %v", got, err)
	}
	for i := 0; i < 5; i++ {
		if _, err := c.Broadcast(ctx, "general", sender, "dev1", fmt.Sprintf("g%d", i)); err != nil {
			t.Fatal(err)
		}
		if _, err := c.Broadcast(ctx, "work", sender, "dev1", fmt.Sprintf("w%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := c.Read(ctx, "general", 3)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"g2", "g3", "g4"}
	if len(got) != len(want) {
		t.Fatalf("Read = %+v", got)
	}
	for i, w := range want {
		if got[i].Content != w || got[i].Channel != "general" {
			t.Errorf("message %d = %+v, want %s", i, got[i], w)
		}
	}

	// reads do not consume
	again, err := c.Read(ctx, "work", 10)
	if err != nil || len(again) != 5 {
		t.Errorf("Read(work, 10) = %d messages, %v", len(again), err)
	}
}

func TestBroadcast_UnknownChannelAndEmptyContent(t *testing.T) {
	c := newTestChannels(t, "general")
	ctx := context.Background()
	if _, err := c.Broadcast(ctx, "random", "g", "h", "x"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("unknown channel = %v", err)
	}
	if _, err := c.Broadcast(ctx, "general", "g", "h", "  "); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("empty content = %v", err)
	}
	if _, err := c.Read(ctx, "random", 1); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("read unknown channel = %v", err)
	}
}
