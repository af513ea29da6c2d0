package app

import (
	"context"
	"errors"
	"io"
	"log"
	"sync/atomic"
	"testing"
	"time"
)

func TestHeartbeat_TicksUntilStopped(t *testing.T) {
	var beats atomic.Int32
	h := NewHeartbeat(20*time.Millisecond, func(context.Context) error {
		beats.Add(1)
		return nil
	}, nil, log.New(io.Discard, "", 0))

	h.Start(context.Background())
	h.Start(context.Background()) // second start is a no-op
	if !h.Running() {
		t.Fatal("expected running heartbeat")
	}

	deadline := time.Now().Add(2 * time.Second)
	for beats.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if beats.Load() < 3 {
		t.Fatalf("expected at least 3 beats, got %d", beats.Load())
	}

	h.Stop()
	h.Stop()
	if h.Running() {
		t.Error("heartbeat still running after Stop")
	}
	after := beats.Load()
	time.Sleep(60 * time.Millisecond)
	if beats.Load() != after {
		t.Errorf("beats continued after Stop: %d -> %d", after, beats.Load())
	}
}

func TestHeartbeat_ErrorsGoToCallback(t *testing.T) {
	errCh := make(chan error, 8)
	h := NewHeartbeat(10*time.Millisecond, func(context.Context) error {
		return errors.New("broker down")
	}, func(err error) { errCh <- err }, nil)
	h.Start(context.Background())
	defer h.Stop()

	select {
	case err := <-errCh:
		if err.Error() != "broker down" {
			t.Errorf("callback got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error callback not invoked")
	}
	// failures do not stop the loop
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("loop stopped after a failure")
	}
}

func TestHeartbeat_ContextCancelEndsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var beats atomic.Int32
	h := NewHeartbeat(10*time.Millisecond, func(context.Context) error {
		beats.Add(1)
		return nil
	}, nil, nil)
	h.Start(ctx)
	cancel()
	time.Sleep(50 * time.Millisecond)
	n := beats.Load()
	time.Sleep(50 * time.Millisecond)
	if beats.Load() != n {
		t.Error("beats continued after context cancel")
	}
	h.Stop()
}

func TestHeartbeat_DefaultInterval(t *testing.T) {
	h := NewHeartbeat(0, func(context.Context) error { return nil }, nil, nil)
	if h.Interval() != DefaultHeartbeatInterval {
		t.Errorf("Interval() = %v", h.Interval())
	}
	h.SetInterval(time.Second)
	if h.Interval() != time.Second {
		t.Errorf("Interval() = %v", h.Interval())
	}
}
