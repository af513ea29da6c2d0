package app

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jaakkos/relaywork/internal/metrics"
)

// DefaultHeartbeatInterval is how often a registered agent refreshes lastHeartbeat.
const DefaultHeartbeatInterval = 60 * time.Second

// Heartbeat runs beat on a fixed interval until stopped. Failures go to onError and
// never stop the loop.
type Heartbeat struct {
	beat     func(context.Context) error
	onError  func(error)
	logger   *log.Logger
	interval atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewHeartbeat returns a stopped heartbeat. A nil onError logs failures.
func NewHeartbeat(interval time.Duration, beat func(context.Context) error, onError func(error), logger *log.Logger) *Heartbeat {
	if logger == nil {
		logger = log.Default()
	}
	h := &Heartbeat{beat: beat, onError: onError, logger: logger}
	h.SetInterval(interval)
	return h
}

// SetInterval changes the period. It applies from the next tick.
func (h *Heartbeat) SetInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultHeartbeatInterval
	}
	h.interval.Store(int64(d))
}

// Interval returns the current period.
func (h *Heartbeat) Interval() time.Duration { return time.Duration(h.interval.Load()) }

// Start begins ticking. The loop outlives ctx's deadline but not its cancellation.
// Starting a running heartbeat is a no-op.
func (h *Heartbeat) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.doneCh = make(chan struct{})
	go h.loop(ctx, h.doneCh)
}

// Running reports whether the loop is active.
func (h *Heartbeat) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancel != nil
}

// Stop cancels the loop and waits for an in-flight beat to return. Safe to call twice.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.doneCh
	h.cancel, h.doneCh = nil, nil
	h.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (h *Heartbeat) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(h.Interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := h.beat(ctx); err != nil && ctx.Err() == nil {
				metrics.HeartbeatFailures.Inc()
				if h.onError != nil {
					h.onError(err)
				} else {
					h.logger.Printf("heartbeat: %v", err)
				}
			}
			timer.Reset(h.Interval())
		}
	}
}
