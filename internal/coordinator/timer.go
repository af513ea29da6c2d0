package coordinator

import (
	"sync"
	"time"
)

// slidingTimer fires fn once after d unless reset or stopped first. Reset restarts the
// window; a fire from a superseded window is dropped. fn receives the window's
// generation so the caller can recheck it with current under its own lock.
type slidingTimer struct {
	mu    sync.Mutex
	d     time.Duration
	fn    func(gen uint64)
	t     *time.Timer
	gen   uint64
	fired bool
}

func newSlidingTimer(d time.Duration, fn func(gen uint64)) *slidingTimer {
	st := &slidingTimer{d: d, fn: fn}
	st.Reset()
	return st
}

// Reset restarts the window from now.
func (st *slidingTimer) Reset() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.t != nil {
		st.t.Stop()
	}
	st.gen++
	gen := st.gen
	st.fired = false
	st.t = time.AfterFunc(st.d, func() { st.fire(gen) })
}

// SetDuration changes the window used by the next Reset.
func (st *slidingTimer) SetDuration(d time.Duration) {
	st.mu.Lock()
	st.d = d
	st.mu.Unlock()
}

func (st *slidingTimer) fire(gen uint64) {
	st.mu.Lock()
	if gen != st.gen || st.fired {
		st.mu.Unlock()
		return
	}
	st.fired = true
	st.t = nil
	st.mu.Unlock()
	st.fn(gen)
}

// current reports whether gen is still the live window.
func (st *slidingTimer) current(gen uint64) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return gen == st.gen
}

// Stop cancels any pending fire. Safe to call more than once.
func (st *slidingTimer) Stop() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.t != nil {
		st.t.Stop()
		st.t = nil
	}
	st.gen++
}
