package durable

import (
	"context"
	"sync"
	"time"
)

// Waiter parks idle pollers. ReleaseAll wakes every parked poller at once,
// so that work which just became due is picked up without waiting out the
// idle timeout.
type Waiter struct {
	mu      sync.Mutex
	release chan struct{}
}

// NewWaiter returns an empty Waiter.
func NewWaiter() *Waiter {
	return &Waiter{release: make(chan struct{})}
}

var defaultWaiter = NewWaiter()

// DefaultWaiter is the process-wide Waiter shared by engines that were not
// given one explicitly.
func DefaultWaiter() *Waiter { return defaultWaiter }

// Chan returns the channel the next ReleaseAll closes. Reading it before
// polling and passing it to Wait afterwards means a release that lands
// during the poll is not missed.
func (w *Waiter) Chan() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.release
}

// Sleep blocks for d, until ctx is done or until ReleaseAll is called.
// It reports whether it was released early.
func (w *Waiter) Sleep(ctx context.Context, d time.Duration) bool {
	return w.Wait(ctx, w.Chan(), d)
}

// Wait is Sleep on a channel obtained from Chan. It returns at once when
// ReleaseAll ran since that call.
func (w *Waiter) Wait(ctx context.Context, release <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-release:
		return true
	case <-ctx.Done():
		return false
	case <-t.C:
		return false
	}
}

// ReleaseAll aborts every Sleep in progress.
func (w *Waiter) ReleaseAll() {
	w.mu.Lock()
	close(w.release)
	w.release = make(chan struct{})
	w.mu.Unlock()
}
