package refreshable

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/bool64/ctxd"
)

// Controller is the user-facing lifecycle handle returned by Config.Acquire.
// Its lifetime is the scope in which Acquire was called: the caller is
// expected to defer Close to guarantee the background Refresher is torn
// down deterministically.
type Controller[T any] struct {
	slot   *Slot[T]
	cfg    Config[T]
	logger ctxd.Logger

	lifecycle atomic.Int32

	mu       sync.Mutex
	cancelFn context.CancelFunc
	done     chan struct{}
}

// Get returns a non-blocking snapshot of the current CachedValue.
func (c *Controller[T]) Get() CachedValue[T] {
	return c.slot.Read()
}

// Value is a convenience for Get().Value().
func (c *Controller[T]) Value() T {
	return c.Get().Value()
}

// Cancel requests termination of the running Refresher. It returns true
// iff this call was the one that actually transitioned the Refresher from
// active to cancelled; concurrent duplicate calls return false. It is
// idempotent and safe to call from multiple goroutines: exactly one call
// among any concurrent set returns true.
//
// Cancel blocks until the Refresher has actually terminated and the final
// Cancelled value has been published to the Slot.
func (c *Controller[T]) Cancel() bool {
	if !c.lifecycle.CompareAndSwap(lifecycleActive, lifecycleCancelled) {
		return false
	}

	c.mu.Lock()
	cancelFn, done := c.cancelFn, c.done
	c.mu.Unlock()

	cancelFn()
	<-done

	return true
}

// Restart starts a fresh Refresher if the current one is terminal
// (Cancelled or Exhausted), seeded with the Slot's current value. It
// returns true iff this call performed the transition; if the Refresher is
// still active, it returns false without effect.
func (c *Controller[T]) Restart() bool {
	for {
		current := c.lifecycle.Load()
		if current != lifecycleCancelled && current != lifecycleExhausted {
			return false
		}

		if c.lifecycle.CompareAndSwap(current, lifecycleActive) {
			break
		}
	}

	initial := c.slot.Read().Value()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.cancelFn = cancel
	c.done = done
	c.mu.Unlock()

	go runRefresher(ctx, c.slot, c.cfg, c.logger, &c.lifecycle, initial, done)

	return true
}

// Updates returns a Stream of every status change since subscription
// start, beginning with the value in effect now.
func (c *Controller[T]) Updates() *Stream[T] {
	return c.slot.Subscribe()
}

// Close tears down the Controller's Refresher deterministically: it
// requests cancellation (if the Refresher is still active) and waits for
// it to stop before returning. It is idempotent. If the Refresher had
// already reached a terminal state on its own (Exhausted), Close leaves
// the Slot's Error value in place rather than forcing it to Cancelled.
func (c *Controller[T]) Close() {
	c.Cancel()

	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	if done != nil {
		<-done
	}
}
