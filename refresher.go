package refreshable

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bool64/ctxd"
)

// Lifecycle states for a Controller's current Refresher instance. Cancel
// and Restart are compare-and-swap transitions over this cell, which is
// what makes them single-winner under races (spec §9's "atomic state cell"
// instruction, mirrored on the CAS-based state replacement in
// softwaretechnik-berlin-svcache/in_memory.go).
const (
	lifecycleActive int32 = iota
	lifecycleCancelled
	lifecycleExhausted
)

type producerOutcome[T any] struct {
	value T
	err   error
}

// runRefresher drives one Refresher instance to completion. It returns
// when the Refresher reaches a terminal state (Cancelled or Exhausted),
// having already published the corresponding CachedValue to slot and
// having closed done.
func runRefresher[T any](
	ctx context.Context,
	slot *Slot[T],
	cfg Config[T],
	logger ctxd.Logger,
	lifecycle *atomic.Int32,
	initial T,
	done chan struct{},
) {
	defer close(done)

	current := initial
	delay := cfg.Cadence(current)

	for {
		select {
		case <-ctx.Done():
			slot.Write(Cancelled(current))
			return
		case <-time.After(delay):
		}

		var (
			attempt      uint
			refreshStart = time.Now()
			previous     = Success(current)
		)

		for {
			outcome, cancelled := produce(ctx, cfg.Producer)
			if cancelled {
				slot.Write(Cancelled(current))
				return
			}

			if outcome.err == nil {
				combined := outcome.value

				if cfg.Combine != nil {
					var cerr error

					combined, cerr = safeCombine(logger, cfg.Combine, previous, Success(outcome.value))
					if cerr != nil {
						outcome.err = cerr
					}
				}

				if outcome.err == nil {
					current = combined
					slot.Write(Success(current))

					delay = cfg.Cadence(current)
					safeOnNewValue(logger, cfg.OnNewValue, current, delay)

					break
				}
			}

			attempt++
			details := RetryDetails{Attempt: attempt, Elapsed: time.Since(refreshStart)}
			cause := outcome.err

			decision := GiveUp()
			if cfg.RetryPolicy != nil {
				decision = safeNext(cfg.RetryPolicy, details, cause)
			}

			if decision.GiveUp {
				if !lifecycle.CompareAndSwap(lifecycleActive, lifecycleExhausted) {
					// A concurrent Cancel won the race; honor it instead
					// of the exhaustion this goroutine was about to record.
					slot.Write(Cancelled(current))
					return
				}

				slot.Write(Errored(current, cause))
				safeOnExhaustedRetries(logger, cfg.OnExhaustedRetries, cause)

				return
			}

			safeOnRefreshFailure(logger, cfg.OnRefreshFailure, cause, details)

			select {
			case <-ctx.Done():
				slot.Write(Cancelled(current))
				return
			case <-time.After(decision.Delay):
			}
		}
	}
}

// produce runs producer in its own goroutine and races it against ctx, so
// an in-flight producer call can be abandoned promptly on cancellation
// rather than blocking the Refresher's shutdown on it.
func produce[T any](ctx context.Context, producer func(context.Context) (T, error)) (outcome producerOutcome[T], cancelled bool) {
	resultCh := make(chan producerOutcome[T], 1)

	go func() {
		v, err := producer(ctx)
		resultCh <- producerOutcome[T]{value: v, err: err}
	}()

	select {
	case <-ctx.Done():
		return producerOutcome[T]{}, true
	case outcome = <-resultCh:
		return outcome, false
	}
}

// safeOnNewValue, safeOnRefreshFailure and safeOnExhaustedRetries each
// guard a user-supplied callback with a recover so a callback panic cannot
// break the refresh loop (spec §7's CallbackFailure: swallowed, never
// influences the loop). safeCombine also recovers a panic, but reports it
// as an error, which the loop then handles as a refresh failure.

func safeOnNewValue[T any](logger ctxd.Logger, cb func(T, time.Duration), value T, delay time.Duration) {
	if cb == nil {
		return
	}

	defer recoverCallback(logger, "onNewValue")

	cb(value, delay)
}

func safeOnRefreshFailure(logger ctxd.Logger, cb func(error, RetryDetails), cause error, details RetryDetails) {
	if cb == nil {
		return
	}

	defer recoverCallback(logger, "onRefreshFailure")

	cb(cause, details)
}

func safeOnExhaustedRetries(logger ctxd.Logger, cb func(error), cause error) {
	if cb == nil {
		return
	}

	defer recoverCallback(logger, "onExhaustedRetries")

	cb(cause)
}

func safeCombine[T any](logger ctxd.Logger, combine func(CachedValue[T], CachedValue[T]) (T, error), prev, next CachedValue[T]) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			if logger != nil {
				logger.Warn(context.Background(), "refreshable: callback panicked, continuing", "callback", "combine", "recovered", r)
			}

			var zero T

			value, err = zero, combineFailed(r)
		}
	}()

	return combine(prev, next)
}

func safeNext(policy RetryPolicy, details RetryDetails, cause error) (decision Decision) {
	defer func() {
		if recover() != nil {
			decision = GiveUp()
		}
	}()

	return policy.Next(details, cause)
}

func recoverCallback(logger ctxd.Logger, name string) {
	if r := recover(); r != nil {
		if logger != nil {
			logger.Warn(context.Background(), "refreshable: callback panicked, continuing", "callback", name, "recovered", r)
		}
	}
}

type combineError struct {
	recovered interface{}
}

func (e combineError) Error() string {
	return "refreshable: combine callback panicked"
}

func combineFailed(r interface{}) error {
	return combineError{recovered: r}
}
