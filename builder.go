package refreshable

import (
	"context"
	"fmt"
	"time"

	"github.com/bool64/ctxd"
)

// Config collects the configuration for one Controller and is the scoped
// constructor (spec's "Builder") for it: Acquire runs the first production
// synchronously, starts the Refresher, and returns a Controller whose
// teardown is the caller's responsibility via Close.
type Config[T any] struct {
	// Producer is the deferred computation yielding a fresh value. It is
	// invoked potentially many times and must be re-runnable. Required.
	Producer func(ctx context.Context) (T, error)

	// Cadence computes the wait before the next refresh from the value
	// just produced. Required.
	Cadence func(value T) time.Duration

	// DefaultValue, if non-nil, salvages acquisition when the initial
	// Producer call fails: the Slot starts as Success(*DefaultValue) and
	// the Refresher is responsible for producing a real value on its
	// first tick.
	DefaultValue *T

	// RetryPolicy decides delay/give-up on successive refresh failures.
	// A nil RetryPolicy means give up on the first failure.
	RetryPolicy RetryPolicy

	// OnNewValue is called once per successful publish starting from the
	// first refresh (not the initial synchronous production), with the
	// value just written and the cadence chosen for it.
	OnNewValue func(value T, next time.Duration)

	// OnRefreshFailure is called once per failed producer call that the
	// retry policy decided to retry.
	OnRefreshFailure func(cause error, details RetryDetails)

	// OnExhaustedRetries is called exactly once per Refresher instance
	// that terminates by exhaustion, after the Slot's Error write.
	OnExhaustedRetries func(cause error)

	// Combine, if set, derives the value actually stored on each
	// successful production from the previous CachedValue and the new
	// one. It is not called on a failed production, and only on the
	// periodic refresh loop (never on the initial synchronous
	// production).
	Combine func(prev, next CachedValue[T]) (T, error)

	// Logger receives structured, contextual diagnostics about the
	// Refresher's lifecycle. Optional; nil disables logging.
	Logger ctxd.Logger
}

// Acquire runs Producer synchronously once, builds the Slot from the
// result (or from DefaultValue if the initial call fails), starts the
// Refresher, and returns a Controller bound to it. If the initial call
// fails and no DefaultValue is configured, Acquire itself fails with that
// cause and retains no resources.
func (cfg Config[T]) Acquire(ctx context.Context) (*Controller[T], error) {
	initial, err := cfg.Producer(ctx)
	if err != nil {
		if cfg.DefaultValue == nil {
			return nil, fmt.Errorf("%w: %w", ErrInitialProduction, err)
		}

		initial = *cfg.DefaultValue
	}

	slot := NewSlot(Success(initial))

	c := &Controller[T]{
		slot:   slot,
		cfg:    cfg,
		logger: cfg.Logger,
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.cancelFn = cancel
	c.done = done

	go runRefresher(refreshCtx, slot, cfg, cfg.Logger, &c.lifecycle, initial, done)

	return c, nil
}
