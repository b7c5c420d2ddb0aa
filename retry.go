package refreshable

import (
	"math"
	"math/rand"
	"time"
)

// RetryDetails describes one failed refresh attempt for the purposes of
// consulting a RetryPolicy or reporting to OnRefreshFailure.
type RetryDetails struct {
	// Attempt is the number of consecutive failures so far, including the
	// one that triggered this consultation. The first failure is 1.
	Attempt uint

	// Elapsed is the time spent on attempts within the current refresh,
	// measured from the start of that refresh's first attempt.
	Elapsed time.Duration
}

// Decision is the outcome of consulting a RetryPolicy after a failed
// refresh attempt.
type Decision struct {
	// Delay is how long to wait before the next attempt. Only meaningful
	// when GiveUp is false.
	Delay time.Duration

	// GiveUp, when true, ends the refresh loop: the Refresher publishes
	// an Error CachedValue and terminates.
	GiveUp bool
}

// Retry returns a Decision to wait d before trying again.
func Retry(d time.Duration) Decision {
	return Decision{Delay: d}
}

// GiveUp returns a Decision that ends the refresh loop.
func GiveUp() Decision {
	return Decision{GiveUp: true}
}

// RetryPolicy decides, after a failed refresh attempt, whether to retry
// (and after what delay) or give up. It is a pure function of the attempt
// count and the cause; the system supplies both and composes policies
// through the policy's own combinators.
//
// A nil RetryPolicy is equivalent to giving up immediately — the first
// failure is terminal.
type RetryPolicy interface {
	Next(details RetryDetails, cause error) Decision
}

// RetryPolicyFunc adapts a function to a RetryPolicy.
type RetryPolicyFunc func(details RetryDetails, cause error) Decision

// Next implements RetryPolicy.
func (f RetryPolicyFunc) Next(details RetryDetails, cause error) Decision {
	return f(details, cause)
}

// ConstantDelay returns a RetryPolicy that always retries after a fixed
// delay, forever.
func ConstantDelay(d time.Duration) RetryPolicy {
	return RetryPolicyFunc(func(RetryDetails, error) Decision {
		return Retry(d)
	})
}

// MaxAttempts wraps inner so that it gives up once Attempt reaches max,
// regardless of what inner would have decided: a refresh makes at most max
// attempts, i.e. at most max-1 retries.
func MaxAttempts(max uint, inner RetryPolicy) RetryPolicy {
	return RetryPolicyFunc(func(details RetryDetails, cause error) Decision {
		if details.Attempt >= max {
			return GiveUp()
		}

		return inner.Next(details, cause)
	})
}

// ExponentialBackoff returns a RetryPolicy that backs off exponentially
// from initial towards final, with base controlling the growth rate and
// jitterRatio randomizing the delay by up to that fraction in either
// direction. The first attempt waits exactly initial, without jitter; on
// later attempts jitter is applied after clamping, so a delay can exceed
// final by up to jitterRatio. It never gives up on its own; combine it
// with MaxAttempts to bound the number of retries.
func ExponentialBackoff(initial, final time.Duration, base, jitterRatio float64) RetryPolicy {
	return RetryPolicyFunc(func(details RetryDetails, cause error) Decision {
		if details.Attempt <= 1 {
			return Retry(initial)
		}

		raw := math.Pow(base, float64(details.Attempt-1)) * float64(initial)
		clamped := math.Min(raw, float64(final))
		withJitter := clamped * (1 + jitterRatio*(2*rand.Float64()-1)) //nolint:gosec

		return Retry(time.Duration(withJitter))
	})
}
