package refreshable_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/permutive-engineering/refreshable"
)

const tick = 20 * time.Millisecond

var errBoom = errors.New("BOOM")

func TestAcquire_usesInitialValue(t *testing.T) {
	cfg := refreshable.Config[int]{
		Producer: func(ctx context.Context) (int, error) { return 1, nil },
		Cadence:  func(int) time.Duration { return time.Second },
	}

	ctrl, err := cfg.Acquire(context.Background())
	require.NoError(t, err)
	defer ctrl.Close()

	got := ctrl.Get()
	assert.True(t, got.IsSuccess())
	assert.Equal(t, 1, got.Value())
}

func TestRefresher_retriesThenRecovers(t *testing.T) {
	var calls int32

	cfg := refreshable.Config[int]{
		Producer: func(ctx context.Context) (int, error) {
			n := atomic.AddInt32(&calls, 1)
			// Call #1 is the synchronous initial production (n==1, value 0).
			// Call #2 (the first refresh) fails; call #3 recovers.
			if n == 2 {
				return 0, errBoom
			}

			return int(n) - 1, nil
		},
		Cadence:     func(int) time.Duration { return tick },
		RetryPolicy: refreshable.MaxAttempts(2, refreshable.ConstantDelay(tick)),
	}

	ctrl, err := cfg.Acquire(context.Background())
	require.NoError(t, err)
	defer ctrl.Close()

	require.Eventually(t, func() bool {
		v := ctrl.Get()
		return v.IsSuccess() && v.Value() == 2
	}, 2*time.Second, tick)
}

func TestRefresher_exhaustsRetries(t *testing.T) {
	var calls int32

	cfg := refreshable.Config[int]{
		Producer: func(ctx context.Context) (int, error) {
			n := atomic.AddInt32(&calls, 1)
			if n == 1 {
				return 0, nil
			}

			return 0, errBoom
		},
		Cadence: func(int) time.Duration { return tick },
		// No RetryPolicy configured: give up after the first failure.
	}

	ctrl, err := cfg.Acquire(context.Background())
	require.NoError(t, err)
	defer ctrl.Close()

	require.Eventually(t, func() bool {
		v := ctrl.Get()
		return v.IsError()
	}, 2*time.Second, tick)

	v := ctrl.Get()
	assert.Equal(t, 0, v.Value())
	cause, ok := v.Cause()
	require.True(t, ok)
	assert.ErrorIs(t, cause, errBoom)
}

func TestAcquire_defaultOnInitialFailure(t *testing.T) {
	def := 2

	cfg := refreshable.Config[int]{
		Producer:     func(ctx context.Context) (int, error) { return 0, errBoom },
		Cadence:      func(int) time.Duration { return time.Hour },
		DefaultValue: &def,
	}

	ctrl, err := cfg.Acquire(context.Background())
	require.NoError(t, err)
	defer ctrl.Close()

	assert.Equal(t, 2, ctrl.Value())
}

func TestAcquire_initialFailureNoDefault(t *testing.T) {
	cfg := refreshable.Config[int]{
		Producer: func(ctx context.Context) (int, error) { return 0, errBoom },
		Cadence:  func(int) time.Duration { return time.Hour },
	}

	ctrl, err := cfg.Acquire(context.Background())
	require.Nil(t, ctrl)
	require.Error(t, err)
	assert.ErrorIs(t, err, refreshable.ErrInitialProduction)
	assert.ErrorIs(t, err, errBoom)
}

func TestController_cancelThenRestart(t *testing.T) {
	cfg := refreshable.Config[int]{
		Producer: func(ctx context.Context) (int, error) { return 0, nil },
		Cadence:  func(int) time.Duration { return tick },
	}

	ctrl, err := cfg.Acquire(context.Background())
	require.NoError(t, err)
	defer ctrl.Close()

	require.True(t, ctrl.Cancel())
	assert.False(t, ctrl.Cancel())

	v := ctrl.Get()
	assert.True(t, v.IsCancelled())
	assert.Equal(t, 0, v.Value())

	require.True(t, ctrl.Restart())

	require.Eventually(t, func() bool {
		v := ctrl.Get()
		return v.IsSuccess() && v.Value() == 0
	}, 2*time.Second, tick)
}

func TestController_cancel_singleWinnerUnderRace(t *testing.T) {
	cfg := refreshable.Config[int]{
		Producer: func(ctx context.Context) (int, error) { return 0, nil },
		Cadence:  func(int) time.Duration { return time.Hour },
	}

	ctrl, err := cfg.Acquire(context.Background())
	require.NoError(t, err)
	defer ctrl.Close()

	const racers = 16

	results := make(chan bool, racers)

	for i := 0; i < racers; i++ {
		go func() { results <- ctrl.Cancel() }()
	}

	winners := 0

	for i := 0; i < racers; i++ {
		if <-results {
			winners++
		}
	}

	assert.Equal(t, 1, winners)
}

func TestController_restart_returnsFalseWhileActive(t *testing.T) {
	cfg := refreshable.Config[int]{
		Producer: func(ctx context.Context) (int, error) { return 0, nil },
		Cadence:  func(int) time.Duration { return time.Hour },
	}

	ctrl, err := cfg.Acquire(context.Background())
	require.NoError(t, err)
	defer ctrl.Close()

	assert.False(t, ctrl.Restart())
}

func TestController_updates_seesFirstFiveValues(t *testing.T) {
	var next int32

	cfg := refreshable.Config[int]{
		Producer: func(ctx context.Context) (int, error) {
			return int(atomic.AddInt32(&next, 1)) - 1, nil
		},
		Cadence: func(int) time.Duration { return tick },
	}

	ctrl, err := cfg.Acquire(context.Background())
	require.NoError(t, err)
	defer ctrl.Close()

	stream := ctrl.Updates()
	defer stream.Close()

	var got []int

	for len(got) < 5 {
		select {
		case u := <-stream.C():
			require.True(t, u.Value.IsSuccess())
			got = append(got, u.Value.Value())
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for updates")
		}
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestRefresher_combine(t *testing.T) {
	cfg := refreshable.Config[int]{
		Producer: func(ctx context.Context) (int, error) { return 1, nil },
		Cadence:  func(int) time.Duration { return tick },
		Combine: func(prev, next refreshable.CachedValue[int]) (int, error) {
			return prev.Value() + next.Value(), nil
		},
	}

	ctrl, err := cfg.Acquire(context.Background())
	require.NoError(t, err)
	defer ctrl.Close()

	stream := ctrl.Updates()
	defer stream.Close()

	initial := <-stream.C()
	assert.Equal(t, 1, initial.Value.Value())

	select {
	case u := <-stream.C():
		assert.Equal(t, 2, u.Value.Value())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for combined value")
	}
}

func TestCallbacks_onNewValue_firesWithRefreshedValueNotInitial(t *testing.T) {
	var (
		n     int32
		calls int32
	)

	first := make(chan int, 1)

	cfg := refreshable.Config[int]{
		Producer: func(ctx context.Context) (int, error) {
			i := atomic.AddInt32(&n, 1)
			if i == 1 {
				// Acquire's synchronous initial production.
				return 100, nil
			}

			// Refresh #1 onwards: a disjoint value range so a call
			// seeded from the initial production is unmistakable.
			return 200 + int(i) - 2, nil
		},
		Cadence: func(int) time.Duration { return tick },
		OnNewValue: func(v int, d time.Duration) {
			if atomic.AddInt32(&calls, 1) == 1 {
				first <- v
			}
		},
	}

	ctrl, err := cfg.Acquire(context.Background())
	require.NoError(t, err)
	defer ctrl.Close()

	// Acquire's synchronous initial production must not have fired OnNewValue.
	assert.EqualValues(t, 0, atomic.LoadInt32(&calls))

	select {
	case v := <-first:
		assert.Equal(t, 200, v)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnNewValue")
	}
}

func TestCallbacks_onExhaustedRetries_firesAfterErrorWrite(t *testing.T) {
	var (
		exhausted  int32
		statusSeen refreshable.Status
	)

	cfg := refreshable.Config[int]{
		Producer: func(ctx context.Context) (int, error) {
			return 0, errBoom
		},
		Cadence: func(int) time.Duration { return tick },
		OnExhaustedRetries: func(cause error) {
			atomic.AddInt32(&exhausted, 1)
		},
	}

	// Salvage the initial call with a default so the Refresher starts and
	// exhausts on its first tick, rather than failing Acquire outright.
	def := 0
	cfg.DefaultValue = &def

	ctrl, err := cfg.Acquire(context.Background())
	require.NoError(t, err)
	defer ctrl.Close()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&exhausted) == 1
	}, 2*time.Second, tick)

	statusSeen = ctrl.Get().Status()
	assert.Equal(t, refreshable.StatusError, statusSeen)
}
