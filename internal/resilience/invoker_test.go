package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBusiness = errors.New("invalid credentials")
var errInfra = errors.New("connection refused")

func isBusiness(err error) bool {
	return errors.Is(err, errBusiness)
}

func testInvokerConfig() InvokerConfig {
	return InvokerConfig{
		Retry: RetryConfig{
			Attempts:    3,
			BackoffBase: time.Millisecond,
			BackoffMax:  5 * time.Millisecond,
		},
		Breaker: BreakerConfig{
			MaxRequests:  1,
			Interval:     time.Minute,
			Timeout:      50 * time.Millisecond,
			MinRequests:  3,
			FailureRatio: 0.5,
		},
		AttemptTimeout: time.Second,
	}
}

func newTestInvoker(t *testing.T) *Invoker {
	t.Helper()
	return NewInvoker(testInvokerConfig(), WithBusinessClassifier(isBusiness))
}

func TestDoSuccess(t *testing.T) {
	inv := newTestInvoker(t)

	var calls int
	err := inv.Do(context.Background(), "store", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesInfrastructureErrors(t *testing.T) {
	inv := newTestInvoker(t)

	var calls int
	err := inv.Do(context.Background(), "store", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errInfra
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoBusinessErrorNotRetried(t *testing.T) {
	inv := newTestInvoker(t)

	var calls int
	err := inv.Do(context.Background(), "store", func(ctx context.Context) error {
		calls++
		return errBusiness
	})
	assert.ErrorIs(t, err, errBusiness)
	assert.Equal(t, 1, calls)
}

func TestBreakerOpensOnInfrastructureFailures(t *testing.T) {
	inv := newTestInvoker(t)
	ctx := context.Background()

	for range 3 {
		err := inv.Do(ctx, "store", func(ctx context.Context) error {
			return errInfra
		})
		assert.ErrorIs(t, err, errInfra)
	}

	state, ok := inv.Registry().State("store")
	require.True(t, ok)
	assert.Equal(t, gobreaker.StateOpen, state)

	// Open circuit fails fast without running the function.
	var calls int
	err := inv.Do(ctx, "store", func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls)
}

func TestBreakerExcludesBusinessErrors(t *testing.T) {
	inv := newTestInvoker(t)
	ctx := context.Background()

	for range 20 {
		err := inv.Do(ctx, "store", func(ctx context.Context) error {
			return errBusiness
		})
		assert.ErrorIs(t, err, errBusiness)
	}

	state, ok := inv.Registry().State("store")
	require.True(t, ok)
	assert.Equal(t, gobreaker.StateClosed, state)
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	inv := newTestInvoker(t)
	ctx := context.Background()

	for range 3 {
		_ = inv.Do(ctx, "store", func(ctx context.Context) error {
			return errInfra
		})
	}
	state, _ := inv.Registry().State("store")
	require.Equal(t, gobreaker.StateOpen, state)

	// After the open timeout the breaker probes and a success closes it.
	time.Sleep(60 * time.Millisecond)
	err := inv.Do(ctx, "store", func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)

	state, _ = inv.Registry().State("store")
	assert.Equal(t, gobreaker.StateClosed, state)
}

func TestRegistryResetClosesBreaker(t *testing.T) {
	inv := newTestInvoker(t)
	ctx := context.Background()

	for range 3 {
		_ = inv.Do(ctx, "store", func(ctx context.Context) error {
			return errInfra
		})
	}
	state, _ := inv.Registry().State("store")
	require.Equal(t, gobreaker.StateOpen, state)

	inv.Registry().Reset("store")

	err := inv.Do(ctx, "store", func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestRegistryResetUnknownNameNoop(t *testing.T) {
	inv := newTestInvoker(t)
	inv.Registry().Reset("never-created")
	_, ok := inv.Registry().State("never-created")
	assert.False(t, ok)
}

func TestBreakersIndependentPerOperation(t *testing.T) {
	inv := newTestInvoker(t)
	ctx := context.Background()

	for range 3 {
		_ = inv.Do(ctx, "store", func(ctx context.Context) error {
			return errInfra
		})
	}

	err := inv.Do(ctx, "auth", func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestRateLimiterRejectsWithoutBreakerAccounting(t *testing.T) {
	cfg := testInvokerConfig()
	cfg.RateLimit = 1
	cfg.Burst = 1
	inv := NewInvoker(cfg, WithBusinessClassifier(isBusiness))
	ctx := context.Background()

	require.NoError(t, inv.Do(ctx, "store", func(ctx context.Context) error {
		return nil
	}))

	err := inv.Do(ctx, "store", func(ctx context.Context) error {
		return nil
	})
	assert.ErrorIs(t, err, ErrRateLimited)

	// The rejection never reached the breaker.
	state, ok := inv.Registry().State("store")
	require.True(t, ok)
	assert.Equal(t, gobreaker.StateClosed, state)
}

func TestDoAttemptTimeout(t *testing.T) {
	cfg := testInvokerConfig()
	cfg.AttemptTimeout = 10 * time.Millisecond
	cfg.Retry.Attempts = 2
	inv := NewInvoker(cfg, WithBusinessClassifier(isBusiness))

	var calls int
	err := inv.Do(context.Background(), "store", func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	// Deadline is infrastructure, so the attempt was retried.
	assert.Equal(t, 2, calls)
}

func TestDoCallerCancellationStopsRetry(t *testing.T) {
	inv := newTestInvoker(t)
	ctx, cancel := context.WithCancel(context.Background())

	var calls int
	err := inv.Do(ctx, "store", func(ctx context.Context) error {
		calls++
		cancel()
		return errInfra
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryBackoffBounded(t *testing.T) {
	for attempt := range 10 {
		d := calculateBackoff(attempt, time.Millisecond, 20*time.Millisecond)
		assert.Positive(t, d)
		assert.LessOrEqual(t, d, 20*time.Millisecond)
	}
}
