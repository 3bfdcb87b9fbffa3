package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stackr-io/stackr/pkg/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(retries int) *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: retries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   10 * time.Millisecond,
	}
}

func TestCallWithRetry_Success(t *testing.T) {
	var seen []int
	err := CallWithRetry(context.Background(), fastPolicy(3), time.Second, func(_ context.Context, attempt int) error {
		seen = append(seen, attempt)
		if attempt < 3 {
			return provider.Transientf("throttled")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestCallWithRetry_Permanent(t *testing.T) {
	attempts := 0
	permanent := errors.New("invalid spec")
	err := CallWithRetry(context.Background(), fastPolicy(5), time.Second, func(context.Context, int) error {
		attempts++
		return permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts)
}

func TestCallWithRetry_Exhausted(t *testing.T) {
	attempts := 0
	err := CallWithRetry(context.Background(), fastPolicy(2), time.Second, func(context.Context, int) error {
		attempts++
		return provider.Transientf("always throttled")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries (2) exceeded")
	assert.Equal(t, provider.ClassPermanent, provider.ClassOf(err))
	assert.Equal(t, 3, attempts) // 1 initial + 2 retries
}

func TestCallWithRetry_TimeoutIsTransient(t *testing.T) {
	var deadlines []time.Time
	err := CallWithRetry(context.Background(), fastPolicy(1), 20*time.Millisecond, func(ctx context.Context, attempt int) error {
		d, ok := ctx.Deadline()
		require.True(t, ok)
		deadlines = append(deadlines, d)
		if attempt == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})

	assert.NoError(t, err)
	require.Len(t, deadlines, 2)
	assert.True(t, deadlines[1].After(deadlines[0]), "every attempt gets a fresh deadline")
}

func TestCallWithRetry_DefaultTimeout(t *testing.T) {
	err := CallWithRetry(context.Background(), fastPolicy(0), 0, func(ctx context.Context, _ int) error {
		deadline, ok := ctx.Deadline()
		assert.True(t, ok)
		assert.True(t, deadline.After(time.Now().Add(DefaultTimeout-time.Minute)))
		return nil
	})
	assert.NoError(t, err)
}

func TestCallWithRetry_CancelStopsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := CallWithRetry(ctx, &RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
	}, time.Second, func(ctx context.Context, _ int) error {
		attempts++
		assert.NoError(t, ctx.Err(), "a running attempt is not cancelled")
		return provider.Transientf("would retry")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "would retry")
	assert.Equal(t, 1, attempts)
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := &RetryPolicy{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	for attempt := range 10 {
		d := p.Delay(attempt)
		assert.LessOrEqual(t, d, 50*time.Millisecond)
	}
	d := p.Delay(2)
	assert.GreaterOrEqual(t, d, 20*time.Millisecond, "at least half of the 40ms backoff")
}
