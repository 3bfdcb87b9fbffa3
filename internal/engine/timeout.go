package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/stackr-io/stackr/pkg/provider"
)

// DefaultTimeout bounds a single provider call.
const DefaultTimeout = 30 * time.Minute

// DefaultRetryMax is the default number of retries after a transient failure.
const DefaultRetryMax = 3

// RetryPolicy controls how transient provider failures are retried.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: DefaultRetryMax,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// Delay returns the wait before retry number attempt (0-based): the base
// delay doubled per attempt, capped at MaxDelay, with the upper half
// jittered.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	backoff := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if p.MaxDelay > 0 && backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}
	half := backoff / 2
	return time.Duration(half + rand.Float64()*half)
}

// CallWithRetry runs fn until it succeeds, fails permanently or the policy
// runs out of retries. fn receives the 1-based attempt number and a context
// that expires after timeout; an attempt that hits its deadline counts as
// transient. Attempts are not interrupted when ctx is cancelled, only the
// backoff between them is. A transient error left after the last retry is
// returned as permanent.
func CallWithRetry(ctx context.Context, policy *RetryPolicy, timeout time.Duration, fn func(ctx context.Context, attempt int) error) error {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		lastErr = callOnce(ctx, timeout, attempt+1, fn)
		if lastErr == nil {
			return nil
		}
		if !provider.IsTransient(lastErr) {
			return lastErr
		}
		if attempt == policy.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return provider.Permanent(fmt.Errorf("retry cancelled after %d attempt(s): %w (last error: %v)", attempt+1, ctx.Err(), lastErr))
		case <-time.After(policy.Delay(attempt)):
		}
	}
	return provider.Permanent(fmt.Errorf("max retries (%d) exceeded: %w", policy.MaxRetries, lastErr))
}

func callOnce(ctx context.Context, timeout time.Duration, attempt int, fn func(ctx context.Context, attempt int) error) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	err := fn(callCtx, attempt)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return provider.Transient(fmt.Errorf("timed out after %s: %w", timeout, err))
	}
	return err
}
