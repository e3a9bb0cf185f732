package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"stampline/internal/domain"
)

type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Caller runs gateway calls with a per-attempt timeout and bounded
// exponential backoff. Only transient upstream errors are retried.
type Caller struct {
	Policy Policy
	Logger zerolog.Logger
	// NewBackOff overrides the retry schedule, mostly for tests.
	NewBackOff func() backoff.BackOff
}

func (c Caller) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	if c.NewBackOff != nil {
		b = c.NewBackOff()
	} else {
		eb := backoff.NewExponentialBackOff()
		if c.Policy.InitialInterval > 0 {
			eb.InitialInterval = c.Policy.InitialInterval
		}
		if c.Policy.MaxInterval > 0 {
			eb.MaxInterval = c.Policy.MaxInterval
		}
		eb.MaxElapsedTime = 0
		b = eb
	}
	attempts := c.Policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Call invokes fn until it succeeds, fails permanently or attempts run out.
// An attempt that hits its deadline reports ErrUpstreamTimeout.
func Call[T any](ctx context.Context, c Caller, op string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var (
		result  T
		attempt int
	)
	operation := func() error {
		attempt++
		callCtx := ctx
		cancel := func() {}
		if timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		defer cancel()
		out, err := fn(callCtx)
		if err == nil {
			result = out
			return nil
		}
		if ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded)) && !errors.Is(err, domain.ErrUpstreamTimeout) {
			err = fmt.Errorf("%w: %s after %s", domain.ErrUpstreamTimeout, op, timeout)
		}
		if ctx.Err() != nil || !domain.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.Logger.Debug().Err(err).Str("op", op).Int("attempt", attempt).Dur("wait", wait).Msg("gateway call failed; retrying")
	}
	err := backoff.RetryNotify(operation, c.backOff(ctx), notify)
	if err != nil {
		if domain.Retryable(err) {
			c.Logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("gateway retries exhausted")
		}
		var zero T
		return zero, err
	}
	return result, nil
}
