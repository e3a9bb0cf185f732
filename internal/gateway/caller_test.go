package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stampline/internal/domain"
)

func testCaller(attempts int) Caller {
	return Caller{
		Policy:     Policy{MaxAttempts: attempts},
		Logger:     zerolog.Nop(),
		NewBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}
}

func TestCallRetriesTransientErrors(t *testing.T) {
	calls := 0
	out, err := Call(context.Background(), testCaller(3), "render", 0, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", fmt.Errorf("%w: busy", domain.ErrUpstreamUnavailable)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 3, calls)
}

func TestCallStopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	_, err := Call(context.Background(), testCaller(2), "render", 0, func(context.Context) ([]byte, error) {
		calls++
		return nil, fmt.Errorf("%w: down", domain.ErrUpstreamUnavailable)
	})
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	assert.Equal(t, 2, calls)
}

func TestCallDoesNotRetryRejections(t *testing.T) {
	calls := 0
	_, err := Call(context.Background(), testCaller(5), "concepts", 0, func(context.Context) ([]string, error) {
		calls++
		return nil, fmt.Errorf("%w: policy", domain.ErrUpstreamRejected)
	})
	require.ErrorIs(t, err, domain.ErrUpstreamRejected)
	assert.Equal(t, 1, calls)
}

func TestCallMapsDeadlineToTimeout(t *testing.T) {
	calls := 0
	_, err := Call(context.Background(), testCaller(2), "render", 10*time.Millisecond, func(ctx context.Context) (int, error) {
		calls++
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.ErrorIs(t, err, domain.ErrUpstreamTimeout)
	assert.Equal(t, 2, calls, "timeouts are retried")
}

func TestCallStopsWhenParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Call(ctx, testCaller(5), "render", 0, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, fmt.Errorf("%w: gone", domain.ErrUpstreamUnavailable)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestStatusErrorClassification(t *testing.T) {
	assert.ErrorIs(t, StatusError("sd", http.StatusServiceUnavailable, ""), domain.ErrUpstreamUnavailable)
	assert.ErrorIs(t, StatusError("sd", http.StatusTooManyRequests, "slow down"), domain.ErrUpstreamUnavailable)
	assert.ErrorIs(t, StatusError("sd", http.StatusGatewayTimeout, ""), domain.ErrUpstreamTimeout)
	assert.ErrorIs(t, StatusError("gemini", http.StatusBadRequest, "blocked"), domain.ErrUpstreamRejected)
	assert.ErrorIs(t, TransportError("sd", errors.New("connection refused")), domain.ErrUpstreamUnavailable)
	assert.ErrorIs(t, TransportError("sd", context.DeadlineExceeded), domain.ErrUpstreamTimeout)
}
