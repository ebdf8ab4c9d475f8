package resilience

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
		JitterFactor:   0.1,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	got, err := Retry(context.Background(), fastRetryConfig(3), func() (string, error) {
		calls++
		if calls < 3 {
			return "", &HTTPError{StatusCode: 503, Message: "busy"}
		}
		return "ok", nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastRetryConfig(5), func() (int, error) {
		calls++
		return 0, &HTTPError{StatusCode: 400, Message: "bad request"}
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustsBudget(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastRetryConfig(2), func() (int, error) {
		calls++
		return 0, &HTTPError{StatusCode: 500, Message: "oops"}
	}, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries (2) exceeded")
	assert.Equal(t, 3, calls)
}

func TestRetryObservesEveryAttempt(t *testing.T) {
	var observed []error
	_, _ = Retry(context.Background(), fastRetryConfig(1), func() (int, error) {
		return 0, &HTTPError{StatusCode: 502, Message: "bad gateway"}
	}, func(d time.Duration, err error) {
		observed = append(observed, err)
	})

	require.Len(t, observed, 2)
	for _, err := range observed {
		assert.Error(t, err)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := Retry(ctx, fastRetryConfig(3), func() (int, error) {
		calls++
		return 0, nil
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "cancelled", err: context.Canceled, want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: false},
		{name: "conn refused", err: syscall.ECONNREFUSED, want: true},
		{name: "conn reset", err: syscall.ECONNRESET, want: true},
		{name: "http 500", err: &HTTPError{StatusCode: 500}, want: true},
		{name: "http 429", err: &HTTPError{StatusCode: 429}, want: true},
		{name: "http 404", err: &HTTPError{StatusCode: 404}, want: false},
		{name: "http 400", err: &HTTPError{StatusCode: 400}, want: false},
		{name: "circuit open", err: ErrCircuitOpen, want: true},
		{name: "plain error", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestIsRateLimited(t *testing.T) {
	assert.True(t, IsRateLimited(&HTTPError{StatusCode: 429}))
	assert.False(t, IsRateLimited(&HTTPError{StatusCode: 500}))
	assert.False(t, IsRateLimited(errors.New("boom")))
	assert.False(t, IsRateLimited(nil))
}

func TestBreakerTripsAfterFailureRatio(t *testing.T) {
	set := NewBreakerSet(DefaultBreakerSettings)
	boom := errors.New("api down")

	// MinRequests samples, all failing, pushes the ratio past the
	// threshold and opens the breaker.
	for i := uint32(0); i < DefaultBreakerSettings.MinRequests; i++ {
		_, err := set.Execute("flaky", func() (interface{}, error) {
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)
	}

	_, err := set.Execute("flaky", func() (interface{}, error) {
		t.Fatal("call must be shed while the breaker is open")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)

	// Other providers are unaffected.
	got, err := set.Execute("healthy", func() (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)

	// Reset closes the breaker again.
	set.Reset("flaky")
	got, err = set.Execute("flaky", func() (interface{}, error) {
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", got)
}
