package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"syscall"
	"time"
)

// RetryConfig defines retry behavior for provider calls.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	JitterFactor   float64
}

// DefaultRetryConfig matches the governor defaults: three retries with
// exponential backoff capped at 60s.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:     3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     60 * time.Second,
	Multiplier:     2.0,
	JitterFactor:   0.3,
}

// RetryFunc is a provider operation producing a result of type T.
type RetryFunc[T any] func() (T, error)

// OnAttempt, when non-nil, observes every attempt with its duration and
// outcome. The governor uses it to feed per-provider metrics.
type OnAttempt func(d time.Duration, err error)

// Retry executes fn with exponential backoff, honoring ctx between
// attempts. Non-retryable errors abort immediately.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn RetryFunc[T], observe OnAttempt) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		start := time.Now()
		result, err := fn()
		if observe != nil {
			observe(time.Since(start), err)
		}
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return zero, err
		}

		if attempt < cfg.MaxRetries {
			select {
			case <-time.After(backoffFor(cfg, attempt)):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
	}

	return zero, fmt.Errorf("max retries (%d) exceeded: %w", cfg.MaxRetries, lastErr)
}

func backoffFor(cfg RetryConfig, attempt int) time.Duration {
	backoff := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt))
	if backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}

	// Jitter spreads retries from concurrent callers
	backoff += backoff * cfg.JitterFactor * (rand.Float64()*2 - 1)
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}

// IsRetryable reports whether err is a transient provider-side failure:
// network errors, connection resets, and HTTP 429/5xx.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
	}

	if errors.Is(err, ErrCircuitOpen) {
		return true
	}

	return false
}

// HTTPError carries a provider API status code through the retry layer.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited reports whether err is a provider 429.
func IsRateLimited(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests
}
