// Package ratelimit implements the request-pacing governor that sits
// between the core and every provider adapter. A single process-wide
// governor serializes per-provider traffic FIFO, applies adaptive pacing,
// retries transient failures with exponential backoff, and collects
// per-provider metrics.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/terradev/terradev/internal/resilience"
	"github.com/terradev/terradev/providers/common"
)

// ErrExhausted is returned after the final retry of a provider call.
var ErrExhausted = errors.New("rate-limit exhausted")

// Governor paces outbound provider traffic. It is the only process-wide
// singleton the core admits; init is lazy on first Do.
type Governor struct {
	mu       sync.Mutex
	global   *rate.Limiter
	perSec   map[common.ProviderID]*rate.Limiter
	perMin   map[common.ProviderID]*rate.Limiter
	metrics  map[common.ProviderID]*providerMetrics
	breakers *resilience.BreakerSet

	// sleep is swappable so tests can observe adaptive pacing without
	// waiting it out.
	sleep func(ctx context.Context, d time.Duration) error
}

var (
	defaultOnce     sync.Once
	defaultGovernor *Governor
)

// Default returns the process governor, creating it on first use.
func Default() *Governor {
	defaultOnce.Do(func() {
		defaultGovernor = New()
	})
	return defaultGovernor
}

// New creates an independent governor. Production code uses Default;
// tests construct their own.
func New() *Governor {
	return &Governor{
		global:   rate.NewLimiter(rate.Limit(globalLimits.RequestsPerSecond), globalLimits.Burst),
		perSec:   make(map[common.ProviderID]*rate.Limiter),
		perMin:   make(map[common.ProviderID]*rate.Limiter),
		metrics:  make(map[common.ProviderID]*providerMetrics),
		breakers: resilience.NewBreakerSet(resilience.DefaultBreakerSettings),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs op for provider under the governor: adaptive pacing, global
// permit, provider permit, per-attempt timeout, retry with exponential
// backoff on transient failures, metrics on every attempt. After the
// final retry the error is wrapped in ErrExhausted.
func Do[T any](ctx context.Context, g *Governor, provider common.ProviderID, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	limits, known := LimitsFor(provider)
	m := g.metricsFor(provider)

	if known && !limits.Unlimited() {
		if err := g.pace(ctx, provider, limits); err != nil {
			return zero, err
		}
	}

	if err := g.global.Wait(ctx); err != nil {
		return zero, err
	}
	if known && !limits.Unlimited() {
		if err := g.limiterFor(provider, limits).Wait(ctx); err != nil {
			return zero, err
		}
		if rpm := g.minuteLimiterFor(provider, limits); rpm != nil {
			if err := rpm.Wait(ctx); err != nil {
				return zero, err
			}
		}
	}

	timeout := limits.Timeout
	if timeout <= 0 {
		timeout = globalLimits.Timeout
	}

	cfg := resilience.RetryConfig{
		MaxRetries:     limits.RetryAttempts,
		InitialBackoff: limits.BackoffBase,
		MaxBackoff:     60 * time.Second,
		Multiplier:     2.0,
		JitterFactor:   0.3,
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = resilience.DefaultRetryConfig.InitialBackoff
	}

	result, err := resilience.Retry(ctx, cfg, func() (T, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		out, opErr := g.breakers.Execute(string(provider), func() (interface{}, error) {
			return op(attemptCtx)
		})
		if opErr != nil {
			return zero, opErr
		}
		if out == nil {
			return zero, nil
		}
		return out.(T), nil
	}, func(d time.Duration, attemptErr error) {
		m.record(d, resilience.IsRateLimited(attemptErr), attemptErr)
	})

	if err != nil && resilience.IsRetryable(err) {
		return zero, fmt.Errorf("%w: provider %s: %v", ErrExhausted, provider, err)
	}
	return result, err
}

// pace applies adaptive backpressure before permit acquisition: the
// closer the observed rate is to the configured rate, the longer the
// pre-acquire sleep. Shapes traffic without serializing callers.
func (g *Governor) pace(ctx context.Context, provider common.ProviderID, limits Limits) error {
	configured := limits.RequestsPerSecond
	if configured <= 0 {
		return nil
	}
	ratio := g.metricsFor(provider).observedRate() / configured

	var d time.Duration
	switch {
	case ratio >= 0.95:
		d = time.Second
	case ratio >= 0.8:
		d = 500 * time.Millisecond
	case ratio >= 0.5:
		d = 100 * time.Millisecond
	default:
		return nil
	}
	return g.sleep(ctx, d)
}

func (g *Governor) limiterFor(provider common.ProviderID, limits Limits) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.perSec[provider]
	if !ok {
		burst := limits.Burst
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(limits.RequestsPerSecond), burst)
		g.perSec[provider] = l
	}
	return l
}

func (g *Governor) minuteLimiterFor(provider common.ProviderID, limits Limits) *rate.Limiter {
	if limits.RequestsPerMinute <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.perMin[provider]
	if !ok {
		burst := limits.Burst
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(limits.RequestsPerMinute/60.0), burst)
		g.perMin[provider] = l
	}
	return l
}

func (g *Governor) metricsFor(provider common.ProviderID) *providerMetrics {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.metrics[provider]
	if !ok {
		m = &providerMetrics{}
		g.metrics[provider] = m
	}
	return m
}

// Timeout returns the per-call bound for a provider, used by the
// aggregator to scope quote tasks.
func (g *Governor) Timeout(provider common.ProviderID) time.Duration {
	if l, ok := LimitsFor(provider); ok && l.Timeout > 0 {
		return l.Timeout
	}
	return globalLimits.Timeout
}

// Snapshot returns metrics for every provider seen so far.
func (g *Governor) Snapshot() map[common.ProviderID]Metrics {
	g.mu.Lock()
	ids := make([]common.ProviderID, 0, len(g.metrics))
	for id := range g.metrics {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	out := make(map[common.ProviderID]Metrics, len(ids))
	for _, id := range ids {
		out[id] = g.metricsFor(id).snapshot(id)
	}
	return out
}

// ResetMetrics clears all per-provider counters. Test harness use.
func (g *Governor) ResetMetrics() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.metrics = make(map[common.ProviderID]*providerMetrics)
}
