package ratelimit

import (
	"time"

	"github.com/terradev/terradev/providers/common"
)

// Limits is the per-provider pacing configuration.
type Limits struct {
	RequestsPerSecond float64
	RequestsPerMinute float64
	Burst             int
	RetryAttempts     int
	BackoffBase       time.Duration
	Timeout           time.Duration
}

// Unlimited reports whether the provider has no configured pacing.
func (l Limits) Unlimited() bool {
	return l.RequestsPerSecond <= 0 && l.RequestsPerMinute <= 0
}

// defaultLimits holds conservative pacing for all known providers.
// Unknown providers pass through with no limit.
var defaultLimits = map[common.ProviderID]Limits{
	common.ProviderAWS:          {RequestsPerSecond: 10, RequestsPerMinute: 400, Burst: 20, RetryAttempts: 3, BackoffBase: 500 * time.Millisecond, Timeout: 30 * time.Second},
	common.ProviderGCP:          {RequestsPerSecond: 10, RequestsPerMinute: 400, Burst: 20, RetryAttempts: 3, BackoffBase: 500 * time.Millisecond, Timeout: 30 * time.Second},
	common.ProviderAzure:        {RequestsPerSecond: 8, RequestsPerMinute: 350, Burst: 15, RetryAttempts: 3, BackoffBase: 500 * time.Millisecond, Timeout: 30 * time.Second},
	common.ProviderOracle:       {RequestsPerSecond: 5, RequestsPerMinute: 250, Burst: 10, RetryAttempts: 3, BackoffBase: 750 * time.Millisecond, Timeout: 30 * time.Second},
	common.ProviderRunPod:       {RequestsPerSecond: 4, RequestsPerMinute: 180, Burst: 8, RetryAttempts: 3, BackoffBase: 1 * time.Second, Timeout: 20 * time.Second},
	common.ProviderVastAI:       {RequestsPerSecond: 3, RequestsPerMinute: 150, Burst: 6, RetryAttempts: 3, BackoffBase: 1 * time.Second, Timeout: 20 * time.Second},
	common.ProviderLambdaLabs:   {RequestsPerSecond: 2, RequestsPerMinute: 100, Burst: 4, RetryAttempts: 3, BackoffBase: 1 * time.Second, Timeout: 20 * time.Second},
	common.ProviderCoreWeave:    {RequestsPerSecond: 5, RequestsPerMinute: 200, Burst: 10, RetryAttempts: 3, BackoffBase: 750 * time.Millisecond, Timeout: 20 * time.Second},
	common.ProviderTensorDock:   {RequestsPerSecond: 2, RequestsPerMinute: 90, Burst: 4, RetryAttempts: 3, BackoffBase: 1 * time.Second, Timeout: 20 * time.Second},
	common.ProviderHuggingFace:  {RequestsPerSecond: 3, RequestsPerMinute: 120, Burst: 6, RetryAttempts: 2, BackoffBase: 1 * time.Second, Timeout: 20 * time.Second},
	common.ProviderBaseten:      {RequestsPerSecond: 3, RequestsPerMinute: 120, Burst: 6, RetryAttempts: 2, BackoffBase: 1 * time.Second, Timeout: 20 * time.Second},
	common.ProviderCrusoe:       {RequestsPerSecond: 3, RequestsPerMinute: 120, Burst: 6, RetryAttempts: 3, BackoffBase: 1 * time.Second, Timeout: 20 * time.Second},
	common.ProviderDigitalOcean: {RequestsPerSecond: 5, RequestsPerMinute: 240, Burst: 10, RetryAttempts: 3, BackoffBase: 750 * time.Millisecond, Timeout: 20 * time.Second},
	common.ProviderHyperstack:   {RequestsPerSecond: 3, RequestsPerMinute: 120, Burst: 6, RetryAttempts: 3, BackoffBase: 1 * time.Second, Timeout: 20 * time.Second},
	common.ProviderDemo:         {RequestsPerSecond: 100, RequestsPerMinute: 6000, Burst: 100, RetryAttempts: 0, BackoffBase: 10 * time.Millisecond, Timeout: 5 * time.Second},
}

// LimitsFor returns the pacing for a provider. The second return is false
// for unknown providers, which pass through unlimited.
func LimitsFor(id common.ProviderID) (Limits, bool) {
	l, ok := defaultLimits[id]
	return l, ok
}

// globalLimits caps aggregate request rate across all providers.
var globalLimits = Limits{
	RequestsPerSecond: 50,
	Burst:             100,
	Timeout:           60 * time.Second,
}
