package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terradev/terradev/internal/quotes"
	"github.com/terradev/terradev/providers/common"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"SERVER_HOST", "SERVER_PORT", "READ_TIMEOUT", "RATE_LIMIT_PER_MINUTE", "REDIS_HOST", "LOG_LEVEL"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 120, cfg.Server.RateLimitPerMinute)
	assert.Empty(t, cfg.Redis.Host)
	assert.NotEmpty(t, cfg.Staging.Dir)
	assert.Equal(t, "INFO", cfg.Logging.Level)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("READ_TIMEOUT", "45s")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "10")
	t.Setenv("REDIS_HOST", "cache.internal")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 10, cfg.Server.RateLimitPerMinute)
	assert.Equal(t, "cache.internal", cfg.Redis.Host)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
}

func TestValidateRejectsBadPort(t *testing.T) {
	t.Setenv("SERVER_PORT", "70000")
	_, err := Load()
	assert.ErrorContains(t, err, "invalid server port")
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, 6, opts.ParallelQueries)
	assert.Equal(t, 10.0, opts.MaxPriceThreshold)
	assert.Equal(t, quotes.DefaultWeights, opts.Optimization)
	assert.Equal(t, 30, opts.Analytics.RetentionDays)
	assert.NoError(t, opts.Validate())
}

func TestParseOptions(t *testing.T) {
	raw := []byte(`
parallel_queries: 4
max_price_threshold: 3.5
preferred_regions: [us-east-1, europe-west4]
optimization_settings:
  price_weight: 0.5
  availability_weight: 0.3
  latency_weight: 0.1
  reliability_weight: 0.1
analytics_settings:
  retention_days: 7
`)

	opts := DefaultOptions()
	require.NoError(t, ParseOptions(raw, &opts))

	assert.Equal(t, 4, opts.ParallelQueries)
	assert.Equal(t, 3.5, opts.MaxPriceThreshold)
	assert.Equal(t, []string{"us-east-1", "europe-west4"}, opts.PreferredRegions)
	assert.Equal(t, 0.5, opts.Optimization.Price)
	assert.Equal(t, 7, opts.Analytics.RetentionDays)
}

func TestParseOptionsRejectsUnknownKeys(t *testing.T) {
	opts := DefaultOptions()
	err := ParseOptions([]byte("paralel_queries: 4\n"), &opts)
	assert.ErrorContains(t, err, "parse options")
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr string
	}{
		{
			name:    "zero parallelism",
			mutate:  func(o *Options) { o.ParallelQueries = 0 },
			wantErr: "parallel_queries",
		},
		{
			name:    "negative price threshold",
			mutate:  func(o *Options) { o.MaxPriceThreshold = -1 },
			wantErr: "max_price_threshold",
		},
		{
			name:    "negative retention",
			mutate:  func(o *Options) { o.Analytics.RetentionDays = -1 },
			wantErr: "retention_days",
		},
		{
			name: "weights off by far",
			mutate: func(o *Options) {
				o.Optimization = quotes.Weights{Price: 0.9, Availability: 0.9}
			},
			wantErr: "must sum to 1.0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(&opts)
			assert.ErrorContains(t, opts.Validate(), tt.wantErr)
		})
	}
}

func TestLoadCredentials(t *testing.T) {
	t.Setenv("VASTAI_API_KEY", "vast-secret")
	t.Setenv("RUNPOD_API_KEY", "  padded  ")
	t.Setenv("LAMBDA_API_KEY", "")

	creds := LoadCredentials()

	require.Contains(t, creds, common.ProviderVastAI)
	assert.Equal(t, "vast-secret", creds[common.ProviderVastAI].Get("api_key"))

	// Whitespace is trimmed off credential values.
	require.Contains(t, creds, common.ProviderRunPod)
	assert.Equal(t, "padded", creds[common.ProviderRunPod].Get("api_key"))

	// Providers with no variables set get no bag at all.
	if bag, ok := creds[common.ProviderLambdaLabs]; ok {
		assert.Empty(t, bag)
	}
}
