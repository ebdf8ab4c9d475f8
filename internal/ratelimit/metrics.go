package ratelimit

import (
	"sync"
	"time"

	"github.com/terradev/terradev/providers/common"
)

// Metrics is a per-provider, process-scoped snapshot of governor traffic.
type Metrics struct {
	Provider        common.ProviderID `json:"provider"`
	TotalRequests   int64             `json:"total_requests"`
	Successes       int64             `json:"successes"`
	RateLimited     int64             `json:"rate_limited"`
	Failures        int64             `json:"failures"`
	AvgResponseMS   float64           `json:"avg_response_ms"`
	LastRequestAt   time.Time         `json:"last_request_at"`
	ObservedRateRPS float64           `json:"observed_rate_rps"`
}

// observedWindow bounds the sliding window used for the observed rate.
const observedWindow = 10 * time.Second

type providerMetrics struct {
	mu            sync.Mutex
	totalRequests int64
	successes     int64
	rateLimited   int64
	failures      int64
	totalRespTime time.Duration
	lastRequest   time.Time
	recent        []time.Time // request stamps inside observedWindow
}

func (m *providerMetrics) record(d time.Duration, rateLimited bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.totalRequests++
	m.totalRespTime += d
	m.lastRequest = now
	switch {
	case rateLimited:
		m.rateLimited++
	case err != nil:
		m.failures++
	default:
		m.successes++
	}

	m.recent = append(m.recent, now)
	m.prune(now)
}

func (m *providerMetrics) prune(now time.Time) {
	cutoff := now.Add(-observedWindow)
	i := 0
	for i < len(m.recent) && m.recent[i].Before(cutoff) {
		i++
	}
	m.recent = m.recent[i:]
}

func (m *providerMetrics) observedRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(time.Now())
	if len(m.recent) == 0 {
		return 0
	}
	return float64(len(m.recent)) / observedWindow.Seconds()
}

func (m *providerMetrics) snapshot(id common.ProviderID) Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	avg := 0.0
	if m.totalRequests > 0 {
		avg = float64(m.totalRespTime.Milliseconds()) / float64(m.totalRequests)
	}
	m.prune(time.Now())
	return Metrics{
		Provider:        id,
		TotalRequests:   m.totalRequests,
		Successes:       m.successes,
		RateLimited:     m.rateLimited,
		Failures:        m.failures,
		AvgResponseMS:   avg,
		LastRequestAt:   m.lastRequest,
		ObservedRateRPS: float64(len(m.recent)) / observedWindow.Seconds(),
	}
}
