package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/terradev/terradev/internal/logging"
)

// ErrCircuitOpen is returned while a provider's breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerSettings configures the per-provider circuit breakers.
type BreakerSettings struct {
	MaxRequests      uint32        // probes allowed in half-open state
	Interval         time.Duration // stats collection window
	Timeout          time.Duration // open -> half-open delay
	FailureThreshold float64       // failure ratio that trips the breaker
	MinRequests      uint32        // samples required before tripping
}

// DefaultBreakerSettings is tuned for chatty quote traffic: a provider has
// to fail more than half of a meaningful sample before it is shed.
var DefaultBreakerSettings = BreakerSettings{
	MaxRequests:      3,
	Interval:         60 * time.Second,
	Timeout:          30 * time.Second,
	FailureThreshold: 0.6,
	MinRequests:      10,
}

// BreakerSet holds one gobreaker per provider, created lazily.
type BreakerSet struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
	settings BreakerSettings
}

// NewBreakerSet creates a breaker set with the given settings.
func NewBreakerSet(settings BreakerSettings) *BreakerSet {
	if settings.MaxRequests == 0 {
		settings = DefaultBreakerSettings
	}
	return &BreakerSet{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		settings: settings,
	}
}

// Execute runs fn inside the provider's breaker.
func (s *BreakerSet) Execute(provider string, fn func() (interface{}, error)) (interface{}, error) {
	result, err := s.breaker(provider).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	return result, err
}

// State returns the breaker state for a provider.
func (s *BreakerSet) State(provider string) gobreaker.State {
	s.mu.RLock()
	b, ok := s.breakers[provider]
	s.mu.RUnlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return b.State()
}

// Reset drops a provider's breaker; the next call starts closed. Test
// harness use.
func (s *BreakerSet) Reset(provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakers, provider)
}

func (s *BreakerSet) breaker(provider string) *gobreaker.CircuitBreaker {
	s.mu.RLock()
	b, ok := s.breakers[provider]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[provider]; ok {
		return b
	}

	b = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: s.settings.MaxRequests,
		Interval:    s.settings.Interval,
		Timeout:     s.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.settings.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= s.settings.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("circuit breaker state change", map[string]interface{}{
				"provider": name,
				"from":     from.String(),
				"to":       to.String(),
			})
		},
	})
	s.breakers[provider] = b
	return b
}
