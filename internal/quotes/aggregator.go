// Package quotes implements the parallel quote aggregator: bounded
// concurrent fan-out over provider adapters, normalization, and scoring.
package quotes

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/terradev/terradev/internal/logging"
	"github.com/terradev/terradev/internal/ratelimit"
	"github.com/terradev/terradev/providers/common"
	"github.com/terradev/terradev/providers/registry"
)

// DefaultParallelism bounds in-flight provider queries when the caller
// does not say otherwise.
const DefaultParallelism = 6

// Request describes one aggregation pass.
type Request struct {
	GPUFamily   string
	Region      string // "" means any
	Providers   []common.ProviderID
	Parallelism int
	Credentials map[common.ProviderID]common.Credentials
	Weights     Weights // zero value falls back to DefaultWeights
}

// Aggregator fans quote queries out over adapters through the governor.
type Aggregator struct {
	governor *ratelimit.Governor
}

// NewAggregator creates an aggregator bound to a governor.
func NewAggregator(g *ratelimit.Governor) *Aggregator {
	return &Aggregator{governor: g}
}

// Collect queries the selected providers concurrently, at most
// req.Parallelism in flight, and returns the merged scored quote list.
// The list is unsorted; element order reflects provider completion order.
// Per-provider failures are dropped (already logged at debug); an empty
// selection or all-failed pass returns an empty list with nil error.
func (a *Aggregator) Collect(ctx context.Context, req Request) ([]common.Quote, error) {
	providers := req.Providers
	if len(providers) == 0 {
		providers = registry.Enabled()
	}
	if len(providers) == 0 {
		return []common.Quote{}, nil
	}

	parallelism := req.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}

	weights := req.Weights
	if weights == (Weights{}) {
		weights = DefaultWeights
	}

	sem := semaphore.NewWeighted(int64(parallelism))

	var (
		mu     sync.Mutex
		merged []common.Quote
		wg     sync.WaitGroup
	)

	for _, id := range providers {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Cancelled mid fan-out: return what already completed.
			break
		}

		wg.Add(1)
		go func(id common.ProviderID) {
			defer wg.Done()
			defer sem.Release(1)

			got := a.queryProvider(ctx, id, req)
			if len(got) == 0 {
				return
			}

			reliability := registry.Reliability(id)
			for i := range got {
				got[i].Score = Score(got[i], reliability, weights)
			}

			mu.Lock()
			merged = append(merged, got...)
			mu.Unlock()
		}(id)
	}

	wg.Wait()

	if merged == nil {
		merged = []common.Quote{}
	}
	return merged, nil
}

func (a *Aggregator) queryProvider(ctx context.Context, id common.ProviderID, req Request) []common.Quote {
	adapter, err := registry.New(id, req.Credentials[id])
	if err != nil {
		logging.Debug("quote fan-out skipped provider", map[string]interface{}{
			"provider": string(id),
			"error":    err,
		})
		return nil
	}

	got, err := ratelimit.Do(ctx, a.governor, id, func(ctx context.Context) ([]common.Quote, error) {
		return adapter.Quotes(ctx, req.GPUFamily, req.Region)
	})
	if err != nil {
		// Best-effort path: a failed provider never fails the pass.
		logging.Debug("quote query failed", map[string]interface{}{
			"provider": string(id),
			"error":    err,
		})
		return nil
	}
	return got
}
