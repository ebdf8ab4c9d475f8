// Package provision issues bounded-concurrency provision calls for an
// allocation and aggregates per-attempt outcomes with cost analysis.
package provision

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/terradev/terradev/internal/allocate"
	"github.com/terradev/terradev/internal/logging"
	"github.com/terradev/terradev/internal/ratelimit"
	"github.com/terradev/terradev/providers/common"
	"github.com/terradev/terradev/providers/registry"
)

// DefaultConcurrency bounds in-flight provision calls.
const DefaultConcurrency = 6

// Statuses of a provision attempt.
const (
	StatusActive = "active"
	StatusFailed = "failed"
)

// Result is the outcome of one provision attempt.
type Result struct {
	Provider     common.ProviderID   `json:"provider"`
	Region       string              `json:"region"`
	InstanceID   string              `json:"instance_id"` // empty on failure
	GPUFamily    string              `json:"gpu_family"`
	PricePerHour float64             `json:"price_per_hour"`
	Kind         common.CapacityKind `json:"kind"`
	Status       string              `json:"status"`
	Error        string              `json:"error,omitempty"`
	ElapsedMS    int64               `json:"elapsed_ms"`
}

// CostAnalysis summarizes the hourly economics of the active slice of a
// batch against a single-cloud on-demand reference.
type CostAnalysis struct {
	TotalCostPerHour        float64 `json:"total_cost_per_hour"`
	BaselineCostPerHour     float64 `json:"baseline_cost_per_hour"`
	EstimatedSavings        float64 `json:"estimated_savings"`
	EstimatedSavingsPercent float64 `json:"estimated_savings_percent"`
	MonthlySavings          float64 `json:"monthly_savings"`
}

// Batch is the aggregate outcome of one provisioning call. Results are in
// task-completion order, not allocation order.
type Batch struct {
	GroupID string       `json:"group_id"`
	Results []Result     `json:"results"`
	Cost    CostAnalysis `json:"cost_analysis"`
}

// baselinePerInstance is a conservative placeholder for typical
// single-cloud on-demand pricing. A per-GPU-family lookup may replace it
// through configuration.
const baselinePerInstance = 2.00

// Provisioner runs allocations through the governor-wrapped adapters.
type Provisioner struct {
	governor *ratelimit.Governor
}

// NewProvisioner creates a provisioner bound to a governor.
func NewProvisioner(g *ratelimit.Governor) *Provisioner {
	return &Provisioner{governor: g}
}

// Run provisions every allocation entry, at most concurrency in flight
// (DefaultConcurrency when <= 0). A task never fails another: errors
// become failed results. No retry happens here beyond what the governor
// already did; provisioning is effectful and cloud APIs give no
// idempotency guarantee.
func (p *Provisioner) Run(ctx context.Context, alloc allocate.Allocation, concurrency int, creds map[common.ProviderID]common.Credentials) Batch {
	batch := Batch{GroupID: uuid.New().String()}
	if len(alloc.Entries) == 0 {
		batch.Results = []Result{}
		batch.Cost = Analyze(batch.Results, 0)
		return batch
	}

	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	sem := semaphore.NewWeighted(int64(concurrency))

	var (
		mu      sync.Mutex
		results []Result
		wg      sync.WaitGroup
	)

	for _, entry := range alloc.Entries {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Cancelled: record the unstarted entry as failed so the
			// caller sees complete accounting.
			mu.Lock()
			results = append(results, failedResult(entry, err, 0))
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(entry allocate.Entry) {
			defer wg.Done()
			defer sem.Release(1)

			res := p.provisionOne(ctx, entry, creds[entry.Provider])

			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(entry)
	}

	wg.Wait()

	batch.Results = results
	batch.Cost = Analyze(results, len(alloc.Entries))
	return batch
}

func (p *Provisioner) provisionOne(ctx context.Context, entry allocate.Entry, creds common.Credentials) Result {
	start := time.Now()

	adapter, err := registry.New(entry.Provider, creds)
	if err != nil {
		return failedResult(entry, err, time.Since(start))
	}

	inst, err := ratelimit.Do(ctx, p.governor, entry.Provider, func(ctx context.Context) (*common.Instance, error) {
		return adapter.Provision(ctx, entry.InstanceType, entry.Region, entry.GPUFamily)
	})
	elapsed := time.Since(start)
	if err != nil {
		logging.Warn("provision attempt failed", map[string]interface{}{
			"provider": string(entry.Provider),
			"region":   entry.Region,
			"error":    err,
			"duration": elapsed,
		})
		return failedResult(entry, err, elapsed)
	}

	price := inst.PricePerHour
	if price == 0 {
		price = entry.PricePerHour
	}
	return Result{
		Provider:     entry.Provider,
		Region:       entry.Region,
		InstanceID:   inst.InstanceID,
		GPUFamily:    entry.GPUFamily,
		PricePerHour: price,
		Kind:         entry.Kind,
		Status:       StatusActive,
		ElapsedMS:    elapsed.Milliseconds(),
	}
}

func failedResult(entry allocate.Entry, err error, elapsed time.Duration) Result {
	return Result{
		Provider:     entry.Provider,
		Region:       entry.Region,
		GPUFamily:    entry.GPUFamily,
		PricePerHour: entry.PricePerHour,
		Kind:         entry.Kind,
		Status:       StatusFailed,
		Error:        err.Error(),
		ElapsedMS:    elapsed.Milliseconds(),
	}
}

// Analyze computes the cost summary for a batch. Only active results
// count toward the hourly total; the baseline is requested × 2.00 USD.
func Analyze(results []Result, requested int) CostAnalysis {
	total := 0.0
	for _, r := range results {
		if r.Status == StatusActive {
			total += r.PricePerHour
		}
	}

	baseline := float64(requested) * baselinePerInstance
	savings := baseline - total
	if savings < 0 {
		savings = 0
	}

	percent := 0.0
	if baseline > 0 {
		percent = savings / baseline * 100
	}

	return CostAnalysis{
		TotalCostPerHour:        total,
		BaselineCostPerHour:     baseline,
		EstimatedSavings:        savings,
		EstimatedSavingsPercent: percent,
		MonthlySavings:          savings * 24 * 30,
	}
}
