// Package engine composes the quote aggregator, spread allocator,
// parallel provisioner and dataset stager behind the public request
// surface.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/terradev/terradev/internal/allocate"
	"github.com/terradev/terradev/internal/logging"
	"github.com/terradev/terradev/internal/provision"
	"github.com/terradev/terradev/internal/quotes"
	"github.com/terradev/terradev/internal/ratelimit"
	"github.com/terradev/terradev/internal/staging"
	"github.com/terradev/terradev/providers/common"
	"github.com/terradev/terradev/providers/registry"
)

// ErrNoSuitableInstances is the caller-facing message for an empty
// allocation.
const ErrNoSuitableInstances = "No suitable instances found"

// Management actions accepted by ManageInstance.
const (
	ActionStatus    = "status"
	ActionStop      = "stop"
	ActionStart     = "start"
	ActionTerminate = "terminate"
)

var validActions = map[string]bool{
	ActionStatus: true, ActionStop: true, ActionStart: true, ActionTerminate: true,
}

// ErrInvalidInput marks request validation failures, rejected before any
// I/O.
var ErrInvalidInput = errors.New("invalid input")

// Engine is the brokerage facade.
type Engine struct {
	governor    *ratelimit.Governor
	aggregator  *quotes.Aggregator
	provisioner *provision.Provisioner
	stager      *staging.Stager
}

// New builds an engine on the process governor.
func New(g *ratelimit.Governor, stager *staging.Stager) *Engine {
	return &Engine{
		governor:    g,
		aggregator:  quotes.NewAggregator(g),
		provisioner: provision.NewProvisioner(g),
		stager:      stager,
	}
}

// Governor exposes the governor for metrics snapshots.
func (e *Engine) Governor() *ratelimit.Governor { return e.governor }

// QuoteRequest selects providers to query for a GPU family.
type QuoteRequest struct {
	GPUFamily   string                                   `json:"gpu_family"`
	Region      string                                   `json:"region,omitempty"`
	Providers   []common.ProviderID                      `json:"providers,omitempty"`
	Parallelism int                                      `json:"parallelism,omitempty"`
	Credentials map[common.ProviderID]common.Credentials `json:"-"`
	Weights     quotes.Weights                           `json:"-"`
}

// GetQuotes runs the aggregation pass only.
func (e *Engine) GetQuotes(ctx context.Context, req QuoteRequest) ([]common.Quote, error) {
	if req.GPUFamily == "" {
		return nil, fmt.Errorf("%w: gpu_family is required", ErrInvalidInput)
	}
	list, err := e.aggregator.Collect(ctx, quotes.Request{
		GPUFamily:   req.GPUFamily,
		Region:      req.Region,
		Providers:   req.Providers,
		Parallelism: req.Parallelism,
		Credentials: req.Credentials,
		Weights:     req.Weights,
	})
	if err != nil {
		return nil, err
	}
	sortQuotesByScore(list)
	return list, nil
}

// ProvisionRequest asks for an N-way spread of GPU capacity.
type ProvisionRequest struct {
	GPUFamily    string                                   `json:"gpu_family"`
	Count        int                                      `json:"count"`
	PriceCeiling float64                                  `json:"price_ceiling,omitempty"`
	Region       string                                   `json:"region,omitempty"`
	Providers    []common.ProviderID                      `json:"providers,omitempty"`
	Parallelism  int                                      `json:"parallelism,omitempty"`
	Concurrency  int                                      `json:"concurrency,omitempty"`
	DryRun       bool                                     `json:"dry_run,omitempty"`
	Credentials  map[common.ProviderID]common.Credentials `json:"-"`
	Weights      quotes.Weights                           `json:"-"`
}

// ProvisionResponse is the unified result set for a provisioning call.
type ProvisionResponse struct {
	Success    bool                   `json:"success"`
	GroupID    string                 `json:"group_id,omitempty"`
	Instances  []provision.Result     `json:"instances"`
	Cost       provision.CostAnalysis `json:"cost_analysis"`
	Relaxed    bool                   `json:"relaxed,omitempty"`
	TotalTimeS float64                `json:"total_time_s"`
	Errors     []string               `json:"errors"`
}

// Provision runs quote → allocate → provision and aggregates outcomes.
// success is true when at least one instance reached active; partial
// failures are reported per instance, never aborting the batch.
func (e *Engine) Provision(ctx context.Context, req ProvisionRequest) (*ProvisionResponse, error) {
	start := time.Now()

	if req.Count < 1 {
		return nil, fmt.Errorf("%w: count must be >= 1, got %d", ErrInvalidInput, req.Count)
	}
	if req.GPUFamily == "" {
		return nil, fmt.Errorf("%w: gpu_family is required", ErrInvalidInput)
	}

	quoteList, err := e.GetQuotes(ctx, QuoteRequest{
		GPUFamily:   req.GPUFamily,
		Region:      req.Region,
		Providers:   req.Providers,
		Parallelism: req.Parallelism,
		Credentials: req.Credentials,
		Weights:     req.Weights,
	})
	if err != nil {
		return nil, err
	}

	alloc := allocate.Spread(quoteList, req.Count, req.PriceCeiling)
	if len(alloc.Entries) == 0 {
		return &ProvisionResponse{
			Success:    false,
			Instances:  []provision.Result{},
			Errors:     []string{ErrNoSuitableInstances},
			TotalTimeS: time.Since(start).Seconds(),
		}, nil
	}

	if err := ctx.Err(); err != nil {
		// Cancelled between quote and provision: no provision request
		// may be issued.
		return &ProvisionResponse{
			Success:    false,
			Instances:  []provision.Result{},
			Errors:     []string{err.Error()},
			TotalTimeS: time.Since(start).Seconds(),
		}, nil
	}

	var batch provision.Batch
	if req.DryRun {
		batch = dryRunBatch(alloc)
	} else {
		batch = e.provisioner.Run(ctx, alloc, req.Concurrency, req.Credentials)
	}

	resp := &ProvisionResponse{
		GroupID:    batch.GroupID,
		Instances:  batch.Results,
		Cost:       batch.Cost,
		Relaxed:    alloc.Relaxed,
		TotalTimeS: time.Since(start).Seconds(),
		Errors:     []string{},
	}
	for i := range resp.Instances {
		r := &resp.Instances[i]
		if r.Status == provision.StatusActive {
			resp.Success = true
			// Ids are prefixed with the provider so management calls
			// can dispatch without extra state.
			if !strings.HasPrefix(r.InstanceID, string(r.Provider)+"_") && !req.DryRun {
				r.InstanceID = fmt.Sprintf("%s_%s", r.Provider, r.InstanceID)
			}
		} else if r.Error != "" {
			resp.Errors = append(resp.Errors, r.Error)
		}
	}
	return resp, nil
}

// StageDataset pre-positions a dataset near compute in every target
// region.
func (e *Engine) StageDataset(ctx context.Context, datasetRef string, regions []string, codec staging.Codec) (*staging.Result, error) {
	if datasetRef == "" {
		return nil, fmt.Errorf("%w: dataset reference is required", ErrInvalidInput)
	}
	if len(regions) == 0 {
		return nil, fmt.Errorf("%w: at least one target region is required", ErrInvalidInput)
	}
	switch codec {
	case staging.CodecAuto, staging.CodecZstd, staging.CodecGzip, staging.CodecNone, "":
	default:
		return nil, fmt.Errorf("%w: unknown compression %q", ErrInvalidInput, codec)
	}
	return e.stager.Stage(ctx, datasetRef, regions, codec)
}

// ManageInstance dispatches a management action to the adapter inferred
// from the instance id prefix.
func (e *Engine) ManageInstance(ctx context.Context, instanceID, action string, creds map[common.ProviderID]common.Credentials) (*common.InstanceStatus, error) {
	if !validActions[action] {
		return nil, fmt.Errorf("%w: action must be one of status|stop|start|terminate, got %q", ErrInvalidInput, action)
	}

	provider, nativeID, err := splitInstanceID(instanceID)
	if err != nil {
		return nil, err
	}
	adapter, err := registry.New(provider, creds[provider])
	if err != nil {
		return nil, err
	}

	switch action {
	case ActionStatus:
		return ratelimit.Do(ctx, e.governor, provider, func(ctx context.Context) (*common.InstanceStatus, error) {
			return adapter.Status(ctx, nativeID)
		})
	case ActionStop:
		return e.transition(ctx, provider, adapter.Stop, nativeID)
	case ActionStart:
		return e.transition(ctx, provider, adapter.Start, nativeID)
	default:
		return e.transition(ctx, provider, adapter.Terminate, nativeID)
	}
}

func (e *Engine) transition(ctx context.Context, provider common.ProviderID, op func(context.Context, string) (string, error), nativeID string) (*common.InstanceStatus, error) {
	state, err := ratelimit.Do(ctx, e.governor, provider, func(ctx context.Context) (string, error) {
		return op(ctx, nativeID)
	})
	if err != nil {
		return nil, err
	}
	return &common.InstanceStatus{Status: state}, nil
}

// ExecuteCommand routes a command to the instance's provider.
func (e *Engine) ExecuteCommand(ctx context.Context, instanceID, command string, async bool, creds map[common.ProviderID]common.Credentials) (*common.ExecResult, error) {
	if command == "" {
		return nil, fmt.Errorf("%w: command is required", ErrInvalidInput)
	}
	provider, nativeID, err := splitInstanceID(instanceID)
	if err != nil {
		return nil, err
	}
	adapter, err := registry.New(provider, creds[provider])
	if err != nil {
		return nil, err
	}
	return ratelimit.Do(ctx, e.governor, provider, func(ctx context.Context) (*common.ExecResult, error) {
		return adapter.Execute(ctx, nativeID, command, async)
	})
}

// ListInstances merges the owned fleet across all requested providers.
// Providers that fail or are unconfigured are skipped with a log line;
// a partial view beats none.
func (e *Engine) ListInstances(ctx context.Context, providers []common.ProviderID, creds map[common.ProviderID]common.Credentials) []common.InstanceSummary {
	if len(providers) == 0 {
		providers = registry.Enabled()
	}
	var out []common.InstanceSummary
	for _, id := range providers {
		adapter, err := registry.New(id, creds[id])
		if err != nil {
			continue
		}
		list, err := ratelimit.Do(ctx, e.governor, id, func(ctx context.Context) ([]common.InstanceSummary, error) {
			return adapter.ListInstances(ctx)
		})
		if err != nil {
			logging.Debug("list instances failed", map[string]interface{}{
				"provider": string(id),
				"error":    err.Error(),
			})
			continue
		}
		out = append(out, list...)
	}
	if out == nil {
		out = []common.InstanceSummary{}
	}
	return out
}

// splitInstanceID resolves the provider prefix of an instance id.
// Longest registered id wins so lambda_labs ids are not misread.
func splitInstanceID(instanceID string) (common.ProviderID, string, error) {
	var best common.ProviderID
	for _, id := range registry.Enabled() {
		prefix := string(id) + "_"
		if strings.HasPrefix(instanceID, prefix) && len(id) > len(best) {
			best = id
		}
	}
	if best == "" {
		return "", "", fmt.Errorf("unsupported provider for instance id %q: no registered adapter matches its prefix", instanceID)
	}
	return best, strings.TrimPrefix(instanceID, string(best)+"_"), nil
}

// dryRunBatch synthesizes active results from the allocation without any
// adapter call.
func dryRunBatch(alloc allocate.Allocation) provision.Batch {
	results := make([]provision.Result, len(alloc.Entries))
	for i, entry := range alloc.Entries {
		results[i] = provision.Result{
			Provider:     entry.Provider,
			Region:       entry.Region,
			InstanceID:   fmt.Sprintf("mock_%s_%x", entry.Provider, mockNonce(i, entry)),
			GPUFamily:    entry.GPUFamily,
			PricePerHour: entry.PricePerHour,
			Kind:         entry.Kind,
			Status:       provision.StatusActive,
			ElapsedMS:    0,
		}
	}
	batch := provision.Batch{GroupID: uuid.New().String(), Results: results}
	batch.Cost = provision.Analyze(results, len(alloc.Entries))
	return batch
}

func mockNonce(i int, entry allocate.Entry) uint32 {
	h := fnv.New32a()
	fmt.Fprintf(h, "%d/%s/%s/%s", i, entry.Provider, entry.Region, entry.InstanceType)
	return h.Sum32()
}

// sortQuotesByScore orders quotes for display, best first. The allocator
// does its own price sort; this is only a presentation helper.
func sortQuotesByScore(list []common.Quote) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Score > list[j].Score
	})
}
