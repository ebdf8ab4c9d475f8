package provision

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terradev/terradev/internal/allocate"
	"github.com/terradev/terradev/internal/ratelimit"
	"github.com/terradev/terradev/providers/common"
	"github.com/terradev/terradev/providers/registry"
)

// fakeAdapter provisions sequential ids or fails every call.
type fakeAdapter struct {
	id   common.ProviderID
	fail error
	seq  atomic.Int64
}

func (f *fakeAdapter) ID() common.ProviderID { return f.id }

func (f *fakeAdapter) Quotes(context.Context, string, string) ([]common.Quote, error) {
	return nil, nil
}

func (f *fakeAdapter) Provision(ctx context.Context, instanceType, region, gpuFamily string) (*common.Instance, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	return &common.Instance{
		Provider:     f.id,
		InstanceID:   fmt.Sprintf("i-%04d", f.seq.Add(1)),
		InstanceType: instanceType,
		Region:       region,
		GPUFamily:    gpuFamily,
		PricePerHour: 1.5,
		Status:       "active",
	}, nil
}

func (f *fakeAdapter) Status(context.Context, string) (*common.InstanceStatus, error) {
	return nil, common.ErrInstanceNotFound
}
func (f *fakeAdapter) Stop(context.Context, string) (string, error)      { return "", nil }
func (f *fakeAdapter) Start(context.Context, string) (string, error)     { return "", nil }
func (f *fakeAdapter) Terminate(context.Context, string) (string, error) { return "", nil }
func (f *fakeAdapter) ListInstances(context.Context) ([]common.InstanceSummary, error) {
	return nil, nil
}
func (f *fakeAdapter) Execute(context.Context, string, string, bool) (*common.ExecResult, error) {
	return nil, common.ErrExecUnsupported
}

func registerFake(t *testing.T, id common.ProviderID, fail error) {
	t.Helper()
	adapter := &fakeAdapter{id: id, fail: fail}
	registry.Register(registry.Descriptor{ID: id, Name: string(id), Reliability: 0.9, Enabled: true},
		func(common.Credentials) common.Adapter { return adapter })
}

func entry(provider common.ProviderID, price float64) allocate.Entry {
	return allocate.Entry{
		Provider:     provider,
		InstanceType: "gpu-node",
		Region:       "us-east",
		GPUFamily:    "A100",
		Kind:         common.CapacityOnDemand,
		PricePerHour: price,
	}
}

func TestRunAllActive(t *testing.T) {
	registry.Reset()
	t.Cleanup(registry.Reset)
	registerFake(t, "goodcloud", nil)

	alloc := allocate.Allocation{Entries: []allocate.Entry{
		entry("goodcloud", 1.5),
		entry("goodcloud", 1.5),
	}}

	p := NewProvisioner(ratelimit.New())
	batch := p.Run(context.Background(), alloc, 0, nil)

	assert.NotEmpty(t, batch.GroupID)
	require.Len(t, batch.Results, 2)
	for _, r := range batch.Results {
		assert.Equal(t, StatusActive, r.Status)
		assert.NotEmpty(t, r.InstanceID)
		assert.Empty(t, r.Error)
	}
	assert.InDelta(t, 3.0, batch.Cost.TotalCostPerHour, 1e-9)
}

func TestRunPartialFailure(t *testing.T) {
	registry.Reset()
	t.Cleanup(registry.Reset)
	registerFake(t, "goodcloud", nil)
	registerFake(t, "badcloud", errors.New("quota exceeded"))

	alloc := allocate.Allocation{Entries: []allocate.Entry{
		entry("goodcloud", 1.5),
		entry("badcloud", 2.0),
	}}

	p := NewProvisioner(ratelimit.New())
	batch := p.Run(context.Background(), alloc, 0, nil)

	require.Len(t, batch.Results, 2)

	byProvider := map[common.ProviderID]Result{}
	for _, r := range batch.Results {
		byProvider[r.Provider] = r
	}

	good := byProvider["goodcloud"]
	assert.Equal(t, StatusActive, good.Status)
	assert.NotEmpty(t, good.InstanceID)

	bad := byProvider["badcloud"]
	assert.Equal(t, StatusFailed, bad.Status)
	assert.Empty(t, bad.InstanceID)
	assert.Contains(t, bad.Error, "quota exceeded")

	// Only the active instance counts toward cost.
	assert.InDelta(t, 1.5, batch.Cost.TotalCostPerHour, 1e-9)
}

func TestRunUnknownProviderBecomesFailedResult(t *testing.T) {
	registry.Reset()
	t.Cleanup(registry.Reset)

	alloc := allocate.Allocation{Entries: []allocate.Entry{entry("ghost", 1.0)}}

	p := NewProvisioner(ratelimit.New())
	batch := p.Run(context.Background(), alloc, 0, nil)

	require.Len(t, batch.Results, 1)
	assert.Equal(t, StatusFailed, batch.Results[0].Status)
	assert.Contains(t, batch.Results[0].Error, "unsupported provider")
}

func TestRunEmptyAllocation(t *testing.T) {
	p := NewProvisioner(ratelimit.New())
	batch := p.Run(context.Background(), allocate.Allocation{}, 0, nil)

	assert.NotEmpty(t, batch.GroupID)
	assert.NotNil(t, batch.Results)
	assert.Empty(t, batch.Results)
	assert.Zero(t, batch.Cost.TotalCostPerHour)
	assert.Zero(t, batch.Cost.BaselineCostPerHour)
}

func TestAnalyze(t *testing.T) {
	results := []Result{
		{Status: StatusActive, PricePerHour: 1.2},
		{Status: StatusActive, PricePerHour: 0.8},
		{Status: StatusFailed, PricePerHour: 9.9},
	}

	cost := Analyze(results, 3)
	assert.InDelta(t, 2.0, cost.TotalCostPerHour, 1e-9)
	assert.InDelta(t, 6.0, cost.BaselineCostPerHour, 1e-9)
	assert.InDelta(t, 4.0, cost.EstimatedSavings, 1e-9)
	assert.InDelta(t, 66.666, cost.EstimatedSavingsPercent, 0.01)
	assert.InDelta(t, 4.0*24*30, cost.MonthlySavings, 1e-6)
}

func TestAnalyzeNeverNegative(t *testing.T) {
	results := []Result{{Status: StatusActive, PricePerHour: 5.0}}

	cost := Analyze(results, 1)
	assert.Zero(t, cost.EstimatedSavings)
	assert.Zero(t, cost.EstimatedSavingsPercent)
	assert.Zero(t, cost.MonthlySavings)
}
