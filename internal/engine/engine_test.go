package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terradev/terradev/internal/provision"
	"github.com/terradev/terradev/internal/ratelimit"
	"github.com/terradev/terradev/providers/common"
	"github.com/terradev/terradev/providers/registry"
)

// fakeAdapter serves canned quotes and tracks provision calls.
type fakeAdapter struct {
	id             common.ProviderID
	quotes         []common.Quote
	provisionCalls int
	lastStatusID   string
	stopped        bool
}

func (f *fakeAdapter) ID() common.ProviderID { return f.id }

func (f *fakeAdapter) Quotes(context.Context, string, string) ([]common.Quote, error) {
	return f.quotes, nil
}

func (f *fakeAdapter) Provision(ctx context.Context, instanceType, region, gpuFamily string) (*common.Instance, error) {
	f.provisionCalls++
	return &common.Instance{
		Provider:     f.id,
		InstanceID:   "native-001",
		InstanceType: instanceType,
		Region:       region,
		GPUFamily:    gpuFamily,
		PricePerHour: 1.0,
		Status:       "active",
	}, nil
}

func (f *fakeAdapter) Status(ctx context.Context, instanceID string) (*common.InstanceStatus, error) {
	f.lastStatusID = instanceID
	return &common.InstanceStatus{Status: "running", Region: "us-east"}, nil
}

func (f *fakeAdapter) Stop(ctx context.Context, instanceID string) (string, error) {
	f.stopped = true
	return "stopping", nil
}
func (f *fakeAdapter) Start(context.Context, string) (string, error)     { return "starting", nil }
func (f *fakeAdapter) Terminate(context.Context, string) (string, error) { return "terminated", nil }
func (f *fakeAdapter) ListInstances(context.Context) ([]common.InstanceSummary, error) {
	return []common.InstanceSummary{{InstanceID: "native-001", Provider: f.id, Status: "active"}}, nil
}
func (f *fakeAdapter) Execute(ctx context.Context, instanceID, command string, async bool) (*common.ExecResult, error) {
	return &common.ExecResult{ExitCode: 0, Stdout: command}, nil
}

func registerFake(t *testing.T, id common.ProviderID, adapter *fakeAdapter) {
	t.Helper()
	adapter.id = id
	registry.Register(registry.Descriptor{ID: id, Name: string(id), Reliability: 0.9, Enabled: true},
		func(common.Credentials) common.Adapter { return adapter })
}

func availableQuote(provider common.ProviderID, price float64) common.Quote {
	return common.Quote{
		Provider:     provider,
		InstanceType: "gpu-node",
		Region:       "us-east",
		GPUFamily:    "A100",
		PricePerHour: price,
		Available:    true,
		Kind:         common.CapacityOnDemand,
	}
}

func newTestEngine() *Engine {
	return New(ratelimit.New(), nil)
}

func TestProvisionValidation(t *testing.T) {
	e := newTestEngine()

	_, err := e.Provision(context.Background(), ProvisionRequest{GPUFamily: "A100", Count: 0})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = e.Provision(context.Background(), ProvisionRequest{Count: 2})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestProvisionNoSuitableInstances(t *testing.T) {
	registry.Reset()
	t.Cleanup(registry.Reset)
	registerFake(t, "emptycloud", &fakeAdapter{})

	e := newTestEngine()
	resp, err := e.Provision(context.Background(), ProvisionRequest{GPUFamily: "A100", Count: 2})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Empty(t, resp.Instances)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "No suitable instances found", resp.Errors[0])
}

func TestProvisionDryRun(t *testing.T) {
	registry.Reset()
	t.Cleanup(registry.Reset)

	a := &fakeAdapter{quotes: []common.Quote{availableQuote("mockcloud", 1.2)}}
	b := &fakeAdapter{quotes: []common.Quote{availableQuote("othercloud", 1.4)}}
	registerFake(t, "mockcloud", a)
	registerFake(t, "othercloud", b)

	e := newTestEngine()
	resp, err := e.Provision(context.Background(), ProvisionRequest{
		GPUFamily: "A100",
		Count:     2,
		DryRun:    true,
	})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.GroupID)
	require.Len(t, resp.Instances, 2)
	for _, r := range resp.Instances {
		assert.Equal(t, provision.StatusActive, r.Status)
		assert.True(t, strings.HasPrefix(r.InstanceID, "mock_"), "dry-run id %q must be mock-prefixed", r.InstanceID)
	}
	assert.Greater(t, resp.Cost.BaselineCostPerHour, 0.0)

	// Dry run must never touch an adapter's provision path.
	assert.Zero(t, a.provisionCalls)
	assert.Zero(t, b.provisionCalls)
}

func TestProvisionPrefixesInstanceIDs(t *testing.T) {
	registry.Reset()
	t.Cleanup(registry.Reset)

	a := &fakeAdapter{quotes: []common.Quote{availableQuote("realcloud", 1.2)}}
	registerFake(t, "realcloud", a)

	e := newTestEngine()
	resp, err := e.Provision(context.Background(), ProvisionRequest{GPUFamily: "A100", Count: 1})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	require.Len(t, resp.Instances, 1)
	assert.Equal(t, "realcloud_native-001", resp.Instances[0].InstanceID)
	assert.Equal(t, 1, a.provisionCalls)
}

func TestProvisionCancelledBetweenPhases(t *testing.T) {
	registry.Reset()
	t.Cleanup(registry.Reset)

	a := &fakeAdapter{quotes: []common.Quote{availableQuote("realcloud", 1.2)}}
	registerFake(t, "realcloud", a)

	ctx, cancel := context.WithCancel(context.Background())

	// Cancel after quotes complete but before provisioning: the fake's
	// quote path is synchronous, so cancelling here is observed by the
	// engine's phase boundary check on a pre-cancelled context.
	cancel()

	e := newTestEngine()
	resp, err := e.Provision(ctx, ProvisionRequest{GPUFamily: "A100", Count: 1})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Zero(t, a.provisionCalls)
}

func TestGetQuotesSortedByScore(t *testing.T) {
	registry.Reset()
	t.Cleanup(registry.Reset)

	registerFake(t, "cheap", &fakeAdapter{quotes: []common.Quote{availableQuote("cheap", 0.5)}})
	registerFake(t, "pricey", &fakeAdapter{quotes: []common.Quote{availableQuote("pricey", 8.0)}})

	e := newTestEngine()
	got, err := e.GetQuotes(context.Background(), QuoteRequest{GPUFamily: "A100"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.GreaterOrEqual(t, got[0].Score, got[1].Score)
	assert.Equal(t, common.ProviderID("cheap"), got[0].Provider)

	_, err = e.GetQuotes(context.Background(), QuoteRequest{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestManageInstanceValidatesAction(t *testing.T) {
	registry.Reset()
	t.Cleanup(registry.Reset)

	a := &fakeAdapter{}
	registerFake(t, "realcloud", a)

	e := newTestEngine()
	_, err := e.ManageInstance(context.Background(), "realcloud_native-001", "reboot", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Empty(t, a.lastStatusID, "invalid action must be rejected before any adapter call")
}

func TestManageInstanceDispatch(t *testing.T) {
	registry.Reset()
	t.Cleanup(registry.Reset)

	a := &fakeAdapter{}
	registerFake(t, "realcloud", a)

	e := newTestEngine()

	st, err := e.ManageInstance(context.Background(), "realcloud_native-001", ActionStatus, nil)
	require.NoError(t, err)
	assert.Equal(t, "running", st.Status)
	assert.Equal(t, "native-001", a.lastStatusID, "provider prefix must be stripped")

	st, err = e.ManageInstance(context.Background(), "realcloud_native-001", ActionStop, nil)
	require.NoError(t, err)
	assert.Equal(t, "stopping", st.Status)
	assert.True(t, a.stopped)
}

func TestSplitInstanceIDLongestPrefix(t *testing.T) {
	registry.Reset()
	t.Cleanup(registry.Reset)

	registerFake(t, "lambda", &fakeAdapter{})
	registerFake(t, "lambda_labs", &fakeAdapter{})

	provider, native, err := splitInstanceID("lambda_labs_i-123")
	require.NoError(t, err)
	assert.Equal(t, common.ProviderID("lambda_labs"), provider)
	assert.Equal(t, "i-123", native)

	provider, native, err = splitInstanceID("lambda_i-456")
	require.NoError(t, err)
	assert.Equal(t, common.ProviderID("lambda"), provider)
	assert.Equal(t, "i-456", native)

	_, _, err = splitInstanceID("mock_ghost_abc123")
	assert.ErrorContains(t, err, "unsupported provider")
}

func TestExecuteCommand(t *testing.T) {
	registry.Reset()
	t.Cleanup(registry.Reset)

	registerFake(t, "realcloud", &fakeAdapter{})

	e := newTestEngine()
	res, err := e.ExecuteCommand(context.Background(), "realcloud_native-001", "nvidia-smi", false, nil)
	require.NoError(t, err)
	assert.Zero(t, res.ExitCode)
	assert.Equal(t, "nvidia-smi", res.Stdout)

	_, err = e.ExecuteCommand(context.Background(), "realcloud_native-001", "", false, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestListInstancesMergesFleet(t *testing.T) {
	registry.Reset()
	t.Cleanup(registry.Reset)

	registerFake(t, "cloud1", &fakeAdapter{})
	registerFake(t, "cloud2", &fakeAdapter{})

	e := newTestEngine()
	got := e.ListInstances(context.Background(), nil, nil)
	assert.Len(t, got, 2)

	got = e.ListInstances(context.Background(), []common.ProviderID{"cloud1"}, nil)
	require.Len(t, got, 1)
	assert.Equal(t, common.ProviderID("cloud1"), got[0].Provider)
}

func TestStageDatasetValidation(t *testing.T) {
	e := newTestEngine()

	_, err := e.StageDataset(context.Background(), "", []string{"us-east-1"}, "zstd")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = e.StageDataset(context.Background(), "data.tar", nil, "zstd")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = e.StageDataset(context.Background(), "data.tar", []string{"us-east-1"}, "lz4")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
