// Package demo serves synthetic quotes so the full pipeline can be
// exercised without any cloud credentials. Demo quotes are flagged and
// never enter a real allocation.
package demo

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/terradev/terradev/providers/common"
	"github.com/terradev/terradev/providers/registry"
)

func init() {
	registry.Register(registry.Descriptor{
		ID:          common.ProviderDemo,
		Name:        "Demo",
		Reliability: 0.99,
		Priority:    99,
		Enabled:     true,
	}, func(creds common.Credentials) common.Adapter {
		return New()
	})
}

type offer struct {
	instanceType string
	region       string
	price        float64
	kind         common.CapacityKind
	gpus         int
	vcpus        int
	memoryGB     int
	latencyMS    float64
}

// catalog is the fixed synthetic price book, keyed by GPU family.
var catalog = map[string][]offer{
	"A100": {
		{"demo-a100-1x", "us-east-1", 1.89, common.CapacityOnDemand, 1, 12, 85, 38},
		{"demo-a100-1x", "eu-west-1", 2.05, common.CapacityOnDemand, 1, 12, 85, 92},
		{"demo-a100-1x-spot", "us-east-1", 0.74, common.CapacitySpot, 1, 12, 85, 38},
	},
	"H100": {
		{"demo-h100-1x", "us-east-1", 3.49, common.CapacityOnDemand, 1, 24, 160, 41},
		{"demo-h100-1x-spot", "us-west-2", 1.62, common.CapacitySpot, 1, 24, 160, 78},
	},
	"T4": {
		{"demo-t4-1x", "us-east-1", 0.35, common.CapacityOnDemand, 1, 4, 16, 35},
		{"demo-t4-1x", "asia-south-1", 0.41, common.CapacityOnDemand, 1, 4, 16, 210},
	},
	"RTX4090": {
		{"demo-4090-1x", "us-east-1", 0.44, common.CapacityOnDemand, 1, 8, 32, 40},
	},
}

// Adapter is the synthetic provider.
type Adapter struct {
	mu        sync.Mutex
	instances map[string]*common.Instance
	seq       int
}

// New builds a demo adapter with an empty fleet.
func New() *Adapter {
	return &Adapter{instances: map[string]*common.Instance{}}
}

func (a *Adapter) ID() common.ProviderID { return common.ProviderDemo }

func (a *Adapter) Quotes(ctx context.Context, gpuFamily, region string) ([]common.Quote, error) {
	family, ok := common.NormalizeGPUFamily(gpuFamily)
	if !ok {
		family = gpuFamily
	}
	var out []common.Quote
	for _, o := range catalog[family] {
		if region != "" && o.region != region {
			continue
		}
		out = append(out, common.Quote{
			Provider:     common.ProviderDemo,
			InstanceType: o.instanceType,
			GPUFamily:    family,
			PricePerHour: o.price,
			Region:       o.region,
			Available:    true,
			Kind:         o.kind,
			GPUCount:     o.gpus,
			VCPUs:        o.vcpus,
			MemoryGB:     o.memoryGB,
			LatencyMS:    o.latencyMS,
			DemoMode:     true,
		})
	}
	return out, nil
}

func (a *Adapter) Provision(ctx context.Context, instanceType, region, gpuFamily string) (*common.Instance, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	inst := &common.Instance{
		Provider:     common.ProviderDemo,
		InstanceID:   fmt.Sprintf("demo-%06d", a.seq),
		InstanceType: instanceType,
		Region:       region,
		GPUFamily:    gpuFamily,
		PricePerHour: priceFor(gpuFamily, instanceType),
		Kind:         kindFor(instanceType),
		Status:       "active",
		PublicIP:     "192.0.2.1",
		CreatedAt:    time.Now().UTC(),
	}
	a.instances[inst.InstanceID] = inst
	return inst, nil
}

func (a *Adapter) Status(ctx context.Context, instanceID string) (*common.InstanceStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	inst, ok := a.instances[instanceID]
	if !ok {
		return nil, common.ErrInstanceNotFound
	}
	return &common.InstanceStatus{
		Status:       inst.Status,
		PublicIP:     inst.PublicIP,
		InstanceType: inst.InstanceType,
		Region:       inst.Region,
	}, nil
}

func (a *Adapter) Stop(ctx context.Context, instanceID string) (string, error) {
	return a.setStatus(instanceID, "stopped")
}

func (a *Adapter) Start(ctx context.Context, instanceID string) (string, error) {
	return a.setStatus(instanceID, "active")
}

func (a *Adapter) Terminate(ctx context.Context, instanceID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.instances[instanceID]; !ok {
		return "", common.ErrInstanceNotFound
	}
	delete(a.instances, instanceID)
	return "terminated", nil
}

func (a *Adapter) ListInstances(ctx context.Context) ([]common.InstanceSummary, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]common.InstanceSummary, 0, len(a.instances))
	for _, inst := range a.instances {
		out = append(out, common.InstanceSummary{
			InstanceID:   inst.InstanceID,
			Provider:     common.ProviderDemo,
			Status:       inst.Status,
			InstanceType: inst.InstanceType,
			Region:       inst.Region,
			GPUFamily:    inst.GPUFamily,
			PricePerHour: inst.PricePerHour,
		})
	}
	return out, nil
}

func (a *Adapter) Execute(ctx context.Context, instanceID, command string, async bool) (*common.ExecResult, error) {
	a.mu.Lock()
	_, ok := a.instances[instanceID]
	a.mu.Unlock()
	if !ok {
		return nil, common.ErrInstanceNotFound
	}
	if async {
		return &common.ExecResult{JobID: "demo-job-" + instanceID, Async: true}, nil
	}
	return &common.ExecResult{ExitCode: 0, Stdout: fmt.Sprintf("demo: %s\n", command)}, nil
}

func (a *Adapter) setStatus(instanceID, status string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	inst, ok := a.instances[instanceID]
	if !ok {
		return "", common.ErrInstanceNotFound
	}
	inst.Status = status
	return status, nil
}

func priceFor(gpuFamily, instanceType string) float64 {
	for _, o := range catalog[gpuFamily] {
		if o.instanceType == instanceType {
			return o.price
		}
	}
	return 1.0
}

func kindFor(instanceType string) common.CapacityKind {
	if strings.HasSuffix(instanceType, "-spot") {
		return common.CapacitySpot
	}
	return common.CapacityOnDemand
}
