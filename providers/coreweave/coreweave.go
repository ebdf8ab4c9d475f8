// Package coreweave adapts CoreWeave Cloud virtual servers.
package coreweave

import (
	"context"
	"fmt"
	"time"

	"github.com/terradev/terradev/providers/common"
	"github.com/terradev/terradev/providers/internal/restapi"
	"github.com/terradev/terradev/providers/internal/sshexec"
	"github.com/terradev/terradev/providers/registry"
)

const baseURL = "https://api.coreweave.com/v1"

func init() {
	registry.Register(registry.Descriptor{
		ID:          common.ProviderCoreWeave,
		Name:        "CoreWeave",
		Reliability: 0.87,
		Priority:    12,
		Enabled:     true,
	}, func(creds common.Credentials) common.Adapter {
		return New(creds)
	})
}

type Adapter struct {
	api   *restapi.Client
	creds common.Credentials
}

func New(creds common.Credentials) *Adapter {
	return &Adapter{
		api:   restapi.New(baseURL, creds.Get("api_token"), restapi.AuthBearer),
		creds: creds,
	}
}

func (a *Adapter) ID() common.ProviderID { return common.ProviderCoreWeave }

func (a *Adapter) configured() bool { return a.creds.Has("api_token") }

func (a *Adapter) Quotes(ctx context.Context, gpuFamily, region string) ([]common.Quote, error) {
	if !a.configured() {
		return []common.Quote{}, nil
	}

	var payload struct {
		InstanceTypes []struct {
			Name       string  `json:"name"`
			GPUModel   string  `json:"gpu_model"`
			GPUCount   int     `json:"gpu_count"`
			VCPUs      int     `json:"vcpus"`
			MemoryGB   int     `json:"memory_gb"`
			PricePerHr float64 `json:"price_per_hour"`
			Region     string  `json:"region"`
			InStock    bool    `json:"in_stock"`
		} `json:"instance_types"`
	}
	if err := a.api.Get(ctx, "/instance-types", &payload); err != nil {
		return nil, err
	}

	want, _ := common.NormalizeGPUFamily(gpuFamily)
	var quotes []common.Quote
	for _, it := range payload.InstanceTypes {
		family, ok := common.NormalizeGPUFamily(it.GPUModel)
		if !ok || family != want {
			continue
		}
		if region != "" && it.Region != region {
			continue
		}
		quotes = append(quotes, common.Quote{
			Provider:     common.ProviderCoreWeave,
			InstanceType: it.Name,
			GPUFamily:    family,
			PricePerHour: it.PricePerHr,
			Region:       it.Region,
			Available:    it.InStock,
			Kind:         common.CapacityOnDemand,
			GPUCount:     it.GPUCount,
			VCPUs:        it.VCPUs,
			MemoryGB:     it.MemoryGB,
		})
	}
	return quotes, nil
}

func (a *Adapter) Provision(ctx context.Context, instanceType, region, gpuFamily string) (*common.Instance, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderCoreWeave)
	}

	body := map[string]interface{}{
		"name":          fmt.Sprintf("terradev-%d", time.Now().Unix()),
		"instance_type": instanceType,
		"region":        region,
		"image":         "ubuntu2204-nvidia-535",
		"labels":        map[string]string{"managed-by": "terradev"},
	}
	var created cwInstance
	if err := a.api.Post(ctx, "/instances", body, &created); err != nil {
		return nil, fmt.Errorf("coreweave create failed: %w", err)
	}

	return &common.Instance{
		Provider:     common.ProviderCoreWeave,
		InstanceID:   created.ID,
		InstanceType: instanceType,
		Region:       region,
		GPUFamily:    gpuFamily,
		Kind:         common.CapacityOnDemand,
		Status:       created.Status,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func (a *Adapter) Status(ctx context.Context, instanceID string) (*common.InstanceStatus, error) {
	inst, err := a.fetch(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &common.InstanceStatus{
		Status:       inst.Status,
		PublicIP:     inst.PublicIP,
		InstanceType: inst.InstanceType,
		Region:       inst.Region,
	}, nil
}

func (a *Adapter) Stop(ctx context.Context, instanceID string) (string, error) {
	return a.action(ctx, instanceID, "stop", "stopped")
}

func (a *Adapter) Start(ctx context.Context, instanceID string) (string, error) {
	return a.action(ctx, instanceID, "start", "active")
}

func (a *Adapter) Terminate(ctx context.Context, instanceID string) (string, error) {
	if !a.configured() {
		return "", common.NotConfiguredError(common.ProviderCoreWeave)
	}
	if err := a.api.Delete(ctx, "/instances/"+instanceID); err != nil {
		if restapi.NotFound(err) {
			return "", common.ErrInstanceNotFound
		}
		return "", err
	}
	return "terminated", nil
}

func (a *Adapter) action(ctx context.Context, instanceID, verb, resulting string) (string, error) {
	if !a.configured() {
		return "", common.NotConfiguredError(common.ProviderCoreWeave)
	}
	if err := a.api.Post(ctx, "/instances/"+instanceID+"/"+verb, nil, nil); err != nil {
		if restapi.NotFound(err) {
			return "", common.ErrInstanceNotFound
		}
		return "", err
	}
	return resulting, nil
}

func (a *Adapter) ListInstances(ctx context.Context) ([]common.InstanceSummary, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderCoreWeave)
	}
	var payload struct {
		Instances []cwInstance `json:"instances"`
	}
	if err := a.api.Get(ctx, "/instances?label=managed-by%3Dterradev", &payload); err != nil {
		return nil, err
	}
	out := make([]common.InstanceSummary, 0, len(payload.Instances))
	for _, inst := range payload.Instances {
		out = append(out, common.InstanceSummary{
			InstanceID:   inst.ID,
			Provider:     common.ProviderCoreWeave,
			Status:       inst.Status,
			InstanceType: inst.InstanceType,
			Region:       inst.Region,
		})
	}
	return out, nil
}

func (a *Adapter) Execute(ctx context.Context, instanceID, command string, async bool) (*common.ExecResult, error) {
	if async {
		return nil, fmt.Errorf("async execution: %w", common.ErrExecUnsupported)
	}
	inst, err := a.fetch(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.PublicIP == "" {
		return common.ExecFailure(common.ErrExecUnsupported), nil
	}
	return sshexec.Run(ctx, sshexec.Target{Host: inst.PublicIP, User: "ubuntu"}, command), nil
}

type cwInstance struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	InstanceType string `json:"instance_type"`
	Region       string `json:"region"`
	PublicIP     string `json:"public_ip"`
}

func (a *Adapter) fetch(ctx context.Context, instanceID string) (*cwInstance, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderCoreWeave)
	}
	var inst cwInstance
	if err := a.api.Get(ctx, "/instances/"+instanceID, &inst); err != nil {
		if restapi.NotFound(err) {
			return nil, common.ErrInstanceNotFound
		}
		return nil, err
	}
	return &inst, nil
}
