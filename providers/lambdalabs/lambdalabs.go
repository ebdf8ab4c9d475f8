// Package lambdalabs adapts the Lambda Cloud API. Lambda instances
// cannot be stopped and restarted; only launch and terminate exist.
package lambdalabs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/terradev/terradev/providers/common"
	"github.com/terradev/terradev/providers/internal/restapi"
	"github.com/terradev/terradev/providers/internal/sshexec"
	"github.com/terradev/terradev/providers/registry"
)

const baseURL = "https://cloud.lambdalabs.com/api/v1"

// ErrLifecycleUnsupported covers stop/start, which Lambda Cloud does not
// offer.
var ErrLifecycleUnsupported = errors.New("lambda cloud instances cannot be stopped or restarted")

func init() {
	registry.Register(registry.Descriptor{
		ID:          common.ProviderLambdaLabs,
		Name:        "Lambda Labs",
		Reliability: 0.88,
		Priority:    11,
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
		api:   restapi.New(baseURL, creds.Get("api_key"), restapi.AuthBasic),
		creds: creds,
	}
}

func (a *Adapter) ID() common.ProviderID { return common.ProviderLambdaLabs }

func (a *Adapter) configured() bool { return a.creds.Has("api_key") }

func (a *Adapter) Quotes(ctx context.Context, gpuFamily, region string) ([]common.Quote, error) {
	if !a.configured() {
		return []common.Quote{}, nil
	}

	var payload struct {
		Data map[string]struct {
			InstanceType struct {
				Name              string `json:"name"`
				PriceCentsPerHour int    `json:"price_cents_per_hour"`
				Specs             struct {
					GPUs      int `json:"gpus"`
					VCPUs     int `json:"vcpus"`
					MemoryGiB int `json:"memory_gib"`
				} `json:"specs"`
				GPUDescription string `json:"gpu_description"`
			} `json:"instance_type"`
			RegionsWithCapacityAvailable []struct {
				Name string `json:"name"`
			} `json:"regions_with_capacity_available"`
		} `json:"data"`
	}
	if err := a.api.Get(ctx, "/instance-types", &payload); err != nil {
		return nil, err
	}

	want, _ := common.NormalizeGPUFamily(gpuFamily)
	var quotes []common.Quote
	for _, entry := range payload.Data {
		family, ok := common.NormalizeGPUFamily(entry.InstanceType.GPUDescription)
		if !ok || family != want {
			continue
		}
		price := float64(entry.InstanceType.PriceCentsPerHour) / 100
		for _, r := range entry.RegionsWithCapacityAvailable {
			if region != "" && r.Name != region {
				continue
			}
			quotes = append(quotes, common.Quote{
				Provider:     common.ProviderLambdaLabs,
				InstanceType: entry.InstanceType.Name,
				GPUFamily:    family,
				PricePerHour: price,
				Region:       r.Name,
				Available:    true,
				Kind:         common.CapacityOnDemand,
				GPUCount:     entry.InstanceType.Specs.GPUs,
				VCPUs:        entry.InstanceType.Specs.VCPUs,
				MemoryGB:     entry.InstanceType.Specs.MemoryGiB,
			})
		}
	}
	return quotes, nil
}

func (a *Adapter) Provision(ctx context.Context, instanceType, region, gpuFamily string) (*common.Instance, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderLambdaLabs)
	}

	body := map[string]interface{}{
		"region_name":        region,
		"instance_type_name": instanceType,
		"name":               common.OwnershipTag,
	}
	if ssh := a.creds.Get("ssh_key_name"); ssh != "" {
		body["ssh_key_names"] = []string{ssh}
	}

	var launched struct {
		Data struct {
			InstanceIDs []string `json:"instance_ids"`
		} `json:"data"`
	}
	if err := a.api.Post(ctx, "/instance-operations/launch", body, &launched); err != nil {
		return nil, fmt.Errorf("lambda launch failed: %w", err)
	}
	if len(launched.Data.InstanceIDs) == 0 {
		return nil, errors.New("lambda launch returned no instance id")
	}

	return &common.Instance{
		Provider:     common.ProviderLambdaLabs,
		InstanceID:   launched.Data.InstanceIDs[0],
		InstanceType: instanceType,
		Region:       region,
		GPUFamily:    gpuFamily,
		Kind:         common.CapacityOnDemand,
		Status:       "pending",
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func (a *Adapter) Status(ctx context.Context, instanceID string) (*common.InstanceStatus, error) {
	inst, err := a.fetchInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &common.InstanceStatus{
		Status:       inst.Status,
		PublicIP:     inst.IP,
		InstanceType: inst.InstanceType.Name,
		Region:       inst.Region.Name,
	}, nil
}

func (a *Adapter) Stop(ctx context.Context, instanceID string) (string, error) {
	return "", ErrLifecycleUnsupported
}

func (a *Adapter) Start(ctx context.Context, instanceID string) (string, error) {
	return "", ErrLifecycleUnsupported
}

func (a *Adapter) Terminate(ctx context.Context, instanceID string) (string, error) {
	if !a.configured() {
		return "", common.NotConfiguredError(common.ProviderLambdaLabs)
	}
	body := map[string]interface{}{"instance_ids": []string{instanceID}}
	if err := a.api.Post(ctx, "/instance-operations/terminate", body, nil); err != nil {
		if restapi.NotFound(err) {
			return "", common.ErrInstanceNotFound
		}
		return "", err
	}
	return "terminated", nil
}

func (a *Adapter) ListInstances(ctx context.Context) ([]common.InstanceSummary, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderLambdaLabs)
	}
	var payload struct {
		Data []lambdaInstance `json:"data"`
	}
	if err := a.api.Get(ctx, "/instances", &payload); err != nil {
		return nil, err
	}
	var out []common.InstanceSummary
	for _, inst := range payload.Data {
		if inst.Name != common.OwnershipTag {
			continue
		}
		out = append(out, common.InstanceSummary{
			InstanceID:   inst.ID,
			Provider:     common.ProviderLambdaLabs,
			Status:       inst.Status,
			InstanceType: inst.InstanceType.Name,
			Region:       inst.Region.Name,
		})
	}
	return out, nil
}

func (a *Adapter) Execute(ctx context.Context, instanceID, command string, async bool) (*common.ExecResult, error) {
	if async {
		return nil, fmt.Errorf("async execution: %w", common.ErrExecUnsupported)
	}
	inst, err := a.fetchInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.IP == "" {
		return common.ExecFailure(common.ErrExecUnsupported), nil
	}
	return sshexec.Run(ctx, sshexec.Target{Host: inst.IP, User: "ubuntu"}, command), nil
}

type lambdaInstance struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	IP           string `json:"ip"`
	InstanceType struct {
		Name string `json:"name"`
	} `json:"instance_type"`
	Region struct {
		Name string `json:"name"`
	} `json:"region"`
}

func (a *Adapter) fetchInstance(ctx context.Context, instanceID string) (*lambdaInstance, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderLambdaLabs)
	}
	var payload struct {
		Data lambdaInstance `json:"data"`
	}
	if err := a.api.Get(ctx, "/instances/"+instanceID, &payload); err != nil {
		if restapi.NotFound(err) {
			return nil, common.ErrInstanceNotFound
		}
		return nil, err
	}
	return &payload.Data, nil
}
