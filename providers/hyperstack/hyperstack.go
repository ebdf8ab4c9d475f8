// Package hyperstack adapts the NexGen Hyperstack API.
package hyperstack

import (
	"context"
	"fmt"
	"time"

	"github.com/terradev/terradev/providers/common"
	"github.com/terradev/terradev/providers/internal/restapi"
	"github.com/terradev/terradev/providers/internal/sshexec"
	"github.com/terradev/terradev/providers/registry"
)

const baseURL = "https://infrahub-api.nexgencloud.com/v1"

func init() {
	registry.Register(registry.Descriptor{
		ID:          common.ProviderHyperstack,
		Name:        "Hyperstack",
		Reliability: 0.78,
		Priority:    21,
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
	c := restapi.New(baseURL, creds.Get("api_key"), restapi.AuthHeader)
	c.HeaderName = "api_key"
	return &Adapter{api: c, creds: creds}
}

func (a *Adapter) ID() common.ProviderID { return common.ProviderHyperstack }

func (a *Adapter) configured() bool { return a.creds.Has("api_key") }

func (a *Adapter) Quotes(ctx context.Context, gpuFamily, region string) ([]common.Quote, error) {
	if !a.configured() {
		return []common.Quote{}, nil
	}

	var payload struct {
		Data []struct {
			RegionName string `json:"region_name"`
			Flavors    []struct {
				Name           string  `json:"name"`
				GPU            string  `json:"gpu"`
				GPUCount       int     `json:"gpu_count"`
				CPU            int     `json:"cpu"`
				RAM            float64 `json:"ram"`
				StockAvailable bool    `json:"stock_available"`
				PricePerHour   string  `json:"price_per_hour"`
			} `json:"flavors"`
		} `json:"data"`
	}
	if err := a.api.Get(ctx, "/core/flavors", &payload); err != nil {
		return nil, err
	}

	want, _ := common.NormalizeGPUFamily(gpuFamily)
	var quotes []common.Quote
	for _, group := range payload.Data {
		if region != "" && group.RegionName != region {
			continue
		}
		for _, fl := range group.Flavors {
			family, ok := common.NormalizeGPUFamily(fl.GPU)
			if !ok || family != want {
				continue
			}
			var price float64
			fmt.Sscanf(fl.PricePerHour, "%f", &price)
			quotes = append(quotes, common.Quote{
				Provider:     common.ProviderHyperstack,
				InstanceType: fl.Name,
				GPUFamily:    family,
				PricePerHour: price,
				Region:       group.RegionName,
				Available:    fl.StockAvailable,
				Kind:         common.CapacityOnDemand,
				GPUCount:     fl.GPUCount,
				VCPUs:        fl.CPU,
				MemoryGB:     int(fl.RAM),
			})
		}
	}
	return quotes, nil
}

func (a *Adapter) Provision(ctx context.Context, instanceType, region, gpuFamily string) (*common.Instance, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderHyperstack)
	}

	body := map[string]interface{}{
		"name":               fmt.Sprintf("terradev-%d", time.Now().Unix()),
		"environment_name":   a.creds.Get("environment"),
		"flavor_name":        instanceType,
		"image_name":         "Ubuntu Server 22.04 LTS R535 CUDA 12.2",
		"count":              1,
		"labels":             []string{common.OwnershipTag},
		"assign_floating_ip": true,
	}
	var created struct {
		Instances []struct {
			ID     int    `json:"id"`
			Status string `json:"status"`
		} `json:"instances"`
	}
	if err := a.api.Post(ctx, "/core/virtual-machines", body, &created); err != nil {
		return nil, fmt.Errorf("hyperstack create failed: %w", err)
	}
	if len(created.Instances) == 0 {
		return nil, fmt.Errorf("hyperstack returned no instance for %s", instanceType)
	}

	return &common.Instance{
		Provider:     common.ProviderHyperstack,
		InstanceID:   fmt.Sprintf("%d", created.Instances[0].ID),
		InstanceType: instanceType,
		Region:       region,
		GPUFamily:    gpuFamily,
		Kind:         common.CapacityOnDemand,
		Status:       normalizeStatus(created.Instances[0].Status),
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func (a *Adapter) Status(ctx context.Context, instanceID string) (*common.InstanceStatus, error) {
	vm, err := a.fetchVM(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &common.InstanceStatus{
		Status:       normalizeStatus(vm.Status),
		PublicIP:     vm.FloatingIP,
		InstanceType: vm.Flavor.Name,
		Region:       vm.Environment.Region,
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
		return "", common.NotConfiguredError(common.ProviderHyperstack)
	}
	if err := a.api.Delete(ctx, "/core/virtual-machines/"+instanceID); err != nil {
		if restapi.NotFound(err) {
			return "", common.ErrInstanceNotFound
		}
		return "", err
	}
	return "terminated", nil
}

func (a *Adapter) action(ctx context.Context, instanceID, verb, resulting string) (string, error) {
	if !a.configured() {
		return "", common.NotConfiguredError(common.ProviderHyperstack)
	}
	if err := a.api.Get(ctx, "/core/virtual-machines/"+instanceID+"/"+verb, nil); err != nil {
		if restapi.NotFound(err) {
			return "", common.ErrInstanceNotFound
		}
		return "", err
	}
	return resulting, nil
}

func (a *Adapter) ListInstances(ctx context.Context) ([]common.InstanceSummary, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderHyperstack)
	}
	var payload struct {
		Instances []hsVM `json:"instances"`
	}
	if err := a.api.Get(ctx, "/core/virtual-machines", &payload); err != nil {
		return nil, err
	}
	var out []common.InstanceSummary
	for _, vm := range payload.Instances {
		if !hasLabel(vm.Labels, common.OwnershipTag) {
			continue
		}
		out = append(out, common.InstanceSummary{
			InstanceID:   fmt.Sprintf("%d", vm.ID),
			Provider:     common.ProviderHyperstack,
			Status:       normalizeStatus(vm.Status),
			InstanceType: vm.Flavor.Name,
			Region:       vm.Environment.Region,
		})
	}
	return out, nil
}

func (a *Adapter) Execute(ctx context.Context, instanceID, command string, async bool) (*common.ExecResult, error) {
	if async {
		return nil, fmt.Errorf("async execution: %w", common.ErrExecUnsupported)
	}
	vm, err := a.fetchVM(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if vm.FloatingIP == "" {
		return common.ExecFailure(common.ErrExecUnsupported), nil
	}
	return sshexec.Run(ctx, sshexec.Target{Host: vm.FloatingIP, User: "ubuntu"}, command), nil
}

type hsVM struct {
	ID         int      `json:"id"`
	Status     string   `json:"status"`
	FloatingIP string   `json:"floating_ip"`
	Labels     []string `json:"labels"`
	Flavor     struct {
		Name string `json:"name"`
	} `json:"flavor"`
	Environment struct {
		Region string `json:"region"`
	} `json:"environment"`
}

func (a *Adapter) fetchVM(ctx context.Context, instanceID string) (*hsVM, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderHyperstack)
	}
	var payload struct {
		Instance hsVM `json:"instance"`
	}
	if err := a.api.Get(ctx, "/core/virtual-machines/"+instanceID, &payload); err != nil {
		if restapi.NotFound(err) {
			return nil, common.ErrInstanceNotFound
		}
		return nil, err
	}
	return &payload.Instance, nil
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

func normalizeStatus(s string) string {
	switch s {
	case "ACTIVE":
		return "active"
	case "SHUTOFF", "STOPPED":
		return "stopped"
	case "CREATING", "BUILD":
		return "pending"
	default:
		return s
	}
}
