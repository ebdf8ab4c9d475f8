// Package crusoe adapts the Crusoe Cloud compute API.
package crusoe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/terradev/terradev/providers/common"
	"github.com/terradev/terradev/providers/internal/restapi"
	"github.com/terradev/terradev/providers/internal/sshexec"
	"github.com/terradev/terradev/providers/registry"
)

const baseURL = "https://api.crusoecloud.com/v1alpha5"

func init() {
	registry.Register(registry.Descriptor{
		ID:          common.ProviderCrusoe,
		Name:        "Crusoe Cloud",
		Reliability: 0.82,
		Priority:    14,
		Enabled:     true,
	}, func(creds common.Credentials) common.Adapter {
		return New(creds)
	})
}

type Adapter struct {
	api     *restapi.Client
	creds   common.Credentials
	project string
}

func New(creds common.Credentials) *Adapter {
	return &Adapter{
		api:     restapi.New(baseURL, creds.Get("token"), restapi.AuthBearer),
		creds:   creds,
		project: creds.Get("project_id"),
	}
}

func (a *Adapter) ID() common.ProviderID { return common.ProviderCrusoe }

func (a *Adapter) configured() bool { return a.creds.Has("token", "project_id") }

// typeFamily extracts the GPU model from a type slug such as
// a100-80gb.8x.
func typeFamily(slug string) (string, int, bool) {
	name := slug
	count := 1
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		fmt.Sscanf(name[i+1:], "%dx", &count)
		name = name[:i]
	}
	family, ok := common.NormalizeGPUFamily(name)
	return family, count, ok
}

func (a *Adapter) Quotes(ctx context.Context, gpuFamily, region string) ([]common.Quote, error) {
	if !a.configured() {
		return []common.Quote{}, nil
	}

	var payload struct {
		Items []struct {
			Type       string  `json:"type"`
			Location   string  `json:"location"`
			PricePerHr float64 `json:"price_per_hour"`
			VCPUs      int     `json:"vcpus"`
			MemoryGiB  int     `json:"memory_gib"`
			Available  bool    `json:"available"`
		} `json:"items"`
	}
	if err := a.api.Get(ctx, "/compute/instance-types", &payload); err != nil {
		return nil, err
	}

	want, _ := common.NormalizeGPUFamily(gpuFamily)
	var quotes []common.Quote
	for _, it := range payload.Items {
		family, count, ok := typeFamily(it.Type)
		if !ok || family != want {
			continue
		}
		if region != "" && it.Location != region {
			continue
		}
		quotes = append(quotes, common.Quote{
			Provider:     common.ProviderCrusoe,
			InstanceType: it.Type,
			GPUFamily:    family,
			PricePerHour: it.PricePerHr,
			Region:       it.Location,
			Available:    it.Available,
			Kind:         common.CapacityOnDemand,
			GPUCount:     count,
			VCPUs:        it.VCPUs,
			MemoryGB:     it.MemoryGiB,
		})
	}
	return quotes, nil
}

func (a *Adapter) Provision(ctx context.Context, instanceType, region, gpuFamily string) (*common.Instance, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderCrusoe)
	}

	body := map[string]interface{}{
		"name":     fmt.Sprintf("terradev-%d", time.Now().Unix()),
		"type":     instanceType,
		"location": region,
		"image":    "ubuntu22.04-nvidia-pcie-docker",
	}
	var vm crusoeVM
	if err := a.api.Post(ctx, "/projects/"+a.project+"/compute/vms", body, &vm); err != nil {
		return nil, fmt.Errorf("crusoe create failed: %w", err)
	}

	return &common.Instance{
		Provider:     common.ProviderCrusoe,
		InstanceID:   vm.ID,
		InstanceType: instanceType,
		Region:       region,
		GPUFamily:    gpuFamily,
		Kind:         common.CapacityOnDemand,
		Status:       normalizeStatus(vm.State),
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func (a *Adapter) Status(ctx context.Context, instanceID string) (*common.InstanceStatus, error) {
	vm, err := a.fetchVM(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &common.InstanceStatus{
		Status:       normalizeStatus(vm.State),
		PublicIP:     vm.publicIP(),
		InstanceType: vm.Type,
		Region:       vm.Location,
	}, nil
}

func (a *Adapter) Stop(ctx context.Context, instanceID string) (string, error) {
	return a.action(ctx, instanceID, "STOP", "stopped")
}

func (a *Adapter) Start(ctx context.Context, instanceID string) (string, error) {
	return a.action(ctx, instanceID, "START", "active")
}

func (a *Adapter) Terminate(ctx context.Context, instanceID string) (string, error) {
	if !a.configured() {
		return "", common.NotConfiguredError(common.ProviderCrusoe)
	}
	if err := a.api.Delete(ctx, "/projects/"+a.project+"/compute/vms/"+instanceID); err != nil {
		if restapi.NotFound(err) {
			return "", common.ErrInstanceNotFound
		}
		return "", err
	}
	return "terminated", nil
}

func (a *Adapter) action(ctx context.Context, instanceID, verb, resulting string) (string, error) {
	if !a.configured() {
		return "", common.NotConfiguredError(common.ProviderCrusoe)
	}
	body := map[string]string{"action": verb}
	if err := a.api.Post(ctx, "/projects/"+a.project+"/compute/vms/"+instanceID+"/action", body, nil); err != nil {
		if restapi.NotFound(err) {
			return "", common.ErrInstanceNotFound
		}
		return "", err
	}
	return resulting, nil
}

func (a *Adapter) ListInstances(ctx context.Context) ([]common.InstanceSummary, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderCrusoe)
	}
	var payload struct {
		Items []crusoeVM `json:"items"`
	}
	if err := a.api.Get(ctx, "/projects/"+a.project+"/compute/vms", &payload); err != nil {
		return nil, err
	}
	var out []common.InstanceSummary
	for _, vm := range payload.Items {
		if !strings.HasPrefix(vm.Name, "terradev-") {
			continue
		}
		family, _, _ := typeFamily(vm.Type)
		out = append(out, common.InstanceSummary{
			InstanceID:   vm.ID,
			Provider:     common.ProviderCrusoe,
			Status:       normalizeStatus(vm.State),
			InstanceType: vm.Type,
			Region:       vm.Location,
			GPUFamily:    family,
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
	ip := vm.publicIP()
	if ip == "" {
		return common.ExecFailure(common.ErrExecUnsupported), nil
	}
	return sshexec.Run(ctx, sshexec.Target{Host: ip, User: "ubuntu"}, command), nil
}

type crusoeVM struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Type              string `json:"type"`
	State             string `json:"state"`
	Location          string `json:"location"`
	NetworkInterfaces []struct {
		PublicIPv4 struct {
			Address string `json:"address"`
		} `json:"public_ipv4"`
	} `json:"network_interfaces"`
}

func (vm *crusoeVM) publicIP() string {
	for _, ni := range vm.NetworkInterfaces {
		if ni.PublicIPv4.Address != "" {
			return ni.PublicIPv4.Address
		}
	}
	return ""
}

func (a *Adapter) fetchVM(ctx context.Context, instanceID string) (*crusoeVM, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderCrusoe)
	}
	var vm crusoeVM
	if err := a.api.Get(ctx, "/projects/"+a.project+"/compute/vms/"+instanceID, &vm); err != nil {
		if restapi.NotFound(err) {
			return nil, common.ErrInstanceNotFound
		}
		return nil, err
	}
	return &vm, nil
}

func normalizeStatus(s string) string {
	switch strings.ToUpper(s) {
	case "STATE_RUNNING", "RUNNING":
		return "active"
	case "STATE_STOPPED", "STOPPED":
		return "stopped"
	case "STATE_STARTING", "STATE_CREATING":
		return "pending"
	default:
		return strings.ToLower(s)
	}
}
