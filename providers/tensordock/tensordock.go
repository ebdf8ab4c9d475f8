// Package tensordock adapts the TensorDock marketplace API. Auth is a
// key/token pair carried as request parameters rather than a header.
package tensordock

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/terradev/terradev/providers/common"
	"github.com/terradev/terradev/providers/internal/restapi"
	"github.com/terradev/terradev/providers/internal/sshexec"
	"github.com/terradev/terradev/providers/registry"
)

const baseURL = "https://marketplace.tensordock.com/api/v0"

func init() {
	registry.Register(registry.Descriptor{
		ID:          common.ProviderTensorDock,
		Name:        "TensorDock",
		Reliability: 0.70,
		Priority:    22,
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
		api:   restapi.New(baseURL, "", restapi.AuthBearer),
		creds: creds,
	}
}

func (a *Adapter) ID() common.ProviderID { return common.ProviderTensorDock }

func (a *Adapter) configured() bool { return a.creds.Has("api_key", "api_token") }

// auth returns the key/token pair every marketplace call carries.
func (a *Adapter) auth() map[string]string {
	return map[string]string{
		"api_key":   a.creds.Get("api_key"),
		"api_token": a.creds.Get("api_token"),
	}
}

func (a *Adapter) Quotes(ctx context.Context, gpuFamily, region string) ([]common.Quote, error) {
	if !a.configured() {
		return []common.Quote{}, nil
	}

	var payload struct {
		Success   bool `json:"success"`
		HostNodes map[string]struct {
			Location struct {
				Region string `json:"region"`
			} `json:"location"`
			Specs struct {
				GPU map[string]struct {
					Amount int     `json:"amount"`
					Price  float64 `json:"price"`
				} `json:"gpu"`
				CPU struct{ Amount int } `json:"cpu"`
				RAM struct{ Amount int } `json:"ram"`
			} `json:"specs"`
		} `json:"hostnodes"`
	}
	if err := a.api.Get(ctx, "/client/deploy/hostnodes"+restapi.Query(a.auth()), &payload); err != nil {
		return nil, err
	}

	want, _ := common.NormalizeGPUFamily(gpuFamily)
	var quotes []common.Quote
	for nodeID, node := range payload.HostNodes {
		if region != "" && node.Location.Region != region {
			continue
		}
		for gpuModel, gpu := range node.Specs.GPU {
			family, ok := common.NormalizeGPUFamily(gpuModel)
			if !ok || family != want || gpu.Amount == 0 {
				continue
			}
			quotes = append(quotes, common.Quote{
				Provider:     common.ProviderTensorDock,
				InstanceType: gpuModel,
				GPUFamily:    family,
				PricePerHour: gpu.Price,
				Region:       node.Location.Region,
				Available:    true,
				Kind:         common.CapacityOnDemand,
				GPUCount:     gpu.Amount,
				VCPUs:        node.Specs.CPU.Amount,
				MemoryGB:     node.Specs.RAM.Amount,
				Metadata:     map[string]interface{}{"hostnode": nodeID},
			})
		}
	}
	return quotes, nil
}

func (a *Adapter) Provision(ctx context.Context, instanceType, region, gpuFamily string) (*common.Instance, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderTensorDock)
	}

	body := map[string]interface{}{
		"api_key":          a.creds.Get("api_key"),
		"api_token":        a.creds.Get("api_token"),
		"gpu_model":        instanceType,
		"gpu_count":        1,
		"vcpus":            4,
		"ram":              16,
		"storage":          100,
		"name":             common.OwnershipTag,
		"operating_system": "Ubuntu 22.04 LTS",
	}
	var deployed struct {
		Success bool   `json:"success"`
		Server  string `json:"server"`
	}
	if err := a.api.Post(ctx, "/client/deploy/single", body, &deployed); err != nil {
		return nil, fmt.Errorf("tensordock deploy failed: %w", err)
	}
	if !deployed.Success {
		return nil, fmt.Errorf("tensordock rejected deployment of %s", instanceType)
	}

	return &common.Instance{
		Provider:     common.ProviderTensorDock,
		InstanceID:   deployed.Server,
		InstanceType: instanceType,
		Region:       region,
		GPUFamily:    gpuFamily,
		Kind:         common.CapacityOnDemand,
		Status:       "pending",
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func (a *Adapter) Status(ctx context.Context, instanceID string) (*common.InstanceStatus, error) {
	srv, err := a.fetchServer(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &common.InstanceStatus{Status: srv.Status, PublicIP: srv.IPAddress}, nil
}

func (a *Adapter) Stop(ctx context.Context, instanceID string) (string, error) {
	return a.action(ctx, instanceID, "stop", "stopped")
}

func (a *Adapter) Start(ctx context.Context, instanceID string) (string, error) {
	return a.action(ctx, instanceID, "start", "active")
}

func (a *Adapter) Terminate(ctx context.Context, instanceID string) (string, error) {
	return a.action(ctx, instanceID, "delete", "terminated")
}

func (a *Adapter) action(ctx context.Context, instanceID, verb, resulting string) (string, error) {
	if !a.configured() {
		return "", common.NotConfiguredError(common.ProviderTensorDock)
	}
	params := a.auth()
	params["server"] = instanceID
	var resp struct {
		Success bool `json:"success"`
	}
	if err := a.api.Do(ctx, http.MethodGet, "/client/actions/"+verb+"/single"+restapi.Query(params), nil, &resp); err != nil {
		if restapi.NotFound(err) {
			return "", common.ErrInstanceNotFound
		}
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("tensordock %s failed for %s", verb, instanceID)
	}
	return resulting, nil
}

func (a *Adapter) ListInstances(ctx context.Context) ([]common.InstanceSummary, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderTensorDock)
	}
	var payload struct {
		Success         bool                `json:"success"`
		VirtualMachines map[string]tdServer `json:"virtualmachines"`
	}
	if err := a.api.Get(ctx, "/client/list"+restapi.Query(a.auth()), &payload); err != nil {
		return nil, err
	}
	var out []common.InstanceSummary
	for id, srv := range payload.VirtualMachines {
		if srv.Name != common.OwnershipTag {
			continue
		}
		out = append(out, common.InstanceSummary{
			InstanceID:   id,
			Provider:     common.ProviderTensorDock,
			Status:       srv.Status,
			InstanceType: srv.GPUModel,
			PricePerHour: srv.CostPerHr,
		})
	}
	return out, nil
}

func (a *Adapter) Execute(ctx context.Context, instanceID, command string, async bool) (*common.ExecResult, error) {
	if async {
		return nil, fmt.Errorf("async execution: %w", common.ErrExecUnsupported)
	}
	srv, err := a.fetchServer(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if srv.IPAddress == "" {
		return common.ExecFailure(common.ErrExecUnsupported), nil
	}
	return sshexec.Run(ctx, sshexec.Target{Host: srv.IPAddress, User: "user"}, command), nil
}

type tdServer struct {
	Name      string  `json:"name"`
	Status    string  `json:"status"`
	IPAddress string  `json:"ip_address"`
	GPUModel  string  `json:"gpu_model"`
	CostPerHr float64 `json:"cost_per_hr"`
}

func (a *Adapter) fetchServer(ctx context.Context, instanceID string) (*tdServer, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderTensorDock)
	}
	params := a.auth()
	params["server"] = instanceID
	var payload struct {
		Success bool     `json:"success"`
		Server  tdServer `json:"server"`
	}
	if err := a.api.Get(ctx, "/client/get/single"+restapi.Query(params), &payload); err != nil {
		if restapi.NotFound(err) {
			return nil, common.ErrInstanceNotFound
		}
		return nil, err
	}
	if !payload.Success {
		return nil, common.ErrInstanceNotFound
	}
	return &payload.Server, nil
}
