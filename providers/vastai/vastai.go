// Package vastai adapts the Vast.ai marketplace API.
package vastai

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

const baseURL = "https://console.vast.ai/api/v0"

func init() {
	registry.Register(registry.Descriptor{
		ID:          common.ProviderVastAI,
		Name:        "Vast.ai",
		Reliability: 0.75,
		Priority:    20,
		Enabled:     true,
	}, func(creds common.Credentials) common.Adapter {
		return New(creds)
	})
}

// Adapter talks to the Vast.ai console API on behalf of one credential
// set.
type Adapter struct {
	api   *restapi.Client
	creds common.Credentials
}

// New builds the adapter. Missing credentials degrade per the Adapter
// contract rather than erroring here.
func New(creds common.Credentials) *Adapter {
	return &Adapter{
		api:   restapi.New(baseURL, creds.Get("api_key"), restapi.AuthBearer),
		creds: creds,
	}
}

func (a *Adapter) ID() common.ProviderID { return common.ProviderVastAI }

func (a *Adapter) configured() bool { return a.creds.Has("api_key") }

func (a *Adapter) Quotes(ctx context.Context, gpuFamily, region string) ([]common.Quote, error) {
	if !a.configured() {
		return []common.Quote{}, nil
	}

	var payload struct {
		Offers []struct {
			ID            int     `json:"id"`
			GPUName       string  `json:"gpu_name"`
			NumGPUs       int     `json:"num_gpus"`
			CPUCores      int     `json:"cpu_cores"`
			CPURAMTotal   int     `json:"cpu_ram"`
			DPHBase       float64 `json:"dph_base"`
			Geolocation   string  `json:"geolocation"`
			Rentable      bool    `json:"rentable"`
			Interruptible bool    `json:"min_bid_interruptible"`
			InetDown      float64 `json:"inet_down"`
		} `json:"offers"`
	}
	if err := a.api.Get(ctx, "/bundles"+restapi.Query(map[string]string{"q": gpuFamily}), &payload); err != nil {
		return nil, err
	}

	want, _ := common.NormalizeGPUFamily(gpuFamily)
	quotes := make([]common.Quote, 0, len(payload.Offers))
	for _, offer := range payload.Offers {
		family, ok := common.NormalizeGPUFamily(offer.GPUName)
		if !ok || family != want {
			continue
		}
		if region != "" && offer.Geolocation != region {
			continue
		}
		kind := common.CapacityOnDemand
		if offer.Interruptible {
			kind = common.CapacitySpot
		}
		quotes = append(quotes, common.Quote{
			Provider:     common.ProviderVastAI,
			InstanceType: fmt.Sprintf("vast-offer-%d", offer.ID),
			GPUFamily:    family,
			PricePerHour: offer.DPHBase,
			Region:       offer.Geolocation,
			Available:    offer.Rentable,
			Kind:         kind,
			GPUCount:     offer.NumGPUs,
			VCPUs:        offer.CPUCores,
			MemoryGB:     offer.CPURAMTotal / 1024,
			Metadata:     map[string]interface{}{"offer_id": offer.ID},
		})
	}
	return quotes, nil
}

func (a *Adapter) Provision(ctx context.Context, instanceType, region, gpuFamily string) (*common.Instance, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderVastAI)
	}

	var offerID int
	if _, err := fmt.Sscanf(instanceType, "vast-offer-%d", &offerID); err != nil {
		return nil, fmt.Errorf("invalid vast.ai instance type %q: %w", instanceType, err)
	}

	body := map[string]interface{}{
		"client_id": "me",
		"image":     "pytorch/pytorch:latest",
		"label":     common.OwnershipTag,
	}
	var created struct {
		Success     bool `json:"success"`
		NewContract int  `json:"new_contract"`
	}
	if err := a.api.Do(ctx, http.MethodPut, fmt.Sprintf("/asks/%d/", offerID), body, &created); err != nil {
		return nil, fmt.Errorf("vast.ai rental failed: %w", err)
	}
	if !created.Success {
		return nil, fmt.Errorf("vast.ai rejected rental of offer %d", offerID)
	}

	return &common.Instance{
		Provider:     common.ProviderVastAI,
		InstanceID:   fmt.Sprintf("%d", created.NewContract),
		InstanceType: instanceType,
		Region:       region,
		GPUFamily:    gpuFamily,
		Kind:         common.CapacityOnDemand,
		Status:       "active",
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func (a *Adapter) Status(ctx context.Context, instanceID string) (*common.InstanceStatus, error) {
	inst, err := a.fetchInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &common.InstanceStatus{
		Status:   inst.ActualStatus,
		PublicIP: inst.PublicIPAddr,
		Region:   inst.Geolocation,
	}, nil
}

func (a *Adapter) Stop(ctx context.Context, instanceID string) (string, error) {
	return a.setState(ctx, instanceID, "stopped")
}

func (a *Adapter) Start(ctx context.Context, instanceID string) (string, error) {
	return a.setState(ctx, instanceID, "running")
}

func (a *Adapter) Terminate(ctx context.Context, instanceID string) (string, error) {
	if !a.configured() {
		return "", common.NotConfiguredError(common.ProviderVastAI)
	}
	if err := a.api.Delete(ctx, "/instances/"+instanceID+"/"); err != nil {
		if restapi.NotFound(err) {
			return "", common.ErrInstanceNotFound
		}
		return "", err
	}
	return "terminated", nil
}

func (a *Adapter) ListInstances(ctx context.Context) ([]common.InstanceSummary, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderVastAI)
	}
	var payload struct {
		Instances []vastInstance `json:"instances"`
	}
	if err := a.api.Get(ctx, "/instances/", &payload); err != nil {
		return nil, err
	}
	var out []common.InstanceSummary
	for _, inst := range payload.Instances {
		if inst.Label != common.OwnershipTag {
			continue
		}
		family, _ := common.NormalizeGPUFamily(inst.GPUName)
		out = append(out, common.InstanceSummary{
			InstanceID:   fmt.Sprintf("%d", inst.ID),
			Provider:     common.ProviderVastAI,
			Status:       inst.ActualStatus,
			Region:       inst.Geolocation,
			GPUFamily:    family,
			PricePerHour: inst.DPHTotal,
		})
	}
	return out, nil
}

// Execute uses SSH; Vast.ai has no server-side run-command facility.
func (a *Adapter) Execute(ctx context.Context, instanceID, command string, async bool) (*common.ExecResult, error) {
	if async {
		return nil, fmt.Errorf("async execution: %w", common.ErrExecUnsupported)
	}
	inst, err := a.fetchInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.PublicIPAddr == "" {
		return common.ExecFailure(common.ErrExecUnsupported), nil
	}
	port := ""
	if inst.SSHPort > 0 {
		port = fmt.Sprintf("%d", inst.SSHPort)
	}
	return sshexec.Run(ctx, sshexec.Target{
		Host: inst.PublicIPAddr,
		Port: port,
		User: "root",
	}, command), nil
}

type vastInstance struct {
	ID           int     `json:"id"`
	ActualStatus string  `json:"actual_status"`
	GPUName      string  `json:"gpu_name"`
	Geolocation  string  `json:"geolocation"`
	PublicIPAddr string  `json:"public_ipaddr"`
	SSHPort      int     `json:"ssh_port"`
	DPHTotal     float64 `json:"dph_total"`
	Label        string  `json:"label"`
}

func (a *Adapter) fetchInstance(ctx context.Context, instanceID string) (*vastInstance, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderVastAI)
	}
	var payload struct {
		Instances vastInstance `json:"instances"`
	}
	if err := a.api.Get(ctx, "/instances/"+instanceID+"/", &payload); err != nil {
		if restapi.NotFound(err) {
			return nil, common.ErrInstanceNotFound
		}
		return nil, err
	}
	return &payload.Instances, nil
}

func (a *Adapter) setState(ctx context.Context, instanceID, state string) (string, error) {
	if !a.configured() {
		return "", common.NotConfiguredError(common.ProviderVastAI)
	}
	body := map[string]string{"state": state}
	if err := a.api.Do(ctx, http.MethodPut, "/instances/"+instanceID+"/", body, nil); err != nil {
		if restapi.NotFound(err) {
			return "", common.ErrInstanceNotFound
		}
		return "", err
	}
	return state, nil
}
