// Package baseten adapts Baseten dedicated deployments. Like the other
// managed platforms, stop and start map to deactivate and activate and
// there is no shell access.
package baseten

import (
	"context"
	"fmt"
	"time"

	"github.com/terradev/terradev/providers/common"
	"github.com/terradev/terradev/providers/internal/restapi"
	"github.com/terradev/terradev/providers/registry"
)

const baseURL = "https://api.baseten.co/v1"

func init() {
	registry.Register(registry.Descriptor{
		ID:          common.ProviderBaseten,
		Name:        "Baseten",
		Reliability: 0.84,
		Priority:    31,
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
		api:   restapi.New(baseURL, creds.Get("api_key"), restapi.AuthAPIKey),
		creds: creds,
	}
}

func (a *Adapter) ID() common.ProviderID { return common.ProviderBaseten }

func (a *Adapter) configured() bool { return a.creds.Has("api_key") }

func (a *Adapter) Quotes(ctx context.Context, gpuFamily, region string) ([]common.Quote, error) {
	if !a.configured() {
		return []common.Quote{}, nil
	}

	var payload struct {
		InstanceTypes []struct {
			ID           string  `json:"id"`
			GPUType      string  `json:"gpu_type"`
			GPUCount     int     `json:"gpu_count"`
			VCPUCount    int     `json:"vcpu_count"`
			MemoryGB     int     `json:"memory_gb"`
			PricePerHour float64 `json:"price_per_hour"`
		} `json:"instance_types"`
	}
	if err := a.api.Get(ctx, "/instance-types", &payload); err != nil {
		return nil, err
	}

	want, _ := common.NormalizeGPUFamily(gpuFamily)
	var quotes []common.Quote
	for _, it := range payload.InstanceTypes {
		family, ok := common.NormalizeGPUFamily(it.GPUType)
		if !ok || family != want {
			continue
		}
		// Baseten schedules within its own fleet; region is opaque.
		if region != "" && region != "global" {
			continue
		}
		quotes = append(quotes, common.Quote{
			Provider:     common.ProviderBaseten,
			InstanceType: it.ID,
			GPUFamily:    family,
			PricePerHour: it.PricePerHour,
			Region:       "global",
			Available:    true,
			Kind:         common.CapacityOnDemand,
			GPUCount:     it.GPUCount,
			VCPUs:        it.VCPUCount,
			MemoryGB:     it.MemoryGB,
		})
	}
	return quotes, nil
}

func (a *Adapter) Provision(ctx context.Context, instanceType, region, gpuFamily string) (*common.Instance, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderBaseten)
	}

	body := map[string]interface{}{
		"name":          fmt.Sprintf("terradev-%d", time.Now().Unix()),
		"instance_type": instanceType,
		"model_origin":  a.creds.Get("model_origin"),
	}
	var created btDeployment
	if err := a.api.Post(ctx, "/deployments", body, &created); err != nil {
		return nil, fmt.Errorf("baseten deploy failed: %w", err)
	}

	return &common.Instance{
		Provider:     common.ProviderBaseten,
		InstanceID:   created.ID,
		InstanceType: instanceType,
		Region:       "global",
		GPUFamily:    gpuFamily,
		Kind:         common.CapacityOnDemand,
		Status:       normalizeStatus(created.Status),
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func (a *Adapter) Status(ctx context.Context, instanceID string) (*common.InstanceStatus, error) {
	dep, err := a.fetch(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &common.InstanceStatus{
		Status:       normalizeStatus(dep.Status),
		InstanceType: dep.InstanceType,
		Region:       "global",
	}, nil
}

func (a *Adapter) Stop(ctx context.Context, instanceID string) (string, error) {
	return a.action(ctx, instanceID, "deactivate", "stopped")
}

func (a *Adapter) Start(ctx context.Context, instanceID string) (string, error) {
	return a.action(ctx, instanceID, "activate", "active")
}

func (a *Adapter) Terminate(ctx context.Context, instanceID string) (string, error) {
	if !a.configured() {
		return "", common.NotConfiguredError(common.ProviderBaseten)
	}
	if err := a.api.Delete(ctx, "/deployments/"+instanceID); err != nil {
		if restapi.NotFound(err) {
			return "", common.ErrInstanceNotFound
		}
		return "", err
	}
	return "terminated", nil
}

func (a *Adapter) action(ctx context.Context, instanceID, verb, resulting string) (string, error) {
	if !a.configured() {
		return "", common.NotConfiguredError(common.ProviderBaseten)
	}
	if err := a.api.Post(ctx, "/deployments/"+instanceID+"/"+verb, nil, nil); err != nil {
		if restapi.NotFound(err) {
			return "", common.ErrInstanceNotFound
		}
		return "", err
	}
	return resulting, nil
}

func (a *Adapter) ListInstances(ctx context.Context) ([]common.InstanceSummary, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderBaseten)
	}
	var payload struct {
		Deployments []btDeployment `json:"deployments"`
	}
	if err := a.api.Get(ctx, "/deployments", &payload); err != nil {
		return nil, err
	}
	var out []common.InstanceSummary
	for _, dep := range payload.Deployments {
		if len(dep.Name) < 9 || dep.Name[:9] != "terradev-" {
			continue
		}
		out = append(out, common.InstanceSummary{
			InstanceID:   dep.ID,
			Provider:     common.ProviderBaseten,
			Status:       normalizeStatus(dep.Status),
			InstanceType: dep.InstanceType,
			Region:       "global",
		})
	}
	return out, nil
}

// Execute is unsupported; deployments expose no shell.
func (a *Adapter) Execute(ctx context.Context, instanceID, command string, async bool) (*common.ExecResult, error) {
	return nil, common.ErrExecUnsupported
}

type btDeployment struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	InstanceType string `json:"instance_type"`
}

func (a *Adapter) fetch(ctx context.Context, instanceID string) (*btDeployment, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderBaseten)
	}
	var dep btDeployment
	if err := a.api.Get(ctx, "/deployments/"+instanceID, &dep); err != nil {
		if restapi.NotFound(err) {
			return nil, common.ErrInstanceNotFound
		}
		return nil, err
	}
	return &dep, nil
}

func normalizeStatus(s string) string {
	switch s {
	case "ACTIVE":
		return "active"
	case "INACTIVE", "DEACTIVATED":
		return "stopped"
	case "BUILDING", "DEPLOYING", "LOADING_MODEL":
		return "pending"
	case "FAILED":
		return "failed"
	default:
		return s
	}
}
