// Package huggingface adapts Hugging Face Inference Endpoints. Compute
// is a managed endpoint rather than a raw VM: stop and start map to
// pause and resume, and shell execution is not available.
package huggingface

import (
	"context"
	"fmt"
	"time"

	"github.com/terradev/terradev/providers/common"
	"github.com/terradev/terradev/providers/internal/restapi"
	"github.com/terradev/terradev/providers/registry"
)

const baseURL = "https://api.endpoints.huggingface.cloud/v2"

func init() {
	registry.Register(registry.Descriptor{
		ID:          common.ProviderHuggingFace,
		Name:        "Hugging Face",
		Reliability: 0.86,
		Priority:    30,
		Enabled:     true,
	}, func(creds common.Credentials) common.Adapter {
		return New(creds)
	})
}

type Adapter struct {
	api       *restapi.Client
	creds     common.Credentials
	namespace string
}

func New(creds common.Credentials) *Adapter {
	return &Adapter{
		api:       restapi.New(baseURL, creds.Get("token"), restapi.AuthBearer),
		creds:     creds,
		namespace: creds.Get("namespace"),
	}
}

func (a *Adapter) ID() common.ProviderID { return common.ProviderHuggingFace }

func (a *Adapter) configured() bool { return a.creds.Has("token", "namespace") }

func (a *Adapter) Quotes(ctx context.Context, gpuFamily, region string) ([]common.Quote, error) {
	if !a.configured() {
		return []common.Quote{}, nil
	}

	var payload struct {
		Vendors []struct {
			Name    string `json:"name"`
			Regions []struct {
				Name     string `json:"name"`
				Computes []struct {
					Accelerator  string  `json:"accelerator"`
					InstanceType string  `json:"instanceType"`
					InstanceSize string  `json:"instanceSize"`
					NumGPUs      int     `json:"numAccelerators"`
					MemoryGB     int     `json:"memoryGb"`
					PricePerHour float64 `json:"pricePerHour"`
					Status       string  `json:"status"`
				} `json:"computes"`
			} `json:"regions"`
		} `json:"vendors"`
	}
	if err := a.api.Get(ctx, "/provider", &payload); err != nil {
		return nil, err
	}

	want, _ := common.NormalizeGPUFamily(gpuFamily)
	var quotes []common.Quote
	for _, vendor := range payload.Vendors {
		for _, r := range vendor.Regions {
			if region != "" && r.Name != region {
				continue
			}
			for _, compute := range r.Computes {
				if compute.Accelerator != "gpu" {
					continue
				}
				family, ok := common.NormalizeGPUFamily(compute.InstanceType)
				if !ok || family != want {
					continue
				}
				quotes = append(quotes, common.Quote{
					Provider:     common.ProviderHuggingFace,
					InstanceType: compute.InstanceType + ":" + compute.InstanceSize,
					GPUFamily:    family,
					PricePerHour: compute.PricePerHour,
					Region:       r.Name,
					Available:    compute.Status == "available",
					Kind:         common.CapacityOnDemand,
					GPUCount:     compute.NumGPUs,
					MemoryGB:     compute.MemoryGB,
					Metadata:     map[string]interface{}{"vendor": vendor.Name},
				})
			}
		}
	}
	return quotes, nil
}

func (a *Adapter) Provision(ctx context.Context, instanceType, region, gpuFamily string) (*common.Instance, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderHuggingFace)
	}

	computeType, computeSize := splitInstanceType(instanceType)
	name := fmt.Sprintf("terradev-%d", time.Now().Unix())
	body := map[string]interface{}{
		"name": name,
		"type": "protected",
		"compute": map[string]interface{}{
			"accelerator":  "gpu",
			"instanceType": computeType,
			"instanceSize": computeSize,
			"scaling":      map[string]int{"minReplica": 1, "maxReplica": 1},
		},
		"provider": map[string]string{"region": region},
		"model": map[string]interface{}{
			"repository": a.creds.Get("repository"),
			"task":       "text-generation",
		},
	}
	var created hfEndpoint
	if err := a.api.Post(ctx, "/endpoint/"+a.namespace, body, &created); err != nil {
		return nil, fmt.Errorf("endpoint create failed: %w", err)
	}

	return &common.Instance{
		Provider:     common.ProviderHuggingFace,
		InstanceID:   created.Name,
		InstanceType: instanceType,
		Region:       region,
		GPUFamily:    gpuFamily,
		Kind:         common.CapacityOnDemand,
		Status:       normalizeStatus(created.Status.State),
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func (a *Adapter) Status(ctx context.Context, instanceID string) (*common.InstanceStatus, error) {
	ep, err := a.fetch(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &common.InstanceStatus{
		Status: normalizeStatus(ep.Status.State),
		Region: ep.Provider.Region,
	}, nil
}

func (a *Adapter) Stop(ctx context.Context, instanceID string) (string, error) {
	return a.action(ctx, instanceID, "pause", "stopped")
}

func (a *Adapter) Start(ctx context.Context, instanceID string) (string, error) {
	return a.action(ctx, instanceID, "resume", "active")
}

func (a *Adapter) Terminate(ctx context.Context, instanceID string) (string, error) {
	if !a.configured() {
		return "", common.NotConfiguredError(common.ProviderHuggingFace)
	}
	if err := a.api.Delete(ctx, "/endpoint/"+a.namespace+"/"+instanceID); err != nil {
		if restapi.NotFound(err) {
			return "", common.ErrInstanceNotFound
		}
		return "", err
	}
	return "terminated", nil
}

func (a *Adapter) action(ctx context.Context, instanceID, verb, resulting string) (string, error) {
	if !a.configured() {
		return "", common.NotConfiguredError(common.ProviderHuggingFace)
	}
	if err := a.api.Post(ctx, "/endpoint/"+a.namespace+"/"+instanceID+"/"+verb, nil, nil); err != nil {
		if restapi.NotFound(err) {
			return "", common.ErrInstanceNotFound
		}
		return "", err
	}
	return resulting, nil
}

func (a *Adapter) ListInstances(ctx context.Context) ([]common.InstanceSummary, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderHuggingFace)
	}
	var payload struct {
		Items []hfEndpoint `json:"items"`
	}
	if err := a.api.Get(ctx, "/endpoint/"+a.namespace, &payload); err != nil {
		return nil, err
	}
	var out []common.InstanceSummary
	for _, ep := range payload.Items {
		out = append(out, common.InstanceSummary{
			InstanceID: ep.Name,
			Provider:   common.ProviderHuggingFace,
			Status:     normalizeStatus(ep.Status.State),
			Region:     ep.Provider.Region,
		})
	}
	return out, nil
}

// Execute is unsupported; endpoints expose no shell.
func (a *Adapter) Execute(ctx context.Context, instanceID, command string, async bool) (*common.ExecResult, error) {
	return nil, common.ErrExecUnsupported
}

type hfEndpoint struct {
	Name   string `json:"name"`
	Status struct {
		State string `json:"state"`
	} `json:"status"`
	Provider struct {
		Region string `json:"region"`
	} `json:"provider"`
}

func (a *Adapter) fetch(ctx context.Context, instanceID string) (*hfEndpoint, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderHuggingFace)
	}
	var ep hfEndpoint
	if err := a.api.Get(ctx, "/endpoint/"+a.namespace+"/"+instanceID, &ep); err != nil {
		if restapi.NotFound(err) {
			return nil, common.ErrInstanceNotFound
		}
		return nil, err
	}
	return &ep, nil
}

func splitInstanceType(instanceType string) (string, string) {
	for i := 0; i < len(instanceType); i++ {
		if instanceType[i] == ':' {
			return instanceType[:i], instanceType[i+1:]
		}
	}
	return instanceType, "medium"
}

func normalizeStatus(state string) string {
	switch state {
	case "running":
		return "active"
	case "paused", "scaledToZero":
		return "stopped"
	case "pending", "initializing", "updating":
		return "pending"
	case "failed":
		return "failed"
	default:
		return state
	}
}
