// Package runpod adapts the RunPod REST API.
package runpod

import (
	"context"
	"fmt"
	"time"

	"github.com/terradev/terradev/providers/common"
	"github.com/terradev/terradev/providers/internal/restapi"
	"github.com/terradev/terradev/providers/internal/sshexec"
	"github.com/terradev/terradev/providers/registry"
)

const baseURL = "https://rest.runpod.io/v1"

func init() {
	registry.Register(registry.Descriptor{
		ID:          common.ProviderRunPod,
		Name:        "RunPod",
		Reliability: 0.85,
		Priority:    10,
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
		api:   restapi.New(baseURL, creds.Get("api_key"), restapi.AuthBearer),
		creds: creds,
	}
}

func (a *Adapter) ID() common.ProviderID { return common.ProviderRunPod }

func (a *Adapter) configured() bool { return a.creds.Has("api_key") }

func (a *Adapter) Quotes(ctx context.Context, gpuFamily, region string) ([]common.Quote, error) {
	if !a.configured() {
		return []common.Quote{}, nil
	}

	var gpuTypes []struct {
		ID             string  `json:"id"`
		DisplayName    string  `json:"displayName"`
		MemoryInGB     int     `json:"memoryInGb"`
		SecureCloud    bool    `json:"secureCloud"`
		CommunityCloud bool    `json:"communityCloud"`
		SecurePrice    float64 `json:"securePrice"`
		CommunityPrice float64 `json:"communityPrice"`
		SpotPrice      float64 `json:"communitySpotPrice"`
	}
	if err := a.api.Get(ctx, "/gpus", &gpuTypes); err != nil {
		return nil, err
	}

	want, _ := common.NormalizeGPUFamily(gpuFamily)
	var quotes []common.Quote
	for _, gt := range gpuTypes {
		family, ok := common.NormalizeGPUFamily(gt.DisplayName)
		if !ok || family != want {
			continue
		}
		// RunPod does not expose per-datacenter pricing; region filter
		// applies at provision time only.
		if gt.SecureCloud && gt.SecurePrice > 0 {
			quotes = append(quotes, a.quote(gt.ID, family, gt.SecurePrice, gt.MemoryInGB, common.CapacityOnDemand))
		}
		if gt.CommunityCloud && gt.SpotPrice > 0 {
			quotes = append(quotes, a.quote(gt.ID, family, gt.SpotPrice, gt.MemoryInGB, common.CapacitySpot))
		}
	}
	return quotes, nil
}

func (a *Adapter) quote(gpuTypeID, family string, price float64, memoryGB int, kind common.CapacityKind) common.Quote {
	return common.Quote{
		Provider:     common.ProviderRunPod,
		InstanceType: gpuTypeID,
		GPUFamily:    family,
		PricePerHour: price,
		Region:       "global",
		Available:    true,
		Kind:         kind,
		GPUCount:     1,
		MemoryGB:     memoryGB,
		Metadata:     map[string]interface{}{"gpu_type_id": gpuTypeID},
	}
}

func (a *Adapter) Provision(ctx context.Context, instanceType, region, gpuFamily string) (*common.Instance, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderRunPod)
	}

	body := map[string]interface{}{
		"name":       common.OwnershipTag,
		"gpuTypeIds": []string{instanceType},
		"gpuCount":   1,
		"imageName":  "runpod/pytorch:latest",
		"cloudType":  "SECURE",
	}
	if region != "" && region != "global" {
		body["dataCenterIds"] = []string{region}
	}

	var pod struct {
		ID            string  `json:"id"`
		DesiredStatus string  `json:"desiredStatus"`
		CostPerHr     float64 `json:"costPerHr"`
	}
	if err := a.api.Post(ctx, "/pods", body, &pod); err != nil {
		return nil, fmt.Errorf("runpod deploy failed: %w", err)
	}

	return &common.Instance{
		Provider:     common.ProviderRunPod,
		InstanceID:   pod.ID,
		InstanceType: instanceType,
		Region:       region,
		GPUFamily:    gpuFamily,
		PricePerHour: pod.CostPerHr,
		Kind:         common.CapacityOnDemand,
		Status:       normalizeStatus(pod.DesiredStatus),
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func (a *Adapter) Status(ctx context.Context, instanceID string) (*common.InstanceStatus, error) {
	pod, err := a.fetchPod(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &common.InstanceStatus{
		Status:   normalizeStatus(pod.DesiredStatus),
		PublicIP: pod.PublicIP,
		Region:   pod.DataCenterID,
	}, nil
}

func (a *Adapter) Stop(ctx context.Context, instanceID string) (string, error) {
	if !a.configured() {
		return "", common.NotConfiguredError(common.ProviderRunPod)
	}
	if err := a.api.Post(ctx, "/pods/"+instanceID+"/stop", nil, nil); err != nil {
		if restapi.NotFound(err) {
			return "", common.ErrInstanceNotFound
		}
		return "", err
	}
	return "stopped", nil
}

func (a *Adapter) Start(ctx context.Context, instanceID string) (string, error) {
	if !a.configured() {
		return "", common.NotConfiguredError(common.ProviderRunPod)
	}
	if err := a.api.Post(ctx, "/pods/"+instanceID+"/start", nil, nil); err != nil {
		if restapi.NotFound(err) {
			return "", common.ErrInstanceNotFound
		}
		return "", err
	}
	return "active", nil
}

func (a *Adapter) Terminate(ctx context.Context, instanceID string) (string, error) {
	if !a.configured() {
		return "", common.NotConfiguredError(common.ProviderRunPod)
	}
	if err := a.api.Delete(ctx, "/pods/"+instanceID); err != nil {
		if restapi.NotFound(err) {
			return "", common.ErrInstanceNotFound
		}
		return "", err
	}
	return "terminated", nil
}

func (a *Adapter) ListInstances(ctx context.Context) ([]common.InstanceSummary, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderRunPod)
	}
	var pods []runpodPod
	if err := a.api.Get(ctx, "/pods", &pods); err != nil {
		return nil, err
	}
	var out []common.InstanceSummary
	for _, pod := range pods {
		if pod.Name != common.OwnershipTag {
			continue
		}
		out = append(out, common.InstanceSummary{
			InstanceID:   pod.ID,
			Provider:     common.ProviderRunPod,
			Status:       normalizeStatus(pod.DesiredStatus),
			Region:       pod.DataCenterID,
			PricePerHour: pod.CostPerHr,
		})
	}
	return out, nil
}

func (a *Adapter) Execute(ctx context.Context, instanceID, command string, async bool) (*common.ExecResult, error) {
	if async {
		return nil, fmt.Errorf("async execution: %w", common.ErrExecUnsupported)
	}
	pod, err := a.fetchPod(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if pod.PublicIP == "" {
		return common.ExecFailure(common.ErrExecUnsupported), nil
	}
	port := ""
	if pod.SSHPort > 0 {
		port = fmt.Sprintf("%d", pod.SSHPort)
	}
	return sshexec.Run(ctx, sshexec.Target{Host: pod.PublicIP, Port: port, User: "root"}, command), nil
}

type runpodPod struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	DesiredStatus string  `json:"desiredStatus"`
	DataCenterID  string  `json:"dataCenterId"`
	CostPerHr     float64 `json:"costPerHr"`
	PublicIP      string  `json:"publicIp"`
	SSHPort       int     `json:"sshPort"`
}

func (a *Adapter) fetchPod(ctx context.Context, instanceID string) (*runpodPod, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderRunPod)
	}
	var pod runpodPod
	if err := a.api.Get(ctx, "/pods/"+instanceID, &pod); err != nil {
		if restapi.NotFound(err) {
			return nil, common.ErrInstanceNotFound
		}
		return nil, err
	}
	return &pod, nil
}

func normalizeStatus(desired string) string {
	switch desired {
	case "RUNNING":
		return "active"
	case "EXITED", "STOPPED":
		return "stopped"
	case "TERMINATED":
		return "terminated"
	default:
		return "pending"
	}
}
