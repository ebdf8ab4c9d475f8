// Package gcp adapts Compute Engine GPU capacity. Machine shapes come
// from a static catalog; lifecycle goes through the Compute API with
// instances located by aggregated list, since GCE operations are
// zone-scoped while terradev ids are flat.
package gcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/terradev/terradev/providers/common"
	"github.com/terradev/terradev/providers/internal/sshexec"
	"github.com/terradev/terradev/providers/registry"
)

func init() {
	registry.Register(registry.Descriptor{
		ID:          common.ProviderGCP,
		Name:        "Google Cloud",
		Reliability: 0.94,
		Priority:    2,
		Enabled:     true,
	}, func(creds common.Credentials) common.Adapter {
		return New(creds)
	})
}

type machineSpec struct {
	gpuFamily   string
	gpuCount    int
	vcpus       int
	memoryGB    int
	price       float64
	accelerator string // set for n1 shapes that attach GPUs explicitly
}

var catalog = map[string]machineSpec{
	"a3-highgpu-8g":      {"H100", 8, 208, 1872, 88.25, ""},
	"a2-highgpu-1g":      {"A100", 1, 12, 85, 3.67, ""},
	"a2-highgpu-8g":      {"A100", 8, 96, 680, 29.39, ""},
	"a2-ultragpu-1g":     {"A100-80", 1, 12, 170, 5.07, ""},
	"g2-standard-4":      {"L4", 1, 4, 16, 0.71, ""},
	"n1-standard-8-t4":   {"T4", 1, 8, 30, 0.73, "nvidia-tesla-t4"},
	"n1-standard-8-v100": {"V100", 1, 8, 30, 2.86, "nvidia-tesla-v100"},
}

var defaultRegions = []string{"us-central1", "europe-west4", "asia-southeast1"}

type Adapter struct {
	creds common.Credentials

	mu  sync.Mutex
	svc *compute.Service
}

func New(creds common.Credentials) *Adapter {
	return &Adapter{creds: creds}
}

func (a *Adapter) ID() common.ProviderID { return common.ProviderGCP }

func (a *Adapter) configured() bool {
	return a.creds.Has("project_id", "service_account_json")
}

func (a *Adapter) service(ctx context.Context) (*compute.Service, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.svc != nil {
		return a.svc, nil
	}
	svc, err := compute.NewService(ctx,
		option.WithCredentialsJSON([]byte(a.creds.Get("service_account_json"))))
	if err != nil {
		return nil, fmt.Errorf("compute service: %w", err)
	}
	a.svc = svc
	return svc, nil
}

func (a *Adapter) project() string { return a.creds.Get("project_id") }

func (a *Adapter) Quotes(ctx context.Context, gpuFamily, region string) ([]common.Quote, error) {
	if !a.configured() {
		return []common.Quote{}, nil
	}

	want, _ := common.NormalizeGPUFamily(gpuFamily)
	regions := defaultRegions
	if region != "" {
		regions = []string{region}
	}

	var quotes []common.Quote
	for _, r := range regions {
		for machineType, spec := range catalog {
			if spec.gpuFamily != want {
				continue
			}
			quotes = append(quotes, common.Quote{
				Provider:     common.ProviderGCP,
				InstanceType: machineType,
				GPUFamily:    spec.gpuFamily,
				PricePerHour: spec.price,
				Region:       r,
				Available:    true,
				Kind:         common.CapacityOnDemand,
				GPUCount:     spec.gpuCount,
				VCPUs:        spec.vcpus,
				MemoryGB:     spec.memoryGB,
			})
			// Preemptible capacity runs at a deep discount.
			quotes = append(quotes, common.Quote{
				Provider:     common.ProviderGCP,
				InstanceType: machineType,
				GPUFamily:    spec.gpuFamily,
				PricePerHour: spec.price * 0.35,
				Region:       r,
				Available:    true,
				Kind:         common.CapacitySpot,
				GPUCount:     spec.gpuCount,
				VCPUs:        spec.vcpus,
				MemoryGB:     spec.memoryGB,
			})
		}
	}
	return quotes, nil
}

func (a *Adapter) Provision(ctx context.Context, instanceType, region, gpuFamily string) (*common.Instance, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderGCP)
	}
	svc, err := a.service(ctx)
	if err != nil {
		return nil, err
	}
	if region == "" {
		region = defaultRegions[0]
	}
	zone := region + "-a"

	spec, ok := catalog[instanceType]
	if !ok {
		return nil, fmt.Errorf("unknown gcp machine type %q", instanceType)
	}
	machineType := instanceType
	if spec.accelerator != "" {
		machineType = strings.TrimSuffix(machineType, "-"+shortAccel(spec.accelerator))
	}

	name := fmt.Sprintf("terradev-%d", time.Now().UnixNano())
	inst := &compute.Instance{
		Name:        name,
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", zone, machineType),
		Labels:      map[string]string{"managed-by": "terradev"},
		Disks: []*compute.AttachedDisk{{
			Boot:       true,
			AutoDelete: true,
			InitializeParams: &compute.AttachedDiskInitializeParams{
				SourceImage: "projects/ml-images/global/images/family/common-gpu",
				DiskSizeGb:  100,
			},
		}},
		NetworkInterfaces: []*compute.NetworkInterface{{
			Network:       "global/networks/default",
			AccessConfigs: []*compute.AccessConfig{{Type: "ONE_TO_ONE_NAT"}},
		}},
		Scheduling: &compute.Scheduling{OnHostMaintenance: "TERMINATE"},
	}
	if spec.accelerator != "" {
		inst.GuestAccelerators = []*compute.AcceleratorConfig{{
			AcceleratorType:  fmt.Sprintf("zones/%s/acceleratorTypes/%s", zone, spec.accelerator),
			AcceleratorCount: int64(spec.gpuCount),
		}}
	}

	if _, err := svc.Instances.Insert(a.project(), zone, inst).Context(ctx).Do(); err != nil {
		return nil, fmt.Errorf("gce insert: %w", err)
	}

	return &common.Instance{
		Provider:     common.ProviderGCP,
		InstanceID:   name,
		InstanceType: instanceType,
		Region:       region,
		GPUFamily:    gpuFamily,
		PricePerHour: spec.price,
		Kind:         common.CapacityOnDemand,
		Status:       "pending",
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func (a *Adapter) Status(ctx context.Context, instanceID string) (*common.InstanceStatus, error) {
	inst, zone, err := a.findInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &common.InstanceStatus{
		Status:       normalizeStatus(inst.Status),
		PublicIP:     externalIP(inst),
		InstanceType: lastSegment(inst.MachineType),
		Region:       zoneRegion(zone),
	}, nil
}

func (a *Adapter) Stop(ctx context.Context, instanceID string) (string, error) {
	_, zone, err := a.findInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	svc, err := a.service(ctx)
	if err != nil {
		return "", err
	}
	if _, err := svc.Instances.Stop(a.project(), zone, instanceID).Context(ctx).Do(); err != nil {
		return "", fmt.Errorf("gce stop: %w", err)
	}
	return "stopping", nil
}

func (a *Adapter) Start(ctx context.Context, instanceID string) (string, error) {
	_, zone, err := a.findInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	svc, err := a.service(ctx)
	if err != nil {
		return "", err
	}
	if _, err := svc.Instances.Start(a.project(), zone, instanceID).Context(ctx).Do(); err != nil {
		return "", fmt.Errorf("gce start: %w", err)
	}
	return "pending", nil
}

func (a *Adapter) Terminate(ctx context.Context, instanceID string) (string, error) {
	_, zone, err := a.findInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	svc, err := a.service(ctx)
	if err != nil {
		return "", err
	}
	if _, err := svc.Instances.Delete(a.project(), zone, instanceID).Context(ctx).Do(); err != nil {
		return "", fmt.Errorf("gce delete: %w", err)
	}
	return "terminated", nil
}

func (a *Adapter) ListInstances(ctx context.Context) ([]common.InstanceSummary, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderGCP)
	}
	svc, err := a.service(ctx)
	if err != nil {
		return nil, err
	}

	agg, err := svc.Instances.AggregatedList(a.project()).
		Filter(`labels.managed-by = "terradev"`).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("gce aggregated list: %w", err)
	}

	var out []common.InstanceSummary
	for zoneKey, scoped := range agg.Items {
		for _, inst := range scoped.Instances {
			out = append(out, common.InstanceSummary{
				InstanceID:   inst.Name,
				Provider:     common.ProviderGCP,
				Status:       normalizeStatus(inst.Status),
				InstanceType: lastSegment(inst.MachineType),
				Region:       zoneRegion(lastSegment(zoneKey)),
			})
		}
	}
	return out, nil
}

func (a *Adapter) Execute(ctx context.Context, instanceID, command string, async bool) (*common.ExecResult, error) {
	if async {
		return nil, fmt.Errorf("async execution: %w", common.ErrExecUnsupported)
	}
	inst, _, err := a.findInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	ip := externalIP(inst)
	if ip == "" {
		return common.ExecFailure(common.ErrExecUnsupported), nil
	}
	return sshexec.Run(ctx, sshexec.Target{Host: ip, User: "ubuntu"}, command), nil
}

// findInstance resolves name to its zone via aggregated list.
func (a *Adapter) findInstance(ctx context.Context, instanceID string) (*compute.Instance, string, error) {
	if !a.configured() {
		return nil, "", common.NotConfiguredError(common.ProviderGCP)
	}
	svc, err := a.service(ctx)
	if err != nil {
		return nil, "", err
	}

	agg, err := svc.Instances.AggregatedList(a.project()).
		Filter(fmt.Sprintf("name = %q", instanceID)).Context(ctx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 404 {
			return nil, "", common.ErrInstanceNotFound
		}
		return nil, "", fmt.Errorf("gce aggregated list: %w", err)
	}
	for zoneKey, scoped := range agg.Items {
		for _, inst := range scoped.Instances {
			return inst, lastSegment(zoneKey), nil
		}
	}
	return nil, "", common.ErrInstanceNotFound
}

func externalIP(inst *compute.Instance) string {
	for _, ni := range inst.NetworkInterfaces {
		for _, ac := range ni.AccessConfigs {
			if ac.NatIP != "" {
				return ac.NatIP
			}
		}
	}
	return ""
}

func lastSegment(url string) string {
	if i := strings.LastIndexByte(url, '/'); i >= 0 {
		return url[i+1:]
	}
	return url
}

// zoneRegion strips the zone suffix: us-central1-a -> us-central1.
func zoneRegion(zone string) string {
	if i := strings.LastIndexByte(zone, '-'); i > 0 {
		return zone[:i]
	}
	return zone
}

func shortAccel(accelerator string) string {
	return lastSegment(strings.ReplaceAll(accelerator, "nvidia-tesla-", ""))
}

func normalizeStatus(s string) string {
	switch s {
	case "RUNNING":
		return "active"
	case "TERMINATED", "STOPPED":
		return "stopped"
	case "PROVISIONING", "STAGING":
		return "pending"
	default:
		return strings.ToLower(s)
	}
}
