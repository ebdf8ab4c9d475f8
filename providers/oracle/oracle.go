// Package oracle adapts OCI GPU compute shapes.
package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	ocicommon "github.com/oracle/oci-go-sdk/v65/common"
	"github.com/oracle/oci-go-sdk/v65/core"

	"github.com/terradev/terradev/providers/common"
	"github.com/terradev/terradev/providers/internal/sshexec"
	"github.com/terradev/terradev/providers/registry"
)

func init() {
	registry.Register(registry.Descriptor{
		ID:          common.ProviderOracle,
		Name:        "Oracle Cloud",
		Reliability: 0.90,
		Priority:    4,
		Enabled:     true,
	}, func(creds common.Credentials) common.Adapter {
		return New(creds)
	})
}

type shapeSpec struct {
	gpuFamily string
	gpuCount  int
	vcpus     int
	memoryGB  int
	price     float64
}

var catalog = map[string]shapeSpec{
	"BM.GPU.H100.8":    {"H100", 8, 112, 2048, 80.00},
	"BM.GPU.A100-v2.8": {"A100", 8, 128, 2048, 32.00},
	"VM.GPU.A10.1":     {"A10G", 1, 15, 240, 2.00},
	"VM.GPU.A10.2":     {"A10G", 2, 30, 480, 4.00},
	"VM.GPU3.1":        {"V100", 1, 6, 90, 2.95},
	"VM.GPU3.4":        {"V100", 4, 24, 360, 11.80},
}

var defaultRegions = []string{"us-ashburn-1", "eu-frankfurt-1"}

type Adapter struct {
	creds common.Credentials

	mu      sync.Mutex
	compute *core.ComputeClient
	vnet    *core.VirtualNetworkClient
}

func New(creds common.Credentials) *Adapter {
	return &Adapter{creds: creds}
}

func (a *Adapter) ID() common.ProviderID { return common.ProviderOracle }

func (a *Adapter) configured() bool {
	return a.creds.Has("tenancy_ocid", "user_ocid", "fingerprint", "private_key", "compartment_ocid")
}

func (a *Adapter) region() string {
	if r := a.creds.Get("region"); r != "" {
		return r
	}
	return defaultRegions[0]
}

func (a *Adapter) provider() ocicommon.ConfigurationProvider {
	return ocicommon.NewRawConfigurationProvider(
		a.creds.Get("tenancy_ocid"),
		a.creds.Get("user_ocid"),
		a.region(),
		a.creds.Get("fingerprint"),
		a.creds.Get("private_key"),
		nil,
	)
}

func (a *Adapter) computeClient() (*core.ComputeClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.compute != nil {
		return a.compute, nil
	}
	client, err := core.NewComputeClientWithConfigurationProvider(a.provider())
	if err != nil {
		return nil, fmt.Errorf("oci compute client: %w", err)
	}
	a.compute = &client
	return a.compute, nil
}

func (a *Adapter) vnetClient() (*core.VirtualNetworkClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.vnet != nil {
		return a.vnet, nil
	}
	client, err := core.NewVirtualNetworkClientWithConfigurationProvider(a.provider())
	if err != nil {
		return nil, fmt.Errorf("oci network client: %w", err)
	}
	a.vnet = &client
	return a.vnet, nil
}

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
		for shape, spec := range catalog {
			if spec.gpuFamily != want {
				continue
			}
			quotes = append(quotes, common.Quote{
				Provider:     common.ProviderOracle,
				InstanceType: shape,
				GPUFamily:    spec.gpuFamily,
				PricePerHour: spec.price,
				Region:       r,
				Available:    true,
				Kind:         common.CapacityOnDemand,
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
		return nil, common.NotConfiguredError(common.ProviderOracle)
	}
	client, err := a.computeClient()
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("terradev-%d", time.Now().Unix())
	resp, err := client.LaunchInstance(ctx, core.LaunchInstanceRequest{
		LaunchInstanceDetails: core.LaunchInstanceDetails{
			CompartmentId:      ocicommon.String(a.creds.Get("compartment_ocid")),
			AvailabilityDomain: ocicommon.String(a.creds.Get("availability_domain")),
			Shape:              ocicommon.String(instanceType),
			DisplayName:        ocicommon.String(name),
			FreeformTags:       map[string]string{"managed-by": "terradev"},
			SourceDetails: core.InstanceSourceViaImageDetails{
				ImageId: ocicommon.String(a.creds.Get("image_ocid")),
			},
			CreateVnicDetails: &core.CreateVnicDetails{
				SubnetId:       ocicommon.String(a.creds.Get("subnet_ocid")),
				AssignPublicIp: ocicommon.Bool(true),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("oci launch: %w", err)
	}

	price := 0.0
	if spec, ok := catalog[instanceType]; ok {
		price = spec.price
	}
	return &common.Instance{
		Provider:     common.ProviderOracle,
		InstanceID:   stringValue(resp.Instance.Id),
		InstanceType: instanceType,
		Region:       a.region(),
		GPUFamily:    gpuFamily,
		PricePerHour: price,
		Kind:         common.CapacityOnDemand,
		Status:       normalizeState(resp.Instance.LifecycleState),
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func (a *Adapter) Status(ctx context.Context, instanceID string) (*common.InstanceStatus, error) {
	inst, err := a.fetch(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &common.InstanceStatus{
		Status:       normalizeState(inst.LifecycleState),
		InstanceType: stringValue(inst.Shape),
		Region:       stringValue(inst.Region),
	}, nil
}

func (a *Adapter) Stop(ctx context.Context, instanceID string) (string, error) {
	return a.action(ctx, instanceID, core.InstanceActionActionStop)
}

func (a *Adapter) Start(ctx context.Context, instanceID string) (string, error) {
	return a.action(ctx, instanceID, core.InstanceActionActionStart)
}

func (a *Adapter) Terminate(ctx context.Context, instanceID string) (string, error) {
	if !a.configured() {
		return "", common.NotConfiguredError(common.ProviderOracle)
	}
	client, err := a.computeClient()
	if err != nil {
		return "", err
	}
	_, err = client.TerminateInstance(ctx, core.TerminateInstanceRequest{
		InstanceId: ocicommon.String(instanceID),
	})
	if err != nil {
		if serviceErrStatus(err) == 404 {
			return "", common.ErrInstanceNotFound
		}
		return "", fmt.Errorf("oci terminate: %w", err)
	}
	return "terminated", nil
}

func (a *Adapter) action(ctx context.Context, instanceID string, verb core.InstanceActionActionEnum) (string, error) {
	if !a.configured() {
		return "", common.NotConfiguredError(common.ProviderOracle)
	}
	client, err := a.computeClient()
	if err != nil {
		return "", err
	}
	resp, err := client.InstanceAction(ctx, core.InstanceActionRequest{
		InstanceId: ocicommon.String(instanceID),
		Action:     verb,
	})
	if err != nil {
		if serviceErrStatus(err) == 404 {
			return "", common.ErrInstanceNotFound
		}
		return "", fmt.Errorf("oci instance action: %w", err)
	}
	return normalizeState(resp.Instance.LifecycleState), nil
}

func (a *Adapter) ListInstances(ctx context.Context) ([]common.InstanceSummary, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderOracle)
	}
	client, err := a.computeClient()
	if err != nil {
		return nil, err
	}
	resp, err := client.ListInstances(ctx, core.ListInstancesRequest{
		CompartmentId: ocicommon.String(a.creds.Get("compartment_ocid")),
	})
	if err != nil {
		return nil, fmt.Errorf("oci list: %w", err)
	}

	var out []common.InstanceSummary
	for _, inst := range resp.Items {
		if inst.FreeformTags["managed-by"] != "terradev" {
			continue
		}
		shape := stringValue(inst.Shape)
		spec := catalog[shape]
		out = append(out, common.InstanceSummary{
			InstanceID:   stringValue(inst.Id),
			Provider:     common.ProviderOracle,
			Status:       normalizeState(inst.LifecycleState),
			InstanceType: shape,
			Region:       stringValue(inst.Region),
			GPUFamily:    spec.gpuFamily,
			PricePerHour: spec.price,
		})
	}
	return out, nil
}

func (a *Adapter) Execute(ctx context.Context, instanceID, command string, async bool) (*common.ExecResult, error) {
	if async {
		return nil, fmt.Errorf("async execution: %w", common.ErrExecUnsupported)
	}
	ip, err := a.publicIP(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if ip == "" {
		return common.ExecFailure(common.ErrExecUnsupported), nil
	}
	return sshexec.Run(ctx, sshexec.Target{Host: ip, User: "opc"}, command), nil
}

func (a *Adapter) fetch(ctx context.Context, instanceID string) (*core.Instance, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderOracle)
	}
	client, err := a.computeClient()
	if err != nil {
		return nil, err
	}
	resp, err := client.GetInstance(ctx, core.GetInstanceRequest{
		InstanceId: ocicommon.String(instanceID),
	})
	if err != nil {
		if serviceErrStatus(err) == 404 {
			return nil, common.ErrInstanceNotFound
		}
		return nil, fmt.Errorf("oci get instance: %w", err)
	}
	return &resp.Instance, nil
}

// publicIP walks the instance's VNIC attachments for a public address.
func (a *Adapter) publicIP(ctx context.Context, instanceID string) (string, error) {
	client, err := a.computeClient()
	if err != nil {
		return "", err
	}
	vnet, err := a.vnetClient()
	if err != nil {
		return "", err
	}

	attachments, err := client.ListVnicAttachments(ctx, core.ListVnicAttachmentsRequest{
		CompartmentId: ocicommon.String(a.creds.Get("compartment_ocid")),
		InstanceId:    ocicommon.String(instanceID),
	})
	if err != nil {
		return "", fmt.Errorf("oci vnic attachments: %w", err)
	}
	for _, att := range attachments.Items {
		if att.VnicId == nil {
			continue
		}
		vnic, err := vnet.GetVnic(ctx, core.GetVnicRequest{VnicId: att.VnicId})
		if err != nil {
			continue
		}
		if ip := stringValue(vnic.Vnic.PublicIp); ip != "" {
			return ip, nil
		}
	}
	return "", nil
}

func serviceErrStatus(err error) int {
	if serviceErr, ok := ocicommon.IsServiceError(err); ok {
		return serviceErr.GetHTTPStatusCode()
	}
	return 0
}

func normalizeState(state core.InstanceLifecycleStateEnum) string {
	switch state {
	case core.InstanceLifecycleStateRunning:
		return "active"
	case core.InstanceLifecycleStateStopped:
		return "stopped"
	case core.InstanceLifecycleStateTerminated, core.InstanceLifecycleStateTerminating:
		return "terminated"
	case core.InstanceLifecycleStateProvisioning, core.InstanceLifecycleStateStarting:
		return "pending"
	default:
		return string(state)
	}
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
