// Package aws adapts EC2 GPU capacity. On-demand quotes come from a
// static price book keyed by instance type; spot quotes come from the
// spot price history API. Command execution uses SSM Run Command, so no
// inbound SSH access is required.
package aws

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/terradev/terradev/providers/common"
	"github.com/terradev/terradev/providers/registry"
)

func init() {
	registry.Register(registry.Descriptor{
		ID:          common.ProviderAWS,
		Name:        "Amazon Web Services",
		Reliability: 0.95,
		Priority:    1,
		Enabled:     true,
	}, func(creds common.Credentials) common.Adapter {
		return New(creds)
	})
}

// instanceSpec is one row of the static GPU instance catalog.
type instanceSpec struct {
	gpuFamily string
	gpuCount  int
	vcpus     int
	memoryGB  int
	price     float64 // on-demand USD/hour, us-east-1 anchor
}

var catalog = map[string]instanceSpec{
	"p5.48xlarge":   {"H100", 8, 192, 2048, 98.32},
	"p4d.24xlarge":  {"A100", 8, 96, 1152, 32.77},
	"p4de.24xlarge": {"A100-80", 8, 96, 1152, 40.97},
	"p3.2xlarge":    {"V100", 1, 8, 61, 3.06},
	"p3.8xlarge":    {"V100", 4, 32, 244, 12.24},
	"p3.16xlarge":   {"V100", 8, 64, 488, 24.48},
	"g5.xlarge":     {"A10G", 1, 4, 16, 1.006},
	"g5.2xlarge":    {"A10G", 1, 8, 32, 1.212},
	"g5.12xlarge":   {"A10G", 4, 48, 192, 5.672},
	"g5.48xlarge":   {"A10G", 8, 192, 768, 16.288},
	"g4dn.xlarge":   {"T4", 1, 4, 16, 0.526},
	"g4dn.12xlarge": {"T4", 4, 48, 192, 3.912},
	"g6.xlarge":     {"L4", 1, 4, 16, 0.805},
	"g6e.xlarge":    {"L40", 1, 4, 32, 1.861},
}

var defaultRegions = []string{"us-east-1", "us-west-2", "eu-west-1"}

// Adapter holds lazily built per-region SDK clients.
type Adapter struct {
	creds common.Credentials

	mu   sync.Mutex
	ec2s map[string]*ec2.Client
	ssms map[string]*ssm.Client
}

func New(creds common.Credentials) *Adapter {
	return &Adapter{
		creds: creds,
		ec2s:  map[string]*ec2.Client{},
		ssms:  map[string]*ssm.Client{},
	}
}

func (a *Adapter) ID() common.ProviderID { return common.ProviderAWS }

func (a *Adapter) configured() bool {
	return a.creds.Has("access_key_id", "secret_access_key")
}

func (a *Adapter) sdkConfig(ctx context.Context, region string) (awssdk.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			a.creds.Get("access_key_id"),
			a.creds.Get("secret_access_key"),
			a.creds.Get("session_token"),
		)),
	)
}

func (a *Adapter) ec2For(ctx context.Context, region string) (*ec2.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.ec2s[region]; ok {
		return c, nil
	}
	cfg, err := a.sdkConfig(ctx, region)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	c := ec2.NewFromConfig(cfg)
	a.ec2s[region] = c
	return c, nil
}

func (a *Adapter) ssmFor(ctx context.Context, region string) (*ssm.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.ssms[region]; ok {
		return c, nil
	}
	cfg, err := a.sdkConfig(ctx, region)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	c := ssm.NewFromConfig(cfg)
	a.ssms[region] = c
	return c, nil
}

func (a *Adapter) defaultRegion() string {
	if r := a.creds.Get("region"); r != "" {
		return r
	}
	return "us-east-1"
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
		for instanceType, spec := range catalog {
			if spec.gpuFamily != want {
				continue
			}
			quotes = append(quotes, common.Quote{
				Provider:     common.ProviderAWS,
				InstanceType: instanceType,
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
		spot, err := a.spotQuotes(ctx, want, r)
		if err != nil {
			// Spot pricing is best-effort; on-demand quotes stand alone.
			continue
		}
		quotes = append(quotes, spot...)
	}
	return quotes, nil
}

func (a *Adapter) spotQuotes(ctx context.Context, family, region string) ([]common.Quote, error) {
	client, err := a.ec2For(ctx, region)
	if err != nil {
		return nil, err
	}

	var types []ec2types.InstanceType
	for instanceType, spec := range catalog {
		if spec.gpuFamily == family {
			types = append(types, ec2types.InstanceType(instanceType))
		}
	}
	if len(types) == 0 {
		return nil, nil
	}

	out, err := client.DescribeSpotPriceHistory(ctx, &ec2.DescribeSpotPriceHistoryInput{
		InstanceTypes:       types,
		ProductDescriptions: []string{"Linux/UNIX"},
		StartTime:           awssdk.Time(time.Now().Add(-time.Hour)),
		MaxResults:          awssdk.Int32(50),
	})
	if err != nil {
		return nil, err
	}

	// Keep the cheapest observation per instance type.
	best := map[string]float64{}
	for _, sp := range out.SpotPriceHistory {
		var price float64
		if _, err := fmt.Sscanf(awssdk.ToString(sp.SpotPrice), "%f", &price); err != nil {
			continue
		}
		t := string(sp.InstanceType)
		if cur, ok := best[t]; !ok || price < cur {
			best[t] = price
		}
	}

	var quotes []common.Quote
	for instanceType, price := range best {
		spec := catalog[instanceType]
		quotes = append(quotes, common.Quote{
			Provider:     common.ProviderAWS,
			InstanceType: instanceType,
			GPUFamily:    spec.gpuFamily,
			PricePerHour: price,
			Region:       region,
			Available:    true,
			Kind:         common.CapacitySpot,
			GPUCount:     spec.gpuCount,
			VCPUs:        spec.vcpus,
			MemoryGB:     spec.memoryGB,
		})
	}
	return quotes, nil
}

func (a *Adapter) Provision(ctx context.Context, instanceType, region, gpuFamily string) (*common.Instance, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderAWS)
	}
	if region == "" {
		region = a.defaultRegion()
	}
	client, err := a.ec2For(ctx, region)
	if err != nil {
		return nil, err
	}

	ami := a.creds.Get("ami")
	if ami == "" {
		ami = amiFor(region)
	}
	input := &ec2.RunInstancesInput{
		ImageId:      awssdk.String(ami),
		InstanceType: ec2types.InstanceType(instanceType),
		MinCount:     awssdk.Int32(1),
		MaxCount:     awssdk.Int32(1),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags: []ec2types.Tag{
				{Key: awssdk.String("managed-by"), Value: awssdk.String("terradev")},
				{Key: awssdk.String("Name"), Value: awssdk.String("terradev-" + gpuFamily)},
			},
		}},
	}
	if key := a.creds.Get("key_name"); key != "" {
		input.KeyName = awssdk.String(key)
	}

	out, err := client.RunInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("ec2 run instances: %w", err)
	}
	if len(out.Instances) == 0 {
		return nil, fmt.Errorf("ec2 returned no instance for %s", instanceType)
	}
	inst := out.Instances[0]

	price := 0.0
	if spec, ok := catalog[instanceType]; ok {
		price = spec.price
	}
	return &common.Instance{
		Provider:     common.ProviderAWS,
		InstanceID:   awssdk.ToString(inst.InstanceId),
		InstanceType: instanceType,
		Region:       region,
		GPUFamily:    gpuFamily,
		PricePerHour: price,
		Kind:         common.CapacityOnDemand,
		Status:       normalizeState(inst.State),
		PublicIP:     awssdk.ToString(inst.PublicIpAddress),
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func (a *Adapter) Status(ctx context.Context, instanceID string) (*common.InstanceStatus, error) {
	inst, region, err := a.findInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &common.InstanceStatus{
		Status:       normalizeState(inst.State),
		PublicIP:     awssdk.ToString(inst.PublicIpAddress),
		InstanceType: string(inst.InstanceType),
		Region:       region,
	}, nil
}

func (a *Adapter) Stop(ctx context.Context, instanceID string) (string, error) {
	_, region, err := a.findInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	client, err := a.ec2For(ctx, region)
	if err != nil {
		return "", err
	}
	out, err := client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return "", fmt.Errorf("ec2 stop: %w", err)
	}
	if len(out.StoppingInstances) > 0 {
		return string(out.StoppingInstances[0].CurrentState.Name), nil
	}
	return "stopping", nil
}

func (a *Adapter) Start(ctx context.Context, instanceID string) (string, error) {
	_, region, err := a.findInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	client, err := a.ec2For(ctx, region)
	if err != nil {
		return "", err
	}
	out, err := client.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return "", fmt.Errorf("ec2 start: %w", err)
	}
	if len(out.StartingInstances) > 0 {
		return string(out.StartingInstances[0].CurrentState.Name), nil
	}
	return "pending", nil
}

func (a *Adapter) Terminate(ctx context.Context, instanceID string) (string, error) {
	_, region, err := a.findInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	client, err := a.ec2For(ctx, region)
	if err != nil {
		return "", err
	}
	out, err := client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return "", fmt.Errorf("ec2 terminate: %w", err)
	}
	if len(out.TerminatingInstances) > 0 {
		return string(out.TerminatingInstances[0].CurrentState.Name), nil
	}
	return "shutting-down", nil
}

func (a *Adapter) ListInstances(ctx context.Context) ([]common.InstanceSummary, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderAWS)
	}

	var out []common.InstanceSummary
	for _, region := range defaultRegions {
		client, err := a.ec2For(ctx, region)
		if err != nil {
			return nil, err
		}
		resp, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			Filters: []ec2types.Filter{{
				Name:   awssdk.String("tag:managed-by"),
				Values: []string{"terradev"},
			}},
		})
		if err != nil {
			return nil, fmt.Errorf("ec2 describe %s: %w", region, err)
		}
		for _, res := range resp.Reservations {
			for _, inst := range res.Instances {
				spec := catalog[string(inst.InstanceType)]
				out = append(out, common.InstanceSummary{
					InstanceID:   awssdk.ToString(inst.InstanceId),
					Provider:     common.ProviderAWS,
					Status:       normalizeState(inst.State),
					InstanceType: string(inst.InstanceType),
					Region:       region,
					GPUFamily:    spec.gpuFamily,
					PricePerHour: spec.price,
				})
			}
		}
	}
	return out, nil
}

// Execute uses SSM Run Command. The instance needs the SSM agent and an
// instance profile; no inbound ports are required.
func (a *Adapter) Execute(ctx context.Context, instanceID, command string, async bool) (*common.ExecResult, error) {
	_, region, err := a.findInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	client, err := a.ssmFor(ctx, region)
	if err != nil {
		return nil, err
	}

	sent, err := client.SendCommand(ctx, &ssm.SendCommandInput{
		InstanceIds:  []string{instanceID},
		DocumentName: awssdk.String("AWS-RunShellScript"),
		Parameters:   map[string][]string{"commands": {command}},
	})
	if err != nil {
		return common.ExecFailure(fmt.Errorf("ssm send command: %w", err)), nil
	}
	commandID := awssdk.ToString(sent.Command.CommandId)

	if async {
		return &common.ExecResult{JobID: commandID, Async: true}, nil
	}

	// Poll until the invocation settles or the caller gives up.
	for {
		select {
		case <-ctx.Done():
			return common.ExecFailure(ctx.Err()), nil
		case <-time.After(2 * time.Second):
		}

		inv, err := client.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
			CommandId:  awssdk.String(commandID),
			InstanceId: awssdk.String(instanceID),
		})
		if err != nil {
			continue
		}
		switch inv.Status {
		case ssmtypes.CommandInvocationStatusSuccess,
			ssmtypes.CommandInvocationStatusFailed,
			ssmtypes.CommandInvocationStatusCancelled,
			ssmtypes.CommandInvocationStatusTimedOut:
			return &common.ExecResult{
				ExitCode: int(inv.ResponseCode),
				Stdout:   awssdk.ToString(inv.StandardOutputContent),
				Stderr:   awssdk.ToString(inv.StandardErrorContent),
			}, nil
		}
	}
}

// findInstance locates an instance id across the default regions.
func (a *Adapter) findInstance(ctx context.Context, instanceID string) (*ec2types.Instance, string, error) {
	if !a.configured() {
		return nil, "", common.NotConfiguredError(common.ProviderAWS)
	}

	regions := defaultRegions
	if r := a.creds.Get("region"); r != "" {
		regions = append([]string{r}, regions...)
	}

	for _, region := range regions {
		client, err := a.ec2For(ctx, region)
		if err != nil {
			return nil, "", err
		}
		resp, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{instanceID},
		})
		if err != nil {
			if strings.Contains(err.Error(), "InvalidInstanceID") {
				continue
			}
			return nil, "", fmt.Errorf("ec2 describe %s: %w", region, err)
		}
		for _, res := range resp.Reservations {
			for i := range res.Instances {
				return &res.Instances[i], region, nil
			}
		}
	}
	return nil, "", common.ErrInstanceNotFound
}

// amiFor returns the default deep-learning AMI for a region. The ami
// credential key overrides it.
func amiFor(region string) string {
	amis := map[string]string{
		"us-east-1": "ami-0c7217cdde317cfec",
		"us-west-2": "ami-008fe2fc65df48dac",
		"eu-west-1": "ami-0905a3c97561e0b69",
	}
	if ami, ok := amis[region]; ok {
		return ami
	}
	return amis["us-east-1"]
}

func normalizeState(state *ec2types.InstanceState) string {
	if state == nil {
		return "pending"
	}
	switch state.Name {
	case ec2types.InstanceStateNameRunning:
		return "active"
	case ec2types.InstanceStateNameStopped:
		return "stopped"
	case ec2types.InstanceStateNameTerminated:
		return "terminated"
	case ec2types.InstanceStateNamePending:
		return "pending"
	default:
		return string(state.Name)
	}
}
