// Package azure adapts Azure GPU virtual machines through the ARM REST
// API. Auth is an OAuth2 client-credentials flow; the token source is
// shared across calls and refreshes itself.
package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/terradev/terradev/internal/resilience"
	"github.com/terradev/terradev/providers/common"
	"github.com/terradev/terradev/providers/internal/sshexec"
	"github.com/terradev/terradev/providers/registry"
)

const (
	armBase       = "https://management.azure.com"
	apiVersion    = "2024-03-01"
	resourceGroup = "terradev-rg"
)

func init() {
	registry.Register(registry.Descriptor{
		ID:          common.ProviderAzure,
		Name:        "Microsoft Azure",
		Reliability: 0.93,
		Priority:    3,
		Enabled:     true,
	}, func(creds common.Credentials) common.Adapter {
		return New(creds)
	})
}

type vmSpec struct {
	gpuFamily string
	gpuCount  int
	vcpus     int
	memoryGB  int
	price     float64
}

var catalog = map[string]vmSpec{
	"Standard_NC40ads_H100_v5": {"H100", 1, 40, 320, 6.98},
	"Standard_ND96isr_H100_v5": {"H100", 8, 96, 1900, 98.32},
	"Standard_NC24ads_A100_v4": {"A100-80", 1, 24, 220, 3.67},
	"Standard_ND96asr_v4":      {"A100", 8, 96, 900, 27.20},
	"Standard_NC6s_v3":         {"V100", 1, 6, 112, 3.06},
	"Standard_NC4as_T4_v3":     {"T4", 1, 4, 28, 0.526},
}

var defaultRegions = []string{"eastus", "westeurope", "southeastasia"}

type Adapter struct {
	creds common.Credentials

	mu     sync.Mutex
	client *http.Client
}

func New(creds common.Credentials) *Adapter {
	return &Adapter{creds: creds}
}

func (a *Adapter) ID() common.ProviderID { return common.ProviderAzure }

func (a *Adapter) configured() bool {
	return a.creds.Has("tenant_id", "client_id", "client_secret", "subscription_id")
}

func (a *Adapter) httpClient(ctx context.Context) *http.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		cfg := &clientcredentials.Config{
			ClientID:     a.creds.Get("client_id"),
			ClientSecret: a.creds.Get("client_secret"),
			TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", a.creds.Get("tenant_id")),
			Scopes:       []string{armBase + "/.default"},
		}
		// Detach from the per-call context so the cached token source
		// outlives it.
		a.client = cfg.Client(context.Background())
		a.client.Timeout = 30 * time.Second
	}
	return a.client
}

func (a *Adapter) vmURL(name string) string {
	return fmt.Sprintf("%s/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Compute/virtualMachines/%s?api-version=%s",
		armBase, a.creds.Get("subscription_id"), resourceGroup, name, apiVersion)
}

func (a *Adapter) arm(ctx context.Context, method, url string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient(ctx).Do(req)
	if err != nil {
		return fmt.Errorf("arm request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &resilience.HTTPError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("arm error %d: %s", resp.StatusCode, bytes.TrimSpace(raw)),
		}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func notFound(err error) bool {
	var he *resilience.HTTPError
	return errors.As(err, &he) && he.StatusCode == http.StatusNotFound
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
		for size, spec := range catalog {
			if spec.gpuFamily != want {
				continue
			}
			quotes = append(quotes, common.Quote{
				Provider:     common.ProviderAzure,
				InstanceType: size,
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
		return nil, common.NotConfiguredError(common.ProviderAzure)
	}
	if region == "" {
		region = defaultRegions[0]
	}

	name := fmt.Sprintf("terradev-%d", time.Now().Unix())
	body := map[string]interface{}{
		"location": region,
		"tags":     map[string]string{"managed-by": "terradev"},
		"properties": map[string]interface{}{
			"hardwareProfile": map[string]string{"vmSize": instanceType},
			"storageProfile": map[string]interface{}{
				"imageReference": map[string]string{
					"publisher": "microsoft-dsvm",
					"offer":     "ubuntu-hpc",
					"sku":       "2204",
					"version":   "latest",
				},
			},
			"osProfile": map[string]interface{}{
				"computerName":  name,
				"adminUsername": "terradev",
				"linuxConfiguration": map[string]interface{}{
					"disablePasswordAuthentication": true,
				},
			},
		},
	}

	var created struct {
		Name       string `json:"name"`
		Properties struct {
			ProvisioningState string `json:"provisioningState"`
		} `json:"properties"`
	}
	if err := a.arm(ctx, http.MethodPut, a.vmURL(name), body, &created); err != nil {
		return nil, fmt.Errorf("azure vm create: %w", err)
	}

	price := 0.0
	if spec, ok := catalog[instanceType]; ok {
		price = spec.price
	}
	return &common.Instance{
		Provider:     common.ProviderAzure,
		InstanceID:   name,
		InstanceType: instanceType,
		Region:       region,
		GPUFamily:    gpuFamily,
		PricePerHour: price,
		Kind:         common.CapacityOnDemand,
		Status:       "pending",
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func (a *Adapter) Status(ctx context.Context, instanceID string) (*common.InstanceStatus, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderAzure)
	}
	var vm struct {
		Location   string `json:"location"`
		Properties struct {
			HardwareProfile struct {
				VMSize string `json:"vmSize"`
			} `json:"hardwareProfile"`
			InstanceView struct {
				Statuses []struct {
					Code string `json:"code"`
				} `json:"statuses"`
			} `json:"instanceView"`
		} `json:"properties"`
	}
	url := a.vmURL(instanceID) + "&$expand=instanceView"
	if err := a.arm(ctx, http.MethodGet, url, nil, &vm); err != nil {
		if notFound(err) {
			return nil, common.ErrInstanceNotFound
		}
		return nil, err
	}

	status := "pending"
	for _, s := range vm.Properties.InstanceView.Statuses {
		if strings.HasPrefix(s.Code, "PowerState/") {
			status = normalizePowerState(strings.TrimPrefix(s.Code, "PowerState/"))
		}
	}
	return &common.InstanceStatus{
		Status:       status,
		InstanceType: vm.Properties.HardwareProfile.VMSize,
		Region:       vm.Location,
	}, nil
}

func (a *Adapter) Stop(ctx context.Context, instanceID string) (string, error) {
	return a.action(ctx, instanceID, "deallocate", "stopped")
}

func (a *Adapter) Start(ctx context.Context, instanceID string) (string, error) {
	return a.action(ctx, instanceID, "start", "active")
}

func (a *Adapter) Terminate(ctx context.Context, instanceID string) (string, error) {
	if !a.configured() {
		return "", common.NotConfiguredError(common.ProviderAzure)
	}
	if err := a.arm(ctx, http.MethodDelete, a.vmURL(instanceID), nil, nil); err != nil {
		if notFound(err) {
			return "", common.ErrInstanceNotFound
		}
		return "", err
	}
	return "terminated", nil
}

func (a *Adapter) action(ctx context.Context, instanceID, verb, resulting string) (string, error) {
	if !a.configured() {
		return "", common.NotConfiguredError(common.ProviderAzure)
	}
	url := fmt.Sprintf("%s/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Compute/virtualMachines/%s/%s?api-version=%s",
		armBase, a.creds.Get("subscription_id"), resourceGroup, instanceID, verb, apiVersion)
	if err := a.arm(ctx, http.MethodPost, url, nil, nil); err != nil {
		if notFound(err) {
			return "", common.ErrInstanceNotFound
		}
		return "", err
	}
	return resulting, nil
}

func (a *Adapter) ListInstances(ctx context.Context) ([]common.InstanceSummary, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderAzure)
	}
	url := fmt.Sprintf("%s/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Compute/virtualMachines?api-version=%s",
		armBase, a.creds.Get("subscription_id"), resourceGroup, apiVersion)
	var payload struct {
		Value []struct {
			Name       string            `json:"name"`
			Location   string            `json:"location"`
			Tags       map[string]string `json:"tags"`
			Properties struct {
				HardwareProfile struct {
					VMSize string `json:"vmSize"`
				} `json:"hardwareProfile"`
				ProvisioningState string `json:"provisioningState"`
			} `json:"properties"`
		} `json:"value"`
	}
	if err := a.arm(ctx, http.MethodGet, url, nil, &payload); err != nil {
		return nil, err
	}

	var out []common.InstanceSummary
	for _, vm := range payload.Value {
		if vm.Tags["managed-by"] != "terradev" {
			continue
		}
		spec := catalog[vm.Properties.HardwareProfile.VMSize]
		out = append(out, common.InstanceSummary{
			InstanceID:   vm.Name,
			Provider:     common.ProviderAzure,
			Status:       strings.ToLower(vm.Properties.ProvisioningState),
			InstanceType: vm.Properties.HardwareProfile.VMSize,
			Region:       vm.Location,
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
	return sshexec.Run(ctx, sshexec.Target{Host: ip, User: "terradev"}, command), nil
}

// publicIP resolves the VM's public address through its first network
// interface.
func (a *Adapter) publicIP(ctx context.Context, instanceID string) (string, error) {
	url := fmt.Sprintf("%s/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Network/publicIPAddresses/%s-ip?api-version=2024-01-01",
		armBase, a.creds.Get("subscription_id"), resourceGroup, instanceID)
	var payload struct {
		Properties struct {
			IPAddress string `json:"ipAddress"`
		} `json:"properties"`
	}
	if err := a.arm(ctx, http.MethodGet, url, nil, &payload); err != nil {
		if notFound(err) {
			return "", nil
		}
		return "", err
	}
	return payload.Properties.IPAddress, nil
}

func normalizePowerState(state string) string {
	switch state {
	case "running":
		return "active"
	case "deallocated", "stopped":
		return "stopped"
	case "starting", "deallocating", "stopping":
		return "pending"
	default:
		return state
	}
}
