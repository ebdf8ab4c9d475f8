// Package digitalocean adapts GPU droplets on the DigitalOcean API.
package digitalocean

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

const baseURL = "https://api.digitalocean.com/v2"

func init() {
	registry.Register(registry.Descriptor{
		ID:          common.ProviderDigitalOcean,
		Name:        "DigitalOcean",
		Reliability: 0.90,
		Priority:    13,
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
		api:   restapi.New(baseURL, creds.Get("token"), restapi.AuthBearer),
		creds: creds,
	}
}

func (a *Adapter) ID() common.ProviderID { return common.ProviderDigitalOcean }

func (a *Adapter) configured() bool { return a.creds.Has("token") }

// gpuSlugFamily extracts the GPU model from a size slug such as
// gpu-h100x1-80gb.
func gpuSlugFamily(slug string) (string, int, bool) {
	if !strings.HasPrefix(slug, "gpu-") {
		return "", 0, false
	}
	parts := strings.Split(slug, "-")
	if len(parts) < 2 {
		return "", 0, false
	}
	model := parts[1]
	count := 1
	if i := strings.IndexByte(model, 'x'); i > 0 {
		fmt.Sscanf(model[i+1:], "%d", &count)
		model = model[:i]
	}
	family, ok := common.NormalizeGPUFamily(model)
	return family, count, ok
}

func (a *Adapter) Quotes(ctx context.Context, gpuFamily, region string) ([]common.Quote, error) {
	if !a.configured() {
		return []common.Quote{}, nil
	}

	var payload struct {
		Sizes []struct {
			Slug        string   `json:"slug"`
			Available   bool     `json:"available"`
			PriceHourly float64  `json:"price_hourly"`
			VCPUs       int      `json:"vcpus"`
			Memory      int      `json:"memory"`
			Regions     []string `json:"regions"`
		} `json:"sizes"`
	}
	if err := a.api.Get(ctx, "/sizes?per_page=200", &payload); err != nil {
		return nil, err
	}

	want, _ := common.NormalizeGPUFamily(gpuFamily)
	var quotes []common.Quote
	for _, size := range payload.Sizes {
		family, count, ok := gpuSlugFamily(size.Slug)
		if !ok || family != want {
			continue
		}
		for _, r := range size.Regions {
			if region != "" && r != region {
				continue
			}
			quotes = append(quotes, common.Quote{
				Provider:     common.ProviderDigitalOcean,
				InstanceType: size.Slug,
				GPUFamily:    family,
				PricePerHour: size.PriceHourly,
				Region:       r,
				Available:    size.Available,
				Kind:         common.CapacityOnDemand,
				GPUCount:     count,
				VCPUs:        size.VCPUs,
				MemoryGB:     size.Memory / 1024,
			})
		}
	}
	return quotes, nil
}

func (a *Adapter) Provision(ctx context.Context, instanceType, region, gpuFamily string) (*common.Instance, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderDigitalOcean)
	}

	body := map[string]interface{}{
		"name":   fmt.Sprintf("terradev-%d", time.Now().Unix()),
		"region": region,
		"size":   instanceType,
		"image":  "gpu-h100x1-base",
		"tags":   []string{common.OwnershipTag},
	}
	var created struct {
		Droplet struct {
			ID     int    `json:"id"`
			Status string `json:"status"`
		} `json:"droplet"`
	}
	if err := a.api.Post(ctx, "/droplets", body, &created); err != nil {
		return nil, fmt.Errorf("droplet create failed: %w", err)
	}

	return &common.Instance{
		Provider:     common.ProviderDigitalOcean,
		InstanceID:   fmt.Sprintf("%d", created.Droplet.ID),
		InstanceType: instanceType,
		Region:       region,
		GPUFamily:    gpuFamily,
		Kind:         common.CapacityOnDemand,
		Status:       normalizeStatus(created.Droplet.Status),
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func (a *Adapter) Status(ctx context.Context, instanceID string) (*common.InstanceStatus, error) {
	d, err := a.fetchDroplet(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &common.InstanceStatus{
		Status:       normalizeStatus(d.Status),
		PublicIP:     d.publicIP(),
		InstanceType: d.SizeSlug,
		Region:       d.Region.Slug,
	}, nil
}

func (a *Adapter) Stop(ctx context.Context, instanceID string) (string, error) {
	return a.action(ctx, instanceID, "power_off", "stopped")
}

func (a *Adapter) Start(ctx context.Context, instanceID string) (string, error) {
	return a.action(ctx, instanceID, "power_on", "active")
}

func (a *Adapter) Terminate(ctx context.Context, instanceID string) (string, error) {
	if !a.configured() {
		return "", common.NotConfiguredError(common.ProviderDigitalOcean)
	}
	if err := a.api.Delete(ctx, "/droplets/"+instanceID); err != nil {
		if restapi.NotFound(err) {
			return "", common.ErrInstanceNotFound
		}
		return "", err
	}
	return "terminated", nil
}

func (a *Adapter) action(ctx context.Context, instanceID, actionType, resulting string) (string, error) {
	if !a.configured() {
		return "", common.NotConfiguredError(common.ProviderDigitalOcean)
	}
	body := map[string]string{"type": actionType}
	if err := a.api.Post(ctx, "/droplets/"+instanceID+"/actions", body, nil); err != nil {
		if restapi.NotFound(err) {
			return "", common.ErrInstanceNotFound
		}
		return "", err
	}
	return resulting, nil
}

func (a *Adapter) ListInstances(ctx context.Context) ([]common.InstanceSummary, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderDigitalOcean)
	}
	var payload struct {
		Droplets []droplet `json:"droplets"`
	}
	if err := a.api.Get(ctx, "/droplets?tag_name="+common.OwnershipTag+"&per_page=200", &payload); err != nil {
		return nil, err
	}
	var out []common.InstanceSummary
	for _, d := range payload.Droplets {
		family, _, _ := gpuSlugFamily(d.SizeSlug)
		out = append(out, common.InstanceSummary{
			InstanceID:   fmt.Sprintf("%d", d.ID),
			Provider:     common.ProviderDigitalOcean,
			Status:       normalizeStatus(d.Status),
			InstanceType: d.SizeSlug,
			Region:       d.Region.Slug,
			GPUFamily:    family,
		})
	}
	return out, nil
}

func (a *Adapter) Execute(ctx context.Context, instanceID, command string, async bool) (*common.ExecResult, error) {
	if async {
		return nil, fmt.Errorf("async execution: %w", common.ErrExecUnsupported)
	}
	d, err := a.fetchDroplet(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	ip := d.publicIP()
	if ip == "" {
		return common.ExecFailure(common.ErrExecUnsupported), nil
	}
	return sshexec.Run(ctx, sshexec.Target{Host: ip, User: "root"}, command), nil
}

type droplet struct {
	ID       int    `json:"id"`
	Status   string `json:"status"`
	SizeSlug string `json:"size_slug"`
	Region   struct {
		Slug string `json:"slug"`
	} `json:"region"`
	Networks struct {
		V4 []struct {
			IPAddress string `json:"ip_address"`
			Type      string `json:"type"`
		} `json:"v4"`
	} `json:"networks"`
}

func (d *droplet) publicIP() string {
	for _, n := range d.Networks.V4 {
		if n.Type == "public" {
			return n.IPAddress
		}
	}
	return ""
}

func (a *Adapter) fetchDroplet(ctx context.Context, instanceID string) (*droplet, error) {
	if !a.configured() {
		return nil, common.NotConfiguredError(common.ProviderDigitalOcean)
	}
	var payload struct {
		Droplet droplet `json:"droplet"`
	}
	if err := a.api.Get(ctx, "/droplets/"+instanceID, &payload); err != nil {
		if restapi.NotFound(err) {
			return nil, common.ErrInstanceNotFound
		}
		return nil, err
	}
	return &payload.Droplet, nil
}

func normalizeStatus(s string) string {
	switch s {
	case "active":
		return "active"
	case "off":
		return "stopped"
	case "new":
		return "pending"
	default:
		return s
	}
}
