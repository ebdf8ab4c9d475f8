package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terradev/terradev/internal/config"
	"github.com/terradev/terradev/internal/engine"
	"github.com/terradev/terradev/internal/ratelimit"
	"github.com/terradev/terradev/internal/staging"
	"github.com/terradev/terradev/internal/storage"
	"github.com/terradev/terradev/providers/common"
	"github.com/terradev/terradev/providers/registry"

	_ "github.com/terradev/terradev/providers/demo"
)

// fakeAdapter backs the management and provisioning routes without any
// cloud traffic.
type fakeAdapter struct {
	id common.ProviderID
}

func (f *fakeAdapter) ID() common.ProviderID { return f.id }
func (f *fakeAdapter) Quotes(context.Context, string, string) ([]common.Quote, error) {
	return []common.Quote{{
		Provider:     f.id,
		InstanceType: "gpu-node",
		Region:       "us-east",
		GPUFamily:    "A100",
		PricePerHour: 1.5,
		Available:    true,
		Kind:         common.CapacityOnDemand,
	}}, nil
}
func (f *fakeAdapter) Provision(ctx context.Context, instanceType, region, gpuFamily string) (*common.Instance, error) {
	return &common.Instance{Provider: f.id, InstanceID: "i-001", Status: "active", PricePerHour: 1.5}, nil
}
func (f *fakeAdapter) Status(context.Context, string) (*common.InstanceStatus, error) {
	return &common.InstanceStatus{Status: "running"}, nil
}
func (f *fakeAdapter) Stop(context.Context, string) (string, error)      { return "stopping", nil }
func (f *fakeAdapter) Start(context.Context, string) (string, error)     { return "starting", nil }
func (f *fakeAdapter) Terminate(context.Context, string) (string, error) { return "terminated", nil }
func (f *fakeAdapter) ListInstances(context.Context) ([]common.InstanceSummary, error) {
	return []common.InstanceSummary{{InstanceID: "i-001", Provider: f.id, Status: "active"}}, nil
}
func (f *fakeAdapter) Execute(ctx context.Context, instanceID, command string, async bool) (*common.ExecResult, error) {
	return &common.ExecResult{ExitCode: 0, Stdout: "ok: " + command}, nil
}

func testServer(t *testing.T) *httptest.Server {
	t.Helper()

	registry.Register(registry.Descriptor{ID: "fakecloud", Name: "Fake Cloud", Reliability: 0.9, Enabled: true},
		func(common.Credentials) common.Adapter { return &fakeAdapter{id: "fakecloud"} })

	stagingDir := t.TempDir()
	router := storage.NewRouter(nil, nil, nil, nil, nil, storage.NewLocalBackend(stagingDir))
	stager := staging.NewStager(stagingDir, router)

	e := engine.New(ratelimit.New(), stager)
	h := NewHandler(e, nil, config.DefaultOptions())

	srv := httptest.NewServer(NewRouter(h, nil, 0))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestHealthEndpoint(t *testing.T) {
	srv := testServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var body map[string]interface{}
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestProvidersEndpoint(t *testing.T) {
	srv := testServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/providers")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Providers []struct {
			ID         string `json:"id"`
			Configured bool   `json:"configured"`
		} `json:"providers"`
	}
	decodeBody(t, resp, &body)

	byID := map[string]bool{}
	for _, p := range body.Providers {
		byID[p.ID] = p.Configured
	}
	configured, ok := byID["demo"]
	assert.True(t, ok, "demo provider must be listed")
	assert.True(t, configured, "demo provider needs no credentials")
}

func TestQuotesEndpoint(t *testing.T) {
	srv := testServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/quotes", map[string]interface{}{
		"gpu_family": "A100",
		"providers":  []string{"fakecloud"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Quotes []common.Quote `json:"quotes"`
		Count  int            `json:"count"`
	}
	decodeBody(t, resp, &body)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, common.ProviderID("fakecloud"), body.Quotes[0].Provider)
	assert.Greater(t, body.Quotes[0].Score, 0.0)
}

func TestQuotesEndpointValidation(t *testing.T) {
	srv := testServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/quotes", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	raw, err := http.Post(srv.URL+"/api/v1/quotes", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
	raw.Body.Close()
}

func TestProvisionEndpoint(t *testing.T) {
	srv := testServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/provision", map[string]interface{}{
		"gpu_family": "A100",
		"count":      1,
		"providers":  []string{"fakecloud"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body engine.ProvisionResponse
	decodeBody(t, resp, &body)
	assert.True(t, body.Success)
	require.Len(t, body.Instances, 1)
	assert.Equal(t, "fakecloud_i-001", body.Instances[0].InstanceID)
}

func TestProvisionEndpointNoCapacity(t *testing.T) {
	srv := testServer(t)

	// Demo quotes are synthetic and never allocatable, so the attempt
	// reports conflict with no instances.
	resp := postJSON(t, srv.URL+"/api/v1/provision", map[string]interface{}{
		"gpu_family": "A100",
		"count":      2,
		"providers":  []string{"demo"},
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var body engine.ProvisionResponse
	decodeBody(t, resp, &body)
	assert.False(t, body.Success)
	assert.Empty(t, body.Instances)
	require.NotEmpty(t, body.Errors)
	assert.Equal(t, "No suitable instances found", body.Errors[0])
}

func TestManageInstanceEndpoint(t *testing.T) {
	srv := testServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/instances/fakecloud_i-001/stop", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	decodeBody(t, resp, &body)
	assert.Equal(t, "fakecloud_i-001", body["instance_id"])

	resp = postJSON(t, srv.URL+"/api/v1/instances/fakecloud_i-001/reboot", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestExecEndpointWinsOverActionRoute(t *testing.T) {
	srv := testServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/instances/fakecloud_i-001/exec", map[string]interface{}{
		"command": "nvidia-smi",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body common.ExecResult
	decodeBody(t, resp, &body)
	assert.Zero(t, body.ExitCode)
	assert.Equal(t, "ok: nvidia-smi", body.Stdout)
}

func TestListInstancesEndpoint(t *testing.T) {
	srv := testServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/instances?provider=fakecloud")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Instances []common.InstanceSummary `json:"instances"`
		Count     int                      `json:"count"`
	}
	decodeBody(t, resp, &body)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, common.ProviderID("fakecloud"), body.Instances[0].Provider)
}

func TestStageEndpoint(t *testing.T) {
	srv := testServer(t)

	src := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(src, bytes.Repeat([]byte("terradev "), 1024), 0o600))

	resp := postJSON(t, srv.URL+"/api/v1/stage", map[string]interface{}{
		"dataset":     src,
		"regions":     []string{"zz-lab-1"},
		"compression": "zstd",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body staging.Result
	decodeBody(t, resp, &body)
	assert.Equal(t, staging.CodecZstd, body.Plan.Codec)
	require.Len(t, body.Regions, 1)
	assert.Equal(t, staging.StatusStaged, body.Regions[0].Status)

	resp = postJSON(t, srv.URL+"/api/v1/stage", map[string]interface{}{
		"dataset":     src,
		"regions":     []string{"zz-lab-1"},
		"compression": "lz4",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestRateLimitsEndpoint(t *testing.T) {
	srv := testServer(t)

	// Generate some governor traffic first.
	postJSON(t, srv.URL+"/api/v1/quotes", map[string]interface{}{
		"gpu_family": "A100",
		"providers":  []string{"fakecloud"},
	}).Body.Close()

	resp, err := http.Get(srv.URL + "/api/v1/ratelimits")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Providers map[string]ratelimit.Metrics `json:"providers"`
	}
	decodeBody(t, resp, &body)
	assert.Contains(t, body.Providers, "fakecloud")
}
