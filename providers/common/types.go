package common

import (
	"strings"
	"time"
)

// ProviderID identifies a cloud provider
type ProviderID string

const (
	ProviderAWS          ProviderID = "aws"
	ProviderGCP          ProviderID = "gcp"
	ProviderAzure        ProviderID = "azure"
	ProviderOracle       ProviderID = "oracle"
	ProviderRunPod       ProviderID = "runpod"
	ProviderVastAI       ProviderID = "vastai"
	ProviderLambdaLabs   ProviderID = "lambda_labs"
	ProviderCoreWeave    ProviderID = "coreweave"
	ProviderTensorDock   ProviderID = "tensordock"
	ProviderHuggingFace  ProviderID = "huggingface"
	ProviderBaseten      ProviderID = "baseten"
	ProviderCrusoe       ProviderID = "crusoe"
	ProviderDigitalOcean ProviderID = "digitalocean"
	ProviderHyperstack   ProviderID = "hyperstack"
	ProviderDemo         ProviderID = "demo"
)

// Credentials is an opaque per-provider bag of key/value strings. The core
// never inspects fields; only the adapter that owns the schema does.
type Credentials map[string]string

// Get returns the value for key, or "" when absent.
func (c Credentials) Get(key string) string {
	if c == nil {
		return ""
	}
	return c[key]
}

// Has reports whether every named key is present and non-empty.
func (c Credentials) Has(keys ...string) bool {
	for _, k := range keys {
		if c.Get(k) == "" {
			return false
		}
	}
	return true
}

// CapacityKind distinguishes guaranteed from interruptible capacity
type CapacityKind string

const (
	CapacityOnDemand CapacityKind = "on_demand"
	CapacitySpot     CapacityKind = "spot"
)

// Quote is a point-in-time offer from one provider for one
// (instance_type, region) pair. Quotes are ephemeral; they are only valid
// within the request that produced them.
type Quote struct {
	Provider     ProviderID   `json:"provider"`
	InstanceType string       `json:"instance_type"`
	GPUFamily    string       `json:"gpu_family"`
	PricePerHour float64      `json:"price_per_hour"`
	Region       string       `json:"region"`
	Available    bool         `json:"available"`
	Kind         CapacityKind `json:"kind"`

	// Optional hardware detail
	GPUCount int `json:"gpu_count,omitempty"`
	VCPUs    int `json:"vcpus,omitempty"`
	MemoryGB int `json:"memory_gb,omitempty"`

	// LatencyMS is a coarse network latency hint toward the region
	LatencyMS float64 `json:"latency_ms,omitempty"`

	// Score is the composite optimization score in [0,1], filled by the
	// aggregator. It is deterministic for identical quote inputs.
	Score float64 `json:"optimization_score"`

	// DemoMode marks synthetic quotes from the demo adapter; they are
	// excluded from real allocation.
	DemoMode bool `json:"demo_mode,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Spot reports whether the quote is for interruptible capacity.
func (q Quote) Spot() bool { return q.Kind == CapacitySpot }

// Instance describes a provisioned instance as returned by an adapter.
// The core keeps no long-lived handle; callers present provider + id again
// for management operations.
type Instance struct {
	Provider     ProviderID   `json:"provider"`
	InstanceID   string       `json:"instance_id"`
	InstanceType string       `json:"instance_type"`
	Region       string       `json:"region"`
	GPUFamily    string       `json:"gpu_family"`
	PricePerHour float64      `json:"price_per_hour"`
	Kind         CapacityKind `json:"kind"`
	Status       string       `json:"status"`
	PublicIP     string       `json:"public_ip,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// InstanceStatus is the state snapshot returned by Adapter.Status
type InstanceStatus struct {
	Status       string `json:"status"`
	PublicIP     string `json:"public_ip,omitempty"`
	InstanceType string `json:"instance_type,omitempty"`
	Region       string `json:"region,omitempty"`
}

// InstanceSummary is one row of Adapter.ListInstances, filtered to
// instances tagged as owned by terradev.
type InstanceSummary struct {
	InstanceID   string     `json:"instance_id"`
	Provider     ProviderID `json:"provider"`
	Status       string     `json:"status"`
	InstanceType string     `json:"instance_type,omitempty"`
	Region       string     `json:"region,omitempty"`
	GPUFamily    string     `json:"gpu_family,omitempty"`
	PricePerHour float64    `json:"price_per_hour,omitempty"`
}

// ExecResult is the outcome of Adapter.Execute. For async execution only
// JobID is set; for sync execution ExitCode/Stdout/Stderr are set.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	JobID    string `json:"job_id,omitempty"`
	Async    bool   `json:"async,omitempty"`
}

// OwnershipTag labels every instance terradev provisions so that
// ListInstances can filter to our own fleet.
const OwnershipTag = "managed-by=terradev"

// gpuAliases maps provider-native GPU names to the normalized family set.
// Lookup is case-insensitive on the collapsed form (spaces and dashes
// removed).
var gpuAliases = map[string]string{
	"a100":           "A100",
	"a100sxm4":       "A100",
	"a100pcie":       "A100",
	"nvidiaa100":     "A100",
	"a10040gb":       "A100",
	"a10080gb":       "A100-80",
	"a10080gbsxm":    "A100-80",
	"a100sxm480gb":   "A100-80",
	"h100":           "H100",
	"h100sxm5":       "H100",
	"h100pcie":       "H100",
	"h10080gb":       "H100",
	"nvidiah100":     "H100",
	"v100":           "V100",
	"teslav100":      "V100",
	"v10016gb":       "V100",
	"t4":             "T4",
	"teslat4":        "T4",
	"l40":            "L40",
	"l40s":           "L40",
	"a10g":           "A10G",
	"a10":            "A10G",
	"rtx4090":        "RTX4090",
	"geforcertx4090": "RTX4090",
	"rtx3090":        "RTX3090",
	"geforcertx3090": "RTX3090",
	"rtxa6000":       "RTXA6000",
	"a6000":          "RTXA6000",
	"l4":             "L4",
	"h200":           "H200",
}

// NormalizeGPUFamily maps a provider-native GPU name to the normalized
// family set. Unknown variants return ok=false; adapters must then emit an
// empty quote list rather than guess.
func NormalizeGPUFamily(raw string) (string, bool) {
	key := strings.ToLower(raw)
	for _, cut := range []string{" ", "-", "_", "nvidia"} {
		key = strings.ReplaceAll(key, cut, "")
	}
	if key == "" {
		return "", false
	}
	family, ok := gpuAliases[key]
	return family, ok
}

// KnownGPUFamilies returns the normalized family set, for validation and
// display.
func KnownGPUFamilies() []string {
	seen := map[string]bool{}
	var out []string
	for _, f := range gpuAliases {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}
