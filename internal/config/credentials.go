package config

import (
	"os"
	"strings"

	"github.com/terradev/terradev/providers/common"
)

// credentialEnv maps each provider's credential keys to environment
// variables. A provider with none of its variables set is simply
// unconfigured; adapters degrade per their contract.
var credentialEnv = map[common.ProviderID]map[string]string{
	common.ProviderAWS: {
		"access_key_id":     "AWS_ACCESS_KEY_ID",
		"secret_access_key": "AWS_SECRET_ACCESS_KEY",
		"session_token":     "AWS_SESSION_TOKEN",
		"region":            "AWS_REGION",
		"key_name":          "AWS_KEY_NAME",
		"ami":               "AWS_AMI",
	},
	common.ProviderGCP: {
		"project_id":           "GCP_PROJECT_ID",
		"service_account_json": "GCP_SERVICE_ACCOUNT_JSON",
	},
	common.ProviderAzure: {
		"tenant_id":       "AZURE_TENANT_ID",
		"client_id":       "AZURE_CLIENT_ID",
		"client_secret":   "AZURE_CLIENT_SECRET",
		"subscription_id": "AZURE_SUBSCRIPTION_ID",
	},
	common.ProviderOracle: {
		"tenancy_ocid":        "OCI_TENANCY_OCID",
		"user_ocid":           "OCI_USER_OCID",
		"fingerprint":         "OCI_FINGERPRINT",
		"private_key":         "OCI_PRIVATE_KEY",
		"compartment_ocid":    "OCI_COMPARTMENT_OCID",
		"region":              "OCI_REGION",
		"availability_domain": "OCI_AVAILABILITY_DOMAIN",
		"image_ocid":          "OCI_IMAGE_OCID",
		"subnet_ocid":         "OCI_SUBNET_OCID",
	},
	common.ProviderRunPod:     {"api_key": "RUNPOD_API_KEY"},
	common.ProviderVastAI:     {"api_key": "VASTAI_API_KEY"},
	common.ProviderLambdaLabs: {"api_key": "LAMBDA_API_KEY", "ssh_key_name": "LAMBDA_SSH_KEY_NAME"},
	common.ProviderCoreWeave:  {"api_token": "COREWEAVE_API_TOKEN"},
	common.ProviderTensorDock: {"api_key": "TENSORDOCK_API_KEY", "api_token": "TENSORDOCK_API_TOKEN"},
	common.ProviderHuggingFace: {
		"token":      "HF_TOKEN",
		"namespace":  "HF_NAMESPACE",
		"repository": "HF_REPOSITORY",
	},
	common.ProviderBaseten:      {"api_key": "BASETEN_API_KEY", "model_origin": "BASETEN_MODEL_ORIGIN"},
	common.ProviderCrusoe:       {"token": "CRUSOE_TOKEN", "project_id": "CRUSOE_PROJECT_ID"},
	common.ProviderDigitalOcean: {"token": "DIGITALOCEAN_TOKEN"},
	common.ProviderHyperstack:   {"api_key": "HYPERSTACK_API_KEY", "environment": "HYPERSTACK_ENVIRONMENT"},
}

// LoadCredentials builds the per-provider credential bags from the
// environment.
func LoadCredentials() map[common.ProviderID]common.Credentials {
	out := map[common.ProviderID]common.Credentials{}
	for provider, keys := range credentialEnv {
		bag := common.Credentials{}
		for key, env := range keys {
			if v := strings.TrimSpace(os.Getenv(env)); v != "" {
				bag[key] = v
			}
		}
		if len(bag) > 0 {
			out[provider] = bag
		}
	}
	return out
}
