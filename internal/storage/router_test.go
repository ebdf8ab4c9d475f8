package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedBackend struct{ name string }

func (b namedBackend) Name() string { return b.name }
func (b namedBackend) Put(context.Context, string, string, string, string) error {
	return nil
}

func TestRouterSelect(t *testing.T) {
	gcs := namedBackend{name: "gcs"}
	s3 := namedBackend{name: "s3"}
	azure := namedBackend{name: "azure"}
	local := namedBackend{name: "local"}

	r := NewRouter(gcs, s3, azure, nil, nil, local)

	tests := []struct {
		region      string
		wantBackend string
		wantBucket  string
	}{
		// GCS regions are matched before the broader S3 prefixes.
		{region: "us-central1", wantBackend: "gcs", wantBucket: "terradev-staging-us-central1"},
		{region: "europe-west4", wantBackend: "gcs", wantBucket: "terradev-staging-europe-west4"},
		{region: "asia-northeast1", wantBackend: "gcs", wantBucket: "terradev-staging-asia-northeast1"},
		{region: "us-east-1", wantBackend: "s3", wantBucket: "terradev-staging-us-east-1"},
		{region: "eu-west-1", wantBackend: "s3", wantBucket: "terradev-staging-eu-west-1"},
		{region: "ap-southeast-2", wantBackend: "s3", wantBucket: "terradev-staging-ap-southeast-2"},
		{region: "eastus", wantBackend: "azure", wantBucket: "terradev-staging-eastus"},
		{region: "westeurope", wantBackend: "azure", wantBucket: "terradev-staging-westeurope"},
		{region: "northcentralus", wantBackend: "azure", wantBucket: "terradev-staging-northcentralus"},
		{region: "global", wantBackend: "local", wantBucket: "terradev-staging"},
		{region: "", wantBackend: "local", wantBucket: "terradev-staging"},
	}

	for _, tt := range tests {
		t.Run("region "+tt.region, func(t *testing.T) {
			backend, bucket := r.Select(tt.region)
			require.NotNil(t, backend)
			assert.Equal(t, tt.wantBackend, backend.Name())
			assert.Equal(t, tt.wantBucket, bucket)
		})
	}
}

func TestRouterSelectOCIRegions(t *testing.T) {
	oci := &OCIBackend{
		tenancy:     "ocid1.tenancy.oc1..t",
		user:        "ocid1.user.oc1..u",
		fingerprint: "aa:bb",
		privateKey:  "key",
		compartment: "ocid1.compartment.oc1..c",
	}
	require.True(t, oci.Configured())

	r := NewRouter(nil, namedBackend{name: "s3"}, nil, oci, nil, namedBackend{name: "local"})

	// OCI region names live inside the us-/eu- space; they must win
	// over the S3 prefix rule.
	for _, region := range []string{"us-phoenix-1", "us-ashburn-1", "eu-frankfurt-1"} {
		backend, bucket := r.Select(region)
		assert.Equal(t, "oci", backend.Name(), "region %s", region)
		assert.Equal(t, "terradev-staging-"+region, bucket)
	}

	backend, _ := r.Select("us-east-1")
	assert.Equal(t, "s3", backend.Name())
}

func TestRouterSkipsUnconfiguredOCI(t *testing.T) {
	r := NewRouter(nil, namedBackend{name: "s3"}, nil, &OCIBackend{}, nil, namedBackend{name: "local"})

	// Without OCI_* credentials the region falls through to S3.
	backend, _ := r.Select("us-phoenix-1")
	assert.Equal(t, "s3", backend.Name())
}

func TestRouterSelectCaseInsensitive(t *testing.T) {
	r := NewRouter(nil, namedBackend{name: "s3"}, nil, nil, nil, namedBackend{name: "local"})

	backend, bucket := r.Select("US-EAST-1")
	assert.Equal(t, "s3", backend.Name())
	assert.Equal(t, "terradev-staging-us-east-1", bucket)
}

func TestRouterFallsThroughMissingBackends(t *testing.T) {
	// Without cloud backends wired, every region lands on local.
	r := NewRouter(nil, nil, nil, nil, nil, namedBackend{name: "local"})

	for _, region := range []string{"us-central1", "us-east-1", "eastus", "mystery"} {
		backend, _ := r.Select(region)
		assert.Equal(t, "local", backend.Name(), "region %s", region)
	}
}
