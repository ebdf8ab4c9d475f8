package storage

import (
	"strings"

	"github.com/terradev/terradev/internal/logging"
)

// BucketPrefix names the staging buckets/containers the router creates:
// <prefix>-staging-<region>.
const BucketPrefix = "terradev"

// Router picks a backend per region by prefix. Rule precedence is
// explicit and ordered: GCS region names are checked before the broader
// S3 prefixes so that us-central1 is not shadowed by us-*.
type Router struct {
	gcs   Backend
	s3    Backend
	azure Backend
	oci   *OCIBackend
	scp   *SCPBackend
	local Backend
}

// NewRouter wires the concrete backends. local must be non-nil; it is
// the final fallback.
func NewRouter(gcs, s3, azure Backend, oci *OCIBackend, scp *SCPBackend, local Backend) *Router {
	return &Router{gcs: gcs, s3: s3, azure: azure, oci: oci, scp: scp, local: local}
}

// gcsPrefixes and s3Prefixes intentionally overlap on "us-"; order in
// Select resolves the ambiguity in favor of GCS. OCI region names also
// sit inside the us-/eu- space, so they are matched by explicit prefix
// before the S3 rule runs.
var (
	gcsPrefixes   = []string{"us-central", "europe-", "asia-"}
	ociPrefixes   = []string{"us-phoenix", "us-ashburn", "us-sanjose", "eu-frankfurt", "uk-london", "ap-tokyo"}
	s3Prefixes    = []string{"us-", "eu-", "ap-"}
	azurePrefixes = []string{"east", "west", "north", "south"}
)

// Select returns the backend for a region and the bucket (or container)
// name to stage into.
func (r *Router) Select(region string) (Backend, string) {
	lower := strings.ToLower(region)
	bucket := BucketPrefix + "-staging-" + lower

	if r.gcs != nil && hasAnyPrefix(lower, gcsPrefixes) {
		return r.gcs, bucket
	}
	if r.oci != nil && r.oci.Configured() && hasAnyPrefix(lower, ociPrefixes) {
		return r.oci, bucket
	}
	if r.s3 != nil && hasAnyPrefix(lower, s3Prefixes) {
		return r.s3, bucket
	}
	if r.azure != nil && hasAnyPrefix(lower, azurePrefixes) {
		return r.azure, bucket
	}
	if r.scp != nil && r.scp.Configured() {
		return r.scp, BucketPrefix + "-staging"
	}

	logging.Debug("no cloud staging backend for region, using local", map[string]interface{}{
		"region": region,
	})
	return r.local, BucketPrefix + "-staging"
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
