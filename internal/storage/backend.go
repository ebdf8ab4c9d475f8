// Package storage provides the staging-side object store backends. Each
// backend implements a single Put operation with an implicit
// ensure-bucket-exists (public access blocked) on first use. Backends are
// selected per region by the Router.
package storage

import "context"

// Backend uploads one local file to a bucket/key in a region.
type Backend interface {
	// Name identifies the backend in logs and staging results.
	Name() string

	// Put uploads localPath to bucket/key. Implementations create the
	// bucket (or container) on first use with all public access blocked.
	Put(ctx context.Context, bucket, key, localPath, region string) error
}
