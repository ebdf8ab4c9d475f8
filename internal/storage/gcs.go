package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCSBackend stages chunks into per-region GCS buckets.
type GCSBackend struct {
	projectID string

	mu      sync.Mutex
	client  *gcs.Client
	ensured map[string]bool
}

// NewGCSBackend builds the backend; the client is created lazily from
// application default credentials.
func NewGCSBackend(projectID string) *GCSBackend {
	return &GCSBackend{projectID: projectID, ensured: make(map[string]bool)}
}

func (b *GCSBackend) Name() string { return "gcs" }

func (b *GCSBackend) Put(ctx context.Context, bucket, key, localPath, region string) error {
	client, err := b.getClient(ctx)
	if err != nil {
		return err
	}

	if err := b.ensureBucket(ctx, client, bucket, region); err != nil {
		return err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open chunk: %w", err)
	}
	defer f.Close()

	w := client.Bucket(bucket).Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("gcs write %s/%s: %w", bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (b *GCSBackend) getClient(ctx context.Context) (*gcs.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return b.client, nil
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	b.client = client
	return client, nil
}

func (b *GCSBackend) ensureBucket(ctx context.Context, client *gcs.Client, bucket, region string) error {
	b.mu.Lock()
	done := b.ensured[bucket]
	b.mu.Unlock()
	if done {
		return nil
	}

	attrs := &gcs.BucketAttrs{
		Location:                 region,
		PublicAccessPrevention:   gcs.PublicAccessPreventionEnforced,
		UniformBucketLevelAccess: gcs.UniformBucketLevelAccess{Enabled: true},
	}
	err := client.Bucket(bucket).Create(ctx, b.projectID, attrs)
	if err != nil {
		var apiErr *googleapi.Error
		// 409: bucket already exists
		if !errors.As(err, &apiErr) || apiErr.Code != 409 {
			return fmt.Errorf("create gcs bucket %s: %w", bucket, err)
		}
	}

	b.mu.Lock()
	b.ensured[bucket] = true
	b.mu.Unlock()
	return nil
}
