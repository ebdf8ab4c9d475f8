package storage

import (
	"context"
	"fmt"
	"os"
	"sync"

	ocicommon "github.com/oracle/oci-go-sdk/v65/common"
	"github.com/oracle/oci-go-sdk/v65/objectstorage"
)

// OCIBackend stages chunks into Oracle Cloud object storage buckets.
// Unlike the AWS and GCP backends it has no ambient credential chain;
// everything comes from OCI_* environment variables and the backend is
// skipped by the router when they are absent.
type OCIBackend struct {
	tenancy     string
	user        string
	fingerprint string
	privateKey  string
	compartment string

	mu        sync.Mutex
	clients   map[string]*objectstorage.ObjectStorageClient // region -> client
	namespace string
	ensured   map[string]bool // bucket -> created/verified
}

// NewOCIBackend reads API-key credentials from the environment.
func NewOCIBackend() *OCIBackend {
	return &OCIBackend{
		tenancy:     os.Getenv("OCI_TENANCY_OCID"),
		user:        os.Getenv("OCI_USER_OCID"),
		fingerprint: os.Getenv("OCI_FINGERPRINT"),
		privateKey:  os.Getenv("OCI_PRIVATE_KEY"),
		compartment: os.Getenv("OCI_COMPARTMENT_OCID"),
		clients:     make(map[string]*objectstorage.ObjectStorageClient),
		ensured:     make(map[string]bool),
	}
}

// Configured reports whether a full credential set is present.
func (b *OCIBackend) Configured() bool {
	return b.tenancy != "" && b.user != "" && b.fingerprint != "" &&
		b.privateKey != "" && b.compartment != ""
}

func (b *OCIBackend) Name() string { return "oci" }

func (b *OCIBackend) Put(ctx context.Context, bucket, key, localPath, region string) error {
	client, err := b.client(region)
	if err != nil {
		return err
	}

	ns, err := b.resolveNamespace(ctx, client)
	if err != nil {
		return err
	}

	if err := b.ensureBucket(ctx, client, ns, bucket); err != nil {
		return err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open chunk: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat chunk: %w", err)
	}

	_, err = client.PutObject(ctx, objectstorage.PutObjectRequest{
		NamespaceName: ocicommon.String(ns),
		BucketName:    ocicommon.String(bucket),
		ObjectName:    ocicommon.String(key),
		ContentLength: ocicommon.Int64(info.Size()),
		PutObjectBody: f,
	})
	if err != nil {
		return fmt.Errorf("oci put %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (b *OCIBackend) client(region string) (*objectstorage.ObjectStorageClient, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[region]; ok {
		return c, nil
	}
	provider := ocicommon.NewRawConfigurationProvider(
		b.tenancy, b.user, region, b.fingerprint, b.privateKey, nil)
	c, err := objectstorage.NewObjectStorageClientWithConfigurationProvider(provider)
	if err != nil {
		return nil, fmt.Errorf("oci client: %w", err)
	}
	b.clients[region] = &c
	return &c, nil
}

// resolveNamespace fetches the tenancy object storage namespace once;
// it is region independent.
func (b *OCIBackend) resolveNamespace(ctx context.Context, client *objectstorage.ObjectStorageClient) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.namespace != "" {
		return b.namespace, nil
	}
	resp, err := client.GetNamespace(ctx, objectstorage.GetNamespaceRequest{})
	if err != nil {
		return "", fmt.Errorf("oci namespace: %w", err)
	}
	b.namespace = *resp.Value
	return b.namespace, nil
}

// ensureBucket creates the staging bucket on first use with public
// access off. A 409 means another run already created it.
func (b *OCIBackend) ensureBucket(ctx context.Context, client *objectstorage.ObjectStorageClient, namespace, bucket string) error {
	b.mu.Lock()
	done := b.ensured[bucket]
	b.mu.Unlock()
	if done {
		return nil
	}

	_, err := client.CreateBucket(ctx, objectstorage.CreateBucketRequest{
		NamespaceName: ocicommon.String(namespace),
		CreateBucketDetails: objectstorage.CreateBucketDetails{
			Name:             ocicommon.String(bucket),
			CompartmentId:    ocicommon.String(b.compartment),
			PublicAccessType: objectstorage.CreateBucketDetailsPublicAccessTypeNopublicaccess,
		},
	})
	if err != nil {
		se, ok := ocicommon.IsServiceError(err)
		if !ok || se.GetHTTPStatusCode() != 409 {
			return fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}

	b.mu.Lock()
	b.ensured[bucket] = true
	b.mu.Unlock()
	return nil
}
