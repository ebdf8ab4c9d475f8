package storage

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureEnvConnectionString is the environment variable carrying the blob
// storage connection string.
const AzureEnvConnectionString = "AZURE_STORAGE_CONNECTION_STRING"

// AzureBackend stages chunks into per-region blob containers. The
// connection string comes from the environment; Azure containers are
// private by default and the backend never widens access.
type AzureBackend struct {
	connectionString string

	mu      sync.Mutex
	client  *azblob.Client
	ensured map[string]bool
}

// NewAzureBackend builds the backend from the environment connection
// string.
func NewAzureBackend() *AzureBackend {
	return &AzureBackend{
		connectionString: os.Getenv(AzureEnvConnectionString),
		ensured:          make(map[string]bool),
	}
}

func (b *AzureBackend) Name() string { return "azure" }

// Configured reports whether a connection string is present.
func (b *AzureBackend) Configured() bool { return b.connectionString != "" }

func (b *AzureBackend) Put(ctx context.Context, container, key, localPath, region string) error {
	client, err := b.getClient()
	if err != nil {
		return err
	}

	if err := b.ensureContainer(ctx, client, container); err != nil {
		return err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open chunk: %w", err)
	}
	defer f.Close()

	if _, err := client.UploadFile(ctx, container, key, f, nil); err != nil {
		return fmt.Errorf("azure upload %s/%s: %w", container, key, err)
	}
	return nil
}

func (b *AzureBackend) getClient() (*azblob.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return b.client, nil
	}
	if b.connectionString == "" {
		return nil, fmt.Errorf("%s not set", AzureEnvConnectionString)
	}
	client, err := azblob.NewClientFromConnectionString(b.connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("azure client: %w", err)
	}
	b.client = client
	return client, nil
}

func (b *AzureBackend) ensureContainer(ctx context.Context, client *azblob.Client, container string) error {
	b.mu.Lock()
	done := b.ensured[container]
	b.mu.Unlock()
	if done {
		return nil
	}

	// No public access option is passed, so the container is private.
	if _, err := client.CreateContainer(ctx, container, nil); err != nil {
		if !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
			return fmt.Errorf("create container %s: %w", container, err)
		}
	}

	b.mu.Lock()
	b.ensured[container] = true
	b.mu.Unlock()
	return nil
}
