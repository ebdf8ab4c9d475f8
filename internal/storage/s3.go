package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Backend stages chunks into per-region S3 buckets.
type S3Backend struct {
	mu      sync.Mutex
	clients map[string]*s3.Client // region -> client
	ensured map[string]bool       // bucket -> created/verified
}

// NewS3Backend builds the backend; clients are created lazily per region
// from the ambient AWS credential chain.
func NewS3Backend() *S3Backend {
	return &S3Backend{
		clients: make(map[string]*s3.Client),
		ensured: make(map[string]bool),
	}
}

func (b *S3Backend) Name() string { return "s3" }

func (b *S3Backend) Put(ctx context.Context, bucket, key, localPath, region string) error {
	client, err := b.client(ctx, region)
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

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("s3 put %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (b *S3Backend) client(ctx context.Context, region string) (*s3.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[region]; ok {
		return c, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	c := s3.NewFromConfig(cfg)
	b.clients[region] = c
	return c, nil
}

// ensureBucket creates the staging bucket on first use and blocks all
// public access before any object lands in it.
func (b *S3Backend) ensureBucket(ctx context.Context, client *s3.Client, bucket, region string) error {
	b.mu.Lock()
	done := b.ensured[bucket]
	b.mu.Unlock()
	if done {
		return nil
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(region),
		}
	}
	if _, err := client.CreateBucket(ctx, input); err != nil {
		var owned *s3types.BucketAlreadyOwnedByYou
		var exists *s3types.BucketAlreadyExists
		if !errors.As(err, &owned) && !errors.As(err, &exists) {
			return fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}

	_, err := client.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
		Bucket: aws.String(bucket),
		PublicAccessBlockConfiguration: &s3types.PublicAccessBlockConfiguration{
			BlockPublicAcls:       aws.Bool(true),
			BlockPublicPolicy:     aws.Bool(true),
			IgnorePublicAcls:      aws.Bool(true),
			RestrictPublicBuckets: aws.Bool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("block public access on %s: %w", bucket, err)
	}

	b.mu.Lock()
	b.ensured[bucket] = true
	b.mu.Unlock()
	return nil
}
