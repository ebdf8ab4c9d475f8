package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalBackend copies chunks into the staging directory, organized by
// region, so the pipeline stays observable without cloud credentials.
type LocalBackend struct {
	baseDir string
}

// NewLocalBackend roots the backend at baseDir (the staging directory).
func NewLocalBackend(baseDir string) *LocalBackend {
	return &LocalBackend{baseDir: baseDir}
}

func (b *LocalBackend) Name() string { return "local" }

func (b *LocalBackend) Put(ctx context.Context, bucket, key, localPath, region string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dst := filepath.Join(b.baseDir, region, bucket, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return fmt.Errorf("create staging path: %w", err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open chunk: %w", err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create staging copy: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		os.Remove(dst)
		return fmt.Errorf("copy chunk: %w", err)
	}
	return out.Close()
}
