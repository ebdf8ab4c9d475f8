package staging

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	gcs "cloud.google.com/go/storage"

	"github.com/terradev/terradev/internal/logging"
)

// Resolver locates or downloads a dataset reference into a local file or
// directory under the staging directory.
type Resolver struct {
	stagingDir string
	httpClient *http.Client
}

// NewResolver roots downloads under stagingDir.
func NewResolver(stagingDir string) *Resolver {
	return &Resolver{
		stagingDir: stagingDir,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

// Resolve recognizes local paths, s3://, gs://, http(s):// and
// name-with-slash hub identifiers. Hub identifiers that cannot be
// fetched produce a placeholder file so the rest of the pipeline remains
// exercisable offline.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "s3://"):
		return r.resolveS3(ctx, ref)
	case strings.HasPrefix(ref, "gs://"):
		return r.resolveGCS(ctx, ref)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return r.resolveHTTP(ctx, ref)
	}

	if _, err := os.Stat(ref); err == nil {
		return ref, nil
	}

	if strings.Contains(ref, "/") {
		return r.resolveHub(ctx, ref)
	}

	return "", fmt.Errorf("cannot resolve dataset reference %q", ref)
}

func (r *Resolver) downloadPath(ref string) string {
	return filepath.Join(r.stagingDir, "downloads", DatasetStem(ref))
}

func (r *Resolver) resolveHTTP(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: HTTP %d", url, resp.StatusCode)
	}
	return r.writeLocal(url, resp.Body)
}

func (r *Resolver) resolveS3(ctx context.Context, ref string) (string, error) {
	bucket, key, err := splitObjectRef(ref, "s3://")
	if err != nil {
		return "", err
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("aws config: %w", err)
	}
	out, err := s3.NewFromConfig(cfg).GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("s3 get %s: %w", ref, err)
	}
	defer out.Body.Close()

	return r.writeLocal(ref, out.Body)
}

func (r *Resolver) resolveGCS(ctx context.Context, ref string) (string, error) {
	bucket, key, err := splitObjectRef(ref, "gs://")
	if err != nil {
		return "", err
	}

	client, err := gcs.NewClient(ctx)
	if err != nil {
		return "", fmt.Errorf("gcs client: %w", err)
	}
	defer client.Close()

	rc, err := client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return "", fmt.Errorf("gcs read %s: %w", ref, err)
	}
	defer rc.Close()

	return r.writeLocal(ref, rc)
}

// resolveHub treats name-with-slash as a model-hub dataset id. When the
// hub cannot be reached a placeholder file keeps the pipeline runnable.
func (r *Resolver) resolveHub(ctx context.Context, id string) (string, error) {
	url := "https://huggingface.co/datasets/" + id + "/resolve/main/dataset.tar"
	local, err := r.resolveHTTP(ctx, url)
	if err == nil {
		return local, nil
	}

	logging.Warn("hub dataset unresolved, staging placeholder", map[string]interface{}{
		"dataset": id,
		"error":   err,
	})

	placeholder := r.downloadPath(id) + ".placeholder"
	if mkErr := os.MkdirAll(filepath.Dir(placeholder), 0o700); mkErr != nil {
		return "", mkErr
	}
	content := fmt.Sprintf("terradev placeholder for unresolved dataset %s\n", id)
	if wErr := os.WriteFile(placeholder, []byte(content), 0o600); wErr != nil {
		return "", wErr
	}
	return placeholder, nil
}

func (r *Resolver) writeLocal(ref string, src io.Reader) (string, error) {
	dst := r.downloadPath(ref)
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return "", err
	}

	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(f, src); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("download %s: %w", ref, err)
	}
	return dst, f.Close()
}

func splitObjectRef(ref, scheme string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(ref, scheme)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed object reference %q", ref)
	}
	return parts[0], parts[1], nil
}
