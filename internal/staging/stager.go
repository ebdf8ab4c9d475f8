package staging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/terradev/terradev/internal/logging"
	"github.com/terradev/terradev/internal/storage"
)

// Region statuses.
const (
	StatusStaged  = "staged"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// maxRegionErrors bounds the error list kept per region.
const maxRegionErrors = 3

// RegionResult is the per-region outcome of a staging run.
type RegionResult struct {
	Region           string   `json:"region"`
	Backend          string   `json:"backend"`
	ChunksUploaded   int      `json:"chunks_uploaded"`
	Bytes            int64    `json:"bytes"`
	ElapsedMS        int64    `json:"elapsed_ms"`
	ChecksumVerified bool     `json:"checksum_verified"`
	Status           string   `json:"status"`
	Errors           []string `json:"errors,omitempty"`
}

// Result is the aggregate outcome of a staging run.
type Result struct {
	Plan             Plan           `json:"plan"`
	OriginalBytes    int64          `json:"original_bytes"`
	CompressedBytes  int64          `json:"compressed_bytes"`
	CompressionRatio float64        `json:"compression_ratio"` // percent saved
	Checksums        []string       `json:"checksums"`
	Regions          []RegionResult `json:"regions"`
	TotalElapsedMS   int64          `json:"total_elapsed_ms"`
}

// Stager runs the plan → resolve → compress → chunk → upload pipeline.
type Stager struct {
	stagingDir string
	router     *storage.Router
	resolver   *Resolver
	manifest   *ManifestStore
	chunkSize  int64
}

// Option adjusts stager construction.
type Option func(*Stager)

// WithChunkSize overrides the 512 MiB default.
func WithChunkSize(n int64) Option {
	return func(s *Stager) { s.chunkSize = n }
}

// WithManifest attaches the sqlite manifest store.
func WithManifest(m *ManifestStore) Option {
	return func(s *Stager) { s.manifest = m }
}

// NewStager creates a stager rooted at stagingDir.
func NewStager(stagingDir string, router *storage.Router, opts ...Option) *Stager {
	s := &Stager{
		stagingDir: stagingDir,
		router:     router,
		resolver:   NewResolver(stagingDir),
		chunkSize:  DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultStagingDir is the per-user staging directory.
func DefaultStagingDir() string {
	if base, err := os.UserCacheDir(); err == nil {
		return filepath.Join(base, "terradev", "staging")
	}
	return filepath.Join(os.TempDir(), "terradev-staging")
}

// KnownHostsFile is the dedicated known-hosts file for SCP staging,
// never the user's default.
func KnownHostsFile(stagingDir string) string {
	return filepath.Join(stagingDir, "known_hosts")
}

// Stage runs the full pipeline. One region's failure never aborts the
// others; a cancelled context stops at the next chunk boundary and the
// partial result is returned.
func (s *Stager) Stage(ctx context.Context, datasetRef string, regions []string, codec Codec) (*Result, error) {
	start := time.Now()

	if len(regions) == 0 {
		return nil, fmt.Errorf("no target regions")
	}

	local, err := s.resolver.Resolve(ctx, datasetRef)
	if err != nil {
		return nil, fmt.Errorf("resolve dataset: %w", err)
	}

	plan, err := BuildPlan(local, datasetRef, regions, codec, s.chunkSize)
	if err != nil {
		return nil, err
	}

	stem := DatasetStem(datasetRef)
	compressedPath := filepath.Join(s.stagingDir, stem+plan.Codec.Ext())

	compressedSize, err := Compress(local, compressedPath, plan.Codec)
	if err != nil {
		return nil, fmt.Errorf("compress dataset: %w", err)
	}

	workDir := filepath.Join(s.stagingDir, "chunks", stem)
	chunks, err := Split(compressedPath, plan.ChunkSizeBytes, workDir)
	if err != nil {
		return nil, fmt.Errorf("chunk dataset: %w", err)
	}
	// Chunk temp files go away after the fan-out; the compressed staging
	// file is retained for reuse.
	defer cleanupChunks(chunks, compressedPath)

	checksums := make([]string, len(chunks))
	for i, c := range chunks {
		checksums[i] = c.Checksum
	}

	results := make([]RegionResult, len(regions))
	var wg sync.WaitGroup
	for i, region := range regions {
		wg.Add(1)
		go func(i int, region string) {
			defer wg.Done()
			results[i] = s.stageRegion(ctx, region, stem, chunks)
		}(i, region)
	}
	wg.Wait()

	ratio := 0.0
	if plan.SourceSizeBytes > 0 {
		ratio = (1 - float64(compressedSize)/float64(plan.SourceSizeBytes)) * 100
	}

	res := &Result{
		Plan:             *plan,
		OriginalBytes:    plan.SourceSizeBytes,
		CompressedBytes:  compressedSize,
		CompressionRatio: ratio,
		Checksums:        checksums,
		Regions:          results,
		TotalElapsedMS:   time.Since(start).Milliseconds(),
	}

	if s.manifest != nil {
		if err := s.manifest.Record(ManifestEntry{
			DatasetStem:     stem,
			Codec:           plan.Codec,
			OriginalBytes:   plan.SourceSizeBytes,
			CompressedBytes: compressedSize,
			Checksums:       checksums,
			CreatedAt:       time.Now(),
		}); err != nil {
			logging.Warn("staging manifest record failed", map[string]interface{}{"error": err})
		}
	}

	return res, nil
}

// stageRegion uploads every chunk sequentially to one region's backend.
func (s *Stager) stageRegion(ctx context.Context, region, stem string, chunks []Chunk) RegionResult {
	start := time.Now()
	backend, bucket := s.router.Select(region)

	res := RegionResult{Region: region, Backend: backend.Name()}

	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			res.appendError(fmt.Errorf("chunk %04d: %w", c.Index, err))
			continue
		}

		key := fmt.Sprintf("%s/chunk%04d", stem, c.Index)
		if err := backend.Put(ctx, bucket, key, c.Path, region); err != nil {
			res.appendError(fmt.Errorf("chunk %04d: %v", c.Index, err))
			continue
		}
		res.ChunksUploaded++
		res.Bytes += c.Size
	}

	switch {
	case res.ChunksUploaded == len(chunks):
		res.Status = StatusStaged
		res.ChecksumVerified = true
	case res.ChunksUploaded > 0:
		res.Status = StatusPartial
	default:
		res.Status = StatusFailed
	}
	res.ElapsedMS = time.Since(start).Milliseconds()
	return res
}

func (r *RegionResult) appendError(err error) {
	if len(r.Errors) < maxRegionErrors {
		r.Errors = append(r.Errors, err.Error())
	}
}

func cleanupChunks(chunks []Chunk, compressedPath string) {
	for _, c := range chunks {
		if c.Path == compressedPath {
			continue
		}
		if err := os.Remove(c.Path); err != nil && !os.IsNotExist(err) {
			logging.Debug("chunk cleanup failed", map[string]interface{}{"error": err})
		}
	}
}
