// Package staging implements the dataset stager: plan, resolve,
// compress, chunk, fan-out upload to per-region object stores, and
// integrity verification.
package staging

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Codec identifies the compression codec for a staging run.
type Codec string

const (
	CodecAuto Codec = "auto"
	CodecZstd Codec = "zstd"
	CodecGzip Codec = "gzip"
	CodecNone Codec = "none"
)

// DefaultChunkSize is 512 MiB.
const DefaultChunkSize = int64(512) << 20

// Estimated compression ratios per codec, applied to the source size when
// planning.
var estimatedRatio = map[Codec]float64{
	CodecZstd: 0.35,
	CodecGzip: 0.45,
	CodecNone: 1.0,
}

// Plan describes what a staging run will do before any byte moves.
type Plan struct {
	DatasetRef          string   `json:"dataset_ref"`
	TargetRegions       []string `json:"target_regions"`
	SourceSizeBytes     int64    `json:"source_size_bytes"`
	Codec               Codec    `json:"codec"`
	EstimatedCompressed int64    `json:"estimated_compressed_bytes"`
	ChunkCount          int      `json:"chunk_count"`
	ChunkSizeBytes      int64    `json:"chunk_size_bytes"`
}

// BuildPlan sizes the source, resolves the codec choice, and derives the
// chunk layout.
func BuildPlan(localSource string, datasetRef string, regions []string, codec Codec, chunkSize int64) (*Plan, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	size, err := sourceSize(localSource)
	if err != nil {
		return nil, fmt.Errorf("size source: %w", err)
	}

	chosen := chooseCodec(codec)
	est := int64(float64(size) * estimatedRatio[chosen])

	chunks := int((est + chunkSize - 1) / chunkSize)
	if chunks < 1 {
		chunks = 1
	}

	return &Plan{
		DatasetRef:          datasetRef,
		TargetRegions:       regions,
		SourceSizeBytes:     size,
		Codec:               chosen,
		EstimatedCompressed: est,
		ChunkCount:          chunks,
		ChunkSizeBytes:      chunkSize,
	}, nil
}

// chooseCodec resolves auto to the best available codec. zstd is always
// compiled in, so auto means zstd.
func chooseCodec(c Codec) Codec {
	switch c {
	case CodecZstd, CodecGzip, CodecNone:
		return c
	default:
		return CodecZstd
	}
}

// sourceSize returns the file size, or the summed file sizes for a
// directory.
func sourceSize(p string) (int64, error) {
	info, err := os.Stat(p)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}

	var total int64
	err = filepath.WalkDir(p, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			fi, err := d.Info()
			if err != nil {
				return err
			}
			total += fi.Size()
		}
		return nil
	})
	return total, err
}

// DatasetStem derives the staging file stem from a dataset reference:
// path base without extension, slashes in hub ids collapsed to dashes.
func DatasetStem(ref string) string {
	base := filepath.Base(strings.TrimSuffix(ref, "/"))
	if i := strings.Index(base, "."); i > 0 {
		base = base[:i]
	}
	base = strings.ReplaceAll(base, "/", "-")
	if base == "" || base == "." {
		base = "dataset"
	}
	return base
}
