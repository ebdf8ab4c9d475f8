package staging

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Chunk is one slice of the compressed staging file.
type Chunk struct {
	Index    int
	Path     string
	Size     int64
	Checksum string // SHA-256 hex
}

// Split slices the compressed file into chunks of exactly chunkSize (the
// last may be smaller) under workDir, named chunkNNNN. When the file fits
// in one chunk the file itself is the single chunk and no copy is made.
func Split(compressed string, chunkSize int64, workDir string) ([]Chunk, error) {
	info, err := os.Stat(compressed)
	if err != nil {
		return nil, err
	}

	if info.Size() <= chunkSize {
		sum, err := fileChecksum(compressed)
		if err != nil {
			return nil, err
		}
		return []Chunk{{Index: 0, Path: compressed, Size: info.Size(), Checksum: sum}}, nil
	}

	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return nil, err
	}

	in, err := os.Open(compressed)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	var chunks []Chunk
	for i := 0; ; i++ {
		p := filepath.Join(workDir, fmt.Sprintf("chunk%04d", i))
		n, sum, err := writeChunk(in, p, chunkSize)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			os.Remove(p)
			break
		}
		chunks = append(chunks, Chunk{Index: i, Path: p, Size: n, Checksum: sum})
		if n < chunkSize {
			break
		}
	}
	return chunks, nil
}

func writeChunk(in io.Reader, path string, limit int64) (int64, string, error) {
	out, err := os.Create(path)
	if err != nil {
		return 0, "", err
	}
	defer out.Close()

	h := sha256.New()
	n, err := io.CopyN(io.MultiWriter(out, h), in, limit)
	if err != nil && err != io.EOF {
		return 0, "", err
	}
	if err := out.Close(); err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
