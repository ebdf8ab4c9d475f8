package staging

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// Compress stream-copies the source through the chosen codec into
// dst. Directory sources are tar-packed first so one staging file always
// results. Returns the final compressed size from the filesystem.
func Compress(source, dst string, codec Codec) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return 0, err
	}

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	var sink io.WriteCloser
	switch codec {
	case CodecZstd:
		enc, err := zstd.NewWriter(out)
		if err != nil {
			return 0, fmt.Errorf("zstd writer: %w", err)
		}
		sink = enc
	case CodecGzip:
		sink = gzip.NewWriter(out)
	case CodecNone:
		sink = nopWriteCloser{out}
	default:
		return 0, fmt.Errorf("unknown codec %q", codec)
	}

	if err := writeSource(sink, source); err != nil {
		sink.Close()
		os.Remove(dst)
		return 0, err
	}
	if err := sink.Close(); err != nil {
		os.Remove(dst)
		return 0, err
	}
	if err := out.Close(); err != nil {
		return 0, err
	}

	info, err := os.Stat(dst)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Decompress reverses Compress for file sources. Used by integrity
// round-trip verification.
func Decompress(src, dst string, codec Codec) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	var reader io.Reader
	switch codec {
	case CodecZstd:
		dec, err := zstd.NewReader(in)
		if err != nil {
			return fmt.Errorf("zstd reader: %w", err)
		}
		defer dec.Close()
		reader = dec
	case CodecGzip:
		gz, err := gzip.NewReader(in)
		if err != nil {
			return fmt.Errorf("gzip reader: %w", err)
		}
		defer gz.Close()
		reader = gz
	case CodecNone:
		reader = in
	default:
		return fmt.Errorf("unknown codec %q", codec)
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, reader); err != nil {
		return err
	}
	return out.Close()
}

func writeSource(w io.Writer, source string) error {
	info, err := os.Stat(source)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		f, err := os.Open(source)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	}

	tw := tar.NewWriter(w)
	err = filepath.WalkDir(source, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(source, p)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}

		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}
	return tw.Close()
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// Ext returns the staging file extension for a codec.
func (c Codec) Ext() string {
	switch c {
	case CodecZstd:
		return ".zst"
	case CodecGzip:
		return ".gz"
	default:
		return ".raw"
	}
}
