package staging

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ManifestStore records completed staging runs in a sqlite file inside
// the staging directory. It lets a later run reuse a retained compressed
// file and backs retention pruning.
type ManifestStore struct {
	db *sql.DB
}

// ManifestEntry is one recorded staging run.
type ManifestEntry struct {
	DatasetStem     string
	Codec           Codec
	OriginalBytes   int64
	CompressedBytes int64
	Checksums       []string
	CreatedAt       time.Time
}

// OpenManifest opens (or creates) the manifest database under
// stagingDir.
func OpenManifest(stagingDir string) (*ManifestStore, error) {
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	db, err := sql.Open("sqlite3", filepath.Join(stagingDir, "manifest.db"))
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS staging_manifest (
		dataset_stem     TEXT NOT NULL,
		codec            TEXT NOT NULL,
		original_bytes   INTEGER NOT NULL,
		compressed_bytes INTEGER NOT NULL,
		checksums        TEXT NOT NULL,
		created_at       TIMESTAMP NOT NULL,
		PRIMARY KEY (dataset_stem, codec)
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate manifest: %w", err)
	}
	return &ManifestStore{db: db}, nil
}

// Close releases the database handle.
func (s *ManifestStore) Close() error { return s.db.Close() }

// Record upserts the manifest row for a completed run.
func (s *ManifestStore) Record(e ManifestEntry) error {
	sums, err := json.Marshal(e.Checksums)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO staging_manifest
			(dataset_stem, codec, original_bytes, compressed_bytes, checksums, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(dataset_stem, codec) DO UPDATE SET
			original_bytes=excluded.original_bytes,
			compressed_bytes=excluded.compressed_bytes,
			checksums=excluded.checksums,
			created_at=excluded.created_at`,
		e.DatasetStem, string(e.Codec), e.OriginalBytes, e.CompressedBytes, string(sums), e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("record manifest: %w", err)
	}
	return nil
}

// Lookup returns the recorded entry for a dataset/codec pair, or nil.
func (s *ManifestStore) Lookup(stem string, codec Codec) (*ManifestEntry, error) {
	row := s.db.QueryRow(`
		SELECT dataset_stem, codec, original_bytes, compressed_bytes, checksums, created_at
		FROM staging_manifest WHERE dataset_stem = ? AND codec = ?`,
		stem, string(codec))

	var e ManifestEntry
	var codecStr, sums string
	err := row.Scan(&e.DatasetStem, &codecStr, &e.OriginalBytes, &e.CompressedBytes, &sums, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup manifest: %w", err)
	}
	e.Codec = Codec(codecStr)
	if err := json.Unmarshal([]byte(sums), &e.Checksums); err != nil {
		return nil, fmt.Errorf("decode checksums: %w", err)
	}
	return &e, nil
}

// Prune deletes entries older than retentionDays. Zero or negative keeps
// everything.
func (s *ManifestStore) Prune(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	res, err := s.db.Exec(`DELETE FROM staging_manifest WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune manifest: %w", err)
	}
	return res.RowsAffected()
}
