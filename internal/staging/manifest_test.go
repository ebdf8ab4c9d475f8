package staging

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestManifest(t *testing.T) *ManifestStore {
	t.Helper()
	store, err := OpenManifest(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenManifestCreatesStagingDir(t *testing.T) {
	// A fresh machine starts without the staging directory; opening the
	// manifest must create it rather than die on the sqlite file.
	dir := filepath.Join(t.TempDir(), "nonexistent", "staging")

	store, err := OpenManifest(dir)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Record(ManifestEntry{
		DatasetStem: "first", Codec: CodecZstd,
		Checksums: []string{"aa"}, CreatedAt: time.Now(),
	}))
	assert.FileExists(t, filepath.Join(dir, "manifest.db"))
}

func TestManifestRecordAndLookup(t *testing.T) {
	store := openTestManifest(t)

	entry := ManifestEntry{
		DatasetStem:     "imagenet",
		Codec:           CodecZstd,
		OriginalBytes:   1 << 30,
		CompressedBytes: 350 << 20,
		Checksums:       []string{"aa11", "bb22"},
		CreatedAt:       time.Now(),
	}
	require.NoError(t, store.Record(entry))

	got, err := store.Lookup("imagenet", CodecZstd)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entry.DatasetStem, got.DatasetStem)
	assert.Equal(t, entry.Codec, got.Codec)
	assert.Equal(t, entry.OriginalBytes, got.OriginalBytes)
	assert.Equal(t, entry.CompressedBytes, got.CompressedBytes)
	assert.Equal(t, entry.Checksums, got.Checksums)
}

func TestManifestLookupMisses(t *testing.T) {
	store := openTestManifest(t)

	got, err := store.Lookup("never-staged", CodecZstd)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestManifestRecordUpserts(t *testing.T) {
	store := openTestManifest(t)

	first := ManifestEntry{
		DatasetStem: "ds", Codec: CodecGzip,
		OriginalBytes: 100, CompressedBytes: 45,
		Checksums: []string{"old"}, CreatedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, store.Record(first))

	second := first
	second.CompressedBytes = 40
	second.Checksums = []string{"new"}
	second.CreatedAt = time.Now()
	require.NoError(t, store.Record(second))

	got, err := store.Lookup("ds", CodecGzip)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(40), got.CompressedBytes)
	assert.Equal(t, []string{"new"}, got.Checksums)
}

func TestManifestKeyedByCodec(t *testing.T) {
	store := openTestManifest(t)

	require.NoError(t, store.Record(ManifestEntry{
		DatasetStem: "ds", Codec: CodecZstd, Checksums: []string{"z"}, CreatedAt: time.Now(),
	}))
	require.NoError(t, store.Record(ManifestEntry{
		DatasetStem: "ds", Codec: CodecGzip, Checksums: []string{"g"}, CreatedAt: time.Now(),
	}))

	zstd, err := store.Lookup("ds", CodecZstd)
	require.NoError(t, err)
	require.NotNil(t, zstd)
	assert.Equal(t, []string{"z"}, zstd.Checksums)

	gzip, err := store.Lookup("ds", CodecGzip)
	require.NoError(t, err)
	require.NotNil(t, gzip)
	assert.Equal(t, []string{"g"}, gzip.Checksums)
}

func TestManifestPrune(t *testing.T) {
	store := openTestManifest(t)

	require.NoError(t, store.Record(ManifestEntry{
		DatasetStem: "old", Codec: CodecZstd, Checksums: []string{"x"},
		CreatedAt: time.Now().AddDate(0, 0, -90),
	}))
	require.NoError(t, store.Record(ManifestEntry{
		DatasetStem: "fresh", Codec: CodecZstd, Checksums: []string{"y"},
		CreatedAt: time.Now(),
	}))

	pruned, err := store.Prune(30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	gone, err := store.Lookup("old", CodecZstd)
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := store.Lookup("fresh", CodecZstd)
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestManifestPruneDisabled(t *testing.T) {
	store := openTestManifest(t)

	require.NoError(t, store.Record(ManifestEntry{
		DatasetStem: "ancient", Codec: CodecZstd, Checksums: []string{"x"},
		CreatedAt: time.Now().AddDate(-1, 0, 0),
	}))

	pruned, err := store.Prune(0)
	require.NoError(t, err)
	assert.Zero(t, pruned)

	got, err := store.Lookup("ancient", CodecZstd)
	require.NoError(t, err)
	assert.NotNil(t, got)
}
