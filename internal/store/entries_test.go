package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/guiyumin/streamcached/internal/fingerprint"
)

func TestEntryIndex_CreateAndByFingerprint(t *testing.T) {
	db := newTestDB(t)
	ix := NewEntryIndex(db)
	fp := fingerprint.Fingerprint{SourceID: "s1", MediaID: "m1", Quality: "1080p"}

	created, err := ix.Create(fp, filepath.Join(t.TempDir(), "entry.bin"))
	require.NoError(t, err)
	require.False(t, created.IsComplete)
	require.Zero(t, created.AccessCount)
	require.False(t, created.ExpectedTotalSize.Valid)

	got, err := ix.ByFingerprint(fp)
	require.NoError(t, err)
	require.Equal(t, created.ID, got.ID)
}

func TestEntryIndex_ByID_NotFound(t *testing.T) {
	db := newTestDB(t)
	ix := NewEntryIndex(db)

	_, err := ix.ByID(9999)
	require.ErrorIs(t, err, ErrNotFound)
}

// TestMarkAccessed_Monotonic covers the invariant that last_accessed never
// moves backward and access_count only ever increases.
func TestMarkAccessed_Monotonic(t *testing.T) {
	db := newTestDB(t)
	ix := NewEntryIndex(db)
	fp := fingerprint.Fingerprint{SourceID: "s1", MediaID: "m1", Quality: "1080p"}

	entry, err := ix.Create(fp, filepath.Join(t.TempDir(), "entry.bin"))
	require.NoError(t, err)

	require.NoError(t, ix.MarkAccessed(entry.ID))
	first, err := ix.ByID(entry.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, first.AccessCount)

	require.NoError(t, ix.MarkAccessed(entry.ID))
	second, err := ix.ByID(entry.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, second.AccessCount)
	require.False(t, second.LastAccessed.Before(first.LastAccessed))
}

func TestSetExpectedTotalSize(t *testing.T) {
	db := newTestDB(t)
	ix := NewEntryIndex(db)
	fp := fingerprint.Fingerprint{SourceID: "s1", MediaID: "m1", Quality: "1080p"}

	entry, err := ix.Create(fp, filepath.Join(t.TempDir(), "entry.bin"))
	require.NoError(t, err)

	require.NoError(t, ix.SetExpectedTotalSize(entry.ID, 123456))

	got, err := ix.ByID(entry.ID)
	require.NoError(t, err)
	require.True(t, got.ExpectedTotalSize.Valid)
	require.EqualValues(t, 123456, got.ExpectedTotalSize.Int64)
}

func TestSetComplete(t *testing.T) {
	db := newTestDB(t)
	ix := NewEntryIndex(db)
	fp := fingerprint.Fingerprint{SourceID: "s1", MediaID: "m1", Quality: "1080p"}

	entry, err := ix.Create(fp, filepath.Join(t.TempDir(), "entry.bin"))
	require.NoError(t, err)

	require.NoError(t, ix.SetComplete(entry.ID, true))

	got, err := ix.ByID(entry.ID)
	require.NoError(t, err)
	require.True(t, got.IsComplete)
}

func TestListByMediaAndBySource(t *testing.T) {
	db := newTestDB(t)
	ix := NewEntryIndex(db)

	_, err := ix.Create(fingerprint.Fingerprint{SourceID: "s1", MediaID: "m1", Quality: "1080p"}, filepath.Join(t.TempDir(), "a.bin"))
	require.NoError(t, err)
	_, err = ix.Create(fingerprint.Fingerprint{SourceID: "s1", MediaID: "m1", Quality: "720p"}, filepath.Join(t.TempDir(), "b.bin"))
	require.NoError(t, err)
	_, err = ix.Create(fingerprint.Fingerprint{SourceID: "s1", MediaID: "m2", Quality: "1080p"}, filepath.Join(t.TempDir(), "c.bin"))
	require.NoError(t, err)
	_, err = ix.Create(fingerprint.Fingerprint{SourceID: "s2", MediaID: "m3", Quality: "1080p"}, filepath.Join(t.TempDir(), "d.bin"))
	require.NoError(t, err)

	byMedia, err := ix.ListByMedia("s1", "m1")
	require.NoError(t, err)
	require.Len(t, byMedia, 2)

	bySource, err := ix.ListBySource("s1")
	require.NoError(t, err)
	require.Len(t, bySource, 3)
}

func TestEntryIndex_Delete(t *testing.T) {
	db := newTestDB(t)
	ix := NewEntryIndex(db)
	fp := fingerprint.Fingerprint{SourceID: "s1", MediaID: "m1", Quality: "1080p"}

	entry, err := ix.Create(fp, filepath.Join(t.TempDir(), "entry.bin"))
	require.NoError(t, err)
	require.NoError(t, ix.Delete(entry.ID))

	_, err = ix.ByID(entry.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

// TestEntryIndex_DeleteCascadesChunks exercises the schema's foreign-key
// cascade: deleting an entry removes its chunk rows too.
func TestEntryIndex_DeleteCascadesChunks(t *testing.T) {
	db := newTestDB(t)
	ix := NewEntryIndex(db)
	cs := NewChunkStore(db)
	fp := fingerprint.Fingerprint{SourceID: "s1", MediaID: "m1", Quality: "1080p"}

	entry, err := ix.Create(fp, filepath.Join(t.TempDir(), "entry.bin"))
	require.NoError(t, err)
	require.NoError(t, cs.AddChunk(entry.ID, 0, 999))

	require.NoError(t, ix.Delete(entry.ID))

	chunks, err := cs.ChunksOf(entry.ID)
	require.NoError(t, err)
	require.Empty(t, chunks)
}
