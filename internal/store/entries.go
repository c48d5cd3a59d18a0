package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/guiyumin/streamcached/internal/fingerprint"
)

// Entry is a Cache Entry row.
type Entry struct {
	ID                int64
	Fingerprint       fingerprint.Fingerprint
	FilePath          string
	ExpectedTotalSize sql.NullInt64
	IsComplete        bool
	AccessCount       int64
	LastAccessed      time.Time
	CreatedAt         time.Time
	ModifiedAt        time.Time
	MimeType          sql.NullString
	Codec             sql.NullString
	Container         sql.NullString
	Resolution        sql.NullString
	Bitrate           sql.NullInt64
	DurationMs        sql.NullInt64
	ETag              sql.NullString
	ExpiresAt         sql.NullTime
}

// ErrNotFound is returned when a lookup by id or fingerprint misses.
var ErrNotFound = errors.New("store: not found")

// EntryIndex is the Cache Index component, the lookup table from a
// fingerprint to its on-disk entry.
type EntryIndex struct {
	db *DB
}

// NewEntryIndex constructs a Cache Index bound to db.
func NewEntryIndex(db *DB) *EntryIndex {
	return &EntryIndex{db: db}
}

func scanEntry(row interface{ Scan(...any) error }) (*Entry, error) {
	var e Entry
	var lastAccessed, createdAt, modifiedAt int64
	var expiresAt sql.NullInt64
	var isComplete int
	err := row.Scan(
		&e.ID, &e.Fingerprint.SourceID, &e.Fingerprint.MediaID, &e.Fingerprint.Quality,
		&e.FilePath, &e.ExpectedTotalSize, &isComplete, &e.AccessCount, &lastAccessed,
		&createdAt, &modifiedAt, &e.MimeType, &e.Codec, &e.Container, &e.Resolution,
		&e.Bitrate, &e.DurationMs, &e.ETag, &expiresAt,
	)
	if err != nil {
		return nil, err
	}
	e.IsComplete = isComplete != 0
	e.LastAccessed = time.UnixMilli(lastAccessed).UTC()
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	e.ModifiedAt = time.UnixMilli(modifiedAt).UTC()
	if expiresAt.Valid {
		e.ExpiresAt = sql.NullTime{Time: time.UnixMilli(expiresAt.Int64).UTC(), Valid: true}
	}
	return &e, nil
}

const entryColumns = `id, source_id, media_id, quality, file_path, expected_total_size,
	is_complete, access_count, last_accessed, created_at, modified_at,
	mime_type, codec, container, resolution, bitrate, duration_ms, etag, expires_at`

// Create inserts a new, empty Cache Entry (expected_total_size unknown).
func (ix *EntryIndex) Create(fp fingerprint.Fingerprint, filePath string) (*Entry, error) {
	now := time.Now().UTC()
	nowMs := now.UnixMilli()
	res, err := ix.db.Conn().Exec(
		`INSERT INTO cache_entries
			(source_id, media_id, quality, file_path, is_complete, access_count,
			 last_accessed, created_at, modified_at)
		 VALUES (?, ?, ?, ?, 0, 0, ?, ?, ?)`,
		fp.SourceID, fp.MediaID, fp.Quality, filePath, nowMs, nowMs, nowMs,
	)
	if err != nil {
		return nil, fmt.Errorf("store: create entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: create entry: %w", err)
	}
	return ix.ByID(id)
}

// ByID looks up an entry by primary key.
func (ix *EntryIndex) ByID(id int64) (*Entry, error) {
	row := ix.db.Conn().QueryRow(`SELECT `+entryColumns+` FROM cache_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: entry by id: %w", err)
	}
	return e, nil
}

// ByFingerprint looks up an entry by its unique (source, media, quality) triple.
func (ix *EntryIndex) ByFingerprint(fp fingerprint.Fingerprint) (*Entry, error) {
	row := ix.db.Conn().QueryRow(
		`SELECT `+entryColumns+` FROM cache_entries WHERE source_id = ? AND media_id = ? AND quality = ?`,
		fp.SourceID, fp.MediaID, fp.Quality,
	)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: entry by fingerprint: %w", err)
	}
	return e, nil
}

// ListByMedia returns every entry (across qualities) for a given media item,
// used to invalidate alternate-quality copies and for library sync fan-out.
func (ix *EntryIndex) ListByMedia(sourceID, mediaID string) ([]*Entry, error) {
	return ix.queryEntries(`SELECT `+entryColumns+` FROM cache_entries WHERE source_id = ? AND media_id = ?`, sourceID, mediaID)
}

// ListBySource returns every entry for a given source, used by
// invalidate_source on sign-out.
func (ix *EntryIndex) ListBySource(sourceID string) ([]*Entry, error) {
	return ix.queryEntries(`SELECT `+entryColumns+` FROM cache_entries WHERE source_id = ?`, sourceID)
}

// ListAll returns every entry, ordered by last_accessed ascending -- the
// order the Eviction Policy scans in.
func (ix *EntryIndex) ListAll() ([]*Entry, error) {
	return ix.queryEntries(`SELECT ` + entryColumns + ` FROM cache_entries ORDER BY last_accessed ASC`)
}

func (ix *EntryIndex) queryEntries(query string, args ...any) ([]*Entry, error) {
	rows, err := ix.db.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkAccessed bumps access_count and last_accessed. last_accessed stays
// monotonically non-decreasing because this is the only writer of that
// column and it always sets it to "now".
func (ix *EntryIndex) MarkAccessed(id int64) error {
	_, err := ix.db.Conn().Exec(
		`UPDATE cache_entries SET access_count = access_count + 1, last_accessed = ? WHERE id = ?`,
		time.Now().UTC().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("store: mark accessed: %w", err)
	}
	return nil
}

// SetExpectedTotalSize records the size learned from the origin's probe.
func (ix *EntryIndex) SetExpectedTotalSize(id int64, size int64) error {
	_, err := ix.db.Conn().Exec(
		`UPDATE cache_entries SET expected_total_size = ?, modified_at = ? WHERE id = ?`,
		size, time.Now().UTC().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("store: set expected size: %w", err)
	}
	return nil
}

// SetMetadata records the MIME type and ETag learned from the origin's
// probe response. Codec, container, resolution, bitrate and duration are
// not written here or anywhere else; they stay null.
func (ix *EntryIndex) SetMetadata(id int64, mimeType, etag string) error {
	_, err := ix.db.Conn().Exec(
		`UPDATE cache_entries SET mime_type = ?, etag = ?, modified_at = ? WHERE id = ?`,
		nullableString(mimeType), nullableString(etag), time.Now().UTC().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("store: set metadata: %w", err)
	}
	return nil
}

// SetComplete flips is_complete. This is one-way until invalidation;
// callers (the Coordinator) only ever call this with true.
func (ix *EntryIndex) SetComplete(id int64, complete bool) error {
	v := 0
	if complete {
		v = 1
	}
	_, err := ix.db.Conn().Exec(
		`UPDATE cache_entries SET is_complete = ?, modified_at = ? WHERE id = ?`,
		v, time.Now().UTC().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("store: set complete: %w", err)
	}
	return nil
}

// Delete removes the entry row; cascade delete takes its chunks and headers
// with it. The caller (Cache Controller) is responsible for removing the
// backing file.
func (ix *EntryIndex) Delete(id int64) error {
	_, err := ix.db.Conn().Exec(`DELETE FROM cache_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete entry: %w", err)
	}
	return nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
