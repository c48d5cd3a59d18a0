package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Variant is a cache_quality_variants row: one selectable rendition of a
// media item, as advertised by the origin's manifest (e.g. an HLS master
// playlist's stream entries).
type Variant struct {
	ID        int64
	SourceID  string
	MediaID   string
	Quality   string
	Resolution sql.NullString
	Bitrate   sql.NullInt64
	Container sql.NullString
	Codecs    sql.NullString
	StreamURL string
}

// VariantStore is the Quality Variant repository backing the multi-quality
// cache-key dimension.
type VariantStore struct {
	db *DB
}

// NewVariantStore constructs a Quality Variant repository bound to db.
func NewVariantStore(db *DB) *VariantStore {
	return &VariantStore{db: db}
}

const variantColumns = `id, source_id, media_id, quality, resolution, bitrate, container, codecs, stream_url`

func scanVariant(row interface{ Scan(...any) error }) (*Variant, error) {
	var v Variant
	err := row.Scan(&v.ID, &v.SourceID, &v.MediaID, &v.Quality, &v.Resolution, &v.Bitrate, &v.Container, &v.Codecs, &v.StreamURL)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Upsert records or updates the known stream URL and renditions for one
// (source, media, quality) triple, replacing whatever was previously on
// file for that triple (the origin's manifest is the source of truth).
func (vs *VariantStore) Upsert(v Variant) (*Variant, error) {
	_, err := vs.db.Conn().Exec(
		`INSERT INTO cache_quality_variants (source_id, media_id, quality, resolution, bitrate, container, codecs, stream_url)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source_id, media_id, quality) DO UPDATE SET
			resolution = excluded.resolution,
			bitrate = excluded.bitrate,
			container = excluded.container,
			codecs = excluded.codecs,
			stream_url = excluded.stream_url`,
		v.SourceID, v.MediaID, v.Quality, v.Resolution, v.Bitrate, v.Container, v.Codecs, v.StreamURL,
	)
	if err != nil {
		return nil, fmt.Errorf("store: upsert variant: %w", err)
	}
	row := vs.db.Conn().QueryRow(
		`SELECT `+variantColumns+` FROM cache_quality_variants WHERE source_id = ? AND media_id = ? AND quality = ?`,
		v.SourceID, v.MediaID, v.Quality,
	)
	return scanVariant(row)
}

// ByFingerprintParts looks up a single variant by (source, media, quality).
func (vs *VariantStore) ByFingerprintParts(sourceID, mediaID, quality string) (*Variant, error) {
	row := vs.db.Conn().QueryRow(
		`SELECT `+variantColumns+` FROM cache_quality_variants WHERE source_id = ? AND media_id = ? AND quality = ?`,
		sourceID, mediaID, quality,
	)
	v, err := scanVariant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: variant by fingerprint: %w", err)
	}
	return v, nil
}

// ListByMedia returns every known rendition of a media item, used to
// present the set of qualities a client may select from.
func (vs *VariantStore) ListByMedia(sourceID, mediaID string) ([]*Variant, error) {
	rows, err := vs.db.Conn().Query(
		`SELECT `+variantColumns+` FROM cache_quality_variants WHERE source_id = ? AND media_id = ?`,
		sourceID, mediaID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list variants: %w", err)
	}
	defer rows.Close()

	var out []*Variant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan variant: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
