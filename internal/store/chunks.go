package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Chunk is a contiguous, already-downloaded byte range within one entry's
// backing file. Ranges are inclusive on both ends, matching HTTP's
// Content-Range semantics.
type Chunk struct {
	ID        int64
	EntryID   int64
	Start     int64
	End       int64
	Downloaded time.Time
}

// ChunkStore is the Chunk Store component: the record of
// which byte ranges of an entry's backing file are present on
// disk, merged into the smallest possible set of disjoint, non-adjacent
// ranges.
type ChunkStore struct {
	db *DB
}

// NewChunkStore constructs a Chunk Store bound to db.
func NewChunkStore(db *DB) *ChunkStore {
	return &ChunkStore{db: db}
}

// AddChunk records that [start, end] (inclusive) of entryID's backing file
// has been written to disk, merging with any existing chunk immediately
// adjacent to or overlapping the new range. The whole read-modify-write
// cycle runs in one transaction so concurrent writers (a producer and a
// concurrent probe, say) never observe or create a torn merge.
//
// Three neighbors matter: any existing chunk whose end lands one byte
// before start (the predecessor), any whose start lands one byte after end
// (the successor), and any chunk the new range overlaps outright. All
// overlapping/adjacent chunks collapse into a single row spanning their
// union; a range wholly inside an existing chunk is a no-op.
func (cs *ChunkStore) AddChunk(entryID, start, end int64) error {
	if end < start {
		return fmt.Errorf("store: add chunk: end %d < start %d", end, start)
	}

	tx, err := cs.db.Conn().Begin()
	if err != nil {
		return fmt.Errorf("store: add chunk: %w", err)
	}
	defer tx.Rollback()

	// Any chunk touching or overlapping [start-1, end+1] must be folded in.
	rows, err := tx.Query(
		`SELECT id, start_byte, end_byte FROM cache_chunks
		 WHERE entry_id = ? AND start_byte <= ? AND end_byte >= ?`,
		entryID, end+1, start-1,
	)
	if err != nil {
		return fmt.Errorf("store: add chunk: query neighbors: %w", err)
	}

	mergedStart, mergedEnd := start, end
	var toDelete []int64
	for rows.Next() {
		var id, s, e int64
		if err := rows.Scan(&id, &s, &e); err != nil {
			rows.Close()
			return fmt.Errorf("store: add chunk: scan neighbor: %w", err)
		}
		if s < mergedStart {
			mergedStart = s
		}
		if e > mergedEnd {
			mergedEnd = e
		}
		toDelete = append(toDelete, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("store: add chunk: %w", err)
	}
	rows.Close()

	now := time.Now().UTC().UnixMilli()

	switch len(toDelete) {
	case 0:
		if _, err := tx.Exec(
			`INSERT INTO cache_chunks (entry_id, start_byte, end_byte, downloaded_at) VALUES (?, ?, ?, ?)`,
			entryID, mergedStart, mergedEnd, now,
		); err != nil {
			return fmt.Errorf("store: add chunk: insert: %w", err)
		}
	case 1:
		if _, err := tx.Exec(
			`UPDATE cache_chunks SET start_byte = ?, end_byte = ?, downloaded_at = ? WHERE id = ?`,
			mergedStart, mergedEnd, now, toDelete[0],
		); err != nil {
			return fmt.Errorf("store: add chunk: extend: %w", err)
		}
	default:
		// Two or more neighbors collapse into the first; the rest are deleted.
		keep := toDelete[0]
		if _, err := tx.Exec(
			`UPDATE cache_chunks SET start_byte = ?, end_byte = ?, downloaded_at = ? WHERE id = ?`,
			mergedStart, mergedEnd, now, keep,
		); err != nil {
			return fmt.Errorf("store: add chunk: extend: %w", err)
		}
		for _, id := range toDelete[1:] {
			if _, err := tx.Exec(`DELETE FROM cache_chunks WHERE id = ?`, id); err != nil {
				return fmt.Errorf("store: add chunk: delete merged: %w", err)
			}
		}
	}

	return tx.Commit()
}

// HasRange reports whether [start, end] is fully covered by a single
// existing chunk. This is NOT "is every byte covered by any combination of
// chunks": a range spanning two not-yet-merged chunks with a gap between
// them returns false, even though merge would normally prevent that gap
// from persisting once the intervening bytes arrive.
func (cs *ChunkStore) HasRange(entryID, start, end int64) (bool, error) {
	var count int
	err := cs.db.Conn().QueryRow(
		`SELECT COUNT(*) FROM cache_chunks WHERE entry_id = ? AND start_byte <= ? AND end_byte >= ?`,
		entryID, start, end,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: has range: %w", err)
	}
	return count > 0, nil
}

// ChunksOf returns every chunk for entryID ordered by start_byte, the
// layout FirstGapAfter walks to find the first gap at or after a position.
func (cs *ChunkStore) ChunksOf(entryID int64) ([]Chunk, error) {
	rows, err := cs.db.Conn().Query(
		`SELECT id, entry_id, start_byte, end_byte, downloaded_at FROM cache_chunks
		 WHERE entry_id = ? ORDER BY start_byte ASC`,
		entryID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: chunks of: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		var downloadedAt int64
		if err := rows.Scan(&c.ID, &c.EntryID, &c.Start, &c.End, &downloadedAt); err != nil {
			return nil, fmt.Errorf("store: chunks of: scan: %w", err)
		}
		c.Downloaded = time.UnixMilli(downloadedAt).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// DownloadedBytes sums the length of every chunk for entryID.
func (cs *ChunkStore) DownloadedBytes(entryID int64) (int64, error) {
	var total sql.NullInt64
	err := cs.db.Conn().QueryRow(
		`SELECT SUM(end_byte - start_byte + 1) FROM cache_chunks WHERE entry_id = ?`,
		entryID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("store: downloaded bytes: %w", err)
	}
	if !total.Valid {
		return 0, nil
	}
	return total.Int64, nil
}

// ChunkCount reports how many disjoint chunks cover entryID -- used by the
// statistics snapshot's fragmentation hint.
func (cs *ChunkStore) ChunkCount(entryID int64) (int, error) {
	var count int
	err := cs.db.Conn().QueryRow(`SELECT COUNT(*) FROM cache_chunks WHERE entry_id = ?`, entryID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: chunk count: %w", err)
	}
	return count, nil
}

// DeleteAll removes every chunk row for entryID, used by invalidation
// before the backing file is truncated or removed.
func (cs *ChunkStore) DeleteAll(entryID int64) error {
	_, err := cs.db.Conn().Exec(`DELETE FROM cache_chunks WHERE entry_id = ?`, entryID)
	if err != nil {
		return fmt.Errorf("store: delete all chunks: %w", err)
	}
	return nil
}

// FirstGapAfter returns the start of the first byte not covered by any
// chunk at or after pos, used by the producer to decide what range to
// fetch next. ok is true only when that byte lies before the start of a
// later chunk; ok is false when coverage runs unbroken from pos to the end
// of the last chunk, and gapStart is then the byte just past it (the
// caller must still compare against the entry's expected total size to
// know whether that means "done" or "need more").
func (cs *ChunkStore) FirstGapAfter(entryID, pos int64) (gapStart int64, ok bool, err error) {
	chunks, err := cs.ChunksOf(entryID)
	if err != nil {
		return 0, false, err
	}
	cursor := pos
	for _, c := range chunks {
		if c.End < cursor {
			continue
		}
		if c.Start > cursor {
			return cursor, true, nil
		}
		cursor = c.End + 1
	}
	return cursor, false, nil
}
