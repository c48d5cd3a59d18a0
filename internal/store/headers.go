package store

import "fmt"

// Header is a single origin response header preserved verbatim for an
// entry (the producer's probe records Content-Type). The Range Proxy does
// not read these rows; it takes Content-Type and ETag from the entry.
type Header struct {
	ID      int64
	EntryID int64
	Name    string
	Value   string
}

// HeaderStore is the cache_headers repository.
type HeaderStore struct {
	db *DB
}

// NewHeaderStore constructs a header repository bound to db.
func NewHeaderStore(db *DB) *HeaderStore {
	return &HeaderStore{db: db}
}

// Set replaces any existing value for (entryID, name).
func (hs *HeaderStore) Set(entryID int64, name, value string) error {
	tx, err := hs.db.Conn().Begin()
	if err != nil {
		return fmt.Errorf("store: set header: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM cache_headers WHERE entry_id = ? AND name = ?`, entryID, name); err != nil {
		return fmt.Errorf("store: set header: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO cache_headers (entry_id, name, value) VALUES (?, ?, ?)`, entryID, name, value); err != nil {
		return fmt.Errorf("store: set header: %w", err)
	}
	return tx.Commit()
}

// ListByEntry returns every preserved header for entryID.
func (hs *HeaderStore) ListByEntry(entryID int64) ([]Header, error) {
	rows, err := hs.db.Conn().Query(`SELECT id, entry_id, name, value FROM cache_headers WHERE entry_id = ?`, entryID)
	if err != nil {
		return nil, fmt.Errorf("store: list headers: %w", err)
	}
	defer rows.Close()

	var out []Header
	for rows.Next() {
		var h Header
		if err := rows.Scan(&h.ID, &h.EntryID, &h.Name, &h.Value); err != nil {
			return nil, fmt.Errorf("store: scan header: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// DeleteAll removes every header row for entryID, used alongside chunk
// deletion during invalidation.
func (hs *HeaderStore) DeleteAll(entryID int64) error {
	_, err := hs.db.Conn().Exec(`DELETE FROM cache_headers WHERE entry_id = ?`, entryID)
	if err != nil {
		return fmt.Errorf("store: delete all headers: %w", err)
	}
	return nil
}
