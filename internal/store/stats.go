package store

import "fmt"

// StatsRow mirrors the single cache_statistics row: the durable counters
// that must survive a restart (size/hit/miss totals), as opposed to the
// in-process-only histograms internal/stats keeps in memory.
type StatsRow struct {
	TotalSize      int64
	FileCount      int64
	FixedMaxBytes  int64
	HitCount       int64
	MissCount      int64
	BytesServed    int64
	BytesDownloaded int64
	LastCleanupAt  *int64
}

// StatsStore reads and writes the persisted cache_statistics row.
type StatsStore struct {
	db *DB
}

// NewStatsStore constructs a stats repository bound to db.
func NewStatsStore(db *DB) *StatsStore {
	return &StatsStore{db: db}
}

// Get reads the single cache_statistics row (id=1), seeded by schema.sql.
func (ss *StatsStore) Get() (StatsRow, error) {
	var s StatsRow
	err := ss.db.Conn().QueryRow(
		`SELECT total_size, file_count, fixed_max_bytes, hit_count, miss_count,
			bytes_served, bytes_downloaded, last_cleanup_at FROM cache_statistics WHERE id = 1`,
	).Scan(&s.TotalSize, &s.FileCount, &s.FixedMaxBytes, &s.HitCount, &s.MissCount,
		&s.BytesServed, &s.BytesDownloaded, &s.LastCleanupAt)
	if err != nil {
		return StatsRow{}, fmt.Errorf("store: get stats: %w", err)
	}
	return s, nil
}

// IncrementHit bumps hit_count and bytes_served.
func (ss *StatsStore) IncrementHit(bytesServed int64) error {
	_, err := ss.db.Conn().Exec(
		`UPDATE cache_statistics SET hit_count = hit_count + 1, bytes_served = bytes_served + ? WHERE id = 1`,
		bytesServed,
	)
	if err != nil {
		return fmt.Errorf("store: increment hit: %w", err)
	}
	return nil
}

// IncrementMiss bumps miss_count.
func (ss *StatsStore) IncrementMiss() error {
	_, err := ss.db.Conn().Exec(`UPDATE cache_statistics SET miss_count = miss_count + 1 WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("store: increment miss: %w", err)
	}
	return nil
}

// AddDownloaded bumps bytes_downloaded, called as the Coordinator commits
// chunks to disk.
func (ss *StatsStore) AddDownloaded(n int64) error {
	_, err := ss.db.Conn().Exec(`UPDATE cache_statistics SET bytes_downloaded = bytes_downloaded + ? WHERE id = 1`, n)
	if err != nil {
		return fmt.Errorf("store: add downloaded: %w", err)
	}
	return nil
}

// AddTotalSize adjusts total_size by delta, positive on a successful write
// and negative when an entry is invalidated.
// This keeps the running total the budget check reads current between the
// full recomputes SetSizeAndCount does after an eviction.
func (ss *StatsStore) AddTotalSize(delta int64) error {
	_, err := ss.db.Conn().Exec(`UPDATE cache_statistics SET total_size = total_size + ? WHERE id = 1`, delta)
	if err != nil {
		return fmt.Errorf("store: add total size: %w", err)
	}
	return nil
}

// AddFileCount adjusts file_count by delta, mirroring AddTotalSize for the
// entry-count side of the same counters.
func (ss *StatsStore) AddFileCount(delta int64) error {
	_, err := ss.db.Conn().Exec(`UPDATE cache_statistics SET file_count = file_count + ? WHERE id = 1`, delta)
	if err != nil {
		return fmt.Errorf("store: add file count: %w", err)
	}
	return nil
}

// SetSizeAndCount overwrites total_size/file_count, called after an
// eviction pass changes the on-disk footprint.
func (ss *StatsStore) SetSizeAndCount(totalSize, fileCount int64) error {
	_, err := ss.db.Conn().Exec(
		`UPDATE cache_statistics SET total_size = ?, file_count = ? WHERE id = 1`,
		totalSize, fileCount,
	)
	if err != nil {
		return fmt.Errorf("store: set size and count: %w", err)
	}
	return nil
}

// SetFixedMaxBytes persists the configured ceiling so external readers of
// the table (not just the running process) see it.
func (ss *StatsStore) SetFixedMaxBytes(n int64) error {
	_, err := ss.db.Conn().Exec(`UPDATE cache_statistics SET fixed_max_bytes = ? WHERE id = 1`, n)
	if err != nil {
		return fmt.Errorf("store: set fixed max bytes: %w", err)
	}
	return nil
}

// MarkCleanup stamps last_cleanup_at, called after an eviction pass.
func (ss *StatsStore) MarkCleanup(unixMilli int64) error {
	_, err := ss.db.Conn().Exec(`UPDATE cache_statistics SET last_cleanup_at = ? WHERE id = 1`, unixMilli)
	if err != nil {
		return fmt.Errorf("store: mark cleanup: %w", err)
	}
	return nil
}
