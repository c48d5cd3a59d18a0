package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/guiyumin/streamcached/internal/fingerprint"
)

// QueueStatus is the lifecycle state of a Download Queue item.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueInProgress QueueStatus = "in_progress"
	QueueComplete   QueueStatus = "complete"
	QueueFailed     QueueStatus = "failed"
)

// QueueItem is a cache_download_queue row.
type QueueItem struct {
	ID            int64
	Fingerprint   fingerprint.Fingerprint
	Priority      int
	Status        QueueStatus
	RetryCount    int
	LastRetryAt   sql.NullTime
	CreatedAt     time.Time
	ScheduledFor  sql.NullTime
	ExpiresAt     sql.NullTime
	UserRequested bool
}

// Queue is the Download Queue component.
type Queue struct {
	db *DB
}

// NewQueue constructs a Download Queue bound to db.
func NewQueue(db *DB) *Queue {
	return &Queue{db: db}
}

const queueColumns = `id, source_id, media_id, quality, priority, status, retry_count,
	last_retry_at, created_at, scheduled_for, expires_at, user_requested`

func scanQueueItem(row interface{ Scan(...any) error }) (*QueueItem, error) {
	var q QueueItem
	var createdAt int64
	var lastRetryAt, scheduledFor, expiresAt sql.NullInt64
	var userRequested int
	var status string
	err := row.Scan(
		&q.ID, &q.Fingerprint.SourceID, &q.Fingerprint.MediaID, &q.Fingerprint.Quality,
		&q.Priority, &status, &q.RetryCount, &lastRetryAt, &createdAt,
		&scheduledFor, &expiresAt, &userRequested,
	)
	if err != nil {
		return nil, err
	}
	q.Status = QueueStatus(status)
	q.CreatedAt = time.UnixMilli(createdAt).UTC()
	q.UserRequested = userRequested != 0
	if lastRetryAt.Valid {
		q.LastRetryAt = sql.NullTime{Time: time.UnixMilli(lastRetryAt.Int64).UTC(), Valid: true}
	}
	if scheduledFor.Valid {
		q.ScheduledFor = sql.NullTime{Time: time.UnixMilli(scheduledFor.Int64).UTC(), Valid: true}
	}
	if expiresAt.Valid {
		q.ExpiresAt = sql.NullTime{Time: time.UnixMilli(expiresAt.Int64).UTC(), Valid: true}
	}
	return &q, nil
}

// Upsert enqueues fp at priority, or -- if it is already queued -- raises
// the existing item's priority to max(existing, priority), ORs in
// userRequested, and leaves retry count and creation time untouched.
// This is the only write path into the table
// besides status transitions, so a hot item requested again while still
// pending never loses its place or resets its retry count. A row left in a
// terminal state (failed/complete) is reset to pending, the same way
// DemoteStaleInProgress reclaims in_progress rows, so a fingerprint
// requested again after it failed or finished isn't invisible to
// PendingItems forever.
func (q *Queue) Upsert(fp fingerprint.Fingerprint, priority int, userRequested bool) (*QueueItem, error) {
	now := time.Now().UTC().UnixMilli()
	_, err := q.db.Conn().Exec(
		`INSERT INTO cache_download_queue
			(source_id, media_id, quality, priority, status, retry_count, created_at, user_requested)
		 VALUES (?, ?, ?, ?, 'pending', 0, ?, ?)
		 ON CONFLICT(source_id, media_id, quality) DO UPDATE SET
			priority = MAX(priority, excluded.priority),
			user_requested = user_requested OR excluded.user_requested,
			status = CASE WHEN status IN ('failed', 'complete') THEN 'pending' ELSE status END`,
		fp.SourceID, fp.MediaID, fp.Quality, priority, now, boolToInt(userRequested),
	)
	if err != nil {
		return nil, fmt.Errorf("store: upsert queue item: %w", err)
	}
	return q.ByFingerprint(fp)
}

// ByFingerprint looks up a queue item by its unique key.
func (q *Queue) ByFingerprint(fp fingerprint.Fingerprint) (*QueueItem, error) {
	row := q.db.Conn().QueryRow(
		`SELECT `+queueColumns+` FROM cache_download_queue WHERE source_id = ? AND media_id = ? AND quality = ?`,
		fp.SourceID, fp.MediaID, fp.Quality,
	)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: queue item by fingerprint: %w", err)
	}
	return item, nil
}

// PendingItems returns queued items not yet in progress, ordered the way
// the Coordinator's limiter drains them: highest priority first, oldest
// first within a priority tier.
func (q *Queue) PendingItems() ([]*QueueItem, error) {
	rows, err := q.db.Conn().Query(
		`SELECT ` + queueColumns + ` FROM cache_download_queue
		 WHERE status = 'pending' ORDER BY priority DESC, created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("store: pending items: %w", err)
	}
	defer rows.Close()

	var out []*QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan queue item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// Mark transitions id to status.
func (q *Queue) Mark(id int64, status QueueStatus) error {
	_, err := q.db.Conn().Exec(`UPDATE cache_download_queue SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("store: mark queue item: %w", err)
	}
	return nil
}

// IncrementRetry bumps retry_count and stamps last_retry_at, used between
// the Coordinator's BackingOff and Fetching states.
func (q *Queue) IncrementRetry(id int64) error {
	_, err := q.db.Conn().Exec(
		`UPDATE cache_download_queue SET retry_count = retry_count + 1, last_retry_at = ? WHERE id = ?`,
		time.Now().UTC().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("store: increment retry: %w", err)
	}
	return nil
}

// Delete removes a queue item, used once its terminal state has been
// observed and acted on.
func (q *Queue) Delete(id int64) error {
	_, err := q.db.Conn().Exec(`DELETE FROM cache_download_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete queue item: %w", err)
	}
	return nil
}

// DemoteStaleInProgress resets every in_progress item back to pending. It
// is called once at startup: an in_progress row left over from an unclean
// shutdown did not survive in any in-memory producer, so it is requeued
// rather than assumed resumable in place.
func (q *Queue) DemoteStaleInProgress() (int64, error) {
	res, err := q.db.Conn().Exec(
		`UPDATE cache_download_queue SET status = 'pending' WHERE status = 'in_progress'`,
	)
	if err != nil {
		return 0, fmt.Errorf("store: demote stale in-progress: %w", err)
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
