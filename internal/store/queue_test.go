package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/guiyumin/streamcached/internal/fingerprint"
)

func TestQueueUpsert_EnqueuesPending(t *testing.T) {
	db := newTestDB(t)
	q := NewQueue(db)
	fp := fingerprint.Fingerprint{SourceID: "s1", MediaID: "m1", Quality: "1080p"}

	item, err := q.Upsert(fp, 5, true)
	require.NoError(t, err)
	require.Equal(t, QueuePending, item.Status)
	require.Equal(t, 5, item.Priority)
	require.True(t, item.UserRequested)
	require.Equal(t, 0, item.RetryCount)
}

// TestQueueUpsert_PriorityIsMax covers the dedup law: re-upserting an
// already-queued fingerprint raises priority to the max of old and new,
// and never lowers it.
func TestQueueUpsert_PriorityIsMax(t *testing.T) {
	db := newTestDB(t)
	q := NewQueue(db)
	fp := fingerprint.Fingerprint{SourceID: "s1", MediaID: "m1", Quality: "1080p"}

	_, err := q.Upsert(fp, 3, false)
	require.NoError(t, err)

	item, err := q.Upsert(fp, 9, false)
	require.NoError(t, err)
	require.Equal(t, 9, item.Priority)

	item, err = q.Upsert(fp, 1, false)
	require.NoError(t, err)
	require.Equal(t, 9, item.Priority, "priority must never drop on a lower-priority re-request")
}

// TestQueueUpsert_UserRequestedSticky once true, user_requested should
// never flip back to false on a subsequent system-initiated upsert.
func TestQueueUpsert_UserRequestedSticky(t *testing.T) {
	db := newTestDB(t)
	q := NewQueue(db)
	fp := fingerprint.Fingerprint{SourceID: "s1", MediaID: "m1", Quality: "1080p"}

	_, err := q.Upsert(fp, 5, true)
	require.NoError(t, err)

	item, err := q.Upsert(fp, 2, false)
	require.NoError(t, err)
	require.True(t, item.UserRequested)
}

func TestQueueUpsert_IsIdempotentOnIdenticalCall(t *testing.T) {
	db := newTestDB(t)
	q := NewQueue(db)
	fp := fingerprint.Fingerprint{SourceID: "s1", MediaID: "m1", Quality: "1080p"}

	first, err := q.Upsert(fp, 5, true)
	require.NoError(t, err)
	second, err := q.Upsert(fp, 5, true)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID, "upsert must not create a second row for the same fingerprint")
}

// TestQueueUpsert_ResetsTerminalStatusToPending covers re-requesting a
// fingerprint that already finished or failed: it must reappear in
// PendingItems rather than stay invisible to the scheduler forever.
func TestQueueUpsert_ResetsTerminalStatusToPending(t *testing.T) {
	db := newTestDB(t)
	q := NewQueue(db)

	failed := fingerprint.Fingerprint{SourceID: "s1", MediaID: "failed", Quality: "1080p"}
	item, err := q.Upsert(failed, 5, false)
	require.NoError(t, err)
	require.NoError(t, q.Mark(item.ID, QueueFailed))

	item, err = q.Upsert(failed, 5, true)
	require.NoError(t, err)
	require.Equal(t, QueuePending, item.Status)

	complete := fingerprint.Fingerprint{SourceID: "s1", MediaID: "complete", Quality: "1080p"}
	item, err = q.Upsert(complete, 5, false)
	require.NoError(t, err)
	require.NoError(t, q.Mark(item.ID, QueueComplete))

	item, err = q.Upsert(complete, 5, true)
	require.NoError(t, err)
	require.Equal(t, QueuePending, item.Status)

	items, err := q.PendingItems()
	require.NoError(t, err)
	require.Len(t, items, 2)
}

// TestQueueUpsert_InProgressNotDisturbed: an in_progress row (a producer
// actively running) must not be yanked back to pending by a re-request;
// only DemoteStaleInProgress does that, and only at startup.
func TestQueueUpsert_InProgressNotDisturbed(t *testing.T) {
	db := newTestDB(t)
	q := NewQueue(db)
	fp := fingerprint.Fingerprint{SourceID: "s1", MediaID: "m1", Quality: "1080p"}

	item, err := q.Upsert(fp, 5, false)
	require.NoError(t, err)
	require.NoError(t, q.Mark(item.ID, QueueInProgress))

	item, err = q.Upsert(fp, 9, true)
	require.NoError(t, err)
	require.Equal(t, QueueInProgress, item.Status)
}

func TestPendingItems_OrderedByPriorityThenAge(t *testing.T) {
	db := newTestDB(t)
	q := NewQueue(db)

	low := fingerprint.Fingerprint{SourceID: "s1", MediaID: "low", Quality: "1080p"}
	high := fingerprint.Fingerprint{SourceID: "s1", MediaID: "high", Quality: "1080p"}
	mid := fingerprint.Fingerprint{SourceID: "s1", MediaID: "mid", Quality: "1080p"}

	_, err := q.Upsert(low, 1, false)
	require.NoError(t, err)
	_, err = q.Upsert(high, 10, false)
	require.NoError(t, err)
	_, err = q.Upsert(mid, 5, false)
	require.NoError(t, err)

	items, err := q.PendingItems()
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, "high", items[0].Fingerprint.MediaID)
	require.Equal(t, "mid", items[1].Fingerprint.MediaID)
	require.Equal(t, "low", items[2].Fingerprint.MediaID)
}

func TestMark_ExcludesFromPending(t *testing.T) {
	db := newTestDB(t)
	q := NewQueue(db)
	fp := fingerprint.Fingerprint{SourceID: "s1", MediaID: "m1", Quality: "1080p"}

	item, err := q.Upsert(fp, 5, false)
	require.NoError(t, err)

	require.NoError(t, q.Mark(item.ID, QueueInProgress))

	items, err := q.PendingItems()
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestIncrementRetry(t *testing.T) {
	db := newTestDB(t)
	q := NewQueue(db)
	fp := fingerprint.Fingerprint{SourceID: "s1", MediaID: "m1", Quality: "1080p"}

	item, err := q.Upsert(fp, 5, false)
	require.NoError(t, err)

	require.NoError(t, q.IncrementRetry(item.ID))
	require.NoError(t, q.IncrementRetry(item.ID))

	got, err := q.ByFingerprint(fp)
	require.NoError(t, err)
	require.Equal(t, 2, got.RetryCount)
	require.True(t, got.LastRetryAt.Valid)
}

// TestDemoteStaleInProgress covers the resume-on-startup Open Question
// resolution: in_progress items left over from an unclean shutdown go
// back to pending rather than being assumed resumable in place.
func TestDemoteStaleInProgress(t *testing.T) {
	db := newTestDB(t)
	q := NewQueue(db)
	fp := fingerprint.Fingerprint{SourceID: "s1", MediaID: "m1", Quality: "1080p"}

	item, err := q.Upsert(fp, 5, false)
	require.NoError(t, err)
	require.NoError(t, q.Mark(item.ID, QueueInProgress))

	n, err := q.DemoteStaleInProgress()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	got, err := q.ByFingerprint(fp)
	require.NoError(t, err)
	require.Equal(t, QueuePending, got.Status)
}

func TestQueueDelete(t *testing.T) {
	db := newTestDB(t)
	q := NewQueue(db)
	fp := fingerprint.Fingerprint{SourceID: "s1", MediaID: "m1", Quality: "1080p"}

	item, err := q.Upsert(fp, 5, false)
	require.NoError(t, err)
	require.NoError(t, q.Delete(item.ID))

	_, err = q.ByFingerprint(fp)
	require.ErrorIs(t, err, ErrNotFound)
}
