// Package cache implements the Cache Controller: the façade the Range
// Proxy and the rest of the application talk to. It is the sole owner of
// the Chunk Store, Cache Index, Download Queue, and Download Coordinator;
// everything else holds a non-owning reference back to it.
package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/guiyumin/streamcached/internal/coordinator"
	"github.com/guiyumin/streamcached/internal/eviction"
	"github.com/guiyumin/streamcached/internal/fingerprint"
	"github.com/guiyumin/streamcached/internal/stats"
	"github.com/guiyumin/streamcached/internal/store"
)

// backingFileNamespace seeds the deterministic UUID5 the Controller
// derives a backing file name from, so the content-addressed cache
// directory never has to trust a source/media/quality triple's raw bytes
// as a filesystem path component.
var backingFileNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// PriorityInteractive and PriorityBackground are the two priority tiers:
// a proxy-triggered miss is interactive, the background scheduler's
// speculative prefetch is not.
const (
	PriorityInteractive = 10
	PriorityBackground  = 0
)

// Controller ties together the persistence layer and the Download
// Coordinator and enforces the disk-budget/eviction policy around writes.
type Controller struct {
	entries  *store.EntryIndex
	chunks   *store.ChunkStore
	queue    *store.Queue
	variants *store.VariantStore
	headers  *store.HeaderStore
	statsDB  *store.StatsStore

	coord    *coordinator.Manager
	counters *stats.Counters
	logger   zerolog.Logger

	cacheDir                  string
	fixedMaxBytes             int64
	reservedDiskHeadroomBytes int64
	cleanupThresholdRatio     float64
}

// Config configures budget and layout parameters the Controller enforces.
type Config struct {
	CacheDir                  string
	FixedMaxBytes             int64
	ReservedDiskHeadroomBytes int64
	CleanupThresholdRatio     float64
}

// New builds a Controller and wires its disk-budget hook into coord so
// every producer coord starts consults EnforceBudget before each write.
func New(entries *store.EntryIndex, chunks *store.ChunkStore, queue *store.Queue, variants *store.VariantStore,
	headers *store.HeaderStore, statsDB *store.StatsStore, coord *coordinator.Manager, counters *stats.Counters,
	logger zerolog.Logger, cfg Config) *Controller {
	c := &Controller{
		entries:                   entries,
		chunks:                    chunks,
		queue:                     queue,
		variants:                  variants,
		headers:                   headers,
		statsDB:                   statsDB,
		coord:                     coord,
		counters:                  counters,
		logger:                    logger,
		cacheDir:                  cfg.CacheDir,
		fixedMaxBytes:             cfg.FixedMaxBytes,
		reservedDiskHeadroomBytes: cfg.ReservedDiskHeadroomBytes,
		cleanupThresholdRatio:     cfg.CleanupThresholdRatio,
	}
	coord.SetBudgetCheck(c.EnforceBudget)
	return c
}

// GetOrCreateEntry resolves fp to an existing Cache Entry, or synthesizes
// one and enqueues a download. The queue priority and user_requested
// flag reflect whether this call came from a live client request or
// background prefetch.
func (c *Controller) GetOrCreateEntry(fp fingerprint.Fingerprint, upstreamURL string, userRequested bool) (*store.Entry, error) {
	entry, err := c.entries.ByFingerprint(fp)
	if err == nil {
		return entry, nil
	}
	if err != store.ErrNotFound {
		return nil, fmt.Errorf("cache: get or create entry: %w", err)
	}

	filePath := c.backingFilePath(fp)
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("cache: create backing dir: %w", err)
	}

	priority := PriorityBackground
	if userRequested {
		priority = PriorityInteractive
	}

	entry, err = c.entries.Create(fp, filePath)
	if err != nil {
		// A concurrent request for the same fingerprint may have inserted
		// the row first; attach to that entry instead of failing.
		existing, lookupErr := c.entries.ByFingerprint(fp)
		if lookupErr != nil {
			return nil, fmt.Errorf("cache: create entry: %w", err)
		}
		if _, err := c.queue.Upsert(fp, priority, userRequested); err != nil {
			return nil, fmt.Errorf("cache: enqueue: %w", err)
		}
		return existing, nil
	}
	if err := c.statsDB.AddFileCount(1); err != nil {
		return nil, fmt.Errorf("cache: create entry: stats: %w", err)
	}

	if _, err := c.queue.Upsert(fp, priority, userRequested); err != nil {
		return nil, fmt.Errorf("cache: enqueue: %w", err)
	}
	c.counters.DownloadStarted()
	return entry, nil
}

// backingFilePath derives a content-addressed path for fp: a UUID5 of the
// fingerprint's string form, stable across restarts (so a restart resolves
// the same entry to the same file) but immune to path traversal or
// filesystem-unsafe characters a source/media/quality triple might contain.
func (c *Controller) backingFilePath(fp fingerprint.Fingerprint) string {
	id := uuid.NewSHA1(backingFileNamespace, []byte(fp.String()))
	return filepath.Join(c.cacheDir, id.String()+".bin")
}

// EnsureProducer starts or attaches to the single producer for entry,
// using upstreamURL/authHeader only if this call is the one that creates
// it. It looks up fp's queue item itself and hands its id to the producer
// so terminal transitions are marked back into the queue table; the
// priority is derived from userRequested. A new producer is started
// whenever none is running, including for an entry that is already
// complete.
func (c *Controller) EnsureProducer(ctx context.Context, fp fingerprint.Fingerprint, entry *store.Entry, upstreamURL, authHeader string, userRequested bool) (*coordinator.Producer, error) {
	item, err := c.queue.ByFingerprint(fp)
	if err != nil {
		return nil, fmt.Errorf("cache: ensure producer: queue lookup: %w", err)
	}
	if item.Status == store.QueuePending {
		if err := c.queue.Mark(item.ID, store.QueueInProgress); err != nil {
			return nil, fmt.Errorf("cache: ensure producer: mark in progress: %w", err)
		}
	}
	priority := PriorityBackground
	if userRequested {
		priority = PriorityInteractive
	}
	return c.coord.EnsureProducer(ctx, fp, entry.ID, item.ID, priority, upstreamURL, authHeader), nil
}

// InvalidateEntry cancels the entry's producer (if any), deletes its
// chunks, headers, and backing file, and removes the row. It is
// idempotent: invalidating an already-gone entry is a no-op.
func (c *Controller) InvalidateEntry(id int64) error {
	entry, err := c.entries.ByID(id)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cache: invalidate entry: %w", err)
	}

	if p, ok := c.coord.Lookup(entry.Fingerprint); ok {
		p.Cancel()
		<-p.Done()
	}

	size, err := c.chunks.DownloadedBytes(id)
	if err != nil {
		return fmt.Errorf("cache: invalidate entry: downloaded bytes: %w", err)
	}

	if err := c.chunks.DeleteAll(id); err != nil {
		return fmt.Errorf("cache: invalidate entry: chunks: %w", err)
	}
	if err := c.headers.DeleteAll(id); err != nil {
		return fmt.Errorf("cache: invalidate entry: headers: %w", err)
	}
	if err := os.Remove(entry.FilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cache: invalidate entry: remove file: %w", err)
	}
	if err := c.entries.Delete(id); err != nil {
		return fmt.Errorf("cache: invalidate entry: %w", err)
	}
	if err := c.statsDB.AddTotalSize(-size); err != nil {
		return fmt.Errorf("cache: invalidate entry: stats: %w", err)
	}
	if err := c.statsDB.AddFileCount(-1); err != nil {
		return fmt.Errorf("cache: invalidate entry: stats: %w", err)
	}
	return nil
}

// InvalidateSource fans InvalidateEntry out over every entry belonging to
// sourceID, used on sign-out.
func (c *Controller) InvalidateSource(sourceID string) error {
	entries, err := c.entries.ListBySource(sourceID)
	if err != nil {
		return fmt.Errorf("cache: invalidate source: %w", err)
	}
	for _, e := range entries {
		if err := c.InvalidateEntry(e.ID); err != nil {
			return fmt.Errorf("cache: invalidate source: entry %d: %w", e.ID, err)
		}
	}
	return nil
}

// EvictTo invokes the Eviction Policy until total cache size is at or
// below targetBytes, skipping entries whose producer is actively
// Fetching.
func (c *Controller) EvictTo(targetBytes int64) (eviction.Result, error) {
	entries, err := c.entries.ListAll()
	if err != nil {
		return eviction.Result{}, fmt.Errorf("cache: evict: list entries: %w", err)
	}

	fetching := make(map[string]bool)
	for _, p := range c.coord.ActiveProducers() {
		if p.State() == coordinator.StateFetching {
			fetching[p.Fingerprint().String()] = true
		}
	}

	var total int64
	candidates := make([]eviction.Candidate, 0, len(entries))
	for _, e := range entries {
		size, err := c.chunks.DownloadedBytes(e.ID)
		if err != nil {
			return eviction.Result{}, fmt.Errorf("cache: evict: downloaded bytes: %w", err)
		}
		total += size
		candidates = append(candidates, eviction.Candidate{
			EntryID:      e.ID,
			Fingerprint:  e.Fingerprint,
			Size:         size,
			LastAccessed: e.LastAccessed,
			Active:       fetching[e.Fingerprint.String()],
		})
	}

	excess := total - targetBytes
	result := eviction.Select(candidates, excess)

	for _, cand := range result.Selected {
		if err := c.InvalidateEntry(cand.EntryID); err != nil {
			return result, fmt.Errorf("cache: evict: invalidate %d: %w", cand.EntryID, err)
		}
	}

	remaining := total - result.FreedBytes
	if err := c.statsDB.SetSizeAndCount(remaining, int64(len(entries)-len(result.Selected))); err != nil {
		return result, fmt.Errorf("cache: evict: update stats: %w", err)
	}
	_ = c.statsDB.MarkCleanup(time.Now().UTC().UnixMilli())

	if !result.ReachedTarget {
		c.logger.Warn().Int64("target", targetBytes).Int64("freed", result.FreedBytes).Msg("eviction could not reach target; active producers were skipped")
	}
	return result, nil
}

// EnforceBudget implements the disk-budget rule: before a write
// of writeLen bytes, if the post-write total would exceed the cleanup
// threshold, eviction runs; if it would still exceed the hard maximum
// afterward, the write is refused.
func (c *Controller) EnforceBudget(writeLen int64) error {
	row, err := c.statsDB.Get()
	if err != nil {
		return fmt.Errorf("cache: enforce budget: %w", err)
	}

	limit, err := stats.ComputeDiskLimit(c.cacheDir, c.fixedMaxBytes, c.reservedDiskHeadroomBytes, c.cleanupThresholdRatio)
	if err != nil {
		return fmt.Errorf("cache: enforce budget: %w", err)
	}

	if row.TotalSize+writeLen > limit.CleanupThreshold {
		target := limit.CleanupThreshold - writeLen
		if target < 0 {
			target = 0
		}
		if _, err := c.EvictTo(target); err != nil {
			return fmt.Errorf("cache: enforce budget: eviction: %w", err)
		}
		row, err = c.statsDB.Get()
		if err != nil {
			return fmt.Errorf("cache: enforce budget: %w", err)
		}
	}

	if row.TotalSize+writeLen > limit.EffectiveLimit {
		return fmt.Errorf("cache: over hard limit (%d + %d > %d)", row.TotalSize, writeLen, limit.EffectiveLimit)
	}
	return nil
}

// MarkAccessed bumps last_accessed/access_count for entryID, called by the
// Range Proxy on every served request.
func (c *Controller) MarkAccessed(entryID int64) error {
	return c.entries.MarkAccessed(entryID)
}

// Chunks exposes the Chunk Store for read paths (the Range Proxy's
// coverage checks) that don't warrant a Controller-level wrapper method.
func (c *Controller) Chunks() *store.ChunkStore { return c.chunks }

// Entries exposes the Cache Index for read paths.
func (c *Controller) Entries() *store.EntryIndex { return c.entries }

// Headers exposes the header repository. The Range Proxy does not read it;
// response headers come from the entry row.
func (c *Controller) Headers() *store.HeaderStore { return c.headers }

// Coordinator exposes the Download Coordinator for the Range Proxy's
// subscribe/wait path.
func (c *Controller) Coordinator() *coordinator.Manager { return c.coord }

// StatsSnapshot captures the atomic counters plus active-download details
// for the formatter.
type StatsSnapshot struct {
	stats.Snapshot
	ActiveDownloads int
	QueuedDownloads int
	DiskLimited     bool
	EffectiveLimit  int64
}

// StatsSnapshot builds the combined report the CLI's stats command prints.
func (c *Controller) StatsSnapshot() (StatsSnapshot, error) {
	limit, err := stats.ComputeDiskLimit(c.cacheDir, c.fixedMaxBytes, c.reservedDiskHeadroomBytes, c.cleanupThresholdRatio)
	if err != nil {
		return StatsSnapshot{}, fmt.Errorf("cache: stats snapshot: %w", err)
	}
	return StatsSnapshot{
		Snapshot:        c.counters.Snapshot(),
		ActiveDownloads: c.coord.ActiveCount(),
		QueuedDownloads: c.coord.QueuedCount(),
		DiskLimited:     limit.DiskLimited,
		EffectiveLimit:  limit.EffectiveLimit,
	}, nil
}

// Counters exposes the raw atomic counters for direct increments from the
// Range Proxy's hot path.
func (c *Controller) Counters() *stats.Counters { return c.counters }
