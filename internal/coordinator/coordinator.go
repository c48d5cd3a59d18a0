package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/guiyumin/streamcached/internal/fingerprint"
	"github.com/guiyumin/streamcached/internal/httpclient"
	"github.com/guiyumin/streamcached/internal/stats"
	"github.com/guiyumin/streamcached/internal/store"
)

// schedulerInterval is how often the background scheduler re-checks the
// Download Queue for pending items a slot has freed up for.
const schedulerInterval = 2 * time.Second

// Manager is the Download Coordinator's entry point: it owns the producer
// registry and the concurrency limiter, and exposes the handful of
// operations the Cache Controller and Range Proxy need.
type Manager struct {
	registry *registry
	limiter  *Limiter

	entries  *store.EntryIndex
	chunks   *store.ChunkStore
	queue    *store.Queue
	variants *store.VariantStore
	headers  *store.HeaderStore
	stats    *store.StatsStore
	counters *stats.Counters
	client   *httpclient.Client
	logger   zerolog.Logger

	probeBytes            int64
	defaultReadAheadBytes int64

	checkBudget func(writeLen int64) error
}

// SetBudgetCheck wires the Cache Controller's disk-budget hook into every
// producer this Manager subsequently starts. Called once at construction
// time by the Controller, which owns both.
func (m *Manager) SetBudgetCheck(fn func(writeLen int64) error) {
	m.checkBudget = fn
}

// Options configures a Manager.
type Options struct {
	MaxConcurrentDownloads int
	ProbeBytes             int64
	DefaultReadAheadBytes  int64
}

// New builds a Manager bound to the given repositories.
func New(entries *store.EntryIndex, chunks *store.ChunkStore, queue *store.Queue, variants *store.VariantStore,
	headers *store.HeaderStore, statsDB *store.StatsStore, counters *stats.Counters, client *httpclient.Client,
	logger zerolog.Logger, opts Options) *Manager {
	return &Manager{
		registry:              newRegistry(),
		limiter:               NewLimiter(opts.MaxConcurrentDownloads),
		entries:               entries,
		chunks:                chunks,
		queue:                 queue,
		variants:              variants,
		headers:               headers,
		stats:                 statsDB,
		counters:              counters,
		client:                client,
		logger:                logger,
		probeBytes:            opts.ProbeBytes,
		defaultReadAheadBytes: opts.DefaultReadAheadBytes,
	}
}

// Resume applies the startup resume policy: in_progress
// items are demoted to pending since no producer survives a process
// restart; complete entries are left untouched. The normal scheduler loop
// then picks the demoted items back up.
func (m *Manager) Resume() error {
	n, err := m.queue.DemoteStaleInProgress()
	if err != nil {
		return fmt.Errorf("coordinator: resume: %w", err)
	}
	if n > 0 {
		m.logger.Info().Int64("count", n).Msg("demoted stale in-progress queue items to pending")
	}
	return nil
}

// Lookup returns the already-running producer for fp, if any, without
// starting one.
func (m *Manager) Lookup(fp fingerprint.Fingerprint) (*Producer, bool) {
	return m.registry.lookup(fp)
}

// EnsureProducer returns the single running producer for fp, starting one
// if none exists. entryID/queueID/upstreamURL/authHeader describe the work
// to do the first time a producer is created; if a producer is already
// running, these are ignored and the existing handle is returned: an
// attempt to start a second producer for the same fingerprint always
// returns a handle to the one already running.
func (m *Manager) EnsureProducer(ctx context.Context, fp fingerprint.Fingerprint, entryID, queueID int64, priority int, upstreamURL, authHeader string) *Producer {
	return m.registry.ensure(ctx, fp, func() *Producer {
		return newProducer(fp, entryID, queueID, priority, upstreamURL, authHeader, m.deps())
	})
}

func (m *Manager) deps() Deps {
	return Deps{
		Entries:               m.entries,
		Chunks:                m.chunks,
		Queue:                 m.queue,
		Headers:               m.headers,
		Stats:                 m.stats,
		Counters:              m.counters,
		Client:                m.client,
		Limiter:               m.limiter,
		Logger:                m.logger,
		ProbeBytes:            m.probeBytes,
		DefaultReadAheadBytes: m.defaultReadAheadBytes,
		CheckBudget:           m.checkBudget,
	}
}

// ActiveProducers returns every currently registered producer, used by the
// Eviction Policy to exclude entries that are actively Fetching.
func (m *Manager) ActiveProducers() []*Producer { return m.registry.all() }

// ActiveCount reports how many producers currently hold a concurrency
// slot, for the Statistics & Limits snapshot.
func (m *Manager) ActiveCount() int { return m.limiter.Active() }

// QueuedCount reports how many producers are waiting on a concurrency slot.
func (m *Manager) QueuedCount() int { return m.limiter.Queued() }

// RunScheduler polls the Download Queue for pending items and starts a
// producer for each, relying on the Limiter to throttle actual fetch
// concurrency. It runs until ctx is cancelled; callers should launch it on
// its own goroutine at startup to pick up queued items for speculative
// prefetching.
func (m *Manager) RunScheduler(ctx context.Context) {
	ticker := time.NewTicker(schedulerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scheduleOnce(ctx)
		}
	}
}

func (m *Manager) scheduleOnce(ctx context.Context) {
	items, err := m.queue.PendingItems()
	if err != nil {
		m.logger.Warn().Err(err).Msg("scheduler: list pending items")
		return
	}
	for _, item := range items {
		if _, running := m.registry.lookup(item.Fingerprint); running {
			continue
		}
		variant, err := m.variants.ByFingerprintParts(item.Fingerprint.SourceID, item.Fingerprint.MediaID, item.Fingerprint.Quality)
		if err != nil {
			m.logger.Debug().Str("fingerprint", item.Fingerprint.String()).Msg("scheduler: no known stream URL yet, skipping")
			continue
		}
		entry, err := m.entries.ByFingerprint(item.Fingerprint)
		if err != nil {
			m.logger.Warn().Err(err).Str("fingerprint", item.Fingerprint.String()).Msg("scheduler: entry missing for queued item")
			continue
		}
		if entry.IsComplete {
			_ = m.queue.Mark(item.ID, store.QueueComplete)
			continue
		}
		if err := m.queue.Mark(item.ID, store.QueueInProgress); err != nil {
			m.logger.Warn().Err(err).Msg("scheduler: mark in progress")
			continue
		}
		m.EnsureProducer(ctx, item.Fingerprint, entry.ID, item.ID, item.Priority, variant.StreamURL, "")
	}
}
