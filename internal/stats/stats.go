// Package stats implements the Statistics & Limits component: lock-free
// atomic counters on the hot path, a (sum, count) histogram for
// initial-wait latency instead of a per-request list, and the dynamic
// disk-limit calculator in limits.go.
package stats

import (
	"sync/atomic"
)

// Counters holds every process-wide atomic statistic this module tracks.
// All fields are safe for concurrent use without external locking.
type Counters struct {
	downloadsStarted   atomic.Int64
	downloadsCompleted atomic.Int64
	downloadsFailed    atomic.Int64

	requestsServed            atomic.Int64
	cacheHits                 atomic.Int64
	cacheMisses                atomic.Int64
	bytesServed               atomic.Int64
	bytesDownloaded           atomic.Int64
	rangeRequests             atomic.Int64
	fullRequests              atomic.Int64
	initialTimeouts           atomic.Int64
	serviceUnavailableErrors  atomic.Int64

	initialWaitSumMs   atomic.Int64
	initialWaitCount   atomic.Int64
}

// New constructs a zeroed Counters block.
func New() *Counters {
	return &Counters{}
}

func (c *Counters) DownloadStarted()   { c.downloadsStarted.Add(1) }
func (c *Counters) DownloadCompleted() { c.downloadsCompleted.Add(1) }
func (c *Counters) DownloadFailed()    { c.downloadsFailed.Add(1) }

func (c *Counters) RequestServed(bytesServed int64, hit bool, isRange bool) {
	c.requestsServed.Add(1)
	c.bytesServed.Add(bytesServed)
	if hit {
		c.cacheHits.Add(1)
	} else {
		c.cacheMisses.Add(1)
	}
	if isRange {
		c.rangeRequests.Add(1)
	} else {
		c.fullRequests.Add(1)
	}
}

func (c *Counters) BytesDownloaded(n int64) { c.bytesDownloaded.Add(n) }

func (c *Counters) InitialTimeout() { c.initialTimeouts.Add(1) }

func (c *Counters) ServiceUnavailable() { c.serviceUnavailableErrors.Add(1) }

// RecordInitialWait folds a successful initial-wait duration into the
// (sum, count) histogram.
func (c *Counters) RecordInitialWait(ms int64) {
	c.initialWaitSumMs.Add(ms)
	c.initialWaitCount.Add(1)
}

// Snapshot is a point-in-time, eventually-consistent read of every
// counter: there is no cross-counter ordering guarantee.
type Snapshot struct {
	DownloadsStarted   int64
	DownloadsCompleted int64
	DownloadsFailed    int64

	RequestsServed           int64
	CacheHits                int64
	CacheMisses              int64
	BytesServed              int64
	BytesDownloaded          int64
	RangeRequests            int64
	FullRequests             int64
	InitialTimeouts          int64
	ServiceUnavailableErrors int64

	AvgInitialWaitMs float64
}

// Snapshot captures the current value of every counter.
func (c *Counters) Snapshot() Snapshot {
	sum := c.initialWaitSumMs.Load()
	count := c.initialWaitCount.Load()
	avg := 0.0
	if count > 0 {
		avg = float64(sum) / float64(count)
	}
	return Snapshot{
		DownloadsStarted:         c.downloadsStarted.Load(),
		DownloadsCompleted:       c.downloadsCompleted.Load(),
		DownloadsFailed:          c.downloadsFailed.Load(),
		RequestsServed:           c.requestsServed.Load(),
		CacheHits:                c.cacheHits.Load(),
		CacheMisses:              c.cacheMisses.Load(),
		BytesServed:              c.bytesServed.Load(),
		BytesDownloaded:          c.bytesDownloaded.Load(),
		RangeRequests:            c.rangeRequests.Load(),
		FullRequests:             c.fullRequests.Load(),
		InitialTimeouts:          c.initialTimeouts.Load(),
		ServiceUnavailableErrors: c.serviceUnavailableErrors.Load(),
		AvgInitialWaitMs:         avg,
	}
}
