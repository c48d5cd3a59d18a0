package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/guiyumin/streamcached/internal/fingerprint"
	"github.com/guiyumin/streamcached/internal/httpclient"
	"github.com/guiyumin/streamcached/internal/stats"
	"github.com/guiyumin/streamcached/internal/store"
)

// State is a producer's position in its download state machine:
// Idle -> Probing -> Fetching <-> BackingOff -> (Complete | Failed | Cancelled).
type State int

const (
	StateIdle State = iota
	StateProbing
	StateFetching
	StateBackingOff
	StateComplete
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbing:
		return "probing"
	case StateFetching:
		return "fetching"
	case StateBackingOff:
		return "backing_off"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// fetchChunkSize is the size of each streamed write within one fetched
// range, keeping writes small enough that readers observe incremental
// progress rather than one giant chunk commit.
const fetchChunkSize = 512 << 10

const maxAttemptsPerRange = 3

// baseBackoff/maxBackoff follow a 500ms * 2^n curve, capped.
const baseBackoff = 500 * time.Millisecond
const maxBackoff = 8 * time.Second

// Deps are the collaborators a Producer needs, owned by the Cache
// Controller and passed in at construction as non-owning references via
// an explicit services struct.
type Deps struct {
	Entries *store.EntryIndex
	Chunks  *store.ChunkStore
	Queue   *store.Queue
	Headers *store.HeaderStore
	Stats    *store.StatsStore
	Counters *stats.Counters
	Client   *httpclient.Client
	Limiter  *Limiter
	Logger   zerolog.Logger

	ProbeBytes            int64
	DefaultReadAheadBytes int64

	// CheckBudget is consulted before every write against the disk budget;
	// nil means no budget enforcement. It is the Cache Controller's
	// hook back into the Coordinator, wired at construction to avoid a
	// direct import cycle between the two packages.
	CheckBudget func(writeLen int64) error
}

// Producer drives downloads for exactly one fingerprint. Construction is
// the registry's job (registry.go); Run is expected to execute on its own
// goroutine.
type Producer struct {
	fp          fingerprint.Fingerprint
	entryID     int64
	upstreamURL string
	authHeader  string
	queueID     int64
	priority    int

	deps Deps

	mu            sync.RWMutex
	state         State
	rangeSupport  bool
	expectedTotal int64 // -1 until known

	progress *broadcaster

	planMu sync.Mutex
	plan   *plan

	cancel context.CancelFunc
	done   chan struct{}

	bytesThisRun atomic.Int64
	startedAt    time.Time
}

// newProducer constructs a Producer in state Idle. Run must be called to
// actually start it.
func newProducer(fp fingerprint.Fingerprint, entryID, queueID int64, priority int, upstreamURL, authHeader string, deps Deps) *Producer {
	return &Producer{
		fp:            fp,
		entryID:       entryID,
		upstreamURL:   upstreamURL,
		authHeader:    authHeader,
		queueID:       queueID,
		priority:      priority,
		deps:          deps,
		expectedTotal: -1,
		progress:      newBroadcaster(),
		plan:          newPlan(),
		done:          make(chan struct{}),
	}
}

// State returns the producer's current state.
func (p *Producer) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Producer) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// ExpectedTotal returns the known total size, or (0, false) if the probe
// has not completed yet.
func (p *Producer) ExpectedTotal() (int64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.expectedTotal < 0 {
		return 0, false
	}
	return p.expectedTotal, true
}

// Subscribe lets a Range Proxy waiter observe progress updates.
func (p *Producer) Subscribe() (<-chan Progress, func()) {
	return p.progress.Subscribe()
}

// Fingerprint returns the fingerprint this producer serves.
func (p *Producer) Fingerprint() fingerprint.Fingerprint { return p.fp }

// EntryID returns the Cache Entry id this producer writes to.
func (p *Producer) EntryID() int64 { return p.entryID }

// RequestTailWait tells the producer that a blocked reader is parked on
// [start, end] right now -- the highest-priority range in the plan, since
// a client is waiting on it this instant.
func (p *Producer) RequestTailWait(start, end int64) {
	p.planMu.Lock()
	defer p.planMu.Unlock()
	p.plan.AddTailWait(start, end)
}

// RequestUserRange records the full span of a client's range request, so
// it outranks background fill even once the immediate tail it's blocked
// on has been served.
func (p *Producer) RequestUserRange(start, end int64) {
	p.planMu.Lock()
	defer p.planMu.Unlock()
	p.plan.AddUserRequested(start, end)
}

// Cancel transitions the producer to Cancelled and wakes every waiter.
func (p *Producer) Cancel() {
	p.mu.Lock()
	alreadyTerminal := isTerminal(p.state)
	p.mu.Unlock()
	if alreadyTerminal {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
}

func isTerminal(s State) bool {
	return s == StateComplete || s == StateFailed || s == StateCancelled
}

// Done returns a channel closed when the producer reaches a terminal state.
func (p *Producer) Done() <-chan struct{} { return p.done }

// Run executes the producer's full lifecycle: probe, then fetch loop,
// until Complete, Failed, or Cancelled. It must run on its own goroutine;
// the caller learns the outcome via Done()/State().
func (p *Producer) Run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	p.startedAt = time.Now()
	defer close(p.done)
	defer p.progress.Close()
	defer cancel()

	log := p.deps.Logger.With().Str("fingerprint", p.fp.String()).Logger()

	p.setState(StateProbing)
	if err := p.probe(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			p.finish(StateCancelled, log, nil)
			return
		}
		log.Warn().Err(err).Msg("probe failed")
		p.finish(StateFailed, log, err)
		return
	}

	p.setState(StateFetching)
	err := p.fetchLoop(ctx, log)
	switch {
	case err == nil:
		p.finish(StateComplete, log, nil)
	case errors.Is(err, context.Canceled):
		p.finish(StateCancelled, log, nil)
	default:
		log.Warn().Err(err).Msg("producer failed")
		p.finish(StateFailed, log, err)
	}
}

func (p *Producer) finish(s State, log zerolog.Logger, err error) {
	p.setState(s)
	switch s {
	case StateComplete:
		_ = p.deps.Entries.SetComplete(p.entryID, true)
		_ = p.deps.Queue.Mark(p.queueID, store.QueueComplete)
		if p.deps.Counters != nil {
			p.deps.Counters.DownloadCompleted()
		}
	case StateFailed:
		_ = p.deps.Queue.Mark(p.queueID, store.QueueFailed)
		_ = p.deps.Queue.IncrementRetry(p.queueID)
		if p.deps.Counters != nil {
			p.deps.Counters.DownloadFailed()
		}
	case StateCancelled:
		// Left as pending/in_progress for the registry's caller to decide;
		// invalidate_entry (cache.Controller) handles its own cleanup.
	}
	log.Info().Str("state", s.String()).Err(err).Msg("producer finished")
}

// probe issues a small metadata GET to learn Content-Length, Content-Type,
// ETag, and range support. A 206 response
// means the origin honors Range; a 200 means it served the whole body and
// the entry is marked non-range (the probe then reads that body in full).
func (p *Producer) probe(ctx context.Context) error {
	probeEnd := p.deps.ProbeBytes - 1
	if probeEnd < 0 {
		probeEnd = 0
	}
	rangeHeader := fmt.Sprintf("bytes=0-%d", probeEnd)
	resp, err := p.deps.Client.RangeGet(ctx, p.upstreamURL, rangeHeader, p.authHeader)
	if err != nil {
		return fmt.Errorf("probe request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe: unexpected status %d", resp.StatusCode)
	}

	p.mu.Lock()
	p.rangeSupport = resp.StatusCode == http.StatusPartialContent
	p.mu.Unlock()

	total, err := parseTotalSize(resp)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}

	buf := make([]byte, 0, p.deps.ProbeBytes)
	var bodyReader io.Reader = io.LimitReader(resp.Body, p.deps.ProbeBytes)
	if !p.rangeSupport {
		bodyReader = resp.Body
	}
	body, err := io.ReadAll(bodyReader)
	if err != nil {
		return fmt.Errorf("probe: read body: %w", err)
	}
	buf = append(buf, body...)

	if !p.rangeSupport {
		// The origin ignored Range and served the whole file; whatever it sent
		// back in the probe response IS the total size.
		total = int64(len(buf))
	}

	p.mu.Lock()
	p.expectedTotal = total
	p.mu.Unlock()

	if err := p.deps.Entries.SetExpectedTotalSize(p.entryID, total); err != nil {
		return fmt.Errorf("probe: persist size: %w", err)
	}
	mimeType := resp.Header.Get("Content-Type")
	etag := resp.Header.Get("ETag")
	if err := p.deps.Entries.SetMetadata(p.entryID, mimeType, etag); err != nil {
		return fmt.Errorf("probe: persist metadata: %w", err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		_ = p.deps.Headers.Set(p.entryID, "Content-Type", ct)
	}

	if len(buf) > 0 {
		if err := p.writeRange(0, int64(len(buf)-1), buf); err != nil {
			return fmt.Errorf("probe: write bytes: %w", err)
		}
	}
	return nil
}

func parseTotalSize(resp *http.Response) (int64, error) {
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		var start, end, total int64
		if _, err := fmt.Sscanf(cr, "bytes %d-%d/%d", &start, &end, &total); err == nil {
			return total, nil
		}
	}
	if resp.ContentLength >= 0 {
		return resp.ContentLength, nil
	}
	return 0, fmt.Errorf("no Content-Range or Content-Length on probe response")
}

// fetchLoop services the download plan until coverage is complete or the
// producer is cancelled/fails permanently.
func (p *Producer) fetchLoop(ctx context.Context, log zerolog.Logger) error {
	if err := p.deps.Limiter.Acquire(ctx, p.priority); err != nil {
		return err
	}
	defer p.deps.Limiter.Release()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		total, ok := p.ExpectedTotal()
		if !ok {
			return fmt.Errorf("fetch loop: total size unknown")
		}

		gapStart, _, err := p.deps.Chunks.FirstGapAfter(p.entryID, 0)
		if err != nil {
			return fmt.Errorf("fetch loop: %w", err)
		}
		if gapStart >= total {
			return nil // coverage is [0, total-1]: the entry is complete.
		}

		start, end := p.nextRangeToFetch(gapStart, total)

		if err := p.fetchRangeWithRetry(ctx, start, end, log); err != nil {
			return err
		}
		p.queueReadAhead(end, total)
	}
}

// nextRangeToFetch consults the live plan for a higher-priority target
// overlapping or at the current gap. If nothing is queued, it seeds the
// plan itself with a background-fill request sized to one read-ahead
// window starting at gapStart, so even the fallback path runs through the
// plan's priority ordering rather than bypassing it.
func (p *Producer) nextRangeToFetch(gapStart, total int64) (int64, int64) {
	p.planMu.Lock()
	req, ok := p.plan.Next()
	if !ok {
		end := gapStart + p.deps.DefaultReadAheadBytes - 1
		if end >= total {
			end = total - 1
		}
		p.plan.AddBackgroundFill(gapStart, end)
		req, ok = p.plan.Next()
	}
	p.planMu.Unlock()

	if !ok {
		return gapStart, gapStart
	}
	if req.start < gapStart {
		req.start = gapStart
	}
	if req.end >= total {
		req.end = total - 1
	}
	if req.end < req.start {
		return gapStart, gapStart
	}
	return req.start, req.end
}

// queueReadAhead adds a speculative continuation past pos to the plan, so
// the next fetch keeps streaming ahead of the reader even without a fresh
// RequestTailWait, unless a higher-priority request supersedes it first.
func (p *Producer) queueReadAhead(pos, total int64) {
	if p.deps.DefaultReadAheadBytes <= 0 {
		return
	}
	start := pos + 1
	if start >= total {
		return
	}
	end := start + p.deps.DefaultReadAheadBytes - 1
	if end >= total {
		end = total - 1
	}
	p.planMu.Lock()
	p.plan.AddReadAhead(start, end)
	p.planMu.Unlock()
}

// fetchRangeWithRetry fetches [start, end], giving up after
// maxAttemptsPerRange consecutive attempts that write no bytes, with
// exponential backoff between them. Resuming always continues from the
// furthest byte actually written, not from start.
func (p *Producer) fetchRangeWithRetry(ctx context.Context, start, end int64, log zerolog.Logger) error {
	cursor := start
	attempts := 0

	for cursor <= end {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := p.fetchRangeOnce(ctx, cursor, end)
		if n > 0 {
			cursor += n
			attempts = 0 // progress resets the retry budget.
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, errRangeComplete) {
			return p.handleTrailing416(cursor, end)
		}
		if errors.Is(err, context.Canceled) {
			return err
		}

		attempts++
		if attempts >= maxAttemptsPerRange {
			if mErr := p.deps.Queue.Mark(p.queueID, store.QueueFailed); mErr != nil {
				log.Warn().Err(mErr).Msg("mark queue failed")
			}
			return fmt.Errorf("range [%d,%d]: %w", cursor, end, err)
		}

		p.setState(StateBackingOff)
		backoff := baseBackoff << uint(attempts-1)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		log.Debug().Int("attempt", attempts).Dur("backoff", backoff).Err(err).Msg("retrying range")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		p.setState(StateFetching)
		_ = p.deps.Queue.IncrementRetry(p.queueID)
	}
	return nil
}

var errRangeComplete = errors.New("coordinator: range already complete")

// handleTrailing416 applies the trailing-416 rule: a 416 for a range
// beyond expected_total_size completes the entry iff coverage is already
// [0, total-1]; otherwise it is a terminal error.
func (p *Producer) handleTrailing416(cursor, end int64) error {
	total, _ := p.ExpectedTotal()
	covered, err := p.deps.Chunks.HasRange(p.entryID, 0, total-1)
	if err != nil {
		return err
	}
	if covered {
		return nil
	}
	return fmt.Errorf("416 for range [%d,%d] but entry not fully covered", cursor, end)
}

// fetchRangeOnce performs one HTTP GET for [start, end] and streams it
// into the Chunk Store in fetchChunkSize pieces, publishing progress after
// each write. It returns the number of bytes successfully written even on
// a later error, so the caller can resume rather than re-fetch from start.
func (p *Producer) fetchRangeOnce(ctx context.Context, start, end int64) (int64, error) {
	rangeHeader := fmt.Sprintf("bytes=%d-%d", start, end)
	resp, err := p.deps.Client.RangeGet(ctx, p.upstreamURL, rangeHeader, p.authHeader)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		return 0, errRangeComplete
	}
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var written int64
	cursor := start
	buf := make([]byte, fetchChunkSize)
	for cursor <= end {
		want := end - cursor + 1
		if want > fetchChunkSize {
			want = fetchChunkSize
		}
		n, rerr := io.ReadFull(resp.Body, buf[:want])
		if n > 0 {
			if werr := p.writeRange(cursor, cursor+int64(n)-1, buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
			cursor += int64(n)
			p.publishProgress()
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
				break
			}
			return written, rerr
		}
	}
	return written, nil
}

// writeRange persists bytes to the backing file at offset start, then
// records the chunk; this is the Chunk Store's write_range operation.
func (p *Producer) writeRange(start, end int64, data []byte) error {
	if p.deps.CheckBudget != nil {
		if err := p.deps.CheckBudget(int64(len(data))); err != nil {
			return fmt.Errorf("write range: over budget: %w", err)
		}
	}

	entry, err := p.deps.Entries.ByID(p.entryID)
	if err != nil {
		return fmt.Errorf("write range: load entry: %w", err)
	}
	f, err := os.OpenFile(entry.FilePath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("write range: open: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteAt(data, start); err != nil {
		return fmt.Errorf("write range: write: %w", err)
	}
	if err := p.deps.Chunks.AddChunk(p.entryID, start, end); err != nil {
		return fmt.Errorf("write range: add chunk: %w", err)
	}
	if err := p.deps.Stats.AddDownloaded(int64(len(data))); err != nil {
		return fmt.Errorf("write range: stats: %w", err)
	}
	if err := p.deps.Stats.AddTotalSize(int64(len(data))); err != nil {
		return fmt.Errorf("write range: stats: %w", err)
	}
	p.bytesThisRun.Add(int64(len(data)))
	return nil
}

func (p *Producer) publishProgress() {
	downloaded, err := p.deps.Chunks.DownloadedBytes(p.entryID)
	if err != nil {
		return
	}
	elapsed := time.Since(p.startedAt).Seconds()
	speed := 0.0
	if elapsed > 0 {
		speed = float64(p.bytesThisRun.Load()) / elapsed
	}
	frac := -1.0
	if total, ok := p.ExpectedTotal(); ok && total > 0 {
		frac = float64(downloaded) / float64(total)
	}
	p.progress.Publish(Progress{
		BytesDownloaded:    downloaded,
		CurrentSpeedBps:    speed,
		FractionalProgress: frac,
	})
}
