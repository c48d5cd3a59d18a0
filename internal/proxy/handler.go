package proxy

import (
	"database/sql"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/guiyumin/streamcached/internal/cache"
	"github.com/guiyumin/streamcached/internal/coordinator"
	"github.com/guiyumin/streamcached/internal/fingerprint"
	"github.com/guiyumin/streamcached/internal/store"
)

// streamStep is the read/write granularity for the body-streaming loop --
// large enough to amortize syscalls, small enough to check coverage
// frequently while a producer is still filling gaps.
const streamStep = 256 << 10

// Handler is the Range Proxy's HTTP handler.
type Handler struct {
	Controller         *cache.Controller
	Resolver           UpstreamResolver
	Logger             zerolog.Logger
	InitialWaitTimeout time.Duration
	ReadWaitTimeout    time.Duration
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	fp, err := fingerprint.Parse(r.URL.Path)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	log := h.Logger.With().Str("fingerprint", fp.String()).Logger()

	upstreamURL, authHeader, err := h.Resolver.Resolve(fp)
	if err != nil {
		log.Warn().Err(err).Msg("cannot resolve upstream")
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	entry, err := h.Controller.GetOrCreateEntry(fp, upstreamURL, true)
	if err != nil {
		log.Error().Err(err).Msg("get or create entry")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	producer, err := h.Controller.EnsureProducer(r.Context(), fp, entry, upstreamURL, authHeader, true)
	if err != nil {
		log.Error().Err(err).Msg("ensure producer")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	total := entry.ExpectedTotalSize
	if !total.Valid {
		waitStart := time.Now()
		t, err := waitForProbe(r.Context(), producer, h.InitialWaitTimeout)
		if err != nil {
			h.Controller.Counters().InitialTimeout()
			h.Controller.Counters().ServiceUnavailable()
			http.Error(w, "upstream metadata not yet available", http.StatusServiceUnavailable)
			return
		}
		h.Controller.Counters().RecordInitialWait(time.Since(waitStart).Milliseconds())
		total = sql.NullInt64{Int64: t, Valid: true}
	}

	rangeHeader := r.Header.Get("Range")
	br, err := ParseRange(rangeHeader, total.Int64)
	if err != nil {
		w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(total.Int64, 10))
		http.Error(w, "range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return
	}

	if br.End < br.Start {
		// Zero-length resource with no Range header: nothing to stream.
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
		return
	}

	wasCoveredAtStart, err := h.Controller.Chunks().HasRange(entry.ID, br.Start, br.End)
	if err != nil {
		log.Error().Err(err).Msg("has range")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if rangeHeader != "" {
		status = http.StatusPartialContent
	}

	h.setResponseHeaders(w, entry, br, status, total.Int64)
	w.WriteHeader(status)

	served, streamErr := h.streamBody(r, w, entry, producer, br)
	if streamErr != nil {
		log.Debug().Err(streamErr).Int64("served", served).Msg("stream ended early")
		return
	}

	_ = h.Controller.MarkAccessed(entry.ID)
	h.Controller.Counters().RequestServed(served, wasCoveredAtStart, rangeHeader != "")
}

func (h *Handler) setResponseHeaders(w http.ResponseWriter, entry *store.Entry, br ByteRange, status int, total int64) {
	header := w.Header()
	header.Set("Accept-Ranges", "bytes")
	length := br.End - br.Start + 1
	header.Set("Content-Length", strconv.FormatInt(length, 10))
	if status == http.StatusPartialContent {
		header.Set("Content-Range", "bytes "+strconv.FormatInt(br.Start, 10)+"-"+strconv.FormatInt(br.End, 10)+"/"+strconv.FormatInt(total, 10))
	}
	if entry.MimeType.Valid {
		header.Set("Content-Type", entry.MimeType.String)
	}
	if entry.ETag.Valid {
		header.Set("ETag", entry.ETag.String)
	}
}

// flusher lets streamBody push each step to the client immediately rather
// than waiting for net/http's own buffering to decide.
type flusher interface {
	Flush()
}

// streamBody delivers [br.Start, br.End] strictly in increasing offset
// order, blocking on the producer's coverage only when a step isn't yet
// downloaded. It returns the number of bytes actually written even when
// it exits early on error, since the response may already be partially
// flushed to the client.
func (h *Handler) streamBody(r *http.Request, w http.ResponseWriter, entry *store.Entry, producer *coordinator.Producer, br ByteRange) (int64, error) {
	f, err := os.Open(entry.FilePath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	fl, _ := w.(flusher)
	buf := make([]byte, streamStep)
	pos := br.Start
	var written int64

	producer.RequestUserRange(br.Start, br.End)

	for pos <= br.End {
		stepEnd := pos + streamStep - 1
		if stepEnd > br.End {
			stepEnd = br.End
		}

		covered, err := h.Controller.Chunks().HasRange(entry.ID, pos, stepEnd)
		if err != nil {
			return written, err
		}
		if !covered {
			producer.RequestTailWait(pos, br.End)
			if err := waitForCoverage(r.Context(), h.Controller.Chunks(), entry.ID, pos, stepEnd, producer, h.ReadWaitTimeout); err != nil {
				return written, err
			}
		}

		n := int(stepEnd - pos + 1)
		if _, err := f.ReadAt(buf[:n], pos); err != nil && !errors.Is(err, io.EOF) {
			return written, err
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return written, err
		}
		if fl != nil {
			fl.Flush()
		}

		written += int64(n)
		pos = stepEnd + 1
	}

	return written, nil
}
