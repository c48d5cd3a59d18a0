package proxy_test

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/guiyumin/streamcached/internal/cache"
	"github.com/guiyumin/streamcached/internal/coordinator"
	"github.com/guiyumin/streamcached/internal/fingerprint"
	"github.com/guiyumin/streamcached/internal/httpclient"
	"github.com/guiyumin/streamcached/internal/proxy"
	"github.com/guiyumin/streamcached/internal/stats"
	"github.com/guiyumin/streamcached/internal/store"
)

const testBodySize = 5000

func testBody() []byte {
	b := make([]byte, testBodySize)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// fixedResolver always points at the same upstream URL, standing in for
// whatever real manifest/auth resolver a deployment plugs in.
type fixedResolver struct {
	url string
}

func (f fixedResolver) Resolve(fingerprint.Fingerprint) (string, string, error) {
	return f.url, "", nil
}

type harness struct {
	handler  *proxy.Handler
	upstream *httptest.Server
	ctrl     *cache.Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	body := testBody()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "video.mp4", time.Time{}, bytes.NewReader(body))
	}))
	t.Cleanup(upstream.Close)

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	entries := store.NewEntryIndex(db)
	chunks := store.NewChunkStore(db)
	queue := store.NewQueue(db)
	variants := store.NewVariantStore(db)
	headers := store.NewHeaderStore(db)
	statsDB := store.NewStatsStore(db)

	logger := zerolog.Nop()
	counters := stats.New()
	client := httpclient.New(httpclient.DefaultOptions(logger))

	coord := coordinator.New(entries, chunks, queue, variants, headers, statsDB, counters, client, logger, coordinator.Options{
		MaxConcurrentDownloads: 4,
		ProbeBytes:             512,
		DefaultReadAheadBytes:  1 << 20,
	})

	ctrl := cache.New(entries, chunks, queue, variants, headers, statsDB, coord, counters, logger, cache.Config{
		CacheDir:                  t.TempDir(),
		FixedMaxBytes:             1 << 30,
		ReservedDiskHeadroomBytes: 0,
		CleanupThresholdRatio:     0.95,
	})

	handler := &proxy.Handler{
		Controller:         ctrl,
		Resolver:           fixedResolver{url: upstream.URL},
		Logger:             logger,
		InitialWaitTimeout: 5 * time.Second,
		ReadWaitTimeout:    5 * time.Second,
	}

	return &harness{handler: handler, upstream: upstream, ctrl: ctrl}
}

func (h *harness) request(t *testing.T, path, rangeHeader string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

// TestHandler_ColdMissFullRead checks that a first request for an
// uncached fingerprint triggers a download and the response body
// matches the origin exactly.
func TestHandler_ColdMissFullRead(t *testing.T) {
	h := newHarness(t)
	body := testBody()

	rec := h.request(t, "/source1/media1/1080p", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, fmt.Sprintf("%d", len(body)), rec.Header().Get("Content-Length"))

	got, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Equal(t, body, got)
}

// TestHandler_RangeRequest covers a single mid-file byte-range request
// against a freshly-cached entry.
func TestHandler_RangeRequest(t *testing.T) {
	h := newHarness(t)
	body := testBody()

	rec := h.request(t, "/source1/media1/1080p", "bytes=1000-1999")
	require.Equal(t, http.StatusPartialContent, rec.Code)
	require.Equal(t, "bytes 1000-1999/5000", rec.Header().Get("Content-Range"))

	got, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Equal(t, body[1000:2000], got)
}

// TestHandler_WarmHitServesFromDisk checks that once an entry is fully
// cached, a second request for an inner range returns the same bytes as
// the origin. The second request still starts a fresh producer, which
// re-probes the upstream; the test does not check upstream traffic.
func TestHandler_WarmHitServesFromDisk(t *testing.T) {
	h := newHarness(t)
	body := testBody()

	first := h.request(t, "/source1/media1/1080p", "")
	require.Equal(t, http.StatusOK, first.Code)

	second := h.request(t, "/source1/media1/1080p", "bytes=0-99")
	require.Equal(t, http.StatusPartialContent, second.Code)
	got, err := io.ReadAll(second.Body)
	require.NoError(t, err)
	require.Equal(t, body[:100], got)
}

func TestHandler_UnsatisfiableRangeReturns416(t *testing.T) {
	h := newHarness(t)

	rec := h.request(t, "/source1/media1/1080p", "bytes=999999-9999999")
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Range"), "bytes */")
}

func TestHandler_MultiRangeReturns416(t *testing.T) {
	h := newHarness(t)

	rec := h.request(t, "/source1/media1/1080p", "bytes=0-99,200-299")
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
}

func TestHandler_UnknownPathReturns404(t *testing.T) {
	h := newHarness(t)

	rec := h.request(t, "/not-a-fingerprint", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_NonGetMethodRejected(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/source1/media1/1080p", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// TestHandler_ConcurrentRequestsShareOneProducer checks the
// single-producer guarantee end to end: two concurrent requests for the
// same fingerprint must both succeed and return identical bodies, which
// could not happen if two producers raced to write the same backing file.
func TestHandler_ConcurrentRequestsShareOneProducer(t *testing.T) {
	h := newHarness(t)
	body := testBody()

	type result struct {
		code int
		body []byte
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			rec := h.request(t, "/source1/media1/1080p", "")
			got, _ := io.ReadAll(rec.Body)
			results <- result{code: rec.Code, body: got}
		}()
	}

	for i := 0; i < 2; i++ {
		r := <-results
		require.Equal(t, http.StatusOK, r.code)
		require.Equal(t, body, r.body)
	}
}
