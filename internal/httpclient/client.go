// Package httpclient builds the HTTP client the Download Coordinator uses
// to talk to the upstream origin: a retryablehttp client tuned for
// long-lived range fetches, with exponential backoff on transient errors.
package httpclient

import (
	"context"
	"net/http"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// Options configures the shared upstream client.
type Options struct {
	// MaxRetries bounds the retries after the first attempt of one HTTP
	// request before a transient failure is surfaced to the caller.
	MaxRetries int
	// MinBackoff/MaxBackoff bound the exponential backoff between attempts.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	UserAgent  string
	Logger     zerolog.Logger
}

// DefaultOptions returns the default retry budget: three retries, capped
// exponential backoff.
func DefaultOptions(logger zerolog.Logger) Options {
	return Options{
		MaxRetries: 3,
		MinBackoff: 250 * time.Millisecond,
		MaxBackoff: 8 * time.Second,
		UserAgent:  "streamcached/1.0",
		Logger:     logger,
	}
}

// Client wraps *retryablehttp.Client with the User-Agent and logging the
// rest of this package's callers expect.
type Client struct {
	rc        *retryablehttp.Client
	userAgent string
}

// New builds a retrying HTTP client tuned for long-lived range downloads:
// unlimited idle connections, HTTP/2 allowed, no response-body compression
// since media is already compressed.
func New(opts Options) *Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        0,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     120 * time.Second,
		DisableCompression:  true,
		ForceAttemptHTTP2:   true,
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Timeout: 0, Transport: transport}
	rc.RetryMax = opts.MaxRetries
	rc.RetryWaitMin = opts.MinBackoff
	rc.RetryWaitMax = opts.MaxBackoff
	rc.Logger = nil
	log := opts.Logger
	rc.ResponseLogHook = func(_ retryablehttp.Logger, resp *http.Response) {
		if resp.StatusCode >= 400 {
			log.Debug().Int("status", resp.StatusCode).Str("url", resp.Request.URL.String()).Msg("upstream response")
		}
	}
	// Only retry on network errors and 5xx/429. A 4xx (other than 429) or a
	// trailing 416 is permanent and must not burn the retry budget.
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return true, nil
		}
		if resp == nil {
			return true, nil
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return true, nil
		}
		if resp.StatusCode >= 500 {
			return true, nil
		}
		return false, nil
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = "streamcached/1.0"
	}
	return &Client{rc: rc, userAgent: ua}
}

// RangeGet issues GET <url> with the given inclusive byte range and an
// optional Authorization header supplied by the caller's collaborator.
func (c *Client) RangeGet(ctx context.Context, url, rangeHeader, authHeader string) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	return c.rc.Do(req)
}

// StandardClient exposes the wrapped *http.Client for callers (e.g. probes)
// that don't need retryablehttp's request wrapping.
func (c *Client) StandardClient() *http.Client {
	return c.rc.StandardClient()
}
