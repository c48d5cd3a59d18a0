// Package fingerprint identifies a cache entry by the (source, media,
// quality) triple the rest of the system keys everything off of.
package fingerprint

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Fingerprint is the unique identity of a cacheable media resource.
type Fingerprint struct {
	SourceID string
	MediaID  string
	Quality  string
}

// ErrInvalidPath is returned when a request path does not encode a fingerprint.
var ErrInvalidPath = errors.New("fingerprint: path does not encode source/media/quality")

// Parse extracts a Fingerprint from a Range Proxy request path of the form
// "/<source_id>/<media_id>/<quality>". Each segment must already be
// URL-path-safe; Parse does not itself unescape percent-encoding beyond what
// net/http has already done on the incoming request.
func Parse(path string) (Fingerprint, error) {
	trimmed := strings.Trim(path, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 3 {
		return Fingerprint{}, ErrInvalidPath
	}
	for _, p := range parts {
		if p == "" {
			return Fingerprint{}, ErrInvalidPath
		}
	}
	return Fingerprint{SourceID: parts[0], MediaID: parts[1], Quality: parts[2]}, nil
}

// Path renders the fingerprint back into the URL-safe form Parse accepts.
func (f Fingerprint) Path() string {
	return fmt.Sprintf("/%s/%s/%s",
		url.PathEscape(f.SourceID), url.PathEscape(f.MediaID), url.PathEscape(f.Quality))
}

// String is a human-readable, log-friendly representation.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%s/%s/%s", f.SourceID, f.MediaID, f.Quality)
}
