package proxy

import (
	"errors"
	"strconv"
	"strings"
)

// ErrMultiRange is returned for a Range header naming more than one
// range; these must produce a 416.
var ErrMultiRange = errors.New("proxy: multi-range requests are not supported")

// ErrUnsatisfiable is returned for a range that cannot be satisfied
// against the resource's total size.
var ErrUnsatisfiable = errors.New("proxy: range not satisfiable")

// ErrMalformed is returned for a Range header that is not valid HTTP
// byte-range syntax.
var ErrMalformed = errors.New("proxy: malformed range header")

// ByteRange is a resolved, clamped, inclusive byte range to serve.
type ByteRange struct {
	Start, End int64
	Full       bool // true when the request had no Range header.
}

// ParseRange resolves an HTTP Range header against a resource of the
// given total size: single-range only, missing header means the whole
// resource, and a start at or beyond total is unsatisfiable regardless
// of whether the end is bounded.
func ParseRange(header string, total int64) (ByteRange, error) {
	if header == "" {
		if total <= 0 {
			return ByteRange{Start: 0, End: -1, Full: true}, nil
		}
		return ByteRange{Start: 0, End: total - 1, Full: true}, nil
	}

	if strings.Contains(header, ",") {
		return ByteRange{}, ErrMultiRange
	}
	if !strings.HasPrefix(header, "bytes=") {
		return ByteRange{}, ErrMalformed
	}

	spec := strings.TrimPrefix(header, "bytes=")
	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return ByteRange{}, ErrMalformed
	}
	startStr, endStr := spec[:dash], spec[dash+1:]

	var start, end int64
	var err error

	switch {
	case startStr == "" && endStr == "":
		return ByteRange{}, ErrMalformed
	case startStr == "":
		// Suffix range: "bytes=-500" means the last 500 bytes.
		var n int64
		n, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return ByteRange{}, ErrMalformed
		}
		start = total - n
		if start < 0 {
			start = 0
		}
		end = total - 1
	default:
		start, err = strconv.ParseInt(startStr, 10, 64)
		if err != nil {
			return ByteRange{}, ErrMalformed
		}
		if endStr == "" {
			end = total - 1
		} else {
			end, err = strconv.ParseInt(endStr, 10, 64)
			if err != nil {
				return ByteRange{}, ErrMalformed
			}
		}
	}

	if start < 0 || start > end || start >= total {
		return ByteRange{}, ErrUnsatisfiable
	}
	if end >= total {
		end = total - 1
	}
	return ByteRange{Start: start, End: end}, nil
}
