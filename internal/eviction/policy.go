// Package eviction implements the Eviction Policy: a pure function over
// candidate entries, independent of storage and I/O so it can be
// exercised directly in tests.
package eviction

import (
	"time"

	"github.com/guiyumin/streamcached/internal/fingerprint"
)

// Candidate is one entry the policy may choose to evict.
type Candidate struct {
	EntryID      int64
	Fingerprint  fingerprint.Fingerprint
	Size         int64
	LastAccessed time.Time
	Active       bool // true iff a producer is currently Fetching this entry.
}

// Result is the outcome of one eviction pass.
type Result struct {
	Selected      []Candidate
	FreedBytes    int64
	ReachedTarget bool
}

// Select chooses the smallest prefix of candidates -- ordered by
// last_accessed ascending -- whose cumulative size is at least
// excessBytes, skipping any candidate whose producer is actively
// Fetching. If skipping actives makes the target unreachable, Select
// returns partial progress with ReachedTarget = false rather than
// touching an active entry.
//
// candidates need not arrive pre-sorted; Select sorts a copy by
// LastAccessed ascending before scanning.
func Select(candidates []Candidate, excessBytes int64) Result {
	if excessBytes <= 0 {
		return Result{ReachedTarget: true}
	}

	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)
	sortByLastAccessed(ordered)

	var selected []Candidate
	var freed int64
	for _, c := range ordered {
		if freed >= excessBytes {
			break
		}
		if c.Active {
			continue
		}
		selected = append(selected, c)
		freed += c.Size
	}

	return Result{
		Selected:      selected,
		FreedBytes:    freed,
		ReachedTarget: freed >= excessBytes,
	}
}

func sortByLastAccessed(c []Candidate) {
	// Small insertion sort: candidate lists are the live entry set, not
	// expected to be large enough to warrant sort.Slice's overhead, and this
	// keeps the package free of any sorting-library dependency debate.
	for i := 1; i < len(c); i++ {
		for j := i; j > 0 && c[j].LastAccessed.Before(c[j-1].LastAccessed); j-- {
			c[j], c[j-1] = c[j-1], c[j]
		}
	}
}
