package coordinator

import "sort"

// rangeRequest is one candidate byte range a producer could fetch next,
// tagged with the reason it was requested so higher-priority reasons
// always sort first: tail-wait, then read-ahead, then user-requested,
// then background gap fill.
type rangeRequest struct {
	start, end int64
	kind       rangeKind
}

type rangeKind int

const (
	kindTailWait rangeKind = iota
	kindReadAhead
	kindUserRequested
	kindBackgroundFill
)

// plan orders a producer's next fetch target. It lives for the producer's
// whole run: Range Proxy requests and read-ahead continuations are appended
// as they arrive, Next pops the highest-priority one, and when the plan is
// empty the producer seeds it with a background-fill range at the first gap.
type plan struct {
	requests []rangeRequest
}

func newPlan() *plan {
	return &plan{}
}

// AddTailWait records the range a blocked Range Proxy reader needs next.
func (p *plan) AddTailWait(start, end int64) {
	p.requests = append(p.requests, rangeRequest{start: start, end: end, kind: kindTailWait})
}

// AddReadAhead records a read-ahead window past a reader's current position.
func (p *plan) AddReadAhead(start, end int64) {
	p.requests = append(p.requests, rangeRequest{start: start, end: end, kind: kindReadAhead})
}

// AddUserRequested records an explicitly requested range (e.g. a seek
// target not yet being read from).
func (p *plan) AddUserRequested(start, end int64) {
	p.requests = append(p.requests, rangeRequest{start: start, end: end, kind: kindUserRequested})
}

// AddBackgroundFill records a gap with no active reader, fetched only when
// nothing higher-priority is pending.
func (p *plan) AddBackgroundFill(start, end int64) {
	p.requests = append(p.requests, rangeRequest{start: start, end: end, kind: kindBackgroundFill})
}

// Next returns the highest-priority range to fetch, or ok=false if the
// plan is empty.
func (p *plan) Next() (rangeRequest, bool) {
	if len(p.requests) == 0 {
		return rangeRequest{}, false
	}
	sort.SliceStable(p.requests, func(i, j int) bool {
		return p.requests[i].kind < p.requests[j].kind
	})
	next := p.requests[0]
	p.requests = p.requests[1:]
	return next, true
}

// Empty reports whether the plan has no pending ranges.
func (p *plan) Empty() bool {
	return len(p.requests) == 0
}
