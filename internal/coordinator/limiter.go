package coordinator

import (
	"container/heap"
	"context"
	"sync"
)

// Limiter caps the number of simultaneously active producers. Waiters
// beyond the cap queue FIFO among equal priority, with
// higher-priority waiters jumping the queue on slot release -- a
// container/heap min-heap ordered by (priority desc, enqueued-at asc)
// gives both properties without a separate per-priority list.
type Limiter struct {
	mu       sync.Mutex
	capacity int
	active   int
	seq      int64
	waitq    waitHeap
}

// NewLimiter builds a Limiter with the given concurrency cap.
func NewLimiter(capacity int) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	return &Limiter{capacity: capacity}
}

type waitItem struct {
	priority int
	seq      int64
	grant    chan struct{}
}

type waitHeap []*waitItem

func (h waitHeap) Len() int { return len(h) }
func (h waitHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h waitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *waitHeap) Push(x any)        { *h = append(*h, x.(*waitItem)) }
func (h *waitHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Acquire blocks until a slot is free or ctx is cancelled. Release must be
// called exactly once for every successful Acquire.
func (l *Limiter) Acquire(ctx context.Context, priority int) error {
	l.mu.Lock()
	if l.active < l.capacity {
		l.active++
		l.mu.Unlock()
		return nil
	}

	item := &waitItem{priority: priority, seq: l.seq, grant: make(chan struct{})}
	l.seq++
	heap.Push(&l.waitq, item)
	l.mu.Unlock()

	select {
	case <-item.grant:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		defer l.mu.Unlock()
		select {
		case <-item.grant:
			// Granted concurrently with cancellation; honor the grant and
			// release immediately rather than leaking a slot.
			l.active--
			l.wakeNextLocked()
			return ctx.Err()
		default:
		}
		l.removeLocked(item)
		return ctx.Err()
	}
}

// Release frees a slot, waking the next highest-priority waiter if any.
func (l *Limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active--
	l.wakeNextLocked()
}

func (l *Limiter) wakeNextLocked() {
	for l.waitq.Len() > 0 && l.active < l.capacity {
		item := heap.Pop(&l.waitq).(*waitItem)
		l.active++
		close(item.grant)
	}
}

func (l *Limiter) removeLocked(target *waitItem) {
	for i, it := range l.waitq {
		if it == target {
			heap.Remove(&l.waitq, i)
			return
		}
	}
}

// Active reports the current number of occupied slots, for statistics.
func (l *Limiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Queued reports the number of waiters currently blocked on a slot.
func (l *Limiter) Queued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waitq.Len()
}
