package coordinator

import (
	"context"
	"sync"

	"github.com/guiyumin/streamcached/internal/fingerprint"
)

// registry enforces the single-producer guarantee: at most one Producer
// exists per fingerprint at any instant. It is a concurrent map guarded
// by a lightweight lock rather than sharded, since producer churn is low
// relative to proxy read volume.
type registry struct {
	mu    sync.RWMutex
	byFP  map[string]*Producer
}

func newRegistry() *registry {
	return &registry{byFP: make(map[string]*Producer)}
}

// lookup returns the existing producer for fp, if any.
func (r *registry) lookup(fp fingerprint.Fingerprint) (*Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byFP[fp.String()]
	return p, ok
}

// ensure returns the existing producer for fp, or registers and starts a
// newly constructed one. newFn is only invoked while holding the write
// lock and only when no producer is already registered, so two concurrent
// callers racing to start the same fingerprint are guaranteed to observe
// the same single producer.
func (r *registry) ensure(ctx context.Context, fp fingerprint.Fingerprint, newFn func() *Producer) *Producer {
	r.mu.Lock()
	if p, ok := r.byFP[fp.String()]; ok {
		r.mu.Unlock()
		return p
	}
	p := newFn()
	r.byFP[fp.String()] = p
	r.mu.Unlock()

	go func() {
		p.Run(ctx)
		r.remove(fp, p)
	}()
	return p
}

// remove deletes the registry entry for fp iff it still points at p --
// guards against a newer producer (started after this one's cleanup began)
// being evicted by a stale goroutine.
func (r *registry) remove(fp fingerprint.Fingerprint, p *Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byFP[fp.String()]; ok && cur == p {
		delete(r.byFP, fp.String())
	}
}

// all returns every currently registered producer, used by statistics and
// by the Eviction Policy to exclude actively-fetching entries.
func (r *registry) all() []*Producer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Producer, 0, len(r.byFP))
	for _, p := range r.byFP {
		out = append(out, p)
	}
	return out
}
