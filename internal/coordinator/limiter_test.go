package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiter_CapsConcurrency(t *testing.T) {
	l := NewLimiter(2)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, 0))
	require.NoError(t, l.Acquire(ctx, 0))
	require.Equal(t, 2, l.Active())

	done := make(chan struct{})
	go func() {
		require.NoError(t, l.Acquire(ctx, 0))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("third acquire must block while capacity is exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	l.Release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("third acquire should unblock after a release")
	}
}

// TestLimiter_PriorityJumpsQueue checks that a higher-priority waiter is
// granted a freed slot before a lower-priority waiter that queued
// earlier.
func TestLimiter_PriorityJumpsQueue(t *testing.T) {
	l := NewLimiter(1)
	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, 0))

	var mu sync.Mutex
	var order []string

	var wg sync.WaitGroup
	wg.Add(2)

	lowReady := make(chan struct{})
	go func() {
		defer wg.Done()
		close(lowReady)
		require.NoError(t, l.Acquire(ctx, 1))
		mu.Lock()
		order = append(order, "low")
		mu.Unlock()
	}()
	<-lowReady
	time.Sleep(20 * time.Millisecond) // ensure low enqueues first

	highReady := make(chan struct{})
	go func() {
		defer wg.Done()
		close(highReady)
		require.NoError(t, l.Acquire(ctx, 10))
		mu.Lock()
		order = append(order, "high")
		mu.Unlock()
		l.Release()
	}()
	<-highReady
	time.Sleep(20 * time.Millisecond) // ensure high enqueues before release

	l.Release()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"high", "low"}, order)
}

func TestLimiter_AcquireRespectsContextCancellation(t *testing.T) {
	l := NewLimiter(1)
	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, 0))

	cancelCtx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.Acquire(cancelCtx, 0)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled acquire must return promptly")
	}
	require.Zero(t, l.Queued())
}

func TestLimiter_ConcurrentAcquireReleaseNeverExceedsCapacity(t *testing.T) {
	const capacity = 3
	const workers = 20
	l := NewLimiter(capacity)
	ctx := context.Background()

	var concurrent int64
	var maxSeen int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			require.NoError(t, l.Acquire(ctx, i%3))
			n := atomic.AddInt64(&concurrent, 1)
			for {
				cur := atomic.LoadInt64(&maxSeen)
				if n <= cur || atomic.CompareAndSwapInt64(&maxSeen, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&concurrent, -1)
			l.Release()
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, maxSeen, int64(capacity))
}
