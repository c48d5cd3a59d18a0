package proxy

import (
	"context"
	"errors"
	"time"

	"github.com/guiyumin/streamcached/internal/coordinator"
	"github.com/guiyumin/streamcached/internal/store"
)

// ErrWaitTimeout is returned when a coverage wait exceeds its deadline.
var ErrWaitTimeout = errors.New("proxy: wait timed out")

// ErrProducerGone is returned when the producer the caller was waiting on
// reached Failed or Cancelled before the needed bytes arrived.
var ErrProducerGone = errors.New("proxy: producer failed or was cancelled")

// waitForCoverage subscribes to the producer's progress broadcast, then
// loops checking has_range until it is true, the producer reaches a
// terminal failure state, or timeout/ctx cancellation fires. It is
// cancellation-safe -- on any exit path the subscription is dropped
// without touching the producer itself.
func waitForCoverage(ctx context.Context, chunks *store.ChunkStore, entryID, start, end int64, producer *coordinator.Producer, timeout time.Duration) error {
	covered, err := chunks.HasRange(entryID, start, end)
	if err != nil {
		return err
	}
	if covered {
		return nil
	}

	ch, unsubscribe := producer.Subscribe()
	defer unsubscribe()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		switch producer.State() {
		case coordinator.StateFailed, coordinator.StateCancelled:
			return ErrProducerGone
		}

		covered, err := chunks.HasRange(entryID, start, end)
		if err != nil {
			return err
		}
		if covered {
			return nil
		}

		select {
		case <-ch:
			// A fresh update arrived (or the channel closed on producer
			// termination); loop back around to re-check coverage/state.
		case <-deadline.C:
			return ErrWaitTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waitForProbe blocks until producer's expected total size is known, or
// timeout/ctx cancellation fires.
func waitForProbe(ctx context.Context, producer *coordinator.Producer, timeout time.Duration) (int64, error) {
	if total, ok := producer.ExpectedTotal(); ok {
		return total, nil
	}

	ch, unsubscribe := producer.Subscribe()
	defer unsubscribe()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		switch producer.State() {
		case coordinator.StateFailed, coordinator.StateCancelled:
			return 0, ErrProducerGone
		}
		if total, ok := producer.ExpectedTotal(); ok {
			return total, nil
		}

		select {
		case <-ch:
		case <-deadline.C:
			return 0, ErrWaitTimeout
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}
