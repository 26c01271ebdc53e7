// Package workqueue dispatches short background callbacks — partial and
// full eviction write-backs, checkpoint clone serialization, prefetches —
// onto a bounded worker pool, grounded on the teacher's
// cleanupManager (pebble's cleaner.go): a buffered channel feeding a fixed
// pool of goroutines managed with an errgroup, rather than a one-goroutine-
// per-job fan-out.
package workqueue

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Job is a unit of background work. Jobs must not block on anything that
// could itself be waiting on the work queue to drain (partial or full
// eviction callbacks, clone serialization and prefetches all satisfy this
// by construction: they only touch the one pair they were dispatched for).
type Job func()

// Queue is a bounded FIFO of Jobs served by a fixed pool of worker
// goroutines.
type Queue struct {
	jobs   chan Job
	group  *errgroup.Group
	cancel context.CancelFunc
}

// New starts a Queue with the given number of workers and queue depth. The
// pool runs until Close is called.
func New(workers, queueDepth int) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	q := &Queue{
		jobs:   make(chan Job, queueDepth),
		group:  g,
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			q.run(ctx)
			return nil
		})
	}
	return q
}

func (q *Queue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			job()
		}
	}
}

// Dispatch enqueues job, blocking if the queue is full. It never runs job
// inline: callers that need a non-blocking attempt should use TryDispatch.
func (q *Queue) Dispatch(job Job) {
	q.jobs <- job
}

// TryDispatch enqueues job without blocking, reporting whether there was
// room, for a caller that would rather run inline (or defer) than stall
// behind a full queue.
func (q *Queue) TryDispatch(job Job) bool {
	select {
	case q.jobs <- job:
		return true
	default:
		return false
	}
}

// Close stops accepting new jobs, waits for in-flight and already-queued
// jobs to finish, and shuts down the worker pool.
func (q *Queue) Close() {
	close(q.jobs)
	_ = q.group.Wait()
	q.cancel()
}
