// Package queue implements the fair-share Work Queue:
// a global concurrency cap shared across chat, cron, and workflow
// submitters, with a per-submitter waiter cap and FIFO ordering within
// a key.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrBacklogFull is returned by Submit when the submitter key already
// has maxQueuePerUser tasks queued or running.
var ErrBacklogFull = errors.New("queue: too busy")

// ErrDraining is returned by Submit once Drain has been called.
var ErrDraining = errors.New("queue: draining")

// Config bounds the queue's admission control.
type Config struct {
	MaxConcurrent   int // global in-flight cap
	MaxQueuePerUser int // per-key cap on admitted tasks (queued or running)
}

// Stats is a point-in-time snapshot of queue occupancy.
type Stats struct {
	InFlight     int64
	Waiting      int64
	PerKeyInFlight map[string]int64
	PerKeyWaiting  map[string]int64
}

// Future is the handle returned by Submit; Wait blocks for the
// submitted function's result.
type Future struct {
	done   chan struct{}
	result interface{}
	err    error
}

// Wait blocks until the submitted function completes, or ctx is done.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type keyState struct {
	inFlight int64
	waiting  int64
}

// Queue is the fair-share admission layer: a global concurrency
// semaphore plus a per-submitter-key FIFO backlog cap.
type Queue struct {
	cfg    Config
	sem    *semaphore.Weighted
	logger *zap.Logger

	mu       sync.Mutex
	keys     map[string]*keyState
	draining bool
}

// New creates a Work Queue honoring cfg.
func New(cfg Config, logger *zap.Logger) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.MaxQueuePerUser <= 0 {
		cfg.MaxQueuePerUser = 10
	}
	return &Queue{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger: logger,
		keys:   make(map[string]*keyState),
	}
}

// Submit enqueues fn under submitterKey. If the key's waiter count is
// already at MaxQueuePerUser, it fails fast with ErrBacklogFull.
// Otherwise it returns immediately with a Future that resolves once a
// global slot frees and fn has run. Ordering within one key is FIFO
// because the per-key mutex below is only released after fn starts.
func (q *Queue) Submit(ctx context.Context, submitterKey string, fn func(ctx context.Context) (interface{}, error)) (*Future, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return nil, ErrDraining
	}
	ks, ok := q.keys[submitterKey]
	if !ok {
		ks = &keyState{}
		q.keys[submitterKey] = ks
	}
	if ks.waiting >= int64(q.cfg.MaxQueuePerUser) {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: key=%s", ErrBacklogFull, submitterKey)
	}
	ks.waiting++
	q.mu.Unlock()

	future := &Future{done: make(chan struct{})}

	go func() {
		defer func() {
			q.mu.Lock()
			ks.waiting--
			q.mu.Unlock()
		}()

		if err := q.sem.Acquire(ctx, 1); err != nil {
			future.err = err
			close(future.done)
			return
		}
		q.mu.Lock()
		ks.inFlight++
		q.mu.Unlock()

		defer func() {
			q.sem.Release(1)
			q.mu.Lock()
			ks.inFlight--
			q.mu.Unlock()
		}()

		result, err := fn(ctx)
		future.result = result
		future.err = err
		close(future.done)
	}()

	return future, nil
}

// AcquireSlot lets a cooperative caller (the cron scheduler) take a
// global slot without going through Submit, so heavy crons share the
// same cap as interactive chat instead of bypassing it.
func (q *Queue) AcquireSlot(ctx context.Context) error {
	return q.sem.Acquire(ctx, 1)
}

// ReleaseSlot releases a slot acquired via AcquireSlot.
func (q *Queue) ReleaseSlot() {
	q.sem.Release(1)
}

// Stats returns a point-in-time occupancy snapshot.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		PerKeyInFlight: make(map[string]int64, len(q.keys)),
		PerKeyWaiting:  make(map[string]int64, len(q.keys)),
	}
	for k, v := range q.keys {
		s.InFlight += v.inFlight
		s.Waiting += v.waiting
		s.PerKeyInFlight[k] = v.inFlight
		s.PerKeyWaiting[k] = v.waiting
	}
	return s
}

// Drain stops admission of new Submit calls and waits up to timeout
// for every admitted task to finish, returning the number of tasks
// still queued or running when it gave up waiting (0 if everything
// drained cleanly).
func (q *Queue) Drain(timeout time.Duration) int {
	q.mu.Lock()
	q.draining = true
	q.mu.Unlock()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		if q.Stats().Waiting == 0 {
			return 0
		}
		if time.Now().After(deadline) {
			remaining := int(q.Stats().Waiting)
			q.logger.Warn("queue drain timed out", zap.Int("remaining", remaining))
			return remaining
		}
		<-ticker.C
	}
}
