// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package executor

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"axonflow/taskdispatch/dispatch/task"
)

// MaxConcurrency caps the concurrency limit flag.
const MaxConcurrency = 4096

// Limiter bounds concurrent executions. Waiters queue in FIFO order on a
// single semaphore of MaxConcurrency slots; the slots above the current
// limit are held by the limiter itself. The limit is re-read on every
// Acquire. Lowering it never preempts running tasks: slots they release are
// kept by the limiter until the new bound holds.
type Limiter struct {
	limit func() int
	sem   *semaphore.Weighted

	mu       sync.Mutex
	reserved int64 // slots held by the limiter
	owed     int64 // slots still to be taken back from running tasks
}

// NewLimiter creates a limiter whose capacity is read from limit.
func NewLimiter(limit func() int) *Limiter {
	l := &Limiter{
		limit: limit,
		sem:   semaphore.NewWeighted(MaxConcurrency),
	}
	l.resize()
	return l
}

func (l *Limiter) capacity() int64 {
	n := int64(l.limit())
	if n < 1 {
		n = 1
	}
	if n > MaxConcurrency {
		n = MaxConcurrency
	}
	return n
}

// resize moves the reservation towards MaxConcurrency-limit.
func (l *Limiter) resize() {
	want := MaxConcurrency - l.capacity()

	l.mu.Lock()
	defer l.mu.Unlock()
	target := l.reserved + l.owed
	switch {
	case want < target:
		give := target - want
		if give <= l.owed {
			l.owed -= give
			return
		}
		give -= l.owed
		l.owed = 0
		l.reserved -= give
		l.sem.Release(give)
	case want > target:
		take := want - target
		for take > 0 && l.sem.TryAcquire(1) {
			l.reserved++
			take--
		}
		l.owed += take
	}
}

func (l *Limiter) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owed > 0 {
		l.owed--
		l.reserved++
		return
	}
	l.sem.Release(1)
}

func (l *Limiter) releaseFunc() func() {
	var once sync.Once
	return func() { once.Do(l.release) }
}

// Acquire waits for a slot. If ctx ends first it returns a retryable
// QueueTimeoutError. The returned release func is idempotent.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	l.resize()
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, &task.QueueTimeoutError{Cause: err}
	}
	return l.releaseFunc(), nil
}

// tryAcquire takes a slot only if one is free.
func (l *Limiter) tryAcquire() (func(), bool) {
	l.resize()
	if !l.sem.TryAcquire(1) {
		return nil, false
	}
	return l.releaseFunc(), true
}
