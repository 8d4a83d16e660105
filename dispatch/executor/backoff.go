// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package executor

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Backoff computes the wait before retry number n (starting at 1).
type Backoff interface {
	Delay(retry int) time.Duration
}

// Backoff kinds accepted by NewBackoff.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// jitterSource is shared by backoff strategies.
type jitterSource struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func newJitterSource() *jitterSource {
	return &jitterSource{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// apply spreads d by up to ±fraction.
func (j *jitterSource) apply(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || d <= 0 {
		return d
	}
	j.mu.Lock()
	r := j.rnd.Float64()*2 - 1
	j.mu.Unlock()
	return d + time.Duration(float64(d)*fraction*r)
}

// FixedBackoff waits the same interval before every retry.
type FixedBackoff struct {
	Interval time.Duration
	Jitter   float64
	rnd      *jitterSource
}

func (b *FixedBackoff) Delay(int) time.Duration {
	if b.rnd == nil {
		return b.Interval
	}
	return b.rnd.apply(b.Interval, b.Jitter)
}

// ExponentialBackoff doubles the wait on every retry up to Max.
type ExponentialBackoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	rnd    *jitterSource
}

func (b *ExponentialBackoff) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := b.Base
	for i := 1; i < retry; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			d = b.Max
			break
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if b.rnd == nil {
		return d
	}
	return b.rnd.apply(d, b.Jitter)
}

// NewBackoff builds a strategy by kind. Unknown kinds use fixed.
func NewBackoff(kind string, base, max time.Duration, jitter float64) Backoff {
	src := newJitterSource()
	if kind == BackoffExponential {
		return &ExponentialBackoff{Base: base, Max: max, Jitter: jitter, rnd: src}
	}
	return &FixedBackoff{Interval: base, Jitter: jitter, rnd: src}
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
