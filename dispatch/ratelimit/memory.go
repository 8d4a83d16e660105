// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package ratelimit

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

// QuotaState is the current window for one caller and tier.
type QuotaState struct {
	WindowStart time.Time     `json:"windowStart"`
	Count       int           `json:"count"`
	Limit       int           `json:"limit"`
	Period      time.Duration `json:"period"`
}

// MemoryLimiter keeps quota windows in process memory.
type MemoryLimiter struct {
	mu     sync.Mutex
	limits Limits
	quotas map[string]*QuotaState
	now    func() time.Time
	logger *log.Logger
}

// MemoryOption configures a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryLimiter) {
		m.now = now
	}
}

// WithMemoryLogger sets the diagnostic logger.
func WithMemoryLogger(logger *log.Logger) MemoryOption {
	return func(m *MemoryLimiter) {
		m.logger = logger
	}
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(limits Limits, opts ...MemoryOption) *MemoryLimiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	m := &MemoryLimiter{
		limits: limits,
		quotas: make(map[string]*QuotaState),
		now:    time.Now,
		logger: log.New(os.Stdout, "[RATE_LIMIT] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Allow consumes one slot if the caller's window has room.
func (m *MemoryLimiter) Allow(_ context.Context, callerID string, tier Tier) Decision {
	lim := m.limits.For(tier)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	key := quotaKey(callerID, tier)
	q, ok := m.quotas[key]
	if !ok || !now.Before(q.WindowStart.Add(q.Period)) {
		q = &QuotaState{WindowStart: now, Limit: lim.Requests, Period: lim.Period}
		m.quotas[key] = q
	}
	resetAt := q.WindowStart.Add(q.Period)

	if q.Count >= q.Limit {
		return Decision{
			Allowed:    false,
			Limit:      q.Limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}
	}
	q.Count++
	return Decision{
		Allowed:   true,
		Limit:     q.Limit,
		Remaining: q.Limit - q.Count,
		ResetAt:   resetAt,
	}
}

// usage returns a copy of the caller's current window.
func (m *MemoryLimiter) usage(callerID string, tier Tier) (QuotaState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[quotaKey(callerID, tier)]
	if !ok {
		return QuotaState{}, false
	}
	return *q, true
}

// Cleanup drops windows that have already expired.
func (m *MemoryLimiter) Cleanup() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, q := range m.quotas {
		if !now.Before(q.WindowStart.Add(q.Period)) {
			delete(m.quotas, key)
			removed++
		}
	}
	return removed
}

// StartPeriodicCleanup removes expired windows until ctx is cancelled.
func (m *MemoryLimiter) StartPeriodicCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.Cleanup(); n > 0 {
					m.logger.Printf("Removed %d expired quota windows", n)
				}
			}
		}
	}()
}
