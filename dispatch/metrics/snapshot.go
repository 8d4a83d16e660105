// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package metrics

import (
	"time"

	"axonflow/taskdispatch/dispatch/breaker"
)

// LatencySummary describes a latency distribution in milliseconds.
type LatencySummary struct {
	Count int     `json:"count"`
	AvgMs float64 `json:"avgMs"`
	P50Ms int64   `json:"p50Ms"`
	P95Ms int64   `json:"p95Ms"`
	P99Ms int64   `json:"p99Ms"`
	MaxMs int64   `json:"maxMs"`
}

// TypeMetrics tracks outcomes per task type.
type TypeMetrics struct {
	Total         int64          `json:"total"`
	Successful    int64          `json:"successful"`
	Failed        int64          `json:"failed"`
	ExecutionTime LatencySummary `json:"executionTime"`
}

// ProviderMetrics tracks usage per provider.
type ProviderMetrics struct {
	Attempts     int64         `json:"attempts"`
	Successes    int64         `json:"successes"`
	Failures     int64         `json:"failures"`
	Timeouts     int64         `json:"timeouts"`
	TotalTokens  int64         `json:"totalTokens"`
	TotalCost    float64       `json:"totalCost"`
	AvgLatencyMs float64       `json:"avgLatencyMs"`
	Availability float64       `json:"availabilityPercentage"`
	BreakerState breaker.State `json:"circuitBreakerState"`
}

// Snapshot is a point-in-time copy of all collected metrics.
type Snapshot struct {
	TotalTasks        int64                       `json:"totalTasks"`
	SuccessfulTasks   int64                       `json:"successfulTasks"`
	FailedTasks       int64                       `json:"failedTasks"`
	SuccessRate       float64                     `json:"successRate"`
	RateLimited       int64                       `json:"rateLimited"`
	CacheHits         int64                       `json:"cacheHits"`
	CacheMisses       int64                       `json:"cacheMisses"`
	QueueTimeouts     int64                       `json:"queueTimeouts"`
	InFlight          int64                       `json:"inFlight"`
	ExecutionTime     LatencySummary              `json:"executionTime"`
	TaskTypes         map[string]*TypeMetrics     `json:"taskTypes"`
	Providers         map[string]*ProviderMetrics `json:"providers"`
	RecentEvents      []Event                     `json:"recentEvents"`
	UptimeSeconds     int64                       `json:"uptimeSeconds"`
	CollectionStarted time.Time                   `json:"collectionStarted"`
}

// Snapshot copies the current metrics and computes derived values.
func (c *Collector) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := &Snapshot{
		TotalTasks:        c.total,
		SuccessfulTasks:   c.success,
		FailedTasks:       c.failed,
		RateLimited:       c.rateLimited,
		CacheHits:         c.cacheHits,
		CacheMisses:       c.cacheMisses,
		QueueTimeouts:     c.queueTimeouts,
		InFlight:          c.inFlight.Load(),
		ExecutionTime:     summarize(c.responseTimes),
		TaskTypes:         make(map[string]*TypeMetrics, len(c.byType)),
		Providers:         make(map[string]*ProviderMetrics, len(c.byProvider)),
		RecentEvents:      c.recentEventsLocked(),
		UptimeSeconds:     int64(time.Since(c.started).Seconds()),
		CollectionStarted: c.started,
	}
	if c.total > 0 {
		s.SuccessRate = float64(c.success) / float64(c.total)
	}

	for name, ts := range c.byType {
		s.TaskTypes[name] = &TypeMetrics{
			Total:         ts.total,
			Successful:    ts.success,
			Failed:        ts.failed,
			ExecutionTime: summarize(ts.responseTimes),
		}
	}

	for name, ps := range c.byProvider {
		pm := &ProviderMetrics{
			Attempts:     ps.attempts,
			Successes:    ps.successes,
			Failures:     ps.failures,
			Timeouts:     ps.timeouts,
			TotalTokens:  ps.tokens,
			TotalCost:    ps.cost,
			BreakerState: ps.breakerState,
		}
		if ps.attempts > 0 {
			pm.Availability = float64(ps.successes) / float64(ps.attempts) * 100
			pm.AvgLatencyMs = float64(ps.latency.Milliseconds()) / float64(ps.attempts)
		}
		s.Providers[name] = pm
	}
	return s
}

// recentEventsLocked returns the ring buffer oldest first.
func (c *Collector) recentEventsLocked() []Event {
	var out []Event
	if c.eventFull {
		out = make([]Event, 0, len(c.events))
		out = append(out, c.events[c.eventNext:]...)
	} else {
		out = make([]Event, 0, c.eventNext)
	}
	out = append(out, c.events[:c.eventNext]...)
	return out
}
