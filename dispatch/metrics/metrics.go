// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package metrics aggregates dispatch counters and latency distributions and
// exposes them as a JSON snapshot and in the Prometheus text format.
package metrics

import (
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"axonflow/taskdispatch/dispatch/breaker"
)

const (
	maxResponseTimes = 1000
	defaultEventCap  = 256
)

// Event is one entry in the lifecycle event stream.
type Event struct {
	Type      string         `json:"type"`
	TaskID    string         `json:"taskId,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type typeStats struct {
	total, success, failed int64
	responseTimes          []time.Duration
}

type providerStats struct {
	attempts, successes, failures, timeouts int64
	tokens                                  int64
	cost                                    float64
	latency                                 time.Duration
	breakerState                            breaker.State
}

// Collector gathers dispatch metrics. All methods are safe for concurrent use.
type Collector struct {
	mu            sync.RWMutex
	started       time.Time
	total         int64
	success       int64
	failed        int64
	rateLimited   int64
	cacheHits     int64
	cacheMisses   int64
	queueTimeouts int64
	responseTimes []time.Duration
	byType        map[string]*typeStats
	byProvider    map[string]*providerStats

	events    []Event
	eventNext int
	eventFull bool

	inFlight atomic.Int64

	registry      *prometheus.Registry
	promTasks     *prometheus.CounterVec
	promDuration  *prometheus.HistogramVec
	promAttempts  *prometheus.CounterVec
	promTokens    *prometheus.CounterVec
	promCost      *prometheus.CounterVec
	promLimited   *prometheus.CounterVec
	promCache     *prometheus.CounterVec
	promQueue     prometheus.Counter
	promBreaker   *prometheus.GaugeVec
	promBreakerTx *prometheus.CounterVec
	promInFlight  prometheus.GaugeFunc
}

// Option configures a Collector.
type Option func(*Collector)

// WithEventCapacity sets how many recent lifecycle events are retained.
func WithEventCapacity(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.events = make([]Event, n)
		}
	}
}

// NewCollector creates a collector with its own Prometheus registry.
func NewCollector(opts ...Option) *Collector {
	c := &Collector{
		started:    time.Now(),
		byType:     make(map[string]*typeStats),
		byProvider: make(map[string]*providerStats),
		events:     make([]Event, defaultEventCap),
		registry:   prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.promTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskdispatch_tasks_total",
			Help: "Total number of tasks that reached a terminal status",
		},
		[]string{"status"},
	)
	c.promDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskdispatch_task_duration_milliseconds",
			Help:    "Task execution time in milliseconds",
			Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"type"},
	)
	c.promAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskdispatch_provider_attempts_total",
			Help: "Provider invocations by outcome",
		},
		[]string{"provider", "outcome"},
	)
	c.promTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskdispatch_provider_tokens_total",
			Help: "Tokens consumed per provider",
		},
		[]string{"provider"},
	)
	c.promCost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskdispatch_provider_cost_dollars_total",
			Help: "Estimated spend per provider in US dollars",
		},
		[]string{"provider"},
	)
	c.promLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskdispatch_rate_limited_total",
			Help: "Submissions rejected by the rate limiter",
		},
		[]string{"tier"},
	)
	c.promCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskdispatch_cache_requests_total",
			Help: "Response cache lookups by result",
		},
		[]string{"result"},
	)
	c.promQueue = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskdispatch_queue_timeouts_total",
		Help: "Tasks whose context ended while waiting for an execution slot",
	})
	c.promBreaker = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskdispatch_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider"},
	)
	c.promBreakerTx = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskdispatch_circuit_breaker_transitions_total",
			Help: "Circuit breaker transitions per provider and target state",
		},
		[]string{"provider", "to"},
	)
	c.promInFlight = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "taskdispatch_in_flight_tasks",
			Help: "Tasks currently executing",
		},
		func() float64 { return float64(c.inFlight.Load()) },
	)

	c.registry.MustRegister(
		c.promTasks, c.promDuration, c.promAttempts, c.promTokens, c.promCost,
		c.promLimited, c.promCache, c.promQueue, c.promBreaker, c.promBreakerTx, c.promInFlight,
	)
	return c
}

func (c *Collector) typeLocked(taskType string) *typeStats {
	ts, ok := c.byType[taskType]
	if !ok {
		ts = &typeStats{responseTimes: make([]time.Duration, 0, 64)}
		c.byType[taskType] = ts
	}
	return ts
}

func (c *Collector) providerLocked(name string) *providerStats {
	ps, ok := c.byProvider[name]
	if !ok {
		ps = &providerStats{breakerState: breaker.StateClosed}
		c.byProvider[name] = ps
	}
	return ps
}

func (c *Collector) eventLocked(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	c.events[c.eventNext] = ev
	c.eventNext = (c.eventNext + 1) % len(c.events)
	if c.eventNext == 0 {
		c.eventFull = true
	}
}

func appendBounded(times []time.Duration, d time.Duration) []time.Duration {
	times = append(times, d)
	if len(times) > maxResponseTimes {
		times = times[len(times)-maxResponseTimes:]
	}
	return times
}

// RecordEvent appends a lifecycle event to the stream.
func (c *Collector) RecordEvent(eventType, taskID, provider string, fields map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventLocked(Event{Type: eventType, TaskID: taskID, Provider: provider, Fields: fields})
}

// AttemptOutcome classifies a single provider invocation.
type AttemptOutcome string

const (
	OutcomeSuccess AttemptOutcome = "success"
	OutcomeFailure AttemptOutcome = "failure"
	OutcomeTimeout AttemptOutcome = "timeout"
)

// RecordAttempt records one provider invocation.
func (c *Collector) RecordAttempt(provider string, outcome AttemptOutcome, latency time.Duration, tokens int, cost float64) {
	c.mu.Lock()
	ps := c.providerLocked(provider)
	ps.attempts++
	ps.latency += latency
	switch outcome {
	case OutcomeSuccess:
		ps.successes++
		ps.tokens += int64(tokens)
		ps.cost += cost
	case OutcomeTimeout:
		ps.timeouts++
		ps.failures++
	default:
		ps.failures++
	}
	c.mu.Unlock()

	c.promAttempts.WithLabelValues(provider, string(outcome)).Inc()
	if outcome == OutcomeSuccess {
		if tokens > 0 {
			c.promTokens.WithLabelValues(provider).Add(float64(tokens))
		}
		if cost > 0 {
			c.promCost.WithLabelValues(provider).Add(cost)
		}
	}
}

// RecordCompleted records a task reaching its terminal status.
func (c *Collector) RecordCompleted(taskType string, success bool, elapsed time.Duration) {
	c.mu.Lock()
	c.total++
	ts := c.typeLocked(taskType)
	ts.total++
	status := "success"
	if success {
		c.success++
		ts.success++
	} else {
		c.failed++
		ts.failed++
		status = "failure"
	}
	c.responseTimes = appendBounded(c.responseTimes, elapsed)
	ts.responseTimes = appendBounded(ts.responseTimes, elapsed)
	c.mu.Unlock()

	c.promTasks.WithLabelValues(status).Inc()
	c.promDuration.WithLabelValues(taskType).Observe(float64(elapsed.Milliseconds()))
}

// RecordRateLimited records a rejected submission.
func (c *Collector) RecordRateLimited(callerID, tier string) {
	c.mu.Lock()
	c.rateLimited++
	c.eventLocked(Event{Type: "RATE_LIMITED", Fields: map[string]any{"caller": callerID, "tier": tier}})
	c.mu.Unlock()
	c.promLimited.WithLabelValues(tier).Inc()
}

// RecordCacheLookup records a response cache hit or miss.
func (c *Collector) RecordCacheLookup(hit bool) {
	c.mu.Lock()
	result := "miss"
	if hit {
		c.cacheHits++
		result = "hit"
	} else {
		c.cacheMisses++
	}
	c.mu.Unlock()
	c.promCache.WithLabelValues(result).Inc()
}

// RecordQueueTimeout records a task that gave up waiting for a slot.
func (c *Collector) RecordQueueTimeout() {
	c.mu.Lock()
	c.queueTimeouts++
	c.mu.Unlock()
	c.promQueue.Inc()
}

// RecordBreakerTransition is a breaker.TransitionFunc.
func (c *Collector) RecordBreakerTransition(provider string, from, to breaker.State) {
	c.mu.Lock()
	c.providerLocked(provider).breakerState = to
	c.eventLocked(Event{
		Type:     "CIRCUIT_BREAKER_" + string(to),
		Provider: provider,
		Fields:   map[string]any{"from": string(from), "to": string(to)},
	})
	c.mu.Unlock()

	c.promBreaker.WithLabelValues(provider).Set(stateValue(to))
	c.promBreakerTx.WithLabelValues(provider, string(to)).Inc()
}

func stateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateOpen:
		return 1
	case breaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// TrackInFlight increments the in-flight gauge and returns its release.
func (c *Collector) TrackInFlight() func() {
	c.inFlight.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { c.inFlight.Add(-1) })
	}
}

// InFlight returns the number of executing tasks.
func (c *Collector) InFlight() int64 {
	return c.inFlight.Load()
}

// Registry exposes the collector's Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry for Prometheus scrapes.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// WritePrometheus renders every metric family in the text exposition format.
func (c *Collector) WritePrometheus(w io.Writer) error {
	families, err := c.registry.Gather()
	if err != nil {
		return err
	}
	return writeFamilies(w, families)
}

func writeFamilies(w io.Writer, families []*dto.MetricFamily) error {
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// percentile returns the pth percentile of an ascending slice.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	index := (len(sorted) * p) / 100
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

func summarize(times []time.Duration) LatencySummary {
	if len(times) == 0 {
		return LatencySummary{}
	}
	sorted := make([]time.Duration, len(times))
	copy(sorted, times)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	return LatencySummary{
		Count: len(sorted),
		AvgMs: float64(total.Milliseconds()) / float64(len(sorted)),
		P50Ms: percentile(sorted, 50).Milliseconds(),
		P95Ms: percentile(sorted, 95).Milliseconds(),
		P99Ms: percentile(sorted, 99).Milliseconds(),
		MaxMs: sorted[len(sorted)-1].Milliseconds(),
	}
}
