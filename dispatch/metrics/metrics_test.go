// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package metrics

import (
	"bytes"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"axonflow/taskdispatch/dispatch/breaker"
)

// metricValue gathers the registry and returns the value of the sample whose
// label values match in label-name order.
func metricValue(t *testing.T, c *Collector, name string, labelValues ...string) float64 {
	t.Helper()
	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !labelsMatch(m.GetLabel(), labelValues) {
				continue
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
			return m.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s%v not found", name, labelValues)
	return 0
}

func labelsMatch(pairs []*dto.LabelPair, values []string) bool {
	if len(pairs) != len(values) {
		return false
	}
	for i, p := range pairs {
		if p.GetValue() != values[i] {
			return false
		}
	}
	return true
}

func TestPercentile(t *testing.T) {
	ms := time.Millisecond
	tests := []struct {
		name  string
		times []time.Duration
		p     int
		want  time.Duration
	}{
		{"empty slice", nil, 50, 0},
		{"single value p50", []time.Duration{100 * ms}, 50, 100 * ms},
		{"p50", []time.Duration{10 * ms, 20 * ms, 30 * ms, 40 * ms, 50 * ms}, 50, 30 * ms},
		{"p95", []time.Duration{10 * ms, 20 * ms, 30 * ms, 40 * ms, 50 * ms}, 95, 50 * ms},
		{"beyond bounds", []time.Duration{10 * ms, 20 * ms}, 100, 20 * ms},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := percentile(tt.times, tt.p); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestSummarizeSortsInput(t *testing.T) {
	ms := time.Millisecond
	s := summarize([]time.Duration{50 * ms, 10 * ms, 40 * ms, 20 * ms, 30 * ms})
	if s.P50Ms != 30 || s.MaxMs != 50 || s.Count != 5 {
		t.Errorf("unexpected summary: %+v", s)
	}
	if s.AvgMs != 30 {
		t.Errorf("Expected avg 30, got %v", s.AvgMs)
	}
}

func TestCollectorSnapshot(t *testing.T) {
	c := NewCollector()

	c.RecordAttempt("A", OutcomeTimeout, 100*time.Millisecond, 0, 0)
	c.RecordAttempt("B", OutcomeSuccess, 40*time.Millisecond, 120, 0.002)
	c.RecordCompleted("summarization", true, 150*time.Millisecond)
	c.RecordAttempt("B", OutcomeFailure, 20*time.Millisecond, 0, 0)
	c.RecordCompleted("summarization", false, 30*time.Millisecond)
	c.RecordRateLimited("caller-1", "free")
	c.RecordCacheLookup(true)
	c.RecordCacheLookup(false)
	c.RecordQueueTimeout()

	s := c.Snapshot()
	if s.TotalTasks != 2 || s.SuccessfulTasks != 1 || s.FailedTasks != 1 {
		t.Fatalf("unexpected totals: %+v", s)
	}
	if s.SuccessRate != 0.5 {
		t.Errorf("Expected success rate 0.5, got %v", s.SuccessRate)
	}
	if s.RateLimited != 1 || s.CacheHits != 1 || s.CacheMisses != 1 || s.QueueTimeouts != 1 {
		t.Errorf("unexpected counters: %+v", s)
	}

	a := s.Providers["A"]
	if a == nil || a.Attempts != 1 || a.Timeouts != 1 || a.Failures != 1 || a.Availability != 0 {
		t.Errorf("unexpected provider A metrics: %+v", a)
	}
	b := s.Providers["B"]
	if b == nil || b.Attempts != 2 || b.Successes != 1 || b.TotalTokens != 120 || b.Availability != 50 {
		t.Errorf("unexpected provider B metrics: %+v", b)
	}
	if b.AvgLatencyMs != 30 {
		t.Errorf("Expected B avg latency 30ms, got %v", b.AvgLatencyMs)
	}

	tm := s.TaskTypes["summarization"]
	if tm == nil || tm.Total != 2 || tm.ExecutionTime.MaxMs != 150 {
		t.Errorf("unexpected type metrics: %+v", tm)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	c := NewCollector()
	c.RecordAttempt("A", OutcomeSuccess, time.Millisecond, 1, 0)
	s := c.Snapshot()
	s.Providers["A"].Attempts = 99

	if got := c.Snapshot().Providers["A"].Attempts; got != 1 {
		t.Errorf("snapshot mutation leaked into collector: %d", got)
	}
}

func TestEventRingBuffer(t *testing.T) {
	c := NewCollector(WithEventCapacity(3))
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5"} {
		c.RecordEvent("TASK_COMPLETED", id, "", nil)
	}

	events := c.Snapshot().RecentEvents
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	for i, want := range []string{"t3", "t4", "t5"} {
		if events[i].TaskID != want {
			t.Errorf("event %d: expected %s, got %s", i, want, events[i].TaskID)
		}
	}
}

func TestBreakerTransitionFeedsGauge(t *testing.T) {
	c := NewCollector()
	c.RecordBreakerTransition("A", breaker.StateClosed, breaker.StateOpen)

	if got := metricValue(t, c, "taskdispatch_circuit_breaker_state", "A"); got != 1 {
		t.Errorf("Expected gauge 1 for open, got %v", got)
	}
	if got := c.Snapshot().Providers["A"].BreakerState; got != breaker.StateOpen {
		t.Errorf("Expected OPEN in snapshot, got %s", got)
	}

	c.RecordBreakerTransition("A", breaker.StateOpen, breaker.StateHalfOpen)
	if got := metricValue(t, c, "taskdispatch_circuit_breaker_state", "A"); got != 2 {
		t.Errorf("Expected gauge 2 for half-open, got %v", got)
	}
	if got := metricValue(t, c, "taskdispatch_circuit_breaker_transitions_total", "A", "OPEN"); got != 1 {
		t.Errorf("Expected one transition to OPEN, got %v", got)
	}
}

func TestTrackInFlightReleasesOnce(t *testing.T) {
	c := NewCollector()
	done := c.TrackInFlight()
	if c.InFlight() != 1 {
		t.Fatalf("Expected 1 in flight, got %d", c.InFlight())
	}
	done()
	done()
	if c.InFlight() != 0 {
		t.Errorf("Expected 0 in flight, got %d", c.InFlight())
	}
}

func TestWritePrometheus(t *testing.T) {
	c := NewCollector()
	c.RecordAttempt("noop", OutcomeSuccess, 5*time.Millisecond, 10, 0)
	c.RecordCompleted("classification", true, 5*time.Millisecond)

	var buf bytes.Buffer
	if err := c.WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		`taskdispatch_tasks_total{status="success"} 1`,
		`taskdispatch_provider_attempts_total{outcome="success",provider="noop"} 1`,
		`# TYPE taskdispatch_task_duration_milliseconds histogram`,
		`taskdispatch_in_flight_tasks 0`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q\n%s", want, out)
		}
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	c := NewCollector()
	c.RecordQueueTimeout()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/prometheus", nil))
	body, _ := io.ReadAll(rec.Body)

	if rec.Code != 200 {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(string(body), "taskdispatch_queue_timeouts_total 1") {
		t.Errorf("queue timeout counter missing from scrape:\n%s", body)
	}
}

func TestConcurrentRecording(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordAttempt("A", OutcomeSuccess, time.Millisecond, 1, 0)
			c.RecordCompleted("translation", true, time.Millisecond)
			_ = c.Snapshot()
		}()
	}
	wg.Wait()

	if got := c.Snapshot().TotalTasks; got != 50 {
		t.Errorf("Expected 50 tasks, got %d", got)
	}
}
