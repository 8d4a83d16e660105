// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package breaker keeps one circuit breaker per provider. Every state change
// happens under that provider's lock, so concurrent tasks observe a single
// sequence of transitions.
package breaker

import (
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"axonflow/taskdispatch/dispatch/task"
)

// State is a breaker's position in its state machine.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// DefaultThreshold is the number of consecutive failures that opens a breaker.
const DefaultThreshold = 5

// Ticket is issued by Acquire and handed back with the attempt's outcome.
// Outcomes for a ticket issued before the breaker last changed state are
// ignored.
type Ticket struct {
	Provider string
	Probe    bool
	gen      uint64
}

// Snapshot is a point-in-time view of one breaker.
type Snapshot struct {
	Provider            string    `json:"provider"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	OpenedAt            time.Time `json:"openedAt,omitempty"`
	NextProbeAt         time.Time `json:"nextProbeAt,omitempty"`
	TotalSuccesses      int64     `json:"totalSuccesses"`
	TotalFailures       int64     `json:"totalFailures"`
}

type breaker struct {
	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	probeInFlight bool
	gen           uint64
	successes     int64
	totalFailures int64
}

// TransitionFunc observes state changes.
type TransitionFunc func(provider string, from, to State)

// Bank owns the breakers for all providers, including unregistered ones.
type Bank struct {
	mu       sync.RWMutex
	breakers map[string]*breaker

	threshold int
	timeout   func() time.Duration
	now       func() time.Time
	onChange  TransitionFunc
	logger    *log.Logger
}

// Option configures a Bank.
type Option func(*Bank)

// WithThreshold sets the consecutive-failure threshold.
func WithThreshold(n int) Option {
	return func(b *Bank) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithTimeout sets a fixed OPEN duration.
func WithTimeout(d time.Duration) Option {
	return func(b *Bank) {
		b.timeout = func() time.Duration { return d }
	}
}

// WithTimeoutFunc reads the OPEN duration on every check, so a flag change
// applies to breakers that are already open.
func WithTimeoutFunc(fn func() time.Duration) Option {
	return func(b *Bank) {
		b.timeout = fn
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Bank) {
		b.now = now
	}
}

// WithTransitionFunc registers an observer for state changes. It is called
// with the provider's lock held and must not call back into the Bank.
func WithTransitionFunc(fn TransitionFunc) Option {
	return func(b *Bank) {
		b.onChange = fn
	}
}

// WithLogger sets the bank's diagnostic logger.
func WithLogger(logger *log.Logger) Option {
	return func(b *Bank) {
		b.logger = logger
	}
}

// NewBank creates an empty bank. Breakers are created on first use.
func NewBank(opts ...Option) *Bank {
	b := &Bank{
		breakers:  make(map[string]*breaker),
		threshold: DefaultThreshold,
		timeout:   func() time.Duration { return 60 * time.Second },
		now:       time.Now,
		logger:    log.New(os.Stdout, "[CIRCUIT_BREAKER] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bank) get(name string) *breaker {
	b.mu.RLock()
	br, ok := b.breakers[name]
	b.mu.RUnlock()
	if ok {
		return br
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if br, ok = b.breakers[name]; !ok {
		br = &breaker{state: StateClosed}
		b.breakers[name] = br
	}
	return br
}

// transition must be called with br.mu held.
func (b *Bank) transition(name string, br *breaker, to State) {
	from := br.state
	br.state = to
	br.gen++
	switch to {
	case StateOpen:
		br.openedAt = b.now()
		br.probeInFlight = false
	case StateClosed:
		br.failures = 0
		br.openedAt = time.Time{}
		br.probeInFlight = false
	}
	b.logger.Printf("Provider %s: %s -> %s", name, from, to)
	if b.onChange != nil {
		b.onChange(name, from, to)
	}
}

func (b *Bank) probeDue(br *breaker) bool {
	return !b.now().Before(br.openedAt.Add(b.timeout()))
}

// Eligible reports whether an attempt against the provider would currently
// be admitted. It does not change state.
func (b *Bank) Eligible(name string) bool {
	br := b.get(name)
	br.mu.Lock()
	defer br.mu.Unlock()

	switch br.state {
	case StateOpen:
		return b.probeDue(br)
	case StateHalfOpen:
		return !br.probeInFlight
	}
	return true
}

// Acquire admits an attempt or rejects it with a CircuitBreakerOpenError.
// An OPEN breaker whose timeout has elapsed moves to HALF_OPEN and admits
// exactly one probe.
func (b *Bank) Acquire(name string) (Ticket, error) {
	br := b.get(name)
	br.mu.Lock()
	defer br.mu.Unlock()

	switch br.state {
	case StateOpen:
		if !b.probeDue(br) {
			return Ticket{}, &task.CircuitBreakerOpenError{
				Provider: name,
				RetryAt:  br.openedAt.Add(b.timeout()),
			}
		}
		b.transition(name, br, StateHalfOpen)
		br.probeInFlight = true
		return Ticket{Provider: name, Probe: true, gen: br.gen}, nil
	case StateHalfOpen:
		if br.probeInFlight {
			return Ticket{}, &task.CircuitBreakerOpenError{Provider: name, RetryAt: b.now()}
		}
		br.probeInFlight = true
		return Ticket{Provider: name, Probe: true, gen: br.gen}, nil
	}
	return Ticket{Provider: name, gen: br.gen}, nil
}

// RecordSuccess reports a successful attempt.
func (b *Bank) RecordSuccess(t Ticket) {
	br := b.get(t.Provider)
	br.mu.Lock()
	defer br.mu.Unlock()

	br.successes++
	if t.gen != br.gen {
		return
	}
	switch br.state {
	case StateClosed:
		br.failures = 0
	case StateHalfOpen:
		if t.Probe {
			b.transition(t.Provider, br, StateClosed)
		}
	}
}

// RecordFailure reports a failed attempt, including timeouts.
func (b *Bank) RecordFailure(t Ticket) {
	br := b.get(t.Provider)
	br.mu.Lock()
	defer br.mu.Unlock()

	br.totalFailures++
	if t.gen != br.gen {
		return
	}
	switch br.state {
	case StateClosed:
		br.failures++
		if br.failures >= b.threshold {
			b.transition(t.Provider, br, StateOpen)
		}
	case StateHalfOpen:
		if t.Probe {
			br.failures++
			b.transition(t.Provider, br, StateOpen)
		}
	}
}

// Release returns a ticket without an outcome, freeing a HALF_OPEN probe
// slot. Used when the caller gives up before the provider was contacted.
func (b *Bank) Release(t Ticket) {
	if !t.Probe {
		return
	}
	br := b.get(t.Provider)
	br.mu.Lock()
	defer br.mu.Unlock()
	if t.gen == br.gen && br.state == StateHalfOpen {
		br.probeInFlight = false
	}
}

// Reset forces a breaker back to CLOSED.
func (b *Bank) Reset(name string) {
	br := b.get(name)
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.state != StateClosed {
		b.transition(name, br, StateClosed)
	}
	br.failures = 0
}

// State returns a snapshot of one provider's breaker.
func (b *Bank) State(name string) Snapshot {
	br := b.get(name)
	br.mu.Lock()
	defer br.mu.Unlock()
	return b.snapshot(name, br)
}

func (b *Bank) snapshot(name string, br *breaker) Snapshot {
	s := Snapshot{
		Provider:            name,
		State:               br.state,
		ConsecutiveFailures: br.failures,
		OpenedAt:            br.openedAt,
		TotalSuccesses:      br.successes,
		TotalFailures:       br.totalFailures,
	}
	if br.state == StateOpen {
		s.NextProbeAt = br.openedAt.Add(b.timeout())
	}
	return s
}

// Snapshots returns every known breaker, sorted by provider name.
func (b *Bank) Snapshots() []Snapshot {
	b.mu.RLock()
	names := make([]string, 0, len(b.breakers))
	for name := range b.breakers {
		names = append(names, name)
	}
	b.mu.RUnlock()
	sort.Strings(names)

	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		out = append(out, b.State(name))
	}
	return out
}
