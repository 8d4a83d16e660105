// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package routing decides which provider runs a task.
//
// Selection order, first match wins:
//   - the task's preferred provider, if it is eligible
//   - the task's fallbackProviders, in order
//   - with no preference, the load-balancing strategy from the current flags
//
// A provider is eligible when it is registered, enabled, and its circuit
// breaker would admit an attempt. When nothing is eligible the selector
// returns an error instead of picking a provider anyway.
package routing

import (
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"axonflow/taskdispatch/dispatch/breaker"
	"axonflow/taskdispatch/dispatch/flags"
	"axonflow/taskdispatch/dispatch/provider"
	"axonflow/taskdispatch/dispatch/task"
)

// Decision is the immutable outcome of one selection.
type Decision struct {
	SelectedProvider      string   `json:"selectedProvider"`
	Reason                string   `json:"reason"`
	Alternatives          []string `json:"alternatives"`
	LoadBalancingStrategy string   `json:"loadBalancingStrategy"`
	FallbacksUsed         []string `json:"fallbacksUsed"`
	Skipped               []string `json:"skipped,omitempty"`
}

// ProviderSource lists registered providers.
type ProviderSource interface {
	Available() []provider.Info
	Get(name string) (provider.Info, bool)
}

// BreakerView exposes read-only circuit breaker state.
type BreakerView interface {
	Eligible(name string) bool
	State(name string) breaker.Snapshot
}

// Selector chooses providers. The round-robin cursor and the random source
// are its only mutable state.
type Selector struct {
	providers ProviderSource
	breakers  BreakerView
	flags     func() *flags.Flags

	cursor uint64
	random *rand.Rand
	mu     sync.Mutex
	logger *log.Logger
}

// Option configures a Selector.
type Option func(*Selector)

// WithRandSource seeds weighted-random selection deterministically.
func WithRandSource(src rand.Source) Option {
	return func(s *Selector) {
		s.random = rand.New(src)
	}
}

// WithLogger sets the selector's diagnostic logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Selector) {
		s.logger = logger
	}
}

// NewSelector creates a selector. currentFlags is called on every decision.
func NewSelector(providers ProviderSource, breakers BreakerView, currentFlags func() *flags.Flags, opts ...Option) *Selector {
	s := &Selector{
		providers: providers,
		breakers:  breakers,
		flags:     currentFlags,
		random:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:    log.New(os.Stdout, "[ROUTING] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type candidate struct {
	info provider.Info
	cost float64
}

// Select makes the first routing decision for a task.
func (s *Selector) Select(t *task.Task) (*Decision, error) {
	return s.selectNext(t, nil)
}

// Next picks the provider to try after every provider in prior's chain that
// is listed in attempted has failed. The returned decision carries prior's
// fallbacks plus the new selection.
func (s *Selector) Next(t *task.Task, prior *Decision, attempted []string) (*Decision, error) {
	if len(attempted) == 0 {
		return s.Select(t)
	}
	return s.selectNext(t, &chainState{prior: prior, attempted: attempted})
}

type chainState struct {
	prior     *Decision
	attempted []string
}

func (c *chainState) tried(name string) bool {
	if c == nil {
		return false
	}
	for _, a := range c.attempted {
		if a == name {
			return true
		}
	}
	return false
}

func (c *chainState) fallbacks() []string {
	if c == nil || c.prior == nil {
		return nil
	}
	return c.prior.FallbacksUsed
}

func (c *chainState) last() string {
	if c == nil || len(c.attempted) == 0 {
		return ""
	}
	return c.attempted[len(c.attempted)-1]
}

// status reports whether name can be selected now and, if not, why.
func (s *Selector) status(name string) (provider.Info, string) {
	info, ok := s.providers.Get(name)
	switch {
	case !ok:
		return info, "not registered"
	case !info.Enabled:
		return info, "disabled"
	case !s.breakers.Eligible(name):
		return info, "circuit open"
	}
	return info, ""
}

func (s *Selector) selectNext(t *task.Task, chain *chainState) (*Decision, error) {
	f := s.flags()
	cfg := t.Config

	if cfg.PreferredProvider != "" {
		return s.walkPreference(t, f, chain)
	}

	// Fallbacks after a failure use the task's list when it has one.
	if chain != nil && len(cfg.FallbackProviders) > 0 {
		return s.walkPreference(t, f, chain)
	}

	eligible, openOnly := s.eligible(chain)
	if len(eligible) == 0 {
		return nil, s.unavailable(chain, openOnly, "no eligible provider")
	}

	var picked candidate
	var reason string
	strategy := f.Strategy
	switch strategy {
	case flags.StrategyRoundRobin:
		picked, reason = s.roundRobin(eligible, chain)
	case flags.StrategyWeightedRandom:
		picked, reason = s.weightedRandom(eligible)
	case flags.StrategyCostOptimized:
		picked, reason = s.costOptimized(t, eligible)
	default:
		strategy = flags.StrategyPriority
		picked = rankByPriority(eligible)[0]
		reason = fmt.Sprintf("highest priority provider (%d)", picked.info.Priority)
	}

	d := &Decision{
		SelectedProvider:      picked.info.Name,
		Reason:                reason,
		Alternatives:          alternatives(eligible, picked.info.Name),
		LoadBalancingStrategy: strategy,
		FallbacksUsed:         appendCopy(chain.fallbacks(), nil),
	}
	if chain != nil {
		d.FallbacksUsed = appendCopy(chain.fallbacks(), []string{picked.info.Name})
		d.Reason = fmt.Sprintf("fallback after %s failed: %s", chain.last(), reason)
	}
	return d, nil
}

// walkPreference handles the preferred provider and the explicit fallback
// list. It never falls through to the load-balancing strategy.
func (s *Selector) walkPreference(t *task.Task, f *flags.Flags, chain *chainState) (*Decision, error) {
	cfg := t.Config
	var skipped []string
	var firstOpen *task.CircuitBreakerOpenError

	note := func(name, why string) {
		skipped = append(skipped, fmt.Sprintf("%s (%s)", name, why))
		if why == "circuit open" && firstOpen == nil {
			snap := s.breakers.State(name)
			firstOpen = &task.CircuitBreakerOpenError{Provider: name, RetryAt: snap.NextProbeAt}
		}
	}

	// The preferred provider is only a candidate for the first decision. Once
	// the chain has moved on it is never picked again, even if it recovers.
	if p := cfg.PreferredProvider; p != "" && chain == nil {
		_, why := s.status(p)
		if why == "" {
			return &Decision{
				SelectedProvider:      p,
				Reason:                "preferred provider selected",
				Alternatives:          s.eligibleFallbacks(cfg.FallbackProviders, chain, p),
				LoadBalancingStrategy: f.Strategy,
				FallbacksUsed:         []string{},
			}, nil
		}
		s.logger.Printf("Preferred provider %s for task %s is %s", p, t.ID, why)
		note(p, why)
	}

	for _, fb := range cfg.FallbackProviders {
		if chain.tried(fb) {
			continue
		}
		if _, why := s.status(fb); why != "" {
			note(fb, why)
			continue
		}
		reason := fmt.Sprintf("fallback provider %s selected", fb)
		if len(skipped) > 0 {
			reason += "; skipped " + strings.Join(skipped, ", ")
		}
		if last := chain.last(); last != "" {
			reason += fmt.Sprintf(" after %s failed", last)
		}
		return &Decision{
			SelectedProvider:      fb,
			Reason:                reason,
			Alternatives:          s.eligibleFallbacks(cfg.FallbackProviders, chain, fb),
			LoadBalancingStrategy: f.Strategy,
			FallbacksUsed:         appendCopy(chain.fallbacks(), []string{fb}),
			Skipped:               skipped,
		}, nil
	}

	reason := "preferred provider and fallbacks exhausted"
	if len(skipped) > 0 {
		reason += ": " + strings.Join(skipped, ", ")
	}
	if chain == nil && len(skipped) == 1 && firstOpen != nil {
		return nil, firstOpen
	}
	var attempted []string
	if chain != nil {
		attempted = chain.attempted
	}
	return nil, &task.ProviderUnavailableError{Attempted: attempted, Reason: reason}
}

// eligibleFallbacks lists fallbacks that could still be tried after picked.
func (s *Selector) eligibleFallbacks(fallbacks []string, chain *chainState, picked string) []string {
	out := []string{}
	for _, fb := range fallbacks {
		if fb == picked || chain.tried(fb) {
			continue
		}
		if _, why := s.status(fb); why == "" {
			out = append(out, fb)
		}
	}
	return out
}

// eligible returns selectable providers in registration order, and the
// providers excluded only because their circuit is open.
func (s *Selector) eligible(chain *chainState) ([]candidate, []string) {
	var out []candidate
	var open []string
	infos := s.providers.Available()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Seq < infos[j].Seq })
	for _, info := range infos {
		if chain.tried(info.Name) {
			continue
		}
		if !s.breakers.Eligible(info.Name) {
			open = append(open, info.Name)
			continue
		}
		out = append(out, candidate{info: info})
	}
	return out, open
}

func (s *Selector) unavailable(chain *chainState, openOnly []string, reason string) error {
	if chain == nil && len(openOnly) == 1 {
		snap := s.breakers.State(openOnly[0])
		return &task.CircuitBreakerOpenError{Provider: openOnly[0], RetryAt: snap.NextProbeAt}
	}
	if len(openOnly) > 0 {
		reason += fmt.Sprintf(" (circuit open: %s)", strings.Join(openOnly, ", "))
	}
	var attempted []string
	if chain != nil {
		attempted = chain.attempted
	}
	return &task.ProviderUnavailableError{Attempted: attempted, Reason: reason}
}

// rankByPriority orders by priority descending, then registration order.
func rankByPriority(cs []candidate) []candidate {
	out := append([]candidate(nil), cs...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].info.Priority != out[j].info.Priority {
			return out[i].info.Priority > out[j].info.Priority
		}
		return out[i].info.Seq < out[j].info.Seq
	})
	return out
}

// roundRobin advances the shared cursor once per task. Fallbacks within a
// task continue the rotation after the failed provider without moving the
// cursor.
func (s *Selector) roundRobin(cs []candidate, chain *chainState) (candidate, string) {
	if chain != nil {
		all := s.providers.Available()
		sort.Slice(all, func(i, j int) bool { return all[i].Seq < all[j].Seq })
		start := 0
		for i, info := range all {
			if info.Name == chain.last() {
				start = i + 1
				break
			}
		}
		for i := 0; i < len(all); i++ {
			name := all[(start+i)%len(all)].Name
			for _, c := range cs {
				if c.info.Name == name {
					return c, "round robin rotation"
				}
			}
		}
		return cs[0], "round robin rotation"
	}
	idx := atomic.AddUint64(&s.cursor, 1) - 1
	return cs[int(idx%uint64(len(cs)))], "round robin rotation"
}

// weightedRandom picks with probability proportional to priority. When
// every priority is zero the choice is uniform.
func (s *Selector) weightedRandom(cs []candidate) (candidate, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, c := range cs {
		total += c.info.Priority
	}
	if total == 0 {
		return cs[s.random.Intn(len(cs))], "weighted random selection (uniform)"
	}
	r := s.random.Intn(total)
	for _, c := range cs {
		r -= c.info.Priority
		if r < 0 {
			return c, fmt.Sprintf("weighted random selection (weight %d of %d)", c.info.Priority, total)
		}
	}
	return cs[len(cs)-1], "weighted random selection"
}

// costOptimized picks the lowest estimated cost. Providers that cannot
// estimate sort last; ties fall back to priority.
func (s *Selector) costOptimized(t *task.Task, cs []candidate) (candidate, string) {
	priced := rankByPriority(cs)
	for i := range priced {
		priced[i].cost = math.Inf(1)
		if est, ok := priced[i].info.Provider.(provider.CostEstimator); ok {
			priced[i].cost = est.EstimateCost(t)
		}
	}
	sort.SliceStable(priced, func(i, j int) bool { return priced[i].cost < priced[j].cost })
	best := priced[0]
	if math.IsInf(best.cost, 1) {
		return best, "no cost estimates available; highest priority provider"
	}
	hint := t.Config.QualityHint
	if hint == "" {
		hint = task.QualityStandard
	}
	return best, fmt.Sprintf("lowest estimated cost $%.6f for %s quality", best.cost, hint)
}

func alternatives(cs []candidate, picked string) []string {
	out := []string{}
	for _, c := range rankByPriority(cs) {
		if c.info.Name != picked {
			out = append(out, c.info.Name)
		}
	}
	return out
}

func appendCopy(base, extra []string) []string {
	out := make([]string, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}
