// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package routing

import (
	"bytes"
	"context"
	"log"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/taskdispatch/dispatch/breaker"
	"axonflow/taskdispatch/dispatch/flags"
	"axonflow/taskdispatch/dispatch/provider"
	"axonflow/taskdispatch/dispatch/task"
)

type fakeProvider struct {
	name string
	cost float64
}

func (f *fakeProvider) Name() string        { return f.name }
func (f *fakeProvider) Type() provider.Type { return provider.TypeNoop }
func (f *fakeProvider) Run(context.Context, *task.Task) (*task.Output, error) {
	return &task.Output{}, nil
}
func (f *fakeProvider) HealthCheck(context.Context) error { return nil }
func (f *fakeProvider) Dispose() error                    { return nil }

type pricedProvider struct{ fakeProvider }

func (p *pricedProvider) EstimateCost(*task.Task) float64 { return p.cost }

type fixture struct {
	registry *provider.Registry
	bank     *breaker.Bank
	flags    *flags.Store
	selector *Selector
}

func quiet() *log.Logger { return log.New(&bytes.Buffer{}, "", 0) }

func newFixture(t *testing.T, strategy string, providers map[string]int, order ...string) *fixture {
	t.Helper()
	f := flags.Defaults()
	f.Strategy = strategy
	store := flags.NewStore(f, flags.WithLogger(quiet()))

	reg := provider.NewRegistry(
		provider.WithLogger(quiet()),
		provider.WithEnabledFunc(func(name string) bool { return store.Get().ProviderEnabled(name) }),
	)
	for _, name := range order {
		require.NoError(t, reg.Register(name, &fakeProvider{name: name}, providers[name]))
	}
	bank := breaker.NewBank(breaker.WithLogger(quiet()), breaker.WithTimeout(time.Hour))
	sel := NewSelector(reg, bank, store.Get, WithRandSource(rand.NewSource(42)), WithLogger(quiet()))
	return &fixture{registry: reg, bank: bank, flags: store, selector: sel}
}

func (fx *fixture) open(t *testing.T, name string) {
	t.Helper()
	for i := 0; i < breaker.DefaultThreshold; i++ {
		tk, err := fx.bank.Acquire(name)
		require.NoError(t, err)
		fx.bank.RecordFailure(tk)
	}
}

func (fx *fixture) disable(t *testing.T, name string) {
	t.Helper()
	_, err := fx.flags.Apply(flags.Patch{Providers: map[string]bool{name: false}})
	require.NoError(t, err)
}

func newTask(cfg task.Config) *task.Task {
	return task.New(task.TypeSentimentAnalysis, "text", cfg, nil)
}

var abc = map[string]int{"A": 5, "B": 3, "C": 1}

func TestPriority_SelectsHighestWhileEligible(t *testing.T) {
	fx := newFixture(t, flags.StrategyPriority, abc, "C", "B", "A")

	for i := 0; i < 10; i++ {
		d, err := fx.selector.Select(newTask(task.Config{}))
		require.NoError(t, err)
		assert.Equal(t, "A", d.SelectedProvider)
		assert.Equal(t, flags.StrategyPriority, d.LoadBalancingStrategy)
		assert.Equal(t, []string{"B", "C"}, d.Alternatives)
		assert.Empty(t, d.FallbacksUsed)
	}

	fx.open(t, "A")
	d, err := fx.selector.Select(newTask(task.Config{}))
	require.NoError(t, err)
	assert.Equal(t, "B", d.SelectedProvider)
}

func TestPriority_TiesBreakByRegistrationOrder(t *testing.T) {
	fx := newFixture(t, flags.StrategyPriority, map[string]int{"x": 2, "y": 2, "z": 2}, "y", "z", "x")
	d, err := fx.selector.Select(newTask(task.Config{}))
	require.NoError(t, err)
	assert.Equal(t, "y", d.SelectedProvider)
}

func TestPriority_UpdateAppliesToNextSelection(t *testing.T) {
	fx := newFixture(t, flags.StrategyPriority, abc, "A", "B", "C")
	require.NoError(t, fx.registry.UpdatePriority("C", 9))

	d, err := fx.selector.Select(newTask(task.Config{}))
	require.NoError(t, err)
	assert.Equal(t, "C", d.SelectedProvider)
}

func TestRoundRobin_EachSelectedOncePerCycle(t *testing.T) {
	fx := newFixture(t, flags.StrategyRoundRobin, abc, "A", "B", "C")

	var got []string
	for i := 0; i < 6; i++ {
		d, err := fx.selector.Select(newTask(task.Config{}))
		require.NoError(t, err)
		got = append(got, d.SelectedProvider)
	}
	assert.Equal(t, []string{"A", "B", "C", "A", "B", "C"}, got)
}

func TestRoundRobin_FallbackDoesNotAdvanceCursor(t *testing.T) {
	fx := newFixture(t, flags.StrategyRoundRobin, abc, "A", "B", "C")
	tk := newTask(task.Config{})

	first, err := fx.selector.Select(tk)
	require.NoError(t, err)
	require.Equal(t, "A", first.SelectedProvider)

	next, err := fx.selector.Next(tk, first, []string{"A"})
	require.NoError(t, err)
	assert.Equal(t, "B", next.SelectedProvider)
	assert.Equal(t, []string{"B"}, next.FallbacksUsed)

	d, err := fx.selector.Select(newTask(task.Config{}))
	require.NoError(t, err)
	assert.Equal(t, "B", d.SelectedProvider, "the next task takes the next slot")
}

func TestWeightedRandom_ProportionalToPriority(t *testing.T) {
	fx := newFixture(t, flags.StrategyWeightedRandom, abc, "A", "B", "C")

	counts := map[string]int{}
	const trials = 900
	for i := 0; i < trials; i++ {
		d, err := fx.selector.Select(newTask(task.Config{}))
		require.NoError(t, err)
		counts[d.SelectedProvider]++
	}
	assert.Greater(t, counts["A"], counts["B"])
	assert.Greater(t, counts["B"], counts["C"])
	assert.InDelta(t, trials*5/9, counts["A"], 75)
	assert.InDelta(t, trials*1/9, counts["C"], 50)
}

func TestWeightedRandom_DeterministicWithSeed(t *testing.T) {
	run := func() []string {
		fx := newFixture(t, flags.StrategyWeightedRandom, abc, "A", "B", "C")
		var out []string
		for i := 0; i < 20; i++ {
			d, err := fx.selector.Select(newTask(task.Config{}))
			require.NoError(t, err)
			out = append(out, d.SelectedProvider)
		}
		return out
	}
	assert.Equal(t, run(), run())
}

func TestCostOptimized(t *testing.T) {
	f := flags.Defaults()
	f.Strategy = flags.StrategyCostOptimized
	store := flags.NewStore(f, flags.WithLogger(quiet()))
	reg := provider.NewRegistry(provider.WithLogger(quiet()))
	require.NoError(t, reg.Register("pricey", &pricedProvider{fakeProvider{name: "pricey", cost: 0.02}}, 9))
	require.NoError(t, reg.Register("cheap-low", &pricedProvider{fakeProvider{name: "cheap-low", cost: 0.001}}, 1))
	require.NoError(t, reg.Register("cheap-high", &pricedProvider{fakeProvider{name: "cheap-high", cost: 0.001}}, 4))
	require.NoError(t, reg.Register("unpriced", &fakeProvider{name: "unpriced"}, 10))
	sel := NewSelector(reg, breaker.NewBank(breaker.WithLogger(quiet())), store.Get, WithLogger(quiet()))

	d, err := sel.Select(newTask(task.Config{QualityHint: task.QualityLow}))
	require.NoError(t, err)
	assert.Equal(t, "cheap-high", d.SelectedProvider, "cost ties fall back to priority")
	assert.Contains(t, d.Reason, "low quality")
}

func TestStrategyReadPerDecision(t *testing.T) {
	fx := newFixture(t, flags.StrategyPriority, abc, "A", "B", "C")
	d, err := fx.selector.Select(newTask(task.Config{}))
	require.NoError(t, err)
	assert.Equal(t, flags.StrategyPriority, d.LoadBalancingStrategy)

	rr := flags.StrategyRoundRobin
	_, err = fx.flags.Apply(flags.Patch{Strategy: &rr})
	require.NoError(t, err)

	d, err = fx.selector.Select(newTask(task.Config{}))
	require.NoError(t, err)
	assert.Equal(t, flags.StrategyRoundRobin, d.LoadBalancingStrategy)
}

func TestPreferred(t *testing.T) {
	fx := newFixture(t, flags.StrategyPriority, abc, "A", "B", "C")

	d, err := fx.selector.Select(newTask(task.Config{PreferredProvider: "C", FallbackProviders: []string{"B"}}))
	require.NoError(t, err)
	assert.Equal(t, "C", d.SelectedProvider)
	assert.Equal(t, "preferred provider selected", d.Reason)
	assert.Equal(t, []string{"B"}, d.Alternatives)
}

func TestPreferredUnavailable_WalksFallbacks(t *testing.T) {
	fx := newFixture(t, flags.StrategyPriority, abc, "A", "B", "C")
	fx.open(t, "A")
	fx.disable(t, "B")

	d, err := fx.selector.Select(newTask(task.Config{PreferredProvider: "A", FallbackProviders: []string{"B", "C"}}))
	require.NoError(t, err)
	assert.Equal(t, "C", d.SelectedProvider)
	assert.Equal(t, []string{"C"}, d.FallbacksUsed)
	assert.Equal(t, []string{"A (circuit open)", "B (disabled)"}, d.Skipped)
}

func TestPreferredUnregistered_NeverDefaultsToStrategy(t *testing.T) {
	fx := newFixture(t, flags.StrategyPriority, abc, "A", "B", "C")

	_, err := fx.selector.Select(newTask(task.Config{PreferredProvider: "ghost"}))
	var pue *task.ProviderUnavailableError
	require.ErrorAs(t, err, &pue)
	assert.Contains(t, pue.Reason, "ghost (not registered)")
}

func TestNext_FallbackChain(t *testing.T) {
	fx := newFixture(t, flags.StrategyPriority, abc, "A", "B", "C")
	tk := newTask(task.Config{PreferredProvider: "A", FallbackProviders: []string{"B", "C"}})

	d, err := fx.selector.Select(tk)
	require.NoError(t, err)
	require.Equal(t, "A", d.SelectedProvider)

	d, err = fx.selector.Next(tk, d, []string{"A"})
	require.NoError(t, err)
	assert.Equal(t, "B", d.SelectedProvider)

	d, err = fx.selector.Next(tk, d, []string{"A", "B"})
	require.NoError(t, err)
	assert.Equal(t, "C", d.SelectedProvider)
	assert.Equal(t, []string{"B", "C"}, d.FallbacksUsed)

	_, err = fx.selector.Next(tk, d, []string{"A", "B", "C"})
	var pue *task.ProviderUnavailableError
	require.ErrorAs(t, err, &pue)
	assert.Equal(t, []string{"A", "B", "C"}, pue.Attempted)
}

func TestNext_RecoveredPreferredKeepsFallbacks(t *testing.T) {
	fx := newFixture(t, flags.StrategyPriority, abc, "A", "B", "C")
	fx.disable(t, "A")
	tk := newTask(task.Config{PreferredProvider: "A", FallbackProviders: []string{"B", "C"}})

	d, err := fx.selector.Select(tk)
	require.NoError(t, err)
	require.Equal(t, "B", d.SelectedProvider)

	// A becomes selectable again while B is running.
	_, err = fx.flags.Apply(flags.Patch{Providers: map[string]bool{"A": true}})
	require.NoError(t, err)

	d, err = fx.selector.Next(tk, d, []string{"B"})
	require.NoError(t, err)
	assert.Equal(t, "C", d.SelectedProvider)
	assert.Equal(t, []string{"B", "C"}, d.FallbacksUsed)
	assert.NotContains(t, d.Alternatives, "A")

	_, err = fx.selector.Next(tk, d, []string{"B", "C"})
	var pue *task.ProviderUnavailableError
	require.ErrorAs(t, err, &pue)
	assert.Equal(t, []string{"B", "C"}, pue.Attempted)
}

func TestNext_NoPreferenceUsesRemainingProviders(t *testing.T) {
	fx := newFixture(t, flags.StrategyPriority, abc, "A", "B", "C")
	tk := newTask(task.Config{})

	d, err := fx.selector.Select(tk)
	require.NoError(t, err)
	d, err = fx.selector.Next(tk, d, []string{"A"})
	require.NoError(t, err)
	assert.Equal(t, "B", d.SelectedProvider)
	assert.Equal(t, []string{"B"}, d.FallbacksUsed)
	assert.Equal(t, []string{"C"}, d.Alternatives)
}

func TestNothingEligible(t *testing.T) {
	fx := newFixture(t, flags.StrategyPriority, abc, "A", "B")
	fx.open(t, "A")
	fx.disable(t, "B")

	// The sole remaining option is circuit-open: surface the breaker error.
	_, err := fx.selector.Select(newTask(task.Config{}))
	var open *task.CircuitBreakerOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, "A", open.Provider)

	fx.disable(t, "A")
	_, err = fx.selector.Select(newTask(task.Config{}))
	var pue *task.ProviderUnavailableError
	require.ErrorAs(t, err, &pue)

	empty := newFixture(t, flags.StrategyRoundRobin, nil)
	_, err = empty.selector.Select(newTask(task.Config{}))
	require.ErrorAs(t, err, &pue)
}

func TestHalfOpenProviderIsEligible(t *testing.T) {
	fx := newFixture(t, flags.StrategyPriority, abc, "A", "B")
	fx.bank = breaker.NewBank(breaker.WithLogger(quiet()), breaker.WithTimeout(0))
	fx.selector = NewSelector(fx.registry, fx.bank, fx.flags.Get, WithLogger(quiet()))
	fx.open(t, "A")

	d, err := fx.selector.Select(newTask(task.Config{}))
	require.NoError(t, err)
	assert.Equal(t, "A", d.SelectedProvider, "an elapsed OPEN breaker admits a probe")
}
