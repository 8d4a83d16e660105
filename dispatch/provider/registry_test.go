// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package provider

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/taskdispatch/dispatch/task"
)

type stubProvider struct {
	name      string
	healthErr error
	disposed  atomic.Int32
	delay     time.Duration
}

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) Type() Type   { return TypeNoop }
func (s *stubProvider) Run(context.Context, *task.Task) (*task.Output, error) {
	return &task.Output{Data: s.name}, nil
}
func (s *stubProvider) HealthCheck(context.Context) error {
	time.Sleep(s.delay)
	return s.healthErr
}
func (s *stubProvider) Dispose() error {
	s.disposed.Add(1)
	return nil
}

func newTestRegistry(opts ...RegistryOption) *Registry {
	return NewRegistry(append([]RegistryOption{WithLogger(log.New(&bytes.Buffer{}, "", 0))}, opts...)...)
}

func names(infos []Info) []string {
	out := make([]string, len(infos))
	for i, info := range infos {
		out[i] = info.Name
	}
	return out
}

func TestRegister_Duplicate(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Register("a", &stubProvider{name: "a"}, 5))

	err := r.Register("a", &stubProvider{name: "a"}, 3)
	var re *RegistryError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrRegistryDuplicate, re.Code)

	info, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, 5, info.Priority)
}

func TestRegister_Invalid(t *testing.T) {
	r := newTestRegistry()
	assert.Error(t, r.Register("", &stubProvider{}, 1))
	assert.Error(t, r.Register("a", nil, 1))
	assert.Error(t, r.Register("a", &stubProvider{}, -1))
	assert.Equal(t, 0, r.Count())
}

func TestRegister_ReplaceKeepsOrderAndDisposesOld(t *testing.T) {
	r := newTestRegistry()
	oldA := &stubProvider{name: "a"}
	require.NoError(t, r.Register("a", oldA, 1))
	require.NoError(t, r.Register("b", &stubProvider{name: "b"}, 1))

	newA := &stubProvider{name: "a"}
	require.NoError(t, r.Register("a", newA, 9, WithReplace()))

	assert.Equal(t, []string{"a", "b"}, names(r.List()))
	info, _ := r.Get("a")
	assert.Equal(t, 9, info.Priority)
	assert.Same(t, newA, info.Provider)
	assert.Equal(t, int32(1), oldA.disposed.Load())
}

func TestUnregister(t *testing.T) {
	r := newTestRegistry()
	p := &stubProvider{name: "a"}
	require.NoError(t, r.Register("a", p, 1))

	require.NoError(t, r.Unregister("a"))
	_, ok := r.Get("a")
	assert.False(t, ok)
	assert.Equal(t, int32(1), p.disposed.Load())

	err := r.Unregister("a")
	assert.True(t, IsNotFound(err))
}

func TestUnregister_DefersDisposeUntilLeaseReleased(t *testing.T) {
	r := newTestRegistry()
	p := &stubProvider{name: "a"}
	require.NoError(t, r.Register("a", p, 1))

	lease, err := r.Acquire("a")
	require.NoError(t, err)

	require.NoError(t, r.Unregister("a"))
	assert.Equal(t, int32(0), p.disposed.Load(), "in-flight execution keeps the provider alive")

	out, err := lease.Provider.Run(context.Background(), task.New(task.TypeSummarization, "x", task.Config{}, nil))
	require.NoError(t, err)
	assert.Equal(t, "a", out.Data)

	lease.Release()
	lease.Release()
	assert.Equal(t, int32(1), p.disposed.Load())
}

func TestAcquire_NotFound(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Acquire("ghost")
	assert.True(t, IsNotFound(err))
}

func TestUpdatePriority(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Register("a", &stubProvider{name: "a"}, 1))

	require.NoError(t, r.UpdatePriority("a", 7))
	info, _ := r.Get("a")
	assert.Equal(t, 7, info.Priority)

	assert.True(t, IsNotFound(r.UpdatePriority("ghost", 1)))
	assert.Error(t, r.UpdatePriority("a", -2))
}

func TestAvailable_ExcludesDisabled(t *testing.T) {
	disabled := map[string]bool{"b": true, "d": true}
	r := newTestRegistry(WithEnabledFunc(func(name string) bool { return !disabled[name] }))

	// Disabled providers are excluded no matter where they sit in registration order.
	for _, name := range []string{"b", "a", "d", "c"} {
		require.NoError(t, r.Register(name, &stubProvider{name: name}, 1))
	}

	assert.ElementsMatch(t, []string{"a", "c"}, names(r.Available()))
	assert.Len(t, r.List(), 4)

	delete(disabled, "d")
	assert.ElementsMatch(t, []string{"a", "c", "d"}, names(r.Available()))
}

func TestHealthCheck_Parallel(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Register("up", &stubProvider{name: "up", delay: 50 * time.Millisecond}, 1))
	require.NoError(t, r.Register("down", &stubProvider{name: "down", delay: 50 * time.Millisecond, healthErr: errors.New("refused")}, 1))

	start := time.Now()
	results := r.HealthCheck(context.Background())
	assert.Less(t, time.Since(start), 95*time.Millisecond)

	require.Len(t, results, 2)
	assert.True(t, results["up"].Healthy)
	assert.False(t, results["down"].Healthy)
	assert.Equal(t, "refused", results["down"].Message)
	assert.Equal(t, results, r.HealthResults())
}

func TestClose(t *testing.T) {
	r := newTestRegistry()
	idle := &stubProvider{name: "idle"}
	busy := &stubProvider{name: "busy"}
	require.NoError(t, r.Register("idle", idle, 1))
	require.NoError(t, r.Register("busy", busy, 1))
	lease, err := r.Acquire("busy")
	require.NoError(t, err)

	require.NoError(t, r.Close())
	assert.Equal(t, int32(1), idle.disposed.Load())
	assert.Equal(t, int32(0), busy.disposed.Load())
	assert.Equal(t, 0, r.Count())

	lease.Release()
	assert.Equal(t, int32(1), busy.disposed.Load())

	assert.Error(t, r.Register("late", &stubProvider{}, 1))
}

func TestFactoryManager(t *testing.T) {
	fm := NewFactoryManager()
	fm.Register(TypeNoop, func(cfg Config) (Provider, error) {
		if cfg.Options["fail"] == "true" {
			return nil, errors.New("bad options")
		}
		return &stubProvider{name: cfg.Name}, nil
	})
	assert.Equal(t, []Type{TypeNoop}, fm.Types())

	r := newTestRegistry()
	require.NoError(t, fm.LoadInto(r, []Config{
		{Name: "first", Type: TypeNoop, Priority: 3},
		{Name: "second", Type: TypeNoop, Priority: 1},
	}))
	assert.Equal(t, []string{"first", "second"}, names(r.List()))

	_, err := fm.Create(Config{Name: "x", Type: TypeOllama})
	var re *RegistryError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrRegistryInvalidConfig, re.Code)
	assert.Contains(t, re.Message, `supported: [noop]`)

	_, err = fm.Create(Config{Name: "x", Type: TypeNoop, Options: map[string]string{"fail": "true"}})
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrRegistryCreationFailed, re.Code)

	_, err = fm.Create(Config{Type: TypeNoop})
	require.Error(t, err)
}

func TestPricing(t *testing.T) {
	p, ok := LookupPricing("claude-3-5-haiku-20241022")
	require.True(t, ok)
	assert.Equal(t, Pricing{800, 4000}, p)

	_, ok = LookupPricing("unknown-model")
	assert.False(t, ok)

	assert.InDelta(t, 0.0048, Pricing{800, 4000}.CalculateCost(1000, 1000), 1e-9)

	tokens := 100
	tk := task.New(task.TypeSummarization, "short", task.Config{MaxTokens: &tokens}, nil)
	_, out := EstimateTokens(tk)
	assert.Equal(t, 100, out)

	cheap := EstimateCost("claude-3-haiku-20240307", tk)
	pricey := EstimateCost("claude-3-opus-20240229", tk)
	assert.Less(t, cheap, pricey)
}
