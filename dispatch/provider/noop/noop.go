// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package noop provides a provider that answers every task locally without
// calling a model. It is used for smoke tests and local development.
package noop

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"axonflow/taskdispatch/dispatch/provider"
	"axonflow/taskdispatch/dispatch/task"
)

// Provider echoes tasks back with a canned, type-shaped answer.
type Provider struct {
	name       string
	latency    time.Duration
	failStatus int
	calls      atomic.Int64
}

// Option configures a Provider.
type Option func(*Provider)

// WithLatency delays every run.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) {
		p.latency = d
	}
}

// WithFailure makes every run fail with the given upstream status code.
func WithFailure(status int) Option {
	return func(p *Provider) {
		p.failStatus = status
	}
}

// New creates a noop provider.
func New(name string, opts ...Option) *Provider {
	p := &Provider{name: name}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Factory builds a noop provider. Options latency_ms and fail_status map to
// WithLatency and WithFailure.
func Factory(cfg provider.Config) (provider.Provider, error) {
	var opts []Option
	if v, ok := cfg.Options["latency_ms"]; ok {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("invalid latency_ms %q", v)
		}
		opts = append(opts, WithLatency(time.Duration(ms)*time.Millisecond))
	}
	if v, ok := cfg.Options["fail_status"]; ok {
		status, err := strconv.Atoi(v)
		if err != nil || status < 400 || status > 599 {
			return nil, fmt.Errorf("invalid fail_status %q", v)
		}
		opts = append(opts, WithFailure(status))
	}
	return New(cfg.Name, opts...), nil
}

func (p *Provider) Name() string        { return p.name }
func (p *Provider) Type() provider.Type { return provider.TypeNoop }

// Calls returns how many times Run was invoked.
func (p *Provider) Calls() int64 { return p.calls.Load() }

// Run returns a canned answer for the task type.
func (p *Provider) Run(ctx context.Context, t *task.Task) (*task.Output, error) {
	p.calls.Add(1)
	if p.latency > 0 {
		timer := time.NewTimer(p.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if p.failStatus != 0 {
		return nil, task.NewProviderError(p.name, p.failStatus, "configured failure")
	}
	return &task.Output{
		Data:       answer(t),
		Model:      "noop",
		TokensUsed: len(t.InputText()) / 4,
	}, nil
}

func answer(t *task.Task) map[string]any {
	out := map[string]any{"type": string(t.Type)}
	switch t.Type {
	case task.TypeSentimentAnalysis:
		out["sentiment"] = "neutral"
		out["confidence"] = 0.5
	case task.TypeEntityExtraction:
		out["entities"] = []any{}
	case task.TypeClassification:
		out["category"] = "uncategorized"
	case task.TypeSummarization:
		out["summary"] = truncate(t.InputText(), summaryRunes)
	default:
		out["echo"] = t.Input
	}
	return out
}

const summaryRunes = 120

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// HealthCheck always succeeds.
func (p *Provider) HealthCheck(context.Context) error { return nil }

// Dispose is a no-op.
func (p *Provider) Dispose() error { return nil }

// EstimateCost is always zero.
func (p *Provider) EstimateCost(*task.Task) float64 { return 0 }
