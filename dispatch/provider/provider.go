// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package provider

import (
	"context"
	"fmt"
	"time"

	"axonflow/taskdispatch/dispatch/task"
)

// Type identifies a provider implementation.
type Type string

const (
	TypeNoop      Type = "noop"
	TypeOllama    Type = "ollama"
	TypeAnthropic Type = "anthropic"
	TypeBedrock   Type = "bedrock"
)

// Provider is the capability set every backend implements. Run must honor
// ctx cancellation where it can; the executor stops waiting at the deadline
// either way.
type Provider interface {
	// Name returns the registration name of this provider instance.
	Name() string

	// Type returns the implementation type.
	Type() Type

	// Run executes one task and returns its output.
	Run(ctx context.Context, t *task.Task) (*task.Output, error)

	// HealthCheck returns nil if the backend is reachable and serving.
	HealthCheck(ctx context.Context) error

	// Dispose releases resources. It is called once, after the last
	// in-flight execution bound to the provider has finished.
	Dispose() error
}

// CostEstimator is implemented by providers that can price a task before
// running it. Costs are in USD.
type CostEstimator interface {
	EstimateCost(t *task.Task) float64
}

// Config describes a provider to build through a Factory.
type Config struct {
	Name           string            `yaml:"name" json:"name"`
	Type           Type              `yaml:"type" json:"type"`
	Priority       int               `yaml:"priority" json:"priority"`
	Enabled        *bool             `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Endpoint       string            `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Model          string            `yaml:"model,omitempty" json:"model,omitempty"`
	Region         string            `yaml:"region,omitempty" json:"region,omitempty"`
	APIKey         string            `yaml:"api_key,omitempty" json:"-"`
	TimeoutSeconds int               `yaml:"timeout_seconds,omitempty" json:"timeoutSeconds,omitempty"`
	Options        map[string]string `yaml:"options,omitempty" json:"options,omitempty"`
}

// IsEnabled reports the configured enable switch, defaulting to true.
func (c Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Timeout returns the configured HTTP timeout or def.
func (c Config) Timeout(def time.Duration) time.Duration {
	if c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return def
}

// Validate checks fields common to every provider type.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if c.Type == "" {
		return fmt.Errorf("provider %q: type is required", c.Name)
	}
	if c.Priority < 0 {
		return fmt.Errorf("provider %q: priority must not be negative", c.Name)
	}
	return nil
}
