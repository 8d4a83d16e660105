// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package flags holds runtime-tunable dispatch parameters. Every routing and
// execution decision reads the current snapshot, so updates apply to the
// next decision without a restart.
package flags

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Load-balancing strategies understood by the selector.
const (
	StrategyPriority       = "priority"
	StrategyRoundRobin     = "round_robin"
	StrategyWeightedRandom = "weighted_random"
	StrategyCostOptimized  = "cost_optimized"
)

// ValidStrategy checks a strategy name.
func ValidStrategy(s string) bool {
	switch s {
	case StrategyPriority, StrategyRoundRobin, StrategyWeightedRandom, StrategyCostOptimized:
		return true
	}
	return false
}

// Flags is an immutable snapshot. Callers must not modify a snapshot returned
// by Store.Get.
type Flags struct {
	Strategy                string          `yaml:"strategy" json:"strategy"`
	CircuitBreakerTimeoutMs int             `yaml:"circuit_breaker_timeout_ms" json:"circuitBreakerTimeoutMs"`
	ConcurrencyLimit        int             `yaml:"concurrency_limit" json:"concurrencyLimit"`
	CacheEnabled            bool            `yaml:"cache_enabled" json:"cacheEnabled"`
	CacheTTLSeconds         int             `yaml:"cache_ttl_seconds" json:"cacheTtlSeconds"`
	Providers               map[string]bool `yaml:"providers" json:"providers"`
}

// Defaults returns the built-in flag values.
func Defaults() Flags {
	return Flags{
		Strategy:                StrategyPriority,
		CircuitBreakerTimeoutMs: 60000,
		ConcurrencyLimit:        10,
		CacheEnabled:            true,
		CacheTTLSeconds:         300,
		Providers:               map[string]bool{},
	}
}

// BreakerTimeout returns how long a breaker stays OPEN before probing.
func (f *Flags) BreakerTimeout() time.Duration {
	return time.Duration(f.CircuitBreakerTimeoutMs) * time.Millisecond
}

// CacheTTL returns how long cached results stay fresh.
func (f *Flags) CacheTTL() time.Duration {
	return time.Duration(f.CacheTTLSeconds) * time.Second
}

// ProviderEnabled reports the enable switch for a provider. Providers with no
// explicit switch are enabled.
func (f *Flags) ProviderEnabled(name string) bool {
	enabled, ok := f.Providers[name]
	return !ok || enabled
}

// Validate rejects values the dispatcher cannot act on.
func (f *Flags) Validate() error {
	if !ValidStrategy(f.Strategy) {
		return fmt.Errorf("unknown strategy %q", f.Strategy)
	}
	if f.CircuitBreakerTimeoutMs <= 0 {
		return fmt.Errorf("circuit_breaker_timeout_ms must be positive, got %d", f.CircuitBreakerTimeoutMs)
	}
	if f.ConcurrencyLimit <= 0 {
		return fmt.Errorf("concurrency_limit must be positive, got %d", f.ConcurrencyLimit)
	}
	if f.CacheTTLSeconds < 0 {
		return fmt.Errorf("cache_ttl_seconds must not be negative, got %d", f.CacheTTLSeconds)
	}
	return nil
}

func (f Flags) clone() Flags {
	providers := make(map[string]bool, len(f.Providers))
	for k, v := range f.Providers {
		providers[k] = v
	}
	f.Providers = providers
	return f
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Strategy                *string         `json:"strategy,omitempty"`
	CircuitBreakerTimeoutMs *int            `json:"circuitBreakerTimeoutMs,omitempty"`
	ConcurrencyLimit        *int            `json:"concurrencyLimit,omitempty"`
	CacheEnabled            *bool           `json:"cacheEnabled,omitempty"`
	CacheTTLSeconds         *int            `json:"cacheTtlSeconds,omitempty"`
	Providers               map[string]bool `json:"providers,omitempty"`
}

func (p Patch) apply(f *Flags) {
	if p.Strategy != nil {
		f.Strategy = *p.Strategy
	}
	if p.CircuitBreakerTimeoutMs != nil {
		f.CircuitBreakerTimeoutMs = *p.CircuitBreakerTimeoutMs
	}
	if p.ConcurrencyLimit != nil {
		f.ConcurrencyLimit = *p.ConcurrencyLimit
	}
	if p.CacheEnabled != nil {
		f.CacheEnabled = *p.CacheEnabled
	}
	if p.CacheTTLSeconds != nil {
		f.CacheTTLSeconds = *p.CacheTTLSeconds
	}
	for name, enabled := range p.Providers {
		f.Providers[name] = enabled
	}
}

// Store publishes flag snapshots atomically.
type Store struct {
	current atomic.Pointer[Flags]
	logger  *log.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's diagnostic logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a store holding initial. Invalid initial values are
// replaced by defaults field by field.
func NewStore(initial Flags, opts ...Option) *Store {
	s := &Store{
		logger: log.New(os.Stdout, "[FLAGS] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}
	f := initial.clone()
	fillDefaults(&f)
	s.current.Store(&f)
	return s
}

func fillDefaults(f *Flags) {
	d := Defaults()
	if !ValidStrategy(f.Strategy) {
		f.Strategy = d.Strategy
	}
	if f.CircuitBreakerTimeoutMs <= 0 {
		f.CircuitBreakerTimeoutMs = d.CircuitBreakerTimeoutMs
	}
	if f.ConcurrencyLimit <= 0 {
		f.ConcurrencyLimit = d.ConcurrencyLimit
	}
	if f.CacheTTLSeconds < 0 {
		f.CacheTTLSeconds = d.CacheTTLSeconds
	}
}

// Get returns the current snapshot.
func (s *Store) Get() *Flags {
	return s.current.Load()
}

// Set replaces the snapshot after validating it.
func (s *Store) Set(f Flags) error {
	f = f.clone()
	if err := f.Validate(); err != nil {
		return err
	}
	s.current.Store(&f)
	return nil
}

// Apply merges a patch into the current snapshot and publishes the result.
func (s *Store) Apply(p Patch) (*Flags, error) {
	for {
		old := s.current.Load()
		next := old.clone()
		p.apply(&next)
		if err := next.Validate(); err != nil {
			return nil, err
		}
		if s.current.CompareAndSwap(old, &next) {
			return &next, nil
		}
	}
}

// LoadFile reads flags from a YAML file, starting from defaults.
func LoadFile(path string) (Flags, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Flags{}, fmt.Errorf("failed to read flags file %s: %w", path, err)
	}
	f := Defaults()
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Flags{}, fmt.Errorf("failed to parse flags file %s: %w", path, err)
	}
	if f.Providers == nil {
		f.Providers = map[string]bool{}
	}
	return f, nil
}

// ReloadFromFile replaces the snapshot with the file's contents.
func (s *Store) ReloadFromFile(path string) error {
	f, err := LoadFile(path)
	if err != nil {
		return err
	}
	if err := s.Set(f); err != nil {
		return fmt.Errorf("invalid flags in %s: %w", path, err)
	}
	return nil
}

// StartPeriodicReload re-reads path on every tick until ctx is done. A bad
// file keeps the previous snapshot.
func (s *Store) StartPeriodicReload(ctx context.Context, path string, interval time.Duration) {
	if path == "" {
		s.logger.Println("Flags file not configured - skipping periodic reload")
		return
	}
	s.logger.Printf("Starting periodic flags reload from %s (every %v)", path, interval)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Println("Stopping periodic flags reload")
				return
			case <-ticker.C:
				if err := s.ReloadFromFile(path); err != nil {
					s.logger.Printf("Periodic flags reload failed: %v", err)
				}
			}
		}
	}()
}
