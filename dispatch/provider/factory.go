// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Factory creates a Provider from configuration. Factories should validate
// the config and return an error if it is unusable.
type Factory func(cfg Config) (Provider, error)

// FactoryManager maps provider types to factories.
type FactoryManager struct {
	factories map[Type]Factory
	mu        sync.RWMutex
}

// NewFactoryManager creates an empty factory manager.
func NewFactoryManager() *FactoryManager {
	return &FactoryManager{factories: make(map[Type]Factory)}
}

// Register sets the factory for a provider type, overwriting any previous one.
func (fm *FactoryManager) Register(t Type, f Factory) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.factories[t] = f
}

// Types returns the registered provider types, sorted.
func (fm *FactoryManager) Types() []Type {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	types := make([]Type, 0, len(fm.factories))
	for t := range fm.factories {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Create builds a provider from cfg.
func (fm *FactoryManager) Create(cfg Config) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &RegistryError{
			ProviderName: cfg.Name,
			Code:         ErrRegistryInvalidConfig,
			Message:      err.Error(),
			Cause:        err,
		}
	}

	fm.mu.RLock()
	f, ok := fm.factories[cfg.Type]
	fm.mu.RUnlock()
	if !ok {
		return nil, &RegistryError{
			ProviderName: cfg.Name,
			Code:         ErrRegistryInvalidConfig,
			Message:      fmt.Sprintf("no factory registered for provider type %q (supported: %v)", cfg.Type, fm.Types()),
		}
	}

	p, err := f(cfg)
	if err != nil {
		return nil, &RegistryError{
			ProviderName: cfg.Name,
			Code:         ErrRegistryCreationFailed,
			Message:      fmt.Sprintf("failed to create provider: %v", err),
			Cause:        err,
		}
	}
	return p, nil
}

// LoadInto builds every config and registers the result. It stops at the
// first error.
func (fm *FactoryManager) LoadInto(r *Registry, configs []Config) error {
	for _, cfg := range configs {
		p, err := fm.Create(cfg)
		if err != nil {
			return err
		}
		if err := r.Register(cfg.Name, p, cfg.Priority); err != nil {
			_ = p.Dispose()
			return err
		}
	}
	return nil
}
