// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package provider

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Registry holds the providers available for selection. It is safe for
// concurrent use.
//
// Removing or replacing a provider never interrupts executions that already
// hold a lease on it: the old instance is disposed when its last lease is
// released.
type Registry struct {
	entries map[string]*entry
	seq     uint64
	closed  bool
	enabled func(name string) bool
	logger  *log.Logger
	mu      sync.RWMutex

	healthResults map[string]*HealthResult
	healthMu      sync.RWMutex
}

type entry struct {
	name         string
	provider     Provider
	priority     int
	seq          uint64
	registeredAt time.Time

	leases   int
	retired  bool
	disposed bool
}

// Info is a read-only view of a registration.
type Info struct {
	Name         string    `json:"name"`
	Type         Type      `json:"type"`
	Priority     int       `json:"priority"`
	Enabled      bool      `json:"enabled"`
	Seq          uint64    `json:"registrationOrder"`
	RegisteredAt time.Time `json:"registeredAt"`
	Provider     Provider  `json:"-"`
}

// HealthResult is the outcome of one provider health check.
type HealthResult struct {
	Healthy     bool          `json:"healthy"`
	Message     string        `json:"message,omitempty"`
	Latency     time.Duration `json:"latencyNs"`
	LastChecked time.Time     `json:"lastChecked"`
}

// RegistryOption configures the registry during creation.
type RegistryOption func(*Registry)

// WithLogger sets a custom logger for the registry.
func WithLogger(logger *log.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithEnabledFunc sets the enable switch consulted by Available. The
// function is called on every lookup so flag changes apply immediately.
func WithEnabledFunc(fn func(name string) bool) RegistryOption {
	return func(r *Registry) {
		r.enabled = fn
	}
}

// NewRegistry creates an empty provider registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries:       make(map[string]*entry),
		enabled:       func(string) bool { return true },
		healthResults: make(map[string]*HealthResult),
		logger:        log.New(os.Stdout, "[PROVIDER_REGISTRY] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type registerOptions struct {
	replace bool
}

// RegisterOption modifies a single Register call.
type RegisterOption func(*registerOptions)

// WithReplace allows Register to replace an existing provider of the same
// name. The replacement keeps the original registration order.
func WithReplace() RegisterOption {
	return func(o *registerOptions) {
		o.replace = true
	}
}

// Register adds a provider under name. It fails if the name is taken unless
// WithReplace is given.
func (r *Registry) Register(name string, p Provider, priority int, opts ...RegisterOption) error {
	if p == nil {
		return &RegistryError{ProviderName: name, Code: ErrRegistryInvalidConfig, Message: "provider cannot be nil"}
	}
	if name == "" {
		return &RegistryError{Code: ErrRegistryInvalidConfig, Message: "provider name is required"}
	}
	if priority < 0 {
		return &RegistryError{ProviderName: name, Code: ErrRegistryInvalidConfig, Message: "priority must not be negative"}
	}
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return &RegistryError{ProviderName: name, Code: ErrRegistryClosed, Message: "registry is closed"}
	}
	old, exists := r.entries[name]
	if exists && !o.replace {
		r.mu.Unlock()
		return &RegistryError{
			ProviderName: name,
			Code:         ErrRegistryDuplicate,
			Message:      fmt.Sprintf("provider %q already registered", name),
		}
	}

	e := &entry{
		name:         name,
		provider:     p,
		priority:     priority,
		registeredAt: time.Now(),
	}
	if exists {
		e.seq = old.seq
	} else {
		r.seq++
		e.seq = r.seq
	}
	r.entries[name] = e
	var dispose Provider
	if exists {
		dispose = r.retireLocked(old)
	}
	r.mu.Unlock()

	if exists {
		r.logger.Printf("Replaced provider: %s (type: %s, priority: %d)", name, p.Type(), priority)
	} else {
		r.logger.Printf("Registered provider: %s (type: %s, priority: %d)", name, p.Type(), priority)
	}
	r.dispose(name, dispose)
	return nil
}

// retireLocked marks e as removed and returns its provider if it should be
// disposed now.
func (r *Registry) retireLocked(e *entry) Provider {
	e.retired = true
	if e.leases == 0 && !e.disposed {
		e.disposed = true
		return e.provider
	}
	return nil
}

func (r *Registry) dispose(name string, p Provider) {
	if p == nil {
		return
	}
	if err := p.Dispose(); err != nil {
		r.logger.Printf("Warning: failed to dispose provider %s: %v", name, err)
	}
}

// Unregister removes a provider from selection. Breaker state is kept by the
// breaker bank; executions holding a lease run to completion.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	e, exists := r.entries[name]
	if !exists {
		r.mu.Unlock()
		return &RegistryError{
			ProviderName: name,
			Code:         ErrRegistryNotFound,
			Message:      fmt.Sprintf("provider %q not found", name),
		}
	}
	delete(r.entries, name)
	dispose := r.retireLocked(e)
	r.mu.Unlock()

	r.healthMu.Lock()
	delete(r.healthResults, name)
	r.healthMu.Unlock()

	r.logger.Printf("Unregistered provider: %s", name)
	r.dispose(name, dispose)
	return nil
}

// UpdatePriority changes a provider's priority for subsequent selections.
func (r *Registry) UpdatePriority(name string, priority int) error {
	if priority < 0 {
		return &RegistryError{ProviderName: name, Code: ErrRegistryInvalidConfig, Message: "priority must not be negative"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[name]
	if !exists {
		return &RegistryError{
			ProviderName: name,
			Code:         ErrRegistryNotFound,
			Message:      fmt.Sprintf("provider %q not found", name),
		}
	}
	e.priority = priority
	r.logger.Printf("Updated priority for %s: %d", name, priority)
	return nil
}

func (r *Registry) infoLocked(e *entry) Info {
	return Info{
		Name:         e.name,
		Type:         e.provider.Type(),
		Priority:     e.priority,
		Enabled:      r.enabled(e.name),
		Seq:          e.seq,
		RegisteredAt: e.registeredAt,
		Provider:     e.provider,
	}
}

// Get returns a provider's registration.
func (r *Registry) Get(name string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Info{}, false
	}
	return r.infoLocked(e), true
}

// List returns every registration in registration order.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, r.infoLocked(e))
	}
	sortBySeq(out)
	return out
}

// Available returns registered providers whose enable switch is on.
// Callers must not rely on the order.
func (r *Registry) Available() []Info {
	all := r.List()
	out := all[:0]
	for _, info := range all {
		if info.Enabled {
			out = append(out, info)
		}
	}
	return out
}

// Count returns the number of registered providers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func sortBySeq(infos []Info) {
	sort.Slice(infos, func(i, j int) bool { return infos[i].Seq < infos[j].Seq })
}

// Lease binds an execution to a provider instance. The instance is not
// disposed while any lease on it is outstanding.
type Lease struct {
	Provider Provider
	Name     string

	r    *Registry
	e    *entry
	once sync.Once
}

// Acquire leases the provider currently registered under name.
func (r *Registry) Acquire(name string) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, &RegistryError{
			ProviderName: name,
			Code:         ErrRegistryNotFound,
			Message:      fmt.Sprintf("provider %q not found", name),
		}
	}
	e.leases++
	return &Lease{Provider: e.provider, Name: name, r: r, e: e}, nil
}

// Release returns the lease. Calling it more than once has no effect.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.r.mu.Lock()
		l.e.leases--
		var dispose Provider
		if l.e.retired && l.e.leases == 0 && !l.e.disposed {
			l.e.disposed = true
			dispose = l.e.provider
		}
		l.r.mu.Unlock()
		l.r.dispose(l.Name, dispose)
	})
}

// HealthCheck runs every provider's health check in parallel.
func (r *Registry) HealthCheck(ctx context.Context) map[string]*HealthResult {
	infos := r.List()
	results := make([]*HealthResult, len(infos))

	g, gctx := errgroup.WithContext(ctx)
	for i, info := range infos {
		i, p := i, info.Provider
		g.Go(func() error {
			results[i] = checkOne(gctx, p)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]*HealthResult, len(infos))
	r.healthMu.Lock()
	for i, info := range infos {
		out[info.Name] = results[i]
		r.healthResults[info.Name] = results[i]
	}
	r.healthMu.Unlock()
	return out
}

func checkOne(ctx context.Context, p Provider) (res *HealthResult) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			res = &HealthResult{
				Message:     fmt.Sprintf("health check panicked: %v", rec),
				Latency:     time.Since(start),
				LastChecked: time.Now(),
			}
		}
	}()
	if err := p.HealthCheck(ctx); err != nil {
		return &HealthResult{Message: err.Error(), Latency: time.Since(start), LastChecked: time.Now()}
	}
	return &HealthResult{Healthy: true, Latency: time.Since(start), LastChecked: time.Now()}
}

// HealthResults returns the cached results of the last health check.
func (r *Registry) HealthResults() map[string]*HealthResult {
	r.healthMu.RLock()
	defer r.healthMu.RUnlock()
	out := make(map[string]*HealthResult, len(r.healthResults))
	for k, v := range r.healthResults {
		out[k] = v
	}
	return out
}

// StartPeriodicHealthCheck checks providers on every tick until ctx is done.
func (r *Registry) StartPeriodicHealthCheck(ctx context.Context, interval time.Duration) {
	r.logger.Printf("Starting periodic health check (every %v)", interval)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.logger.Println("Stopping periodic health check")
				return
			case <-ticker.C:
				results := r.HealthCheck(ctx)
				unhealthy := 0
				for _, res := range results {
					if !res.Healthy {
						unhealthy++
					}
				}
				if unhealthy > 0 {
					r.logger.Printf("Health check: %d healthy, %d unhealthy", len(results)-unhealthy, unhealthy)
				}
			}
		}
	}()
}

// Close removes every provider. Providers without outstanding leases are
// disposed immediately; the rest when their last lease is released.
func (r *Registry) Close() error {
	r.logger.Println("Closing registry...")

	r.mu.Lock()
	r.closed = true
	var toDispose []*entry
	for name, e := range r.entries {
		if p := r.retireLocked(e); p != nil {
			toDispose = append(toDispose, e)
		}
		delete(r.entries, name)
	}
	r.mu.Unlock()

	for _, e := range toDispose {
		r.dispose(e.name, e.provider)
	}

	r.healthMu.Lock()
	r.healthResults = make(map[string]*HealthResult)
	r.healthMu.Unlock()

	r.logger.Println("Registry closed")
	return nil
}
