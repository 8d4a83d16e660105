// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package dispatch

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"axonflow/taskdispatch/dispatch/audit"
	"axonflow/taskdispatch/dispatch/breaker"
	"axonflow/taskdispatch/dispatch/cache"
	"axonflow/taskdispatch/dispatch/config"
	"axonflow/taskdispatch/dispatch/executor"
	"axonflow/taskdispatch/dispatch/flags"
	"axonflow/taskdispatch/dispatch/metrics"
	"axonflow/taskdispatch/dispatch/provider"
	"axonflow/taskdispatch/dispatch/provider/anthropic"
	"axonflow/taskdispatch/dispatch/provider/bedrock"
	"axonflow/taskdispatch/dispatch/provider/noop"
	"axonflow/taskdispatch/dispatch/provider/ollama"
	"axonflow/taskdispatch/dispatch/ratelimit"
	"axonflow/taskdispatch/dispatch/routing"

	"github.com/go-redis/redis/v8"
)

const defaultAuditFlushInterval = time.Second

// DefaultFactories knows every built-in provider type.
func DefaultFactories() *provider.FactoryManager {
	fm := provider.NewFactoryManager()
	fm.Register(provider.TypeNoop, noop.Factory)
	fm.Register(provider.TypeOllama, ollama.Factory)
	fm.Register(provider.TypeAnthropic, anthropic.Factory)
	fm.Register(provider.TypeBedrock, bedrock.Factory)
	return fm
}

// Service is a Dispatcher built from configuration together with the
// resources it owns.
type Service struct {
	*Dispatcher
	Config *config.Config

	redis  *redis.Client
	logger *log.Logger
}

// BuildOption adjusts how Build assembles a Service.
type BuildOption func(*buildOptions)

type buildOptions struct {
	factories  *provider.FactoryManager
	auditStore audit.Store
	redis      *redis.Client
}

// WithFactories replaces the built-in provider factories.
func WithFactories(fm *provider.FactoryManager) BuildOption {
	return func(o *buildOptions) {
		o.factories = fm
	}
}

// WithAuditStore uses store instead of opening the configured one.
func WithAuditStore(store audit.Store) BuildOption {
	return func(o *buildOptions) {
		o.auditStore = store
	}
}

// WithRedisClient uses client instead of dialing RedisURL.
func WithRedisClient(client *redis.Client) BuildOption {
	return func(o *buildOptions) {
		o.redis = client
	}
}

// Build wires every component described by cfg.
func Build(ctx context.Context, cfg *config.Config, opts ...BuildOption) (*Service, error) {
	o := buildOptions{factories: DefaultFactories()}
	for _, opt := range opts {
		opt(&o)
	}
	svcLogger := log.New(os.Stdout, "[DISPATCH] ", log.LstdFlags)

	flagStore := flags.NewStore(cfg.InitialFlags())
	collector := metrics.NewCollector()

	registry := provider.NewRegistry(provider.WithEnabledFunc(func(name string) bool {
		return flagStore.Get().ProviderEnabled(name)
	}))
	if err := o.factories.LoadInto(registry, cfg.Providers); err != nil {
		_ = registry.Close()
		return nil, fmt.Errorf("failed to register providers: %w", err)
	}

	bank := breaker.NewBank(
		breaker.WithThreshold(cfg.Breaker.Threshold),
		breaker.WithTimeoutFunc(func() time.Duration { return flagStore.Get().BreakerTimeout() }),
		breaker.WithTransitionFunc(collector.RecordBreakerTransition),
	)
	selector := routing.NewSelector(registry, bank, flagStore.Get)

	store := o.auditStore
	if store == nil {
		var err error
		store, err = openAuditStore(ctx, cfg.Audit)
		if err != nil {
			_ = registry.Close()
			return nil, err
		}
	}
	var auditOpts []audit.Option
	if cfg.Audit.BatchSize > 0 {
		interval := time.Duration(cfg.Audit.FlushIntervalMs) * time.Millisecond
		if interval <= 0 {
			interval = defaultAuditFlushInterval
		}
		auditOpts = append(auditOpts, audit.WithBatching(cfg.Audit.BatchSize, interval))
	}
	auditLog := audit.NewLogger(store, auditOpts...)

	exec := executor.New(registry, bank, selector, auditLog, collector,
		executor.WithBackoff(executor.NewBackoff(cfg.Retry.Backoff, cfg.RetryDelay(), cfg.RetryMaxDelay(), cfg.Retry.Jitter)))
	slots := executor.NewLimiter(func() int { return flagStore.Get().ConcurrencyLimit })

	svc := &Service{Config: cfg, redis: o.redis, logger: svcLogger}
	if svc.redis == nil && cfg.RedisURL != "" {
		client, err := connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			svcLogger.Printf("Redis unavailable, using in-process rate limiting and cache: %v", err)
		} else {
			svc.redis = client
		}
	}

	var (
		limiter ratelimit.Limiter
		backend cache.Backend
	)
	if svc.redis != nil {
		limiter = ratelimit.NewRedisLimiter(svc.redis, cfg.Limits())
		backend = cache.NewRedisBackend(svc.redis, "")
	} else {
		limiter = ratelimit.NewMemoryLimiter(cfg.Limits())
		mem, err := cache.NewMemoryBackend(cfg.Cache.Size)
		if err != nil {
			_ = auditLog.Close()
			_ = registry.Close()
			return nil, err
		}
		backend = mem
	}

	d, err := New(Components{
		Flags:    flagStore,
		Registry: registry,
		Breakers: bank,
		Selector: selector,
		Executor: exec,
		Slots:    slots,
		Limiter:  limiter,
		Cache:    cache.New(backend, flagStore.Get),
		Audit:    auditLog,
		Metrics:  collector,
	})
	if err != nil {
		_ = auditLog.Close()
		_ = registry.Close()
		return nil, err
	}
	svc.Dispatcher = d
	svcLogger.Printf("Dispatcher ready: %d providers, audit=%s, strategy=%s",
		registry.Count(), cfg.Audit.Driver, flagStore.Get().Strategy)
	return svc, nil
}

func openAuditStore(ctx context.Context, cfg config.AuditConfig) (audit.Store, error) {
	if cfg.Driver == "memory" {
		return audit.NewMemoryStore(), nil
	}
	store, err := audit.OpenSQLStore(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}
	return store, nil
}

func connectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Start launches the background loops: flag reload, provider health checks
// and in-process quota cleanup. They stop when ctx is done.
func (s *Service) Start(ctx context.Context) {
	if s.Config.FlagsFile != "" && s.Config.FlagsReloadSeconds > 0 {
		s.Flags.StartPeriodicReload(ctx, s.Config.FlagsFile, time.Duration(s.Config.FlagsReloadSeconds)*time.Second)
	}
	if s.Config.HealthCheckSeconds > 0 {
		s.Registry.StartPeriodicHealthCheck(ctx, time.Duration(s.Config.HealthCheckSeconds)*time.Second)
	}
	if mem, ok := s.Limiter.(*ratelimit.MemoryLimiter); ok {
		mem.StartPeriodicCleanup(ctx, time.Minute)
	}
}

// Close flushes the audit log and releases providers and connections.
func (s *Service) Close() error {
	var firstErr error
	if err := s.Audit.Close(); err != nil {
		firstErr = fmt.Errorf("close audit log: %w", err)
	}
	if err := s.Registry.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close providers: %w", err)
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close redis: %w", err)
		}
	}
	return firstErr
}
