// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package config loads dispatcher settings from a YAML file with ${VAR}
// expansion, then applies environment variable overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"axonflow/taskdispatch/dispatch/flags"
	"axonflow/taskdispatch/dispatch/provider"
	"axonflow/taskdispatch/dispatch/ratelimit"
)

// AuditConfig selects the audit log store.
type AuditConfig struct {
	Driver          string `yaml:"driver" validate:"oneof=memory sqlite postgres mysql"`
	DSN             string `yaml:"dsn"`
	BatchSize       int    `yaml:"batch_size" validate:"gte=0"`
	FlushIntervalMs int    `yaml:"flush_interval_ms" validate:"gte=0"`
}

// BreakerConfig tunes the circuit breaker bank. The OPEN timeout lives in
// the runtime flags.
type BreakerConfig struct {
	Threshold int `yaml:"threshold" validate:"gte=1"`
}

// RetryConfig selects the wait between retries of one provider.
type RetryConfig struct {
	Backoff    string  `yaml:"backoff" validate:"oneof=fixed exponential"`
	DelayMs    int     `yaml:"delay_ms" validate:"gte=0"`
	MaxDelayMs int     `yaml:"max_delay_ms" validate:"gte=0"`
	Jitter     float64 `yaml:"jitter" validate:"gte=0,lte=1"`
}

// LimitConfig is one tier's quota.
type LimitConfig struct {
	Requests      int `yaml:"requests" validate:"gt=0"`
	PeriodSeconds int `yaml:"period_seconds" validate:"gt=0"`
}

// CacheConfig sizes the in-process response cache. Enablement and TTL are
// runtime flags.
type CacheConfig struct {
	Size int `yaml:"size" validate:"gte=0"`
}

// Config is the complete dispatcher configuration.
type Config struct {
	Port                   int                    `yaml:"port" validate:"gte=1,lte=65535"`
	APIKeys                []string               `yaml:"api_keys"`
	MetricsAPIKeySecretARN string                 `yaml:"metrics_api_key_secret_arn"`
	AWSRegion              string                 `yaml:"aws_region"`
	JWTSecret              string                 `yaml:"jwt_secret"`
	RedisURL               string                 `yaml:"redis_url"`
	Audit                  AuditConfig            `yaml:"audit"`
	Breaker                BreakerConfig          `yaml:"circuit_breaker"`
	Retry                  RetryConfig            `yaml:"retry"`
	Cache                  CacheConfig            `yaml:"cache"`
	RateLimits             map[string]LimitConfig `yaml:"rate_limits" validate:"dive"`
	Flags                  flags.Flags            `yaml:"flags"`
	FlagsFile              string                 `yaml:"flags_file"`
	FlagsReloadSeconds     int                    `yaml:"flags_reload_seconds" validate:"gte=0"`
	HealthCheckSeconds     int                    `yaml:"health_check_seconds" validate:"gte=0"`
	Providers              []provider.Config      `yaml:"providers"`
}

// Default returns a configuration that runs locally with a no-op provider.
func Default() *Config {
	return &Config{
		Port: 8081,
		Audit: AuditConfig{
			Driver: "sqlite",
			DSN:    "taskdispatch_audit.db",
		},
		Breaker: BreakerConfig{Threshold: 5},
		Retry: RetryConfig{
			Backoff:    "fixed",
			DelayMs:    100,
			MaxDelayMs: 2000,
			Jitter:     0.1,
		},
		Cache: CacheConfig{Size: 10000},
		RateLimits: map[string]LimitConfig{
			"free":       {Requests: 10, PeriodSeconds: 60},
			"pro":        {Requests: 100, PeriodSeconds: 60},
			"enterprise": {Requests: 1000, PeriodSeconds: 60},
		},
		Flags:              flags.Defaults(),
		FlagsReloadSeconds: 30,
		HealthCheckSeconds: 60,
		Providers: []provider.Config{
			{Name: "noop", Type: provider.TypeNoop, Priority: 1},
		},
	}
}

// Load reads path (if non-empty) over the defaults, then applies the
// environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.Flags.Providers == nil {
		cfg.Flags.Providers = map[string]bool{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envVarRegex = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*(:-[^}]*)?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default}.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		name := match[2 : len(match)-1]
		def := ""
		if idx := strings.Index(name, ":-"); idx != -1 {
			def = name[idx+2:]
			name = name[:idx]
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return def
	})
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envInt(key string, target *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*target = n
	return nil
}

func envBool(key string, target *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*target = b
	return nil
}

func (c *Config) applyEnv() error {
	if keys := os.Getenv("TASKDISPATCH_API_KEYS"); keys != "" {
		c.APIKeys = nil
		for _, k := range strings.Split(keys, ",") {
			if k = strings.TrimSpace(k); k != "" {
				c.APIKeys = append(c.APIKeys, k)
			}
		}
	}
	c.MetricsAPIKeySecretARN = getEnv("METRICS_API_KEY_SECRET_ARN", c.MetricsAPIKeySecretARN)
	c.AWSRegion = getEnv("AWS_REGION", c.AWSRegion)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.Audit.Driver = getEnv("AUDIT_DRIVER", c.Audit.Driver)
	c.Audit.DSN = getEnv("AUDIT_DSN", c.Audit.DSN)
	c.Retry.Backoff = getEnv("RETRY_BACKOFF", c.Retry.Backoff)
	c.Flags.Strategy = getEnv("LOAD_BALANCING_STRATEGY", c.Flags.Strategy)
	c.FlagsFile = getEnv("FLAGS_FILE", c.FlagsFile)

	for key, target := range map[string]*int{
		"PORT":                       &c.Port,
		"CIRCUIT_BREAKER_THRESHOLD":  &c.Breaker.Threshold,
		"CIRCUIT_BREAKER_TIMEOUT_MS": &c.Flags.CircuitBreakerTimeoutMs,
		"CONCURRENCY_LIMIT":          &c.Flags.ConcurrencyLimit,
		"CACHE_TTL_SECONDS":          &c.Flags.CacheTTLSeconds,
		"RETRY_DELAY_MS":             &c.Retry.DelayMs,
		"AUDIT_BATCH_SIZE":           &c.Audit.BatchSize,
	} {
		if err := envInt(key, target); err != nil {
			return err
		}
	}
	return envBool("CACHE_ENABLED", &c.Flags.CacheEnabled)
}

var validate = validator.New()

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Flags.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	for tier := range c.RateLimits {
		if ratelimit.ParseTier(tier) != ratelimit.Tier(strings.ToLower(tier)) {
			return fmt.Errorf("unknown rate limit tier %q", tier)
		}
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.Name] {
			return fmt.Errorf("provider %q configured twice", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// InitialFlags returns the flags to start with. Providers configured with
// enabled: false start switched off.
func (c *Config) InitialFlags() flags.Flags {
	f := c.Flags
	f.Providers = make(map[string]bool, len(c.Flags.Providers))
	for name, on := range c.Flags.Providers {
		f.Providers[name] = on
	}
	for _, p := range c.Providers {
		if !p.IsEnabled() {
			if _, set := f.Providers[p.Name]; !set {
				f.Providers[p.Name] = false
			}
		}
	}
	return f
}

// Limits converts the configured tier quotas.
func (c *Config) Limits() ratelimit.Limits {
	limits := ratelimit.DefaultLimits()
	for tier, lc := range c.RateLimits {
		limits[ratelimit.ParseTier(tier)] = ratelimit.Limit{
			Requests: lc.Requests,
			Period:   time.Duration(lc.PeriodSeconds) * time.Second,
		}
	}
	return limits
}

// RetryDelay returns the base wait between retries.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Retry.DelayMs) * time.Millisecond
}

// RetryMaxDelay caps exponential backoff.
func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.Retry.MaxDelayMs) * time.Millisecond
}
