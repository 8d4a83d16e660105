// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package cache memoizes successful task results keyed by what determines
// the answer: task type, input, and the routing-relevant configuration.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"axonflow/taskdispatch/dispatch/flags"
	"axonflow/taskdispatch/dispatch/task"
)

// Entry is one cached result.
type Entry struct {
	Key       string       `json:"key"`
	Result    *task.Result `json:"result"`
	StoredAt  time.Time    `json:"storedAt"`
	ExpiresAt time.Time    `json:"expiresAt"`
}

// Backend stores entries. Backends are best-effort: errors are logged and
// treated as misses.
type Backend interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Set(ctx context.Context, entry *Entry) error
	Delete(ctx context.Context, key string) error
}

// keyConfig is the part of task.Config that can change a result. Timeouts,
// retries and priority only change how the result is obtained.
type keyConfig struct {
	PreferredProvider string           `json:"preferredProvider,omitempty"`
	FallbackProviders []string         `json:"fallbackProviders,omitempty"`
	QualityHint       task.QualityHint `json:"qualityHint,omitempty"`
	Temperature       *float64         `json:"temperature,omitempty"`
	MaxTokens         *int             `json:"maxTokens,omitempty"`
}

type keyMaterial struct {
	Type   task.Type `json:"type"`
	Input  any       `json:"input"`
	Config keyConfig `json:"config"`
}

// Key returns the deterministic cache key for t. Metadata is excluded.
func Key(t *task.Task) (string, error) {
	quality := t.Config.QualityHint
	if quality == "" {
		quality = task.QualityStandard
	}
	material := keyMaterial{
		Type:  t.Type,
		Input: t.Input,
		Config: keyConfig{
			PreferredProvider: t.Config.PreferredProvider,
			FallbackProviders: t.Config.FallbackProviders,
			QualityHint:       quality,
			Temperature:       t.Config.Temperature,
			MaxTokens:         t.Config.MaxTokens,
		},
	}
	// encoding/json sorts map keys, so equal inputs encode identically.
	b, err := json.Marshal(material)
	if err != nil {
		return "", fmt.Errorf("encode cache key: %w", err)
	}
	sum := sha256.Sum256(b)
	return "task:" + hex.EncodeToString(sum[:]), nil
}

// Cache wraps a backend with flag-driven enablement and TTL.
type Cache struct {
	backend Backend
	flags   func() *flags.Flags
	now     func() time.Time
	logger  *log.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a cache. currentFlags is read on every call.
func New(backend Backend, currentFlags func() *flags.Flags, opts ...Option) *Cache {
	c := &Cache{
		backend: backend,
		flags:   currentFlags,
		now:     time.Now,
		logger:  log.New(os.Stdout, "[RESPONSE_CACHE] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports the current cache flag.
func (c *Cache) Enabled() bool {
	f := c.flags()
	return f.CacheEnabled && f.CacheTTLSeconds > 0
}

// Lookup returns a fresh cached result for t.
func (c *Cache) Lookup(ctx context.Context, t *task.Task) (*task.Result, bool) {
	if !c.Enabled() {
		return nil, false
	}
	key, err := Key(t)
	if err != nil {
		c.logger.Printf("Skipping cache lookup: %v", err)
		return nil, false
	}
	entry, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Printf("Cache get failed for %s: %v", key, err)
		return nil, false
	}
	if !ok || entry.Result == nil {
		return nil, false
	}
	if !c.now().Before(entry.ExpiresAt) {
		_ = c.backend.Delete(ctx, key)
		return nil, false
	}
	res := *entry.Result
	return &res, true
}

// Store caches a successful result under t's key with the current TTL.
func (c *Cache) Store(ctx context.Context, t *task.Task, res *task.Result) {
	if res == nil || res.Status != task.StatusSuccess || !c.Enabled() {
		return
	}
	key, err := Key(t)
	if err != nil {
		c.logger.Printf("Skipping cache store: %v", err)
		return
	}
	now := c.now()
	stored := *res
	entry := &Entry{
		Key:       key,
		Result:    &stored,
		StoredAt:  now,
		ExpiresAt: now.Add(c.flags().CacheTTL()),
	}
	if err := c.backend.Set(ctx, entry); err != nil {
		c.logger.Printf("Cache set failed for %s: %v", key, err)
	}
}
