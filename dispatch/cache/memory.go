// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package cache

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSize bounds the in-process cache.
const DefaultSize = 10000

// MemoryBackend is a size-bounded LRU. Expiry is checked by Cache on read.
type MemoryBackend struct {
	lru *lru.Cache[string, *Entry]
}

// NewMemoryBackend creates an LRU holding at most size entries.
func NewMemoryBackend(size int) (*MemoryBackend, error) {
	if size <= 0 {
		size = DefaultSize
	}
	l, err := lru.New[string, *Entry](size)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}
	return &MemoryBackend{lru: l}, nil
}

func (m *MemoryBackend) Get(_ context.Context, key string) (*Entry, bool, error) {
	e, ok := m.lru.Get(key)
	return e, ok, nil
}

func (m *MemoryBackend) Set(_ context.Context, entry *Entry) error {
	m.lru.Add(entry.Key, entry)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.lru.Remove(key)
	return nil
}

// Len returns the number of cached entries, including expired ones not yet
// read.
func (m *MemoryBackend) Len() int {
	return m.lru.Len()
}
