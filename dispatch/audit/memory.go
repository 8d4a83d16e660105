// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package audit

import (
	"context"
	"sync"
)

// MemoryStore keeps entries in process memory. It does not survive a
// restart and is meant for tests and single-node development.
type MemoryStore struct {
	mu     sync.RWMutex
	byTask map[string][]*Entry
	total  int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byTask: make(map[string][]*Entry)}
}

func (m *MemoryStore) Append(_ context.Context, entries ...*Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		cp := *e
		m.byTask[e.TaskID] = append(m.byTask[e.TaskID], &cp)
		m.total++
	}
	return nil
}

func (m *MemoryStore) QueryByTask(_ context.Context, taskID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.byTask[taskID]
	out := make([]*Entry, len(src))
	for i, e := range src {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

// Len returns the number of stored entries.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.total
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
