// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package audit records every task lifecycle event in an append-only log
// that can be queried by task ID.
package audit

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType names a lifecycle transition.
type EventType string

const (
	EventTaskSubmitted  EventType = "TASK_SUBMITTED"
	EventProviderFailed EventType = "PROVIDER_FAILED"
	EventTaskExecuted   EventType = "TASK_EXECUTED"
	EventTaskCompleted  EventType = "TASK_COMPLETED"
	EventRateLimited    EventType = "RATE_LIMITED"
	EventCacheHit       EventType = "CACHE_HIT"
)

// Entry is one immutable audit record. RequestID identifies a single
// physical attempt or retrieval.
type Entry struct {
	ID        string         `json:"id"`
	RequestID string         `json:"requestId"`
	TaskID    string         `json:"taskId"`
	EventType EventType      `json:"eventType"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Store persists entries. Implementations must return a task's entries in
// the order they were appended.
type Store interface {
	Append(ctx context.Context, entries ...*Entry) error
	QueryByTask(ctx context.Context, taskID string) ([]*Entry, error)
	Ping(ctx context.Context) error
	Close() error
}

// NewRequestID returns a fresh per-attempt identifier.
func NewRequestID() string {
	return "req_" + uuid.NewString()
}

func generateAuditID() string {
	return "audit_" + uuid.NewString()
}

// Logger writes entries to a Store. Write failures are logged and counted
// but never returned, so auditing cannot fail a task.
type Logger struct {
	store  Store
	batch  *BatchWriter
	logger *log.Logger
	now    func() time.Time

	clockMu  sync.Mutex
	last     time.Time
	failures atomic.Int64
}

// Option configures a Logger.
type Option func(*Logger)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *log.Logger) Option {
	return func(l *Logger) {
		l.logger = logger
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) {
		l.now = now
	}
}

// WithBatching buffers entries and writes them in batches of size, or every
// interval. Queries flush the buffer first.
func WithBatching(size int, interval time.Duration) Option {
	return func(l *Logger) {
		l.batch = NewBatchWriter(l.store, size, interval, l.onWriteError)
	}
}

// NewLogger creates an audit logger over store.
func NewLogger(store Store, opts ...Option) *Logger {
	l := &Logger{
		store:  store,
		logger: log.New(os.Stdout, "[AUDIT] ", log.LstdFlags),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Logger) onWriteError(n int, err error) {
	l.failures.Add(int64(n))
	l.logger.Printf("Failed to write %d audit entries: %v", n, err)
}

// timestamp returns a UTC time strictly after the previous one issued.
func (l *Logger) timestamp() time.Time {
	l.clockMu.Lock()
	defer l.clockMu.Unlock()
	ts := l.now().UTC()
	if !ts.After(l.last) {
		ts = l.last.Add(time.Nanosecond)
	}
	l.last = ts
	return ts
}

// Record appends an event and returns the entry that was written.
func (l *Logger) Record(ctx context.Context, taskID, requestID string, event EventType, data map[string]any) *Entry {
	if requestID == "" {
		requestID = NewRequestID()
	}
	entry := &Entry{
		ID:        generateAuditID(),
		RequestID: requestID,
		TaskID:    taskID,
		EventType: event,
		Data:      data,
		Timestamp: l.timestamp(),
	}

	if l.batch != nil {
		l.batch.Add(entry)
		return entry
	}
	if err := l.store.Append(ctx, entry); err != nil {
		l.onWriteError(1, err)
	}
	return entry
}

// Query returns a task's entries in emission order.
func (l *Logger) Query(ctx context.Context, taskID string) ([]*Entry, error) {
	if l.batch != nil {
		l.batch.Flush()
	}
	return l.store.QueryByTask(ctx, taskID)
}

// Healthy pings the store with a short timeout.
func (l *Logger) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return l.store.Ping(ctx) == nil
}

// WriteFailures returns how many entries could not be written.
func (l *Logger) WriteFailures() int64 {
	return l.failures.Load()
}

// Close flushes pending entries and closes the store.
func (l *Logger) Close() error {
	if l.batch != nil {
		l.batch.Close()
	}
	return l.store.Close()
}
