// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package audit

import (
	"context"
	"sync"
	"time"
)

// BatchWriter buffers entries and appends them to a store in batches.
type BatchWriter struct {
	store     Store
	batchSize int
	onError   func(n int, err error)
	entries   []*Entry
	mu        sync.Mutex

	flushTicker *time.Ticker
	done        chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// NewBatchWriter starts a writer that flushes when batchSize entries are
// buffered and on every interval tick.
func NewBatchWriter(store Store, batchSize int, interval time.Duration, onError func(n int, err error)) *BatchWriter {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	b := &BatchWriter{
		store:       store,
		batchSize:   batchSize,
		onError:     onError,
		entries:     make([]*Entry, 0, batchSize),
		flushTicker: time.NewTicker(interval),
		done:        make(chan struct{}),
	}
	b.wg.Add(1)
	go b.periodicFlush()
	return b
}

// Add buffers an entry, writing the batch if it is full.
func (b *BatchWriter) Add(entry *Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, entry)
	if len(b.entries) >= b.batchSize {
		b.flush()
	}
}

// Flush writes any buffered entries.
func (b *BatchWriter) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flush()
}

func (b *BatchWriter) flush() {
	if len(b.entries) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.store.Append(ctx, b.entries...); err != nil && b.onError != nil {
		b.onError(len(b.entries), err)
	}
	b.entries = make([]*Entry, 0, b.batchSize)
}

func (b *BatchWriter) periodicFlush() {
	defer b.wg.Done()
	for {
		select {
		case <-b.flushTicker.C:
			b.Flush()
		case <-b.done:
			return
		}
	}
}

// Close stops the periodic flush and writes what remains.
func (b *BatchWriter) Close() {
	b.closeOnce.Do(func() {
		b.flushTicker.Stop()
		close(b.done)
		b.wg.Wait()
		b.Flush()
	})
}
