// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package cache

import (
	"bytes"
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/taskdispatch/dispatch/flags"
	"axonflow/taskdispatch/dispatch/task"
)

func flagsWith(enabled bool, ttlSeconds int) func() *flags.Flags {
	f := flags.Defaults()
	f.CacheEnabled = enabled
	f.CacheTTLSeconds = ttlSeconds
	return func() *flags.Flags { return &f }
}

func quiet() Option {
	return WithLogger(log.New(&bytes.Buffer{}, "", 0))
}

func sampleResult(taskID string) *task.Result {
	return &task.Result{
		TaskID: taskID,
		Status: task.StatusSuccess,
		Output: map[string]any{"sentiment": "positive"},
		Metadata: task.ResultMetadata{
			Provider:        "noop",
			ExecutionTimeMs: 12,
		},
	}
}

func TestKey_IgnoresExecutionSettingsAndMetadata(t *testing.T) {
	a := task.New(task.TypeSentimentAnalysis, "great product", task.Config{TimeoutMs: 1000, MaxRetries: 1}, map[string]any{"session": "s1"})
	b := task.New(task.TypeSentimentAnalysis, "great product", task.Config{TimeoutMs: 9000, MaxRetries: 4, Priority: 7}, map[string]any{"session": "s2"})

	ka, err := Key(a)
	require.NoError(t, err)
	kb, err := Key(b)
	require.NoError(t, err)
	assert.Equal(t, ka, kb)
}

func TestKey_DistinguishesResultAffectingFields(t *testing.T) {
	base := task.New(task.TypeSummarization, "text", task.Config{}, nil)
	temp := 0.7

	variants := map[string]*task.Task{
		"type":      task.New(task.TypeClassification, "text", task.Config{}, nil),
		"input":     task.New(task.TypeSummarization, "other", task.Config{}, nil),
		"preferred": task.New(task.TypeSummarization, "text", task.Config{PreferredProvider: "A"}, nil),
		"quality":   task.New(task.TypeSummarization, "text", task.Config{QualityHint: task.QualityHigh}, nil),
		"temp":      task.New(task.TypeSummarization, "text", task.Config{Temperature: &temp}, nil),
	}

	baseKey, err := Key(base)
	require.NoError(t, err)
	for name, v := range variants {
		k, err := Key(v)
		require.NoError(t, err)
		assert.NotEqual(t, baseKey, k, name)
	}
}

func TestKey_MapInputIsOrderIndependent(t *testing.T) {
	a := task.New(task.TypeEntityExtraction, map[string]any{"text": "x", "lang": "en"}, task.Config{}, nil)
	b := task.New(task.TypeEntityExtraction, map[string]any{"lang": "en", "text": "x"}, task.Config{}, nil)
	ka, _ := Key(a)
	kb, _ := Key(b)
	assert.Equal(t, ka, kb)
}

func TestKey_DefaultQualityEqualsStandard(t *testing.T) {
	ka, _ := Key(task.New(task.TypeTranslation, "hola", task.Config{}, nil))
	kb, _ := Key(task.New(task.TypeTranslation, "hola", task.Config{QualityHint: task.QualityStandard}, nil))
	assert.Equal(t, ka, kb)
}

func TestCache_StoreAndLookup(t *testing.T) {
	backend, err := NewMemoryBackend(16)
	require.NoError(t, err)
	c := New(backend, flagsWith(true, 300), quiet())
	ctx := context.Background()

	original := task.New(task.TypeSentimentAnalysis, "nice", task.Config{}, nil)
	_, hit := c.Lookup(ctx, original)
	assert.False(t, hit)

	c.Store(ctx, original, sampleResult(original.ID))

	resubmitted := task.New(task.TypeSentimentAnalysis, "nice", task.Config{}, nil)
	got, hit := c.Lookup(ctx, resubmitted)
	require.True(t, hit)
	assert.Equal(t, original.ID, got.TaskID, "cached result keeps its original task id")
	assert.Equal(t, "noop", got.Metadata.Provider)
}

func TestCache_DoesNotStoreFailures(t *testing.T) {
	backend, _ := NewMemoryBackend(16)
	c := New(backend, flagsWith(true, 300), quiet())
	tk := task.New(task.TypeSummarization, "x", task.Config{}, nil)

	c.Store(context.Background(), tk, &task.Result{TaskID: tk.ID, Status: task.StatusFailure})
	assert.Equal(t, 0, backend.Len())
}

func TestCache_Expiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	backend, _ := NewMemoryBackend(16)
	c := New(backend, flagsWith(true, 60), quiet(), WithClock(clock))
	ctx := context.Background()
	tk := task.New(task.TypeSummarization, "x", task.Config{}, nil)

	c.Store(ctx, tk, sampleResult(tk.ID))
	now = now.Add(59 * time.Second)
	_, hit := c.Lookup(ctx, tk)
	assert.True(t, hit)

	now = now.Add(time.Second)
	_, hit = c.Lookup(ctx, tk)
	assert.False(t, hit)
	assert.Equal(t, 0, backend.Len(), "expired entry is evicted on read")
}

func TestCache_DisabledByFlag(t *testing.T) {
	backend, _ := NewMemoryBackend(16)
	current := flags.Defaults()
	c := New(backend, func() *flags.Flags { return &current }, quiet())
	ctx := context.Background()
	tk := task.New(task.TypeSummarization, "x", task.Config{}, nil)

	c.Store(ctx, tk, sampleResult(tk.ID))
	current.CacheEnabled = false
	_, hit := c.Lookup(ctx, tk)
	assert.False(t, hit)
}

func TestMemoryBackend_EvictsLeastRecentlyUsed(t *testing.T) {
	backend, _ := NewMemoryBackend(2)
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, backend.Set(ctx, &Entry{Key: k}))
	}
	_, ok, _ := backend.Get(ctx, "a")
	assert.False(t, ok)
	_, ok, _ = backend.Get(ctx, "c")
	assert.True(t, ok)
}

type brokenBackend struct{}

func (brokenBackend) Get(context.Context, string) (*Entry, bool, error) {
	return nil, false, errors.New("connection reset")
}
func (brokenBackend) Set(context.Context, *Entry) error    { return errors.New("connection reset") }
func (brokenBackend) Delete(context.Context, string) error { return nil }

func TestCache_BackendErrorsAreMisses(t *testing.T) {
	var buf bytes.Buffer
	c := New(brokenBackend{}, flagsWith(true, 60), WithLogger(log.New(&buf, "", 0)))
	tk := task.New(task.TypeSummarization, "x", task.Config{}, nil)

	c.Store(context.Background(), tk, sampleResult(tk.ID))
	_, hit := c.Lookup(context.Background(), tk)
	assert.False(t, hit)
	assert.Contains(t, buf.String(), "connection reset")
}

func TestRedisBackend_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := New(NewRedisBackend(client, ""), flagsWith(true, 120), quiet())
	ctx := context.Background()
	tk := task.New(task.TypeSentimentAnalysis, "great", task.Config{}, nil)

	c.Store(ctx, tk, sampleResult(tk.ID))
	key, _ := Key(tk)
	assert.True(t, mr.Exists("taskdispatch:cache:"+key))
	assert.InDelta(t, 120, mr.TTL("taskdispatch:cache:"+key).Seconds(), 1)

	got, hit := c.Lookup(ctx, tk)
	require.True(t, hit)
	assert.Equal(t, tk.ID, got.TaskID)
	assert.Equal(t, "positive", got.Output.(map[string]any)["sentiment"])

	mr.FastForward(121 * time.Second)
	_, hit = c.Lookup(ctx, tk)
	assert.False(t, hit)
}
