// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package noop

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/taskdispatch/dispatch/provider"
	"axonflow/taskdispatch/dispatch/task"
)

func TestRun(t *testing.T) {
	p := New("noop")
	out, err := p.Run(context.Background(), task.New(task.TypeSentimentAnalysis, "fine", task.Config{}, nil))
	require.NoError(t, err)

	data := out.Data.(map[string]any)
	assert.Equal(t, "neutral", data["sentiment"])
	assert.Equal(t, int64(1), p.Calls())
	assert.Zero(t, p.EstimateCost(nil))
}

func TestRun_SummaryKeepsRunesWhole(t *testing.T) {
	p := New("noop")
	input := strings.Repeat("a", summaryRunes-1) + "日本語"
	out, err := p.Run(context.Background(), task.New(task.TypeSummarization, input, task.Config{}, nil))
	require.NoError(t, err)

	summary := out.Data.(map[string]any)["summary"].(string)
	assert.True(t, utf8.ValidString(summary))
	assert.Equal(t, summaryRunes, utf8.RuneCountInString(summary))
	assert.True(t, strings.HasSuffix(summary, "日"))

	assert.Equal(t, "short", truncate("short", summaryRunes))
}

func TestRun_HonorsContext(t *testing.T) {
	p := New("slow", WithLatency(time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Run(ctx, task.New(task.TypeSummarization, "x", task.Config{}, nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFactory(t *testing.T) {
	p, err := Factory(provider.Config{Name: "n", Type: provider.TypeNoop, Options: map[string]string{"fail_status": "503"}})
	require.NoError(t, err)

	_, err = p.Run(context.Background(), task.New(task.TypeSummarization, "x", task.Config{}, nil))
	var pe *task.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.Retryable)

	_, err = Factory(provider.Config{Name: "n", Options: map[string]string{"latency_ms": "-5"}})
	assert.Error(t, err)
	_, err = Factory(provider.Config{Name: "n", Options: map[string]string{"fail_status": "200"}})
	assert.Error(t, err)
}

func TestParseContent(t *testing.T) {
	assert.Equal(t, map[string]any{"sentiment": "positive"}, provider.ParseContent("```json\n{\"sentiment\":\"positive\"}\n```"))
	assert.Equal(t, map[string]any{"text": "plain words"}, provider.ParseContent("plain words"))
	assert.Equal(t, map[string]any{"text": "{broken"}, provider.ParseContent("{broken"))
}
