// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_AssignsIdentity(t *testing.T) {
	a := New(TypeSummarization, "hello", Config{}, nil)
	b := New(TypeSummarization, "hello", Config{}, nil)

	assert.True(t, strings.HasPrefix(a.ID, "task_"))
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, DefaultTimeoutMs, a.Config.TimeoutMs)
	assert.False(t, a.SubmittedAt.IsZero())
}

func TestValidate(t *testing.T) {
	temp := 3.5
	zero := 0

	tests := []struct {
		name      string
		task      *Task
		wantField string
	}{
		{"valid", New(TypeSentimentAnalysis, "great product", Config{MaxRetries: 2}, nil), ""},
		{"structured input", New(TypeEntityExtraction, map[string]any{"text": "Ada in London"}, Config{}, nil), ""},
		{"unknown type", New(Type("astrology"), "x", Config{}, nil), "type"},
		{"missing type", New(Type(""), "x", Config{}, nil), "type"},
		{"nil input", New(TypeSummarization, nil, Config{}, nil), "input"},
		{"blank input", New(TypeSummarization, "   ", Config{}, nil), "input"},
		{"negative retries", New(TypeSummarization, "x", Config{MaxRetries: -1}, nil), "config.maxRetries"},
		{"too many retries", New(TypeSummarization, "x", Config{MaxRetries: 11}, nil), "config.maxRetries"},
		{"timeout too long", New(TypeSummarization, "x", Config{TimeoutMs: 400000}, nil), "config.timeoutMs"},
		{"bad quality hint", New(TypeSummarization, "x", Config{QualityHint: "ultra"}, nil), "config.qualityHint"},
		{"temperature out of range", New(TypeSummarization, "x", Config{Temperature: &temp}, nil), "config.temperature"},
		{"zero max tokens", New(TypeSummarization, "x", Config{MaxTokens: &zero}, nil), "config.maxTokens"},
		{"duplicate fallbacks", New(TypeSummarization, "x", Config{FallbackProviders: []string{"a", "a"}}, nil), "config.fallbackProviders"},
		{"fallback repeats preferred", New(TypeSummarization, "x", Config{PreferredProvider: "a", FallbackProviders: []string{"b", "a"}}, nil), "config.fallbackProviders"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if tt.wantField == "" {
				require.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.wantField, ve.Field)
			assert.Equal(t, CodeValidation, Code(err))
			assert.False(t, IsRetryable(err))
		})
	}
}

func TestValidate_NilTask(t *testing.T) {
	var tk *Task
	var ve *ValidationError
	require.ErrorAs(t, tk.Validate(), &ve)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", &TimeoutError{Provider: "a", Timeout: time.Second}, true},
		{"wrapped timeout", fmt.Errorf("attempt: %w", &TimeoutError{}), true},
		{"upstream 503", NewProviderError("a", 503, "unavailable"), true},
		{"upstream 429", NewProviderError("a", 429, "slow down"), true},
		{"upstream 400", NewProviderError("a", 400, "bad prompt"), false},
		{"upstream 401", NewProviderError("a", 401, "bad key"), false},
		{"validation", &ValidationError{Field: "type"}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"queue timeout", &QueueTimeoutError{Cause: context.Canceled}, true},
		{"unavailable", &ProviderUnavailableError{}, false},
		{"unavailable after retryable cause", &ProviderUnavailableError{Cause: NewProviderError("a", 503, "down")}, false},
		{"unavailable after timeout", fmt.Errorf("dispatch: %w", &ProviderUnavailableError{Cause: &TimeoutError{}}), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestCode(t *testing.T) {
	assert.Equal(t, "", Code(nil))
	assert.Equal(t, CodeRateLimited, Code(&RateLimitExceededError{}))
	assert.Equal(t, CodeTimeout, Code(&TimeoutError{}))
	assert.Equal(t, CodeCircuitOpen, Code(&CircuitBreakerOpenError{}))
	assert.Equal(t, CodeProviderError, Code(NewProviderError("a", 500, "x")))
	assert.Equal(t, CodeQueueTimeout, Code(&QueueTimeoutError{}))
	assert.Equal(t, CodeInternal, Code(errors.New("x")))

	// A terminal unavailable error wrapping the last timeout is still unavailable.
	wrapped := &ProviderUnavailableError{Cause: &TimeoutError{}}
	assert.Equal(t, CodeProviderUnavailable, Code(wrapped))
}

func TestRateLimitExceeded_RetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, (&RateLimitExceededError{RetryAfter: 0}).RetryAfterSeconds())
	assert.Equal(t, 1, (&RateLimitExceededError{RetryAfter: 200 * time.Millisecond}).RetryAfterSeconds())
	assert.Equal(t, 43, (&RateLimitExceededError{RetryAfter: 42100 * time.Millisecond}).RetryAfterSeconds())
}

func TestPrompt(t *testing.T) {
	tk := New(TypeSentimentAnalysis, "I love it", Config{}, nil)
	p := tk.Prompt()
	assert.Contains(t, p, "sentiment")
	assert.True(t, strings.HasSuffix(p, "I love it"))

	structured := New(TypeContentAnalysis, map[string]any{"title": "x"}, Config{}, nil)
	assert.Contains(t, structured.Prompt(), `{"title":"x"}`)
}
