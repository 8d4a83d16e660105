// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package task

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Error codes surfaced at the API boundary.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeRateLimited         = "RATE_LIMIT_EXCEEDED"
	CodeTimeout             = "TIMEOUT_ERROR"
	CodeCircuitOpen         = "CIRCUIT_BREAKER_OPEN"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeProviderError       = "PROVIDER_ERROR"
	CodeQueueTimeout        = "QUEUE_TIMEOUT"
	CodeInternal            = "INTERNAL_ERROR"
)

// ValidationError reports a malformed task. It is never retryable.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// RateLimitExceededError is returned when a caller exhausts its window.
type RateLimitExceededError struct {
	Caller     string
	Tier       string
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit of %d exceeded for %s (%s tier), retry after %ds",
		e.Limit, e.Caller, e.Tier, e.RetryAfterSeconds())
}

// RetryAfterSeconds rounds the remaining window up to whole seconds, minimum 1.
func (e *RateLimitExceededError) RetryAfterSeconds() int {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// TimeoutError is returned when a provider attempt outlives its deadline.
type TimeoutError struct {
	Provider string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("task timed out after %s", e.Timeout)
	}
	return fmt.Sprintf("provider %q timed out after %s", e.Provider, e.Timeout)
}

// CircuitBreakerOpenError signals that a provider's breaker rejected an attempt.
type CircuitBreakerOpenError struct {
	Provider string
	RetryAt  time.Time
}

func (e *CircuitBreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for provider %q until %s",
		e.Provider, e.RetryAt.Format(time.RFC3339))
}

// ProviderUnavailableError is terminal: every provider in the chain was tried
// or skipped.
type ProviderUnavailableError struct {
	Attempted []string
	Reason    string
	Cause     error
}

func (e *ProviderUnavailableError) Error() string {
	msg := "no provider available"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if len(e.Attempted) > 0 {
		msg += fmt.Sprintf(" (attempted %s)", strings.Join(e.Attempted, ", "))
	}
	return msg
}

func (e *ProviderUnavailableError) Unwrap() error {
	return e.Cause
}

// ProviderError wraps a failure reported by a provider adapter. Adapters
// decide whether it is retryable.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Retryable  bool
	Cause      error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %q failed with status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %q failed: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError classifies an upstream HTTP status: 429 and 5xx are
// retryable, other 4xx are not.
func NewProviderError(provider string, statusCode int, message string) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		StatusCode: statusCode,
		Message:    message,
		Retryable:  statusCode == 429 || statusCode >= 500,
	}
}

// QueueTimeoutError is returned when a task's context ends while it waits
// for an execution slot.
type QueueTimeoutError struct {
	Cause error
}

func (e *QueueTimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for an execution slot: %v", e.Cause)
}

func (e *QueueTimeoutError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether an error may succeed if tried again. An
// exhausted provider chain is terminal whatever its last cause was.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pue *ProviderUnavailableError
	if errors.As(err, &pue) {
		return false
	}
	var (
		te  *TimeoutError
		pe  *ProviderError
		rle *RateLimitExceededError
		qte *QueueTimeoutError
	)
	switch {
	case errors.As(err, &te), errors.As(err, &rle), errors.As(err, &qte):
		return true
	case errors.As(err, &pe):
		return pe.Retryable
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// Code maps an error to its API error code.
func Code(err error) string {
	var (
		ve  *ValidationError
		rle *RateLimitExceededError
		te  *TimeoutError
		cbe *CircuitBreakerOpenError
		pue *ProviderUnavailableError
		pe  *ProviderError
		qte *QueueTimeoutError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return CodeValidation
	case errors.As(err, &rle):
		return CodeRateLimited
	case errors.As(err, &pue):
		return CodeProviderUnavailable
	case errors.As(err, &te):
		return CodeTimeout
	case errors.As(err, &cbe):
		return CodeCircuitOpen
	case errors.As(err, &qte):
		return CodeQueueTimeout
	case errors.As(err, &pe):
		return CodeProviderError
	}
	return CodeInternal
}
