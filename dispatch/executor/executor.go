// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package executor runs a task against the providers chosen by the selector,
// applying per-attempt deadlines, retries and fallback traversal. Every
// attempt reports its outcome to the circuit breaker bank, the metrics
// collector and the audit log before the next step starts.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"axonflow/taskdispatch/dispatch/audit"
	"axonflow/taskdispatch/dispatch/breaker"
	"axonflow/taskdispatch/dispatch/metrics"
	"axonflow/taskdispatch/dispatch/provider"
	"axonflow/taskdispatch/dispatch/routing"
	"axonflow/taskdispatch/dispatch/task"
)

// Attempt describes one provider invocation or skip.
type Attempt struct {
	Provider   string        `json:"provider"`
	RequestID  string        `json:"requestId"`
	Number     int           `json:"attempt"`
	Duration   time.Duration `json:"-"`
	DurationMs int64         `json:"durationMs"`
	ErrorCode  string        `json:"errorCode,omitempty"`
	Skipped    bool          `json:"skipped,omitempty"`
	Err        error         `json:"-"`
}

// Execution is everything the executor learned while running a task. It is
// returned alongside the error on failure.
type Execution struct {
	Result   *task.Result      `json:"result,omitempty"`
	Decision *routing.Decision `json:"routing,omitempty"`
	Attempts []Attempt         `json:"attempts"`
	Duration time.Duration     `json:"-"`
}

// LastRequestID returns the request id of the final attempt.
func (e *Execution) LastRequestID() string {
	if len(e.Attempts) == 0 {
		return ""
	}
	return e.Attempts[len(e.Attempts)-1].RequestID
}

// Executor runs tasks. It is safe for concurrent use.
type Executor struct {
	registry *provider.Registry
	breakers *breaker.Bank
	selector *routing.Selector
	audit    *audit.Logger
	metrics  *metrics.Collector
	backoff  Backoff
	logger   *log.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithBackoff sets the wait between retries of the same provider.
func WithBackoff(b Backoff) Option {
	return func(e *Executor) {
		e.backoff = b
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *log.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// New creates an executor.
func New(registry *provider.Registry, breakers *breaker.Bank, selector *routing.Selector,
	auditLog *audit.Logger, collector *metrics.Collector, opts ...Option) *Executor {
	e := &Executor{
		registry: registry,
		breakers: breakers,
		selector: selector,
		audit:    auditLog,
		metrics:  collector,
		backoff:  &FixedBackoff{Interval: 100 * time.Millisecond},
		logger:   log.New(os.Stdout, "[EXECUTOR] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type runResult struct {
	out *task.Output
	err error
}

// attemptOutcome is the classified result of one attempt.
type attemptOutcome struct {
	out *task.Output
	err error
	// skip means the provider was never contacted.
	skip bool
	// abandoned means the caller's context ended mid-attempt.
	abandoned bool
}

// Execute runs t until a provider succeeds or the chain is exhausted.
func (e *Executor) Execute(ctx context.Context, t *task.Task) (*Execution, error) {
	start := time.Now()
	exec := &Execution{}
	finish := func(err error) (*Execution, error) {
		exec.Duration = time.Since(start)
		return exec, err
	}

	decision, err := e.selector.Select(t)
	if err != nil {
		return finish(err)
	}
	exec.Decision = decision

	var (
		attempted   []string
		lastErr     error
		failures    int
		timeouts    int
		lastTimeout *task.TimeoutError
	)
	for {
		name := decision.SelectedProvider
		attempted = append(attempted, name)

		for try := 1; try <= 1+t.Config.MaxRetries; try++ {
			if try > 1 {
				if err := sleep(ctx, e.backoff.Delay(try-1)); err != nil {
					return finish(e.abandon(ctx, attempted, lastErr))
				}
			}

			res := e.attempt(ctx, t, decision, try, exec)
			if res.err == nil {
				exec.Result = &task.Result{
					TaskID: t.ID,
					Status: task.StatusSuccess,
					Output: res.out.Data,
					Metadata: task.ResultMetadata{
						Provider:        name,
						Model:           res.out.Model,
						ExecutionTimeMs: time.Since(start).Milliseconds(),
						TokensUsed:      res.out.TokensUsed,
						Cost:            res.out.Cost,
						Attempts:        len(exec.Attempts),
					},
				}
				return finish(nil)
			}
			if res.abandoned {
				return finish(e.abandon(ctx, attempted, res.err))
			}

			lastErr = res.err
			if res.skip {
				break
			}
			failures++
			var te *task.TimeoutError
			if errors.As(res.err, &te) {
				timeouts++
				lastTimeout = te
			}
			if !task.IsRetryable(res.err) {
				break
			}
		}

		next, err := e.selector.Next(t, decision, attempted)
		if err != nil {
			if failures > 0 && failures == timeouts {
				return finish(lastTimeout)
			}
			var pue *task.ProviderUnavailableError
			if errors.As(err, &pue) {
				return finish(&task.ProviderUnavailableError{
					Attempted: attempted,
					Reason:    pue.Reason,
					Cause:     lastErr,
				})
			}
			return finish(&task.ProviderUnavailableError{Attempted: attempted, Reason: err.Error(), Cause: lastErr})
		}
		e.logger.Printf("Task %s falling back from %s to %s", t.ID, name, next.SelectedProvider)
		decision = next
		exec.Decision = next
	}
}

// abandon builds the terminal error for a task whose context ended.
func (e *Executor) abandon(ctx context.Context, attempted []string, lastErr error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		name := ""
		if len(attempted) > 0 {
			name = attempted[len(attempted)-1]
		}
		return &task.TimeoutError{Provider: name}
	}
	cause := ctx.Err()
	if lastErr != nil {
		cause = fmt.Errorf("%w (last provider error: %v)", ctx.Err(), lastErr)
	}
	return &task.ProviderUnavailableError{Attempted: attempted, Reason: "request cancelled", Cause: cause}
}

// attempt makes one call and reports it before returning.
func (e *Executor) attempt(ctx context.Context, t *task.Task, d *routing.Decision, try int, exec *Execution) attemptOutcome {
	name := d.SelectedProvider
	requestID := audit.NewRequestID()
	rec := Attempt{Provider: name, RequestID: requestID, Number: try}

	lease, err := e.registry.Acquire(name)
	if err != nil {
		return e.reportSkip(ctx, t, rec, exec, &task.ProviderUnavailableError{
			Attempted: []string{name}, Reason: "provider unregistered", Cause: err,
		})
	}
	ticket, err := e.breakers.Acquire(name)
	if err != nil {
		lease.Release()
		return e.reportSkip(ctx, t, rec, exec, err)
	}

	timeout := t.Config.Timeout()
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan runResult, 1)
	started := time.Now()
	go func() {
		// The lease outlives an abandoned attempt so the provider is not
		// disposed while still running.
		defer lease.Release()
		defer func() {
			if r := recover(); r != nil {
				done <- runResult{err: &task.ProviderError{
					Provider: name,
					Message:  fmt.Sprintf("provider panicked: %v", r),
				}}
			}
		}()
		out, err := lease.Provider.Run(attemptCtx, t)
		if err == nil && out == nil {
			err = &task.ProviderError{Provider: name, Message: "provider returned no output"}
		}
		done <- runResult{out: out, err: err}
	}()

	var r runResult
	select {
	case r = <-done:
	case <-attemptCtx.Done():
	}
	latency := time.Since(started)
	rec.Duration = latency
	rec.DurationMs = latency.Milliseconds()

	switch {
	case r.err == nil && r.out != nil:
		e.breakers.RecordSuccess(ticket)
		exec.Attempts = append(exec.Attempts, rec)
		e.metrics.RecordAttempt(name, metrics.OutcomeSuccess, latency, r.out.TokensUsed, r.out.Cost)
		e.audit.Record(context.WithoutCancel(ctx), t.ID, requestID, audit.EventTaskExecuted, map[string]any{
			"provider":   name,
			"model":      r.out.Model,
			"attempt":    try,
			"durationMs": rec.DurationMs,
			"tokensUsed": r.out.TokensUsed,
			"cost":       r.out.Cost,
			"routing":    d,
		})
		e.metrics.RecordEvent(string(audit.EventTaskExecuted), t.ID, name, map[string]any{"attempt": try})
		return attemptOutcome{out: r.out}

	case ctx.Err() != nil:
		// The caller gave up; the provider is not at fault.
		e.breakers.Release(ticket)
		rec.Err = ctx.Err()
		rec.ErrorCode = task.CodeTimeout
		exec.Attempts = append(exec.Attempts, rec)
		e.metrics.RecordAttempt(name, metrics.OutcomeFailure, latency, 0, 0)
		e.recordFailure(ctx, t, rec, false)
		return attemptOutcome{err: ctx.Err(), abandoned: true}
	}

	err = r.err
	outcome := metrics.OutcomeFailure
	if attemptCtx.Err() != nil && (err == nil || errors.Is(err, context.DeadlineExceeded)) {
		err = &task.TimeoutError{Provider: name, Timeout: timeout}
		outcome = metrics.OutcomeTimeout
	} else {
		err = classify(name, err)
	}

	e.breakers.RecordFailure(ticket)
	rec.Err = err
	rec.ErrorCode = task.Code(err)
	exec.Attempts = append(exec.Attempts, rec)
	e.metrics.RecordAttempt(name, outcome, latency, 0, 0)
	e.recordFailure(ctx, t, rec, task.IsRetryable(err))
	return attemptOutcome{err: err}
}

func (e *Executor) reportSkip(ctx context.Context, t *task.Task, rec Attempt, exec *Execution, err error) attemptOutcome {
	rec.Skipped = true
	rec.Err = err
	rec.ErrorCode = task.Code(err)
	exec.Attempts = append(exec.Attempts, rec)
	e.recordFailure(ctx, t, rec, false)
	return attemptOutcome{err: err, skip: true}
}

func (e *Executor) recordFailure(ctx context.Context, t *task.Task, rec Attempt, retryable bool) {
	data := map[string]any{
		"provider":   rec.Provider,
		"attempt":    rec.Number,
		"durationMs": rec.DurationMs,
		"errorCode":  rec.ErrorCode,
		"error":      rec.Err.Error(),
		"retryable":  retryable,
	}
	if rec.Skipped {
		data["skipped"] = true
	}
	e.audit.Record(context.WithoutCancel(ctx), t.ID, rec.RequestID, audit.EventProviderFailed, data)
	e.metrics.RecordEvent(string(audit.EventProviderFailed), t.ID, rec.Provider, map[string]any{
		"attempt":   rec.Number,
		"errorCode": rec.ErrorCode,
	})
}

// classify turns whatever an adapter returned into a task error. Errors the
// adapter did not classify are treated as transient.
func classify(name string, err error) error {
	var (
		pe *task.ProviderError
		te *task.TimeoutError
	)
	if errors.As(err, &pe) || errors.As(err, &te) {
		return err
	}
	return &task.ProviderError{Provider: name, Message: err.Error(), Retryable: true, Cause: err}
}
