// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package dispatch accepts AI tasks, routes them to registered providers and
// records every lifecycle step. Dispatcher is the in-process entry point;
// Server exposes it over HTTP.
package dispatch

import (
	"context"
	"errors"
	"time"

	"axonflow/taskdispatch/dispatch/audit"
	"axonflow/taskdispatch/dispatch/breaker"
	"axonflow/taskdispatch/dispatch/cache"
	"axonflow/taskdispatch/dispatch/executor"
	"axonflow/taskdispatch/dispatch/flags"
	"axonflow/taskdispatch/dispatch/metrics"
	"axonflow/taskdispatch/dispatch/provider"
	"axonflow/taskdispatch/dispatch/ratelimit"
	"axonflow/taskdispatch/dispatch/routing"
	"axonflow/taskdispatch/dispatch/task"
	"axonflow/taskdispatch/shared/logger"

	"github.com/google/uuid"
)

// Caller identifies who submitted a task and the quota tier they pay for.
type Caller struct {
	ID   string
	Tier ratelimit.Tier
}

// Anonymous is used when a request carries no identity.
var Anonymous = Caller{ID: "anonymous", Tier: ratelimit.TierFree}

// Submission is the outcome of one Submit call. On failure it carries
// whatever was learned before the error.
type Submission struct {
	Result         *task.Result
	Routing        *routing.Decision
	RequestID      string
	Timestamp      time.Time
	ProcessingTime time.Duration
	Cached         bool
	Attempts       []executor.Attempt
}

// Components are the collaborators a Dispatcher drives. Cache may be nil.
type Components struct {
	Flags    *flags.Store
	Registry *provider.Registry
	Breakers *breaker.Bank
	Selector *routing.Selector
	Executor *executor.Executor
	Slots    *executor.Limiter
	Limiter  ratelimit.Limiter
	Cache    *cache.Cache
	Audit    *audit.Logger
	Metrics  *metrics.Collector
}

func (c Components) validate() error {
	switch {
	case c.Flags == nil:
		return errors.New("flags store is required")
	case c.Registry == nil:
		return errors.New("provider registry is required")
	case c.Breakers == nil:
		return errors.New("circuit breaker bank is required")
	case c.Selector == nil:
		return errors.New("selector is required")
	case c.Executor == nil:
		return errors.New("executor is required")
	case c.Slots == nil:
		return errors.New("concurrency limiter is required")
	case c.Limiter == nil:
		return errors.New("rate limiter is required")
	case c.Audit == nil:
		return errors.New("audit log is required")
	case c.Metrics == nil:
		return errors.New("metrics collector is required")
	}
	return nil
}

// Dispatcher runs the submission pipeline. It is safe for concurrent use.
type Dispatcher struct {
	Components
	log *logger.Logger
	now func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRequestLogger sets the structured logger used for per-task logs.
func WithRequestLogger(l *logger.Logger) Option {
	return func(d *Dispatcher) {
		d.log = l
	}
}

// New creates a dispatcher over c.
func New(c Components, opts ...Option) (*Dispatcher, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	d := &Dispatcher{
		Components: c,
		log:        logger.New("dispatcher"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Submit validates t, checks the caller's quota and the response cache, then
// executes t. Every task that passes the quota check gets exactly one
// TASK_COMPLETED audit entry before Submit returns, unless it was answered
// from the cache.
func (d *Dispatcher) Submit(ctx context.Context, caller Caller, t *task.Task) (*Submission, error) {
	start := d.now()
	if t == nil {
		return &Submission{}, &task.ValidationError{Message: "task is required"}
	}
	if t.ID == "" {
		t.ID = "task_" + uuid.NewString()
	}
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = start.UTC()
	}
	if t.Config.TimeoutMs == 0 {
		t.Config.TimeoutMs = task.DefaultTimeoutMs
	}

	sub := &Submission{}
	finish := func(err error) (*Submission, error) {
		sub.ProcessingTime = d.now().Sub(start)
		return sub, err
	}

	if err := t.Validate(); err != nil {
		d.log.Warn(caller.ID, "", "Task rejected by validation", map[string]interface{}{
			"task_id": t.ID,
			"error":   err.Error(),
		})
		return finish(err)
	}

	if err := d.checkQuota(ctx, caller, t, sub); err != nil {
		return finish(err)
	}

	if res, ok := d.lookupCache(ctx, caller, t, sub); ok {
		sub.Result = res
		return finish(nil)
	}

	submitted := d.Audit.Record(context.WithoutCancel(ctx), t.ID, "", audit.EventTaskSubmitted, map[string]any{
		"type":              t.Type,
		"callerId":          caller.ID,
		"tier":              caller.Tier,
		"priority":          t.Config.Priority,
		"preferredProvider": t.Config.PreferredProvider,
		"fallbackProviders": t.Config.FallbackProviders,
		"timeoutMs":         t.Config.TimeoutMs,
		"maxRetries":        t.Config.MaxRetries,
	})
	d.Metrics.RecordEvent(string(audit.EventTaskSubmitted), t.ID, "", map[string]any{"type": t.Type})
	sub.RequestID = submitted.RequestID
	sub.Timestamp = submitted.Timestamp

	done := d.Metrics.TrackInFlight()
	defer done()

	// Waiting for a slot counts against the task's own timeout.
	queueCtx, cancelQueue := context.WithTimeout(ctx, t.Config.Timeout())
	release, err := d.Slots.Acquire(queueCtx)
	cancelQueue()
	if err != nil {
		d.Metrics.RecordQueueTimeout()
		d.complete(ctx, caller, t, sub, nil, err, start)
		return finish(err)
	}
	exec, err := d.Executor.Execute(ctx, t)
	release()

	d.complete(ctx, caller, t, sub, exec, err, start)
	if err != nil {
		return finish(err)
	}
	sub.Result = exec.Result
	if d.Cache != nil {
		d.Cache.Store(context.WithoutCancel(ctx), t, exec.Result)
	}
	return finish(nil)
}

func (d *Dispatcher) checkQuota(ctx context.Context, caller Caller, t *task.Task, sub *Submission) error {
	dec := d.Limiter.Allow(ctx, caller.ID, caller.Tier)
	if dec.Allowed {
		return nil
	}
	err := &task.RateLimitExceededError{
		Caller:     caller.ID,
		Tier:       string(caller.Tier),
		Limit:      dec.Limit,
		RetryAfter: dec.RetryAfter,
	}
	entry := d.Audit.Record(context.WithoutCancel(ctx), t.ID, "", audit.EventRateLimited, map[string]any{
		"callerId":          caller.ID,
		"tier":              caller.Tier,
		"limit":             dec.Limit,
		"resetAt":           dec.ResetAt,
		"retryAfterSeconds": err.RetryAfterSeconds(),
	})
	d.Metrics.RecordRateLimited(caller.ID, string(caller.Tier))
	d.log.Warn(caller.ID, entry.RequestID, "Rate limit exceeded", map[string]interface{}{
		"task_id":     t.ID,
		"tier":        string(caller.Tier),
		"limit":       dec.Limit,
		"retry_after": err.RetryAfterSeconds(),
	})
	sub.RequestID = entry.RequestID
	sub.Timestamp = entry.Timestamp
	return err
}

// lookupCache answers t from a stored result. The result keeps the task id
// it was first produced under; the hit is audited against that task.
func (d *Dispatcher) lookupCache(ctx context.Context, caller Caller, t *task.Task, sub *Submission) (*task.Result, bool) {
	if d.Cache == nil || !d.Cache.Enabled() {
		return nil, false
	}
	res, ok := d.Cache.Lookup(ctx, t)
	d.Metrics.RecordCacheLookup(ok)
	if !ok {
		return nil, false
	}
	entry := d.Audit.Record(context.WithoutCancel(ctx), res.TaskID, "", audit.EventCacheHit, map[string]any{
		"submittedTaskId": t.ID,
		"callerId":        caller.ID,
		"provider":        res.Metadata.Provider,
	})
	d.Metrics.RecordEvent(string(audit.EventCacheHit), res.TaskID, res.Metadata.Provider, nil)
	d.log.Info(caller.ID, entry.RequestID, "Task answered from cache", map[string]interface{}{
		"task_id":        t.ID,
		"cached_task_id": res.TaskID,
		"provider":       res.Metadata.Provider,
	})
	sub.Cached = true
	sub.RequestID = entry.RequestID
	sub.Timestamp = entry.Timestamp
	sub.Routing = &routing.Decision{
		SelectedProvider:      res.Metadata.Provider,
		Reason:                "served from response cache",
		Alternatives:          []string{},
		LoadBalancingStrategy: d.Flags.Get().Strategy,
		FallbacksUsed:         []string{},
	}
	return res, true
}

// complete writes the terminal audit entry and task metrics.
func (d *Dispatcher) complete(ctx context.Context, caller Caller, t *task.Task, sub *Submission,
	exec *executor.Execution, runErr error, start time.Time) {
	elapsed := d.now().Sub(start)
	data := map[string]any{
		"status":          task.StatusSuccess,
		"executionTimeMs": elapsed.Milliseconds(),
	}
	requestID := ""
	providerName := ""
	if exec != nil {
		sub.Routing = exec.Decision
		sub.Attempts = exec.Attempts
		requestID = exec.LastRequestID()
		data["attempts"] = len(exec.Attempts)
		if exec.Decision != nil {
			data["routing"] = exec.Decision
			data["fallbacksUsed"] = exec.Decision.FallbacksUsed
		}
		if exec.Result != nil {
			providerName = exec.Result.Metadata.Provider
			data["provider"] = providerName
			data["tokensUsed"] = exec.Result.Metadata.TokensUsed
			data["cost"] = exec.Result.Metadata.Cost
		}
	}
	if runErr != nil {
		data["status"] = task.StatusFailure
		data["errorCode"] = task.Code(runErr)
		data["error"] = runErr.Error()
		data["retryable"] = task.IsRetryable(runErr)
	}

	entry := d.Audit.Record(context.WithoutCancel(ctx), t.ID, requestID, audit.EventTaskCompleted, data)
	d.Metrics.RecordCompleted(string(t.Type), runErr == nil, elapsed)
	d.Metrics.RecordEvent(string(audit.EventTaskCompleted), t.ID, providerName, map[string]any{
		"status": data["status"],
	})
	sub.RequestID = entry.RequestID
	sub.Timestamp = entry.Timestamp

	fields := map[string]interface{}{
		"task_id":   t.ID,
		"task_type": string(t.Type),
		"provider":  providerName,
	}
	if runErr != nil {
		fields["error_code"] = task.Code(runErr)
		fields["error"] = runErr.Error()
		d.log.Warn(caller.ID, entry.RequestID, "Task failed", fields)
		return
	}
	d.log.InfoWithDuration(caller.ID, entry.RequestID, "Task completed", elapsed, fields)
}

// Healthy reports whether at least one provider can take work right now.
func (d *Dispatcher) Healthy() bool {
	for _, info := range d.Registry.Available() {
		if d.Breakers.Eligible(info.Name) {
			return true
		}
	}
	return false
}
