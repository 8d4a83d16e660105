// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package dispatch

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"axonflow/taskdispatch/dispatch/audit"
	"axonflow/taskdispatch/dispatch/breaker"
	"axonflow/taskdispatch/dispatch/flags"
	"axonflow/taskdispatch/dispatch/metrics"
	"axonflow/taskdispatch/dispatch/provider"
	"axonflow/taskdispatch/dispatch/routing"
	"axonflow/taskdispatch/dispatch/task"
	"axonflow/taskdispatch/shared/logger"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

// APIKeyHeader authenticates operators on protected endpoints.
const APIKeyHeader = "X-API-Key"

const (
	maxBodyBytes = 1 << 20

	codeUnauthorized = "UNAUTHORIZED"
	codeNotFound     = "NOT_FOUND"
)

// Server exposes a Dispatcher over HTTP.
type Server struct {
	d        *Dispatcher
	identity *IdentityResolver
	apiKeys  [][]byte
	log      *logger.Logger
	started  time.Time
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the structured request logger.
func WithServerLogger(l *logger.Logger) ServerOption {
	return func(s *Server) {
		s.log = l
	}
}

// NewServer creates a server. Requests to protected endpoints must carry one
// of apiKeys in the X-API-Key header; with no keys configured they are
// always refused.
func NewServer(d *Dispatcher, identity *IdentityResolver, apiKeys []string, opts ...ServerOption) *Server {
	s := &Server{
		d:        d,
		identity: identity,
		log:      logger.New("dispatch-api"),
		started:  time.Now(),
	}
	for _, k := range apiKeys {
		if k != "" {
			s.apiKeys = append(s.apiKeys, []byte(k))
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router registers every route.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/tasks/submit", s.submitHandler).Methods("POST")
	r.HandleFunc("/tasks/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/tasks/metrics", s.requireAPIKey(s.metricsHandler)).Methods("GET")
	r.HandleFunc("/tasks/{taskId}/audit", s.auditHandler).Methods("GET")

	r.HandleFunc("/providers", s.providersHandler).Methods("GET")
	r.HandleFunc("/providers/{name}/priority", s.requireAPIKey(s.priorityHandler)).Methods("PUT")
	r.HandleFunc("/flags", s.flagsHandler).Methods("GET")
	r.HandleFunc("/flags", s.requireAPIKey(s.updateFlagsHandler)).Methods("PUT")

	r.Handle("/prometheus", s.d.Metrics.Handler()).Methods("GET")
	return r
}

// Handler wraps the router with CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", APIKeyHeader, ClientIDHeader},
		ExposedHeaders: []string{"Retry-After"},
	})
	return c.Handler(s.Router())
}

// ErrorBody is the error half of every failure response.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Field     string `json:"field,omitempty"`
}

type errorResponse struct {
	Success bool      `json:"success"`
	TaskID  string    `json:"taskId,omitempty"`
	Error   ErrorBody `json:"error"`
}

type submitRequest struct {
	Type     string         `json:"type"`
	Input    any            `json:"input"`
	Config   *submitConfig  `json:"config,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type submitConfig struct {
	TimeoutMs         *int     `json:"timeoutMs,omitempty"`
	MaxRetries        *int     `json:"maxRetries,omitempty"`
	Priority          int      `json:"priority,omitempty"`
	PreferredProvider string   `json:"preferredProvider,omitempty"`
	FallbackProviders []string `json:"fallbackProviders,omitempty"`
	QualityHint       string   `json:"qualityHint,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty"`
	MaxTokens         *int     `json:"maxTokens,omitempty"`
}

func (req *submitRequest) toTask() *task.Task {
	cfg := task.Config{
		TimeoutMs:  task.DefaultTimeoutMs,
		MaxRetries: task.DefaultMaxRetries,
	}
	if c := req.Config; c != nil {
		if c.TimeoutMs != nil {
			cfg.TimeoutMs = *c.TimeoutMs
		}
		if c.MaxRetries != nil {
			cfg.MaxRetries = *c.MaxRetries
		}
		cfg.Priority = c.Priority
		cfg.PreferredProvider = c.PreferredProvider
		cfg.FallbackProviders = c.FallbackProviders
		cfg.QualityHint = task.QualityHint(c.QualityHint)
		cfg.Temperature = c.Temperature
		cfg.MaxTokens = c.MaxTokens
	}
	return task.New(task.Type(req.Type), req.Input, cfg, req.Metadata)
}

// SubmitResponse is the success envelope of POST /tasks/submit.
type SubmitResponse struct {
	Success bool              `json:"success"`
	TaskID  string            `json:"taskId"`
	Status  task.Status       `json:"status"`
	Result  ResultBody        `json:"result"`
	Routing *routing.Decision `json:"routing"`
	Audit   AuditBody         `json:"audit"`
}

// ResultBody carries the provider output.
type ResultBody struct {
	Output        any                 `json:"output"`
	Metadata      task.ResultMetadata `json:"metadata"`
	Provider      string              `json:"provider"`
	ExecutionTime int64               `json:"executionTime"`
}

// AuditBody ties a response to its audit trail.
type AuditBody struct {
	RequestID      string    `json:"requestId"`
	Timestamp      time.Time `json:"timestamp"`
	ProcessingTime int64     `json:"processingTime"`
	Cached         bool      `json:"cached,omitempty"`
}

func (s *Server) submitHandler(w http.ResponseWriter, r *http.Request) {
	caller, err := s.identity.Resolve(r)
	if err != nil {
		s.log.Warn("", "", "Rejected submission with invalid credentials", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusUnauthorized, "", ErrorBody{Code: codeUnauthorized, Message: err.Error()})
		return
	}

	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.writeTaskError(w, caller, "", &task.ValidationError{Message: fmt.Sprintf("invalid JSON body: %v", err)})
		return
	}

	t := req.toTask()
	sub, err := s.d.Submit(r.Context(), caller, t)
	if err != nil {
		s.writeTaskError(w, caller, t.ID, err)
		return
	}

	res := sub.Result
	writeJSON(w, http.StatusOK, SubmitResponse{
		Success: true,
		TaskID:  res.TaskID,
		Status:  res.Status,
		Result: ResultBody{
			Output:        res.Output,
			Metadata:      res.Metadata,
			Provider:      res.Metadata.Provider,
			ExecutionTime: res.Metadata.ExecutionTimeMs,
		},
		Routing: sub.Routing,
		Audit: AuditBody{
			RequestID:      sub.RequestID,
			Timestamp:      sub.Timestamp,
			ProcessingTime: sub.ProcessingTime.Milliseconds(),
			Cached:         sub.Cached,
		},
	})
}

// StatusFor maps a dispatch error to its HTTP status.
func StatusFor(err error) int {
	switch task.Code(err) {
	case task.CodeValidation:
		return http.StatusBadRequest
	case task.CodeRateLimited:
		return http.StatusTooManyRequests
	case task.CodeTimeout:
		return http.StatusRequestTimeout
	case task.CodeProviderUnavailable, task.CodeQueueTimeout, task.CodeCircuitOpen:
		return http.StatusServiceUnavailable
	case task.CodeProviderError:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeTaskError(w http.ResponseWriter, caller Caller, taskID string, err error) {
	status := StatusFor(err)
	body := ErrorBody{
		Code:      task.Code(err),
		Message:   err.Error(),
		Retryable: task.IsRetryable(err),
	}
	var ve *task.ValidationError
	if errors.As(err, &ve) {
		body.Field = ve.Field
	}
	var rle *task.RateLimitExceededError
	if errors.As(err, &rle) {
		w.Header().Set("Retry-After", strconv.Itoa(rle.RetryAfterSeconds()))
	}
	if status >= http.StatusInternalServerError {
		s.log.ErrorWithCode(caller.ID, "", "Task submission failed", status, body.Code, err, map[string]interface{}{"task_id": taskID})
	}
	writeError(w, status, taskID, body)
}

// HealthResponse is returned by GET /tasks/health.
type HealthResponse struct {
	Status       string             `json:"status"`
	Dependencies HealthDependencies `json:"dependencies"`
	Metrics      HealthMetrics      `json:"metrics"`
	Timestamp    time.Time          `json:"timestamp"`
}

// HealthDependencies reports each collaborator as healthy or unhealthy.
type HealthDependencies struct {
	Router   string `json:"router"`
	AuditLog string `json:"auditLog"`
}

// HealthMetrics is a small slice of the metrics snapshot.
type HealthMetrics struct {
	TotalTasks         int64   `json:"totalTasks"`
	SuccessRate        float64 `json:"successRate"`
	InFlight           int64   `json:"inFlight"`
	AvailableProviders int     `json:"availableProviders"`
	UptimeSeconds      int64   `json:"uptimeSeconds"`
}

func healthWord(ok bool) string {
	if ok {
		return "healthy"
	}
	return "unhealthy"
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	routerOK := s.d.Healthy()
	auditOK := s.d.Audit.Healthy(r.Context())

	status := "healthy"
	switch {
	case !routerOK && !auditOK:
		status = "unhealthy"
	case !routerOK || !auditOK:
		status = "degraded"
	}

	snap := s.d.Metrics.Snapshot()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: status,
		Dependencies: HealthDependencies{
			Router:   healthWord(routerOK),
			AuditLog: healthWord(auditOK),
		},
		Metrics: HealthMetrics{
			TotalTasks:         snap.TotalTasks,
			SuccessRate:        snap.SuccessRate,
			InFlight:           snap.InFlight,
			AvailableProviders: len(s.d.Registry.Available()),
			UptimeSeconds:      snap.UptimeSeconds,
		},
		Timestamp: time.Now().UTC(),
	})
}

// MetricsResponse is returned by GET /tasks/metrics.
type MetricsResponse struct {
	Counters      MetricCounters     `json:"counters"`
	Gauges        MetricGauges       `json:"gauges"`
	SystemMetrics SystemMetrics      `json:"systemMetrics"`
	Details       *metrics.Snapshot  `json:"details"`
	Breakers      []breaker.Snapshot `json:"circuitBreakers"`
	AuditFailures int64              `json:"auditWriteFailures"`
}

// MetricCounters are monotonically increasing totals.
type MetricCounters struct {
	TotalTasks      int64 `json:"totalTasks"`
	SuccessfulTasks int64 `json:"successfulTasks"`
	FailedTasks     int64 `json:"failedTasks"`
	RateLimited     int64 `json:"rateLimited"`
	CacheHits       int64 `json:"cacheHits"`
	CacheMisses     int64 `json:"cacheMisses"`
	QueueTimeouts   int64 `json:"queueTimeouts"`
}

// MetricGauges are point-in-time values.
type MetricGauges struct {
	InFlight            int64   `json:"inFlight"`
	SuccessRate         float64 `json:"successRate"`
	AvgExecutionTimeMs  float64 `json:"avgExecutionTimeMs"`
	P95ExecutionTimeMs  float64 `json:"p95ExecutionTimeMs"`
	ConcurrencyLimit    int     `json:"concurrencyLimit"`
	RegisteredProviders int     `json:"registeredProviders"`
}

// SystemMetrics describes the process.
type SystemMetrics struct {
	Goroutines     int    `json:"goroutines"`
	HeapAllocBytes uint64 `json:"heapAllocBytes"`
	NumGC          uint32 `json:"numGC"`
	UptimeSeconds  int64  `json:"uptimeSeconds"`
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "prometheus" {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		if err := s.d.Metrics.WritePrometheus(w); err != nil {
			s.log.Error("", "", "Failed to render Prometheus metrics", map[string]interface{}{"error": err.Error()})
		}
		return
	}
	snap := s.d.Metrics.Snapshot()
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, MetricsResponse{
		Counters: MetricCounters{
			TotalTasks:      snap.TotalTasks,
			SuccessfulTasks: snap.SuccessfulTasks,
			FailedTasks:     snap.FailedTasks,
			RateLimited:     snap.RateLimited,
			CacheHits:       snap.CacheHits,
			CacheMisses:     snap.CacheMisses,
			QueueTimeouts:   snap.QueueTimeouts,
		},
		Gauges: MetricGauges{
			InFlight:            snap.InFlight,
			SuccessRate:         snap.SuccessRate,
			AvgExecutionTimeMs:  snap.ExecutionTime.AvgMs,
			P95ExecutionTimeMs:  float64(snap.ExecutionTime.P95Ms),
			ConcurrencyLimit:    s.d.Flags.Get().ConcurrencyLimit,
			RegisteredProviders: s.d.Registry.Count(),
		},
		SystemMetrics: SystemMetrics{
			Goroutines:     runtime.NumGoroutine(),
			HeapAllocBytes: mem.HeapAlloc,
			NumGC:          mem.NumGC,
			UptimeSeconds:  int64(time.Since(s.started).Seconds()),
		},
		Details:       snap,
		Breakers:      s.d.Breakers.Snapshots(),
		AuditFailures: s.d.Audit.WriteFailures(),
	})
}

type auditResponse struct {
	TaskID  string         `json:"taskId"`
	Entries []*audit.Entry `json:"entries"`
}

func (s *Server) auditHandler(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]
	entries, err := s.d.Audit.Query(r.Context(), taskID)
	if err != nil {
		s.log.ErrorWithCode("", "", "Audit query failed", http.StatusInternalServerError, task.CodeInternal, err,
			map[string]interface{}{"task_id": taskID})
		writeError(w, http.StatusInternalServerError, taskID, ErrorBody{Code: task.CodeInternal, Message: "audit query failed", Retryable: true})
		return
	}
	if len(entries) == 0 {
		writeError(w, http.StatusNotFound, taskID, ErrorBody{Code: codeNotFound, Message: fmt.Sprintf("no audit entries for task %q", taskID)})
		return
	}
	writeJSON(w, http.StatusOK, auditResponse{TaskID: taskID, Entries: entries})
}

// ProviderStatus is one row of GET /providers.
type ProviderStatus struct {
	provider.Info
	CircuitBreaker breaker.Snapshot       `json:"circuitBreaker"`
	Health         *provider.HealthResult `json:"health,omitempty"`
}

func (s *Server) providersHandler(w http.ResponseWriter, _ *http.Request) {
	health := s.d.Registry.HealthResults()
	infos := s.d.Registry.List()
	out := make([]ProviderStatus, 0, len(infos))
	for _, info := range infos {
		out = append(out, ProviderStatus{
			Info:           info,
			CircuitBreaker: s.d.Breakers.State(info.Name),
			Health:         health[info.Name],
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": out,
		"strategy":  s.d.Flags.Get().Strategy,
	})
}

type priorityRequest struct {
	Priority *int `json:"priority"`
}

func (s *Server) priorityHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var req priorityRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || req.Priority == nil {
		writeError(w, http.StatusBadRequest, "", ErrorBody{Code: task.CodeValidation, Message: "body must be {\"priority\": <int>}", Field: "priority"})
		return
	}
	if err := s.d.Registry.UpdatePriority(name, *req.Priority); err != nil {
		status := http.StatusBadRequest
		code := task.CodeValidation
		if provider.IsNotFound(err) {
			status, code = http.StatusNotFound, codeNotFound
		}
		writeError(w, status, "", ErrorBody{Code: code, Message: err.Error()})
		return
	}
	s.log.Info("", "", "Provider priority updated", map[string]interface{}{"provider": name, "priority": *req.Priority})
	info, _ := s.d.Registry.Get(name)
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) flagsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.d.Flags.Get())
}

func (s *Server) updateFlagsHandler(w http.ResponseWriter, r *http.Request) {
	var patch flags.Patch
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "", ErrorBody{Code: task.CodeValidation, Message: fmt.Sprintf("invalid flags patch: %v", err)})
		return
	}
	updated, err := s.d.Flags.Apply(patch)
	if err != nil {
		writeError(w, http.StatusBadRequest, "", ErrorBody{Code: task.CodeValidation, Message: err.Error()})
		return
	}
	s.log.Info("", "", "Feature flags updated", map[string]interface{}{
		"strategy":          updated.Strategy,
		"concurrency_limit": updated.ConcurrencyLimit,
		"cache_enabled":     updated.CacheEnabled,
	})
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(APIKeyHeader)
		if key == "" || !s.validKey([]byte(key)) {
			writeError(w, http.StatusUnauthorized, "", ErrorBody{Code: codeUnauthorized, Message: "valid " + APIKeyHeader + " header required"})
			return
		}
		next(w, r)
	}
}

func (s *Server) validKey(key []byte) bool {
	ok := false
	for _, k := range s.apiKeys {
		if subtle.ConstantTimeCompare(k, key) == 1 {
			ok = true
		}
	}
	return ok
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, taskID string, body ErrorBody) {
	writeJSON(w, status, errorResponse{Success: false, TaskID: taskID, Error: body})
}
