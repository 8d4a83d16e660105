// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package ollama runs tasks on a self-hosted Ollama server.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"axonflow/taskdispatch/dispatch/provider"
	"axonflow/taskdispatch/dispatch/task"
)

const (
	DefaultEndpoint = "http://localhost:11434"
	DefaultModel    = "llama3.1:latest"
	DefaultTimeout  = 300 * time.Second
)

// Provider implements provider.Provider over Ollama's generate API.
type Provider struct {
	name     string
	endpoint string
	model    string
	client   *http.Client
}

// Factory creates an Ollama provider from configuration. No API key is
// needed.
func Factory(cfg provider.Config) (provider.Provider, error) {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &Provider{
		name:     cfg.Name,
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: cfg.Timeout(DefaultTimeout)},
	}, nil
}

func (p *Provider) Name() string        { return p.name }
func (p *Provider) Type() provider.Type { return provider.TypeOllama }

type generateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// Run sends the task prompt to /api/generate.
func (p *Provider) Run(ctx context.Context, t *task.Task) (*task.Output, error) {
	options := map[string]any{}
	if t.Config.Temperature != nil {
		options["temperature"] = *t.Config.Temperature
	}
	if t.Config.MaxTokens != nil {
		options["num_predict"] = *t.Config.MaxTokens
	}
	reqBody, err := json.Marshal(map[string]any{
		"model":   p.model,
		"prompt":  t.Prompt(),
		"stream":  false,
		"format":  "json",
		"options": options,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &task.ProviderError{Provider: p.name, Message: "ollama request failed", Retryable: true, Cause: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, task.NewProviderError(p.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &task.ProviderError{Provider: p.name, Message: "failed to decode response", Retryable: true, Cause: err}
	}
	model := out.Model
	if model == "" {
		model = p.model
	}
	return &task.Output{
		Data:       provider.ParseContent(out.Response),
		Model:      model,
		TokensUsed: out.PromptEvalCount + out.EvalCount,
	}, nil
}

// HealthCheck lists local models.
func (p *Provider) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy status: %d", resp.StatusCode)
	}
	return nil
}

// Dispose closes idle connections.
func (p *Provider) Dispose() error {
	p.client.CloseIdleConnections()
	return nil
}

// EstimateCost is zero: compute for a self-hosted server is billed elsewhere.
func (p *Provider) EstimateCost(*task.Task) float64 { return 0 }
