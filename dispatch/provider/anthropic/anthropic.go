// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package anthropic runs tasks against the Anthropic Messages API.
package anthropic

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
	DefaultBaseURL    = "https://api.anthropic.com"
	DefaultAPIVersion = "2023-06-01"
	DefaultModel      = "claude-3-5-haiku-20241022"
	DefaultTimeout    = 120 * time.Second
	DefaultMaxTokens  = 1024
)

// HTTPClient enables testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider implements provider.Provider for Anthropic Claude.
type Provider struct {
	name       string
	apiKey     string
	baseURL    string
	apiVersion string
	model      string
	client     HTTPClient
}

// Factory creates an Anthropic provider. An API key is required.
func Factory(cfg provider.Config) (provider.Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Anthropic provider %q", cfg.Name)
	}
	baseURL := strings.TrimRight(cfg.Endpoint, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	version := cfg.Options["api_version"]
	if version == "" {
		version = DefaultAPIVersion
	}
	return &Provider{
		name:       cfg.Name,
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		apiVersion: version,
		model:      model,
		client:     &http.Client{Timeout: cfg.Timeout(DefaultTimeout)},
	}, nil
}

func (p *Provider) Name() string        { return p.name }
func (p *Provider) Type() provider.Type { return provider.TypeAnthropic }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Messages    []message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", p.apiVersion)
}

// Run sends the task prompt as a single user message.
func (p *Provider) Run(ctx context.Context, t *task.Task) (*task.Output, error) {
	maxTokens := DefaultMaxTokens
	if t.Config.MaxTokens != nil {
		maxTokens = *t.Config.MaxTokens
	}
	reqBody, err := json.Marshal(messagesRequest{
		Model:       p.model,
		MaxTokens:   maxTokens,
		Messages:    []message{{Role: "user", Content: t.Prompt()}},
		Temperature: t.Config.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &task.ProviderError{Provider: p.name, Message: "anthropic request failed", Retryable: true, Cause: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, p.parseAPIError(resp.StatusCode, body)
	}

	var apiResp messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, &task.ProviderError{Provider: p.name, Message: "failed to decode response", Retryable: true, Cause: err}
	}

	var content strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	model := apiResp.Model
	if model == "" {
		model = p.model
	}
	pricing, ok := provider.LookupPricing(model)
	if !ok {
		pricing = provider.DefaultPricing
	}
	return &task.Output{
		Data:       provider.ParseContent(content.String()),
		Model:      model,
		TokensUsed: apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		Cost:       pricing.CalculateCost(apiResp.Usage.InputTokens, apiResp.Usage.OutputTokens),
	}, nil
}

// parseAPIError classifies an error reply. overloaded_error is retryable
// regardless of status.
func (p *Provider) parseAPIError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		msg = fmt.Sprintf("%s: %s", errResp.Error.Type, errResp.Error.Message)
	}
	pe := task.NewProviderError(p.name, statusCode, msg)
	if errResp.Error.Type == "overloaded_error" {
		pe.Retryable = true
	}
	return pe
}

// HealthCheck lists models, which needs a valid key but no tokens.
func (p *Provider) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/models?limit=1", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	p.setHeaders(httpReq)
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

// Dispose closes idle connections when the client supports it.
func (p *Provider) Dispose() error {
	if c, ok := p.client.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
	return nil
}

// EstimateCost prices the task against the configured model.
func (p *Provider) EstimateCost(t *task.Task) float64 {
	return provider.EstimateCost(p.model, t)
}
