// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package bedrock runs tasks on AWS Bedrock models through the AWS SDK, so
// requests are signed with the standard credential chain.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"axonflow/taskdispatch/dispatch/provider"
	"axonflow/taskdispatch/dispatch/task"
)

const (
	DefaultRegion    = "us-east-1"
	DefaultModel     = "anthropic.claude-3-haiku-20240307-v1:0"
	DefaultMaxTokens = 1024
)

// InvokeModelAPI is the subset of the Bedrock runtime client used here.
type InvokeModelAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Provider implements provider.Provider for Bedrock.
type Provider struct {
	name   string
	region string
	model  string
	client InvokeModelAPI
	creds  aws.CredentialsProvider
}

// New wraps an existing client. creds may be nil.
func New(name, region, model string, client InvokeModelAPI, creds aws.CredentialsProvider) *Provider {
	return &Provider{name: name, region: region, model: model, client: client, creds: creds}
}

// Factory loads AWS configuration for the provider's region. Static keys may
// be given through the access_key_id and secret_access_key options;
// otherwise the default credential chain applies.
func Factory(cfg provider.Config) (provider.Provider, error) {
	region := cfg.Region
	if region == "" {
		region = DefaultRegion
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	if family(model) == "" {
		return nil, fmt.Errorf("unsupported Bedrock model %q", model)
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if ak, sk := cfg.Options["access_key_id"], cfg.Options["secret_access_key"]; ak != "" && sk != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ak, sk, cfg.Options["session_token"])))
	}
	awsCfg, err := config.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for Bedrock (region: %s): %w", region, err)
	}

	client := bedrockruntime.NewFromConfig(awsCfg, func(o *bedrockruntime.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return New(cfg.Name, region, model, client, awsCfg.Credentials), nil
}

func (p *Provider) Name() string        { return p.name }
func (p *Provider) Type() provider.Type { return provider.TypeBedrock }

// family returns the model vendor, skipping a regional inference-profile
// prefix such as "us." or "eu.".
func family(modelID string) string {
	segments := strings.Split(modelID, ".")
	if len(segments) < 2 {
		return ""
	}
	switch segments[0] {
	case "us", "eu", "apac", "global":
		if len(segments) < 3 {
			return ""
		}
		segments = segments[1:]
	}
	switch segments[0] {
	case "anthropic", "amazon", "meta":
		return segments[0]
	}
	return ""
}

func (p *Provider) buildBody(t *task.Task) map[string]any {
	maxTokens := DefaultMaxTokens
	if t.Config.MaxTokens != nil {
		maxTokens = *t.Config.MaxTokens
	}
	temperature := 0.7
	if t.Config.Temperature != nil {
		temperature = *t.Config.Temperature
	}
	prompt := t.Prompt()

	switch family(p.model) {
	case "amazon":
		return map[string]any{
			"inputText": prompt,
			"textGenerationConfig": map[string]any{
				"maxTokenCount": maxTokens,
				"temperature":   temperature,
			},
		}
	case "meta":
		return map[string]any{
			"prompt":      prompt,
			"max_gen_len": maxTokens,
			"temperature": temperature,
		}
	}
	return map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        maxTokens,
		"temperature":       temperature,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
}

type reply struct {
	text         string
	inputTokens  int
	outputTokens int
}

func (p *Provider) parseBody(body []byte) (reply, error) {
	switch family(p.model) {
	case "amazon":
		var resp struct {
			Results []struct {
				OutputText string `json:"outputText"`
				TokenCount int    `json:"tokenCount"`
			} `json:"results"`
			InputTextTokenCount int `json:"inputTextTokenCount"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return reply{}, err
		}
		r := reply{inputTokens: resp.InputTextTokenCount}
		if len(resp.Results) > 0 {
			r.text = resp.Results[0].OutputText
			r.outputTokens = resp.Results[0].TokenCount
		}
		return r, nil
	case "meta":
		var resp struct {
			Generation           string `json:"generation"`
			PromptTokenCount     int    `json:"prompt_token_count"`
			GenerationTokenCount int    `json:"generation_token_count"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return reply{}, err
		}
		return reply{text: resp.Generation, inputTokens: resp.PromptTokenCount, outputTokens: resp.GenerationTokenCount}, nil
	}
	var resp struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return reply{}, err
	}
	r := reply{inputTokens: resp.Usage.InputTokens, outputTokens: resp.Usage.OutputTokens}
	if len(resp.Content) > 0 {
		r.text = resp.Content[0].Text
	}
	return r, nil
}

type statusCoder interface {
	HTTPStatusCode() int
}

// classify converts an SDK error. Errors without an HTTP status (network,
// signing) are retryable.
func (p *Provider) classify(err error) error {
	var sc statusCoder
	if errors.As(err, &sc) && sc.HTTPStatusCode() != 0 {
		pe := task.NewProviderError(p.name, sc.HTTPStatusCode(), err.Error())
		pe.Cause = err
		return pe
	}
	return &task.ProviderError{Provider: p.name, Message: err.Error(), Retryable: true, Cause: err}
}

// Run invokes the model with a body shaped for its family.
func (p *Provider) Run(ctx context.Context, t *task.Task) (*task.Output, error) {
	body, err := json.Marshal(p.buildBody(t))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(p.model),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, p.classify(err)
	}

	r, err := p.parseBody(out.Body)
	if err != nil {
		return nil, &task.ProviderError{Provider: p.name, Message: "failed to parse response", Cause: err}
	}
	pricing, ok := provider.LookupPricing(p.model)
	if !ok {
		pricing = provider.DefaultPricing
	}
	return &task.Output{
		Data:       provider.ParseContent(r.text),
		Model:      p.model,
		TokensUsed: r.inputTokens + r.outputTokens,
		Cost:       pricing.CalculateCost(r.inputTokens, r.outputTokens),
	}, nil
}

// HealthCheck verifies that credentials can be retrieved. Bedrock runtime has
// no free endpoint to probe.
func (p *Provider) HealthCheck(ctx context.Context) error {
	if p.creds == nil {
		return nil
	}
	if _, err := p.creds.Retrieve(ctx); err != nil {
		return fmt.Errorf("AWS credentials unavailable (region %s): %w", p.region, err)
	}
	return nil
}

// Dispose is a no-op; the SDK client holds no per-provider resources.
func (p *Provider) Dispose() error { return nil }

// EstimateCost prices the task against the configured model.
func (p *Provider) EstimateCost(t *task.Task) float64 {
	return provider.EstimateCost(p.model, t)
}
