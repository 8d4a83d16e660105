// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretFetcher is the subset of the Secrets Manager client used here.
type SecretFetcher interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput,
		optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// NewSecretsClient builds a Secrets Manager client from the default AWS
// credential chain.
func NewSecretsClient(ctx context.Context, region string) (*secretsmanager.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

// FetchAPIKey reads an API key secret. JSON secrets are searched for
// api_key, apiKey or key; anything else is used verbatim.
func FetchAPIKey(ctx context.Context, client SecretFetcher, secretARN string) (string, error) {
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretARN),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", maskARN(secretARN), err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", maskARN(secretARN))
	}

	raw := strings.TrimSpace(*out.SecretString)
	var fields map[string]string
	if err := json.Unmarshal([]byte(raw), &fields); err == nil {
		for _, k := range []string{"api_key", "apiKey", "key"} {
			if v := fields[k]; v != "" {
				return v, nil
			}
		}
		return "", fmt.Errorf("secret %s has no api_key field", maskARN(secretARN))
	}
	if raw == "" {
		return "", fmt.Errorf("secret %s is empty", maskARN(secretARN))
	}
	return raw, nil
}

// ResolveSecrets adds the metrics API key from Secrets Manager when an ARN
// is configured. client may be nil, in which case one is created.
func (c *Config) ResolveSecrets(ctx context.Context, client SecretFetcher, logger *log.Logger) error {
	if c.MetricsAPIKeySecretARN == "" {
		return nil
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[SECRETS_MANAGER] ", log.LstdFlags)
	}
	if client == nil {
		sm, err := NewSecretsClient(ctx, c.AWSRegion)
		if err != nil {
			return err
		}
		client = sm
	}
	key, err := FetchAPIKey(ctx, client, c.MetricsAPIKeySecretARN)
	if err != nil {
		return err
	}
	c.APIKeys = append(c.APIKeys, key)
	logger.Printf("Loaded metrics API key from secret %s", maskARN(c.MetricsAPIKeySecretARN))
	return nil
}

func maskARN(arn string) string {
	if len(arn) <= 12 {
		return "***"
	}
	return "..." + arn[len(arn)-8:]
}
