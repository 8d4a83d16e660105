// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package main is the entry point for the task dispatcher service.
//
// The dispatcher accepts AI tasks over HTTP and:
// - Routes each task to a registered provider (Ollama, Anthropic, Bedrock)
// - Retries and falls back across providers behind per-provider circuit breakers
// - Enforces per-caller rate limits and serves repeated tasks from a cache
// - Writes every task lifecycle event to a durable audit log
//
// Usage:
//
//	./dispatcher [-config dispatcher.yaml]
//
// Environment Variables:
//
//	CONFIG_FILE - YAML configuration file (optional)
//	PORT - HTTP server port (default: 8081)
//	REDIS_URL - Redis for shared rate limiting and caching (optional)
//	AUDIT_DRIVER, AUDIT_DSN - audit store (default: sqlite)
//	TASKDISPATCH_API_KEYS - comma-separated operator API keys
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"axonflow/taskdispatch/dispatch"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := dispatch.Run(ctx, *configPath); err != nil {
		log.Fatalf("dispatcher: %v", err)
	}
}
