// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"axonflow/taskdispatch/dispatch/config"
)

const shutdownTimeout = 30 * time.Second

// Run loads configuration from configPath (or CONFIG_FILE), serves the API
// and blocks until ctx is cancelled. On return in-flight requests have
// drained, the audit log is flushed and providers are disposed.
//
// Environment variables used:
//   - CONFIG_FILE: YAML configuration file (optional)
//   - PORT: HTTP server port (default: 8081)
//   - REDIS_URL: shared rate limiting and response cache (optional)
//   - AUDIT_DRIVER / AUDIT_DSN: audit store (default: sqlite)
//   - METRICS_API_KEY_SECRET_ARN: API key stored in AWS Secrets Manager (optional)
func Run(ctx context.Context, configPath string) error {
	log.Println("Starting task dispatcher...")

	if configPath == "" {
		configPath = os.Getenv("CONFIG_FILE")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := cfg.ResolveSecrets(ctx, nil, nil); err != nil {
		return err
	}
	if len(cfg.APIKeys) == 0 {
		log.Println("WARNING: no API keys configured - protected endpoints will refuse every request")
	}

	svc, err := Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	}()

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	svc.Start(bgCtx)

	server := NewServer(svc.Dispatcher, NewIdentityResolver(cfg.JWTSecret), cfg.APIKeys)
	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("Task dispatcher listening on port %d", cfg.Port)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Println("Shutting down task dispatcher...")
	stopBackground()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
