// Package main is the entrypoint for the auth gateway service: account
// security, session management, and payment gating for the VeloMart
// commerce backend.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/velomart/commerce-security-core/internal/config"
	"github.com/velomart/commerce-security-core/internal/observability"
	"github.com/velomart/commerce-security-core/internal/server"
)

const (
	serviceName    = "authgate"
	serviceVersion = "0.1.0"
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// Config loads before the structured logger exists; bootstrap messages
	// use a plain stderr logger.
	boot := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	cfg, vault, err := config.Load(ctx, boot)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Initialize structured logging with secret redaction
	logger := observability.InitLogger(observability.LogConfig{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: serviceName,
		Environment: cfg.Environment,
	})

	// Initialize OpenTelemetry tracing and metrics
	providers, err := observability.Setup(ctx, observability.Config{
		ServiceName:    cfg.OTEL.ServiceName,
		ServiceVersion: serviceVersion,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTEL.Endpoint,
	})
	if err != nil {
		return fmt.Errorf("initialize observability: %w", err)
	}

	a, err := setup(ctx, cfg, vault, logger)
	if err != nil {
		return err
	}

	// OTEL registers first so it flushes last, after everything that may
	// still emit spans has closed.
	cleanup := append([]server.Cleanup{
		{Name: "otel", Close: providers.Shutdown},
	}, a.cleanup...)

	return server.Run(ctx, server.Params{
		Name:       serviceName,
		Handler:    a.handler,
		Logger:     logger,
		Port:       cfg.Port,
		DrainDelay: time.Duration(cfg.Shutdown.DrainSeconds) * time.Second,
		Health:     a.health,
		Cleanup:    cleanup,
	})
}
