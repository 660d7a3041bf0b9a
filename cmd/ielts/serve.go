// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/AleutianAI/AleutianIELTS/services/ielts"
	"github.com/AleutianAI/AleutianIELTS/services/llm"
	"github.com/AleutianAI/AleutianIELTS/services/providers"
	"github.com/AleutianAI/AleutianIELTS/services/recovery"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const (
	defaultPort     = 8001
	shutdownTimeout = 10 * time.Second
)

type serveOptions struct {
	port           int
	recoveryConfig string
	traceStdout    bool
}

func newServeCmd() *cobra.Command {
	opts := serveOptions{port: portFromEnv()}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API (Ollama on /api, Gemini on /api/v2)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().IntVar(&opts.port, "port", opts.port, "Port to listen on (default from PORT)")
	cmd.Flags().StringVar(&opts.recoveryConfig, "recovery-config", "", "YAML file overriding the embedded recovery config")
	cmd.Flags().BoolVar(&opts.traceStdout, "trace-stdout", false, "Print spans to stdout when no OTLP endpoint is set")
	return cmd
}

func portFromEnv() int {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			return p
		}
	}
	return defaultPort
}

func loadRecoveryConfig(ctx context.Context, path string) (*recovery.Config, error) {
	if path == "" {
		return recovery.GetConfig(ctx)
	}
	return recovery.LoadConfigFile(ctx, path)
}

func runServe(ctx context.Context, opts serveOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if debugLogging {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	shutdownTracing, err := setupTracing(ctx, opts.traceStdout)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("Tracer shutdown failed", slog.String("error", err.Error()))
		}
	}()

	recCfg, err := loadRecoveryConfig(ctx, opts.recoveryConfig)
	if err != nil {
		return fmt.Errorf("loading recovery config: %w", err)
	}
	slog.Info("Recovery config loaded",
		slog.Int("tasks", len(recCfg.Tasks())),
		slog.Int("max_retries", recCfg.Policy.MaxRetries),
	)

	factory := providers.NewProviderFactory(slog.Default())

	ollamaCfg, err := providers.LoadProviderConfig(providers.ProviderOllama)
	if err != nil {
		return err
	}
	ollama, err := factory.CreateProvider(ollamaCfg)
	if err != nil {
		return fmt.Errorf("creating ollama provider: %w", err)
	}
	ollamaSvc, err := ielts.NewService(ielts.ServiceConfig{
		Name:      providers.ProviderOllama,
		Provider:  ollama,
		Generator: factory.CreateGenerator(ollama, ollamaCfg),
		Recovery:  recCfg,
		Budgets:   ielts.OllamaBudgets(),
	})
	if err != nil {
		return err
	}

	geminiCfg, err := providers.LoadProviderConfig(providers.ProviderGemini)
	if err != nil {
		return err
	}
	geminiSvcCfg := ielts.ServiceConfig{
		Name:     providers.ProviderGemini,
		Recovery: recCfg,
		Budgets:  ielts.GeminiBudgets(),
	}
	gemini, gerr := factory.CreateProvider(geminiCfg)
	switch {
	case gerr == nil:
		geminiSvcCfg.Provider = gemini
		geminiSvcCfg.Generator = factory.CreateGenerator(gemini, geminiCfg)
	case errors.Is(gerr, llm.ErrNotConfigured):
		slog.Warn("Gemini backend disabled, /api/v2 will answer 503", slog.String("reason", gerr.Error()))
		geminiSvcCfg.Unavailable = gerr
	default:
		return fmt.Errorf("creating gemini provider: %w", gerr)
	}
	geminiSvc, err := ielts.NewService(geminiSvcCfg)
	if err != nil {
		return err
	}

	root := ielts.NewRootHandlers(
		ielts.NewProbe(ollama, ollamaCfg.BaseURL, nil),
		ielts.NewProbe(gemini, "", gerr),
		ollamaSvc.DefaultModel(),
	)
	go root.CheckAll(ctx)

	middleware := []gin.HandlerFunc{otelgin.Middleware("aleutian-ielts")}
	if debugLogging {
		middleware = append(middleware, gin.Logger())
	}
	router := ielts.NewRouter(root,
		ielts.NewHandlers(ollamaSvc),
		ielts.NewHandlers(geminiSvc),
		ielts.CORSOriginsFromEnv(),
		middleware...,
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting IELTS server",
			slog.String("address", srv.Addr),
			slog.Bool("gemini_enabled", geminiSvc.Available()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Shutting down IELTS server")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}
