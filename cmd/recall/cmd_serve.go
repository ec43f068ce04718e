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
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/recall/pkg/logging"
	"github.com/AleutianAI/recall/services/llm"
	"github.com/AleutianAI/recall/services/memory"
	"github.com/AleutianAI/recall/services/memory/badgerstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the recall API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	closeLogs, err := logging.Setup(logging.Config{
		Level:   logging.ParseLevel(logLevel),
		Service: "recall",
		JSON:    jsonLogs,
	})
	if err != nil {
		return err
	}
	defer closeLogs()

	cfg, err := memory.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	client, err := newProvider(provider, cfg.EmbeddingDimension)
	if err != nil {
		return err
	}

	// Probe the embedding provider once up front so a dimension or
	// credential problem fails the process instead of the first request.
	probeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	vec, err := client.Embed(probeCtx, "dimension probe")
	cancel()
	if err != nil {
		return fmt.Errorf("embedding provider probe: %w", err)
	}
	if len(vec) != cfg.EmbeddingDimension {
		return fmt.Errorf("embedding provider returns dimension %d, config expects %d",
			len(vec), cfg.EmbeddingDimension)
	}

	store, err := badgerstore.Open(badgerstore.Config{
		Path:      dataDir,
		Dimension: cfg.EmbeddingDimension,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	svc := memory.NewService(store, client, client, cfg)
	handlers := memory.NewHandlers(svc)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/v1")
	memory.RegisterRoutes(v1, handlers)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		slog.Info("Shutting down recall server")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("Shutdown failed", "error", err)
		}
	}()

	slog.Info("Starting recall server",
		"address", srv.Addr,
		"provider", provider,
		"data_dir", dataDir,
		"dimension", cfg.EmbeddingDimension)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newProvider selects the embedding/judge provider by name. Both provider
// clients serve embeddings and completions from one connection.
func newProvider(name string, dimension int) (llm.Provider, error) {
	switch name {
	case "openai":
		return llm.NewOpenAIClient(dimension)
	case "ollama":
		return llm.NewOllamaClient(dimension)
	default:
		return nil, fmt.Errorf("unknown provider %q (want openai or ollama)", name)
	}
}
