// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// BlackChamber Triage — Analysis Worker
//
// Entry point for the deep-analysis worker. It:
//  1. Loads configuration from config.yaml
//  2. Connects to PostgreSQL (event store) and Redis (stream queue)
//  3. Consumes the analysis topic, runs static attachment checks plus the
//     sandbox collaborator, and forwards the refined event to enforcement
//  4. Serves /health and /metrics
//  5. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/bcem/triage/internal/analyzer"
	"github.com/bcem/triage/internal/config"
	"github.com/bcem/triage/internal/dedup"
	"github.com/bcem/triage/internal/metrics"
	"github.com/bcem/triage/internal/queue"
	"github.com/bcem/triage/internal/retry"
	"github.com/bcem/triage/internal/sandbox"
	"github.com/bcem/triage/internal/store"
	"github.com/bcem/triage/internal/worker"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting BlackChamber triage analysis worker")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	events, err := store.New(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise event store", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)

	q := queue.New(rdb, config.DeadLetterTopic)
	if err := q.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	if err := q.EnsureGroup(ctx, config.AnalysisTopic, config.AnalysisGroup); err != nil {
		slog.Error("failed to create consumer group", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis", "topic", config.AnalysisTopic, "group", config.AnalysisGroup)

	// --- Sandbox Client ---
	scanner := sandbox.NewClient(
		collaboratorClient(ctx, cfg.Sandbox),
		cfg.Sandbox.URL,
		cfg.Sandbox.Timeout,
	)

	pm := metrics.New("analyzer")
	events.OnConflict = pm.VersionConflicts.Inc

	handler := analyzer.New(analyzer.Config{
		Store:     events,
		Publisher: q,
		Guard:     dedup.NewFilter(rdb),
		Scanner:   scanner,
		Retry:     retryPolicy(cfg.Retry),
		Metrics:   pm,
	})

	consumer := worker.New(worker.Config{
		Source:            q,
		Topic:             config.AnalysisTopic,
		Group:             config.AnalysisGroup,
		BatchSize:         int64(cfg.ClaimBatch),
		PollInterval:      cfg.PollInterval,
		VisibilityTimeout: cfg.VisibilityTimeout,
		MaxDeliveries:     int64(cfg.MaxDeliveries),
		Metrics:           pm,
		Handler:           handler.Handle,
	})
	go consumer.Run(ctx)

	// --- Health Check + Metrics Server ---
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := q.Ping(r.Context()); err != nil {
			http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		if err := events.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}

		rdb.Close()
		pgPool.Close()
	}()

	slog.Info("analysis worker listening", "addr", addr, "consumer", consumer.ConsumerID())
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("analysis worker stopped")
}

// collaboratorClient builds the HTTP client for a collaborator service,
// with OAuth2 client credentials when configured.
func collaboratorClient(ctx context.Context, cc config.CollaboratorConfig) *http.Client {
	if cc.ClientID != "" && cc.ClientSecret != "" && cc.TokenURL != "" {
		creds := &clientcredentials.Config{
			ClientID:     cc.ClientID,
			ClientSecret: cc.ClientSecret,
			TokenURL:     cc.TokenURL,
		}
		return creds.Client(ctx)
	}
	return &http.Client{}
}

func retryPolicy(rc config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts:    rc.MaxAttempts,
		InitialBackoff: rc.InitialBackoff,
		MaxBackoff:     rc.MaxBackoff,
		Multiplier:     rc.Multiplier,
	}
}
