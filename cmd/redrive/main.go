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

// BlackChamber Triage — Dead-Letter Redrive Command
//
// Standalone CLI tool that inspects the dead-letter stream and republishes
// selected messages to their source topic for another attempt. Intended for
// operators after an outage or a bug fix.
//
// Usage:
//
//	go run ./cmd/redrive/ --list
//	go run ./cmd/redrive/ --pending
//	go run ./cmd/redrive/ [--topic triage:action] [--event <id>] [--dry-run]
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/bcem/triage/internal/config"
	"github.com/bcem/triage/internal/queue"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	listFlag := flag.Bool("list", false, "List dead-lettered messages and exit")
	pendingFlag := flag.Bool("pending", false, "List claimed-but-unacknowledged messages per stage and exit")
	topicFlag := flag.String("topic", "", "Only redrive messages from this source topic (optional)")
	eventFlag := flag.String("event", "", "Only redrive this event ID (optional)")
	limitFlag := flag.Int64("limit", 100, "Maximum number of dead-lettered messages to inspect")
	dryRunFlag := flag.Bool("dry-run", false, "Show what would be redriven without publishing")
	flag.Parse()

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	q := queue.New(rdb, config.DeadLetterTopic)
	if err := q.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	if *pendingFlag {
		stages := []struct {
			topic string
			group string
		}{
			{config.IntentTopic, config.IntentGroup},
			{config.AnalysisTopic, config.AnalysisGroup},
			{config.ActionTopic, config.ActionGroup},
		}
		total := 0
		for _, s := range stages {
			entries, err := q.ListPending(ctx, s.topic, s.group)
			if err != nil {
				slog.Error("failed to read pending entries", "topic", s.topic, "error", err)
				os.Exit(1)
			}
			for _, e := range entries {
				slog.Info("pending message",
					"topic", s.topic,
					"group", s.group,
					"id", e.ID,
					"consumer", e.Consumer,
					"idle", e.Idle,
					"deliveries", e.DeliveryCount,
				)
			}
			total += len(entries)
		}
		slog.Info("pending entries listed", "count", total)
		return
	}

	dead, err := q.ListDead(ctx, *limitFlag)
	if err != nil {
		slog.Error("failed to read dead-letter stream", "error", err)
		os.Exit(1)
	}

	if *listFlag {
		for _, d := range dead {
			slog.Info("dead-lettered message",
				"id", d.ID,
				"event_id", d.EventID,
				"topic", d.Topic,
				"deliveries", d.DeliveryCount,
				"failed_at", d.FailedAt,
				"last_error", d.LastError,
			)
		}
		slog.Info("dead-letter stream listed", "count", len(dead))
		return
	}

	// Republishing appends directly to the source topic; the per-stage
	// publish guards are untouched, so the consuming stage's own downstream
	// dedup still holds.
	var redriven, skipped, failed int
	for _, d := range dead {
		if *topicFlag != "" && d.Topic != *topicFlag {
			skipped++
			continue
		}
		if *eventFlag != "" && d.EventID != *eventFlag {
			skipped++
			continue
		}
		if d.Topic == "" || d.EventID == "" {
			slog.Warn("dead-lettered message missing topic or event, skipping", "id", d.ID)
			skipped++
			continue
		}

		if *dryRunFlag {
			slog.Info("would redrive",
				"id", d.ID,
				"event_id", d.EventID,
				"topic", d.Topic,
				"last_error", d.LastError,
			)
			redriven++
			continue
		}

		if _, err := q.Publish(ctx, d.Topic, d.EventID); err != nil {
			slog.Error("failed to republish", "event_id", d.EventID, "topic", d.Topic, "error", err)
			failed++
			continue
		}
		if err := q.RemoveDead(ctx, d.ID); err != nil {
			slog.Error("republished but failed to remove from dead-letter stream",
				"id", d.ID,
				"event_id", d.EventID,
				"error", err,
			)
			failed++
			continue
		}

		slog.Info("redriven", "event_id", d.EventID, "topic", d.Topic)
		redriven++
	}

	// --- Summary ---
	slog.Info("redrive complete",
		"inspected", len(dead),
		"redriven", redriven,
		"skipped", skipped,
		"failed", failed,
		"dry_run", *dryRunFlag,
	)
	if failed > 0 {
		os.Exit(1)
	}
}
