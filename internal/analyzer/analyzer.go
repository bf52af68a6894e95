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

// Package analyzer implements the Analysis Worker stage: static attachment
// checks plus the sandbox collaborator, merged into a refined risk
// assessment. Severity only ever goes up; every analyzed event moves on to
// the action topic no matter what the checks found.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bcem/triage/internal/config"
	"github.com/bcem/triage/internal/metrics"
	"github.com/bcem/triage/internal/models"
	"github.com/bcem/triage/internal/queue"
	"github.com/bcem/triage/internal/retry"
	"github.com/bcem/triage/internal/sandbox"
)

// EventStore is the store surface the analyzer needs.
type EventStore interface {
	Get(ctx context.Context, id string) (*models.EmailEvent, error)
	UpdateWithRetry(ctx context.Context, id string, mutate func(*models.EmailEvent) error) (*models.EmailEvent, error)
}

// Publisher appends event references to the action topic.
type Publisher interface {
	Publish(ctx context.Context, topic, eventID string) (string, error)
}

// PublishGuard suppresses duplicate action-topic publishes on redelivery.
// Keyed by publishing stage; implemented by dedup.Filter.
type PublishGuard interface {
	FirstPublish(ctx context.Context, stage, eventID, destination string) (bool, string, error)
	Release(ctx context.Context, stage, eventID string) error
}

// Scanner is the sandbox collaborator.
type Scanner interface {
	Scan(ctx context.Context, eventID string, attachments []models.Attachment, urls []string) (*sandbox.Verdict, error)
}

// Config wires an Analyzer.
type Config struct {
	Store     EventStore
	Publisher Publisher
	Guard     PublishGuard
	Scanner   Scanner
	Retry     retry.Policy
	Metrics   *metrics.PipelineMetrics
}

// Analyzer is the Analysis Worker stage handler.
type Analyzer struct {
	store     EventStore
	publisher Publisher
	guard     PublishGuard
	scanner   Scanner
	retry     retry.Policy
	metrics   *metrics.PipelineMetrics
}

// New creates an Analyzer.
func New(cfg Config) *Analyzer {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy
	}
	return &Analyzer{
		store:     cfg.Store,
		publisher: cfg.Publisher,
		guard:     cfg.Guard,
		scanner:   cfg.Scanner,
		retry:     cfg.Retry,
		metrics:   cfg.Metrics,
	}
}

// Handle processes one analysis-topic message. Reprocessing the same event
// produces the same analysis result and never publishes a second action
// message: the status guard skips events that already left ANALYZING and the
// publish guard suppresses the duplicate append.
func (a *Analyzer) Handle(ctx context.Context, msg queue.Message) error {
	event, err := a.store.Get(ctx, msg.EventID)
	if err != nil {
		return fmt.Errorf("load event %s: %w", msg.EventID, err)
	}

	if event.Status != models.StatusAnalyzing && event.Status != models.StatusProcessing {
		slog.Info("event already analyzed, skipping",
			"event_id", event.ID,
			"status", event.Status,
		)
		return nil
	}

	static := staticScan(event)
	urls := extractURLs(event.BodyPreview)

	result := map[string]any{
		"static": map[string]any{
			"findings": static.Findings,
			"score":    static.Score,
		},
		"urls": urls,
	}

	refinedScore := static.Score
	refinedTier := static.Tier
	degraded := false

	var verdict *sandbox.Verdict
	err = retry.Do(ctx, a.retry, func(ctx context.Context) error {
		v, err := a.scanner.Scan(ctx, event.ID, event.Attachments, urls)
		if err != nil {
			if a.metrics != nil {
				a.metrics.CollaboratorErrors.WithLabelValues("sandbox").Inc()
			}
			return err
		}
		verdict = v
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The sandbox stays down: proceed on static results alone
		// rather than blocking the pipeline on an external dependency.
		degraded = true
		result["degraded"] = "sandbox unavailable, static analysis only"
		slog.Warn("sandbox unavailable, degrading to static analysis",
			"event_id", event.ID,
			"error", err,
		)
	}

	if verdict != nil {
		result["sandbox"] = map[string]any{
			"verdict": verdict.Verdict,
			"score":   verdict.Score,
			"details": verdict.Details,
		}
		refinedScore = max(refinedScore, verdict.Score)
		switch verdict.Verdict {
		case sandbox.VerdictMalicious:
			refinedTier = models.MaxTier(refinedTier, models.TierThreat)
		case sandbox.VerdictSuspicious:
			refinedTier = models.MaxTier(refinedTier, models.TierCautious)
		}
	}

	if err := a.publishOnce(ctx, event.ID); err != nil {
		return err
	}

	updated, err := a.store.UpdateWithRetry(ctx, event.ID, func(ev *models.EmailEvent) error {
		ev.AnalysisResult = result
		ev.RiskScore = max(ev.RiskScore, refinedScore)
		ev.RiskTier = models.MaxTier(ev.RiskTier, refinedTier)
		if degraded {
			ev.DetectionReason = appendReason(ev.DetectionReason, "sandbox unavailable, static analysis only")
		}
		if models.CanTransition(ev.Status, models.StatusActionPending) {
			ev.Status = models.StatusActionPending
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record analysis for event %s: %w", event.ID, err)
	}

	if a.metrics != nil {
		a.metrics.EventsRouted.WithLabelValues(string(updated.RiskTier), config.ActionTopic).Inc()
	}
	slog.Info("event analyzed",
		"event_id", event.ID,
		"tier", updated.RiskTier,
		"score", updated.RiskScore,
		"static_findings", len(static.Findings),
		"degraded", degraded,
	)
	return nil
}

func (a *Analyzer) publishOnce(ctx context.Context, eventID string) error {
	first, _, err := a.guard.FirstPublish(ctx, config.AnalysisGroup, eventID, config.ActionTopic)
	if err != nil {
		return fmt.Errorf("publish guard for event %s: %w", eventID, err)
	}
	if !first {
		if a.metrics != nil {
			a.metrics.PublishesSuppressed.WithLabelValues(config.ActionTopic).Inc()
		}
		slog.Info("duplicate publish suppressed", "event_id", eventID, "topic", config.ActionTopic)
		return nil
	}

	if _, err := a.publisher.Publish(ctx, config.ActionTopic, eventID); err != nil {
		if releaseErr := a.guard.Release(ctx, config.AnalysisGroup, eventID); releaseErr != nil {
			slog.Error("failed to release publish guard",
				"event_id", eventID,
				"error", releaseErr,
			)
		}
		return fmt.Errorf("publish event %s to %s: %w", eventID, config.ActionTopic, err)
	}
	return nil
}

func appendReason(existing, reason string) string {
	if existing == "" {
		return reason
	}
	return existing + "; " + reason
}
