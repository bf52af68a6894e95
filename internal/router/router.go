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

// Package router implements the Intent Router stage: it classifies newly
// ingested events, computes the initial risk tier from the policy table, and
// routes each event to deep analysis or straight to enforcement.
package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bcem/triage/internal/classifier"
	"github.com/bcem/triage/internal/config"
	"github.com/bcem/triage/internal/metrics"
	"github.com/bcem/triage/internal/models"
	"github.com/bcem/triage/internal/policy"
	"github.com/bcem/triage/internal/queue"
	"github.com/bcem/triage/internal/retry"
)

// EventStore is the store surface the router needs. Implemented by
// store.Store.
type EventStore interface {
	Get(ctx context.Context, id string) (*models.EmailEvent, error)
	UpdateWithRetry(ctx context.Context, id string, mutate func(*models.EmailEvent) error) (*models.EmailEvent, error)
}

// Publisher appends event references to downstream topics. Implemented by
// queue.Queue.
type Publisher interface {
	Publish(ctx context.Context, topic, eventID string) (string, error)
}

// PublishGuard suppresses duplicate downstream publishes on redelivery. The
// guard is keyed by publishing stage, not destination topic, so a redelivery
// that re-decides the route cannot publish to a second topic; it also
// returns the destination the original publish went to. Implemented by
// dedup.Filter.
type PublishGuard interface {
	FirstPublish(ctx context.Context, stage, eventID, destination string) (bool, string, error)
	Release(ctx context.Context, stage, eventID string) error
}

// Classifier is the classification collaborator.
type Classifier interface {
	Classify(ctx context.Context, event *models.EmailEvent) (*classifier.Result, error)
}

// Config wires a Router.
type Config struct {
	Store      EventStore
	Publisher  Publisher
	Guard      PublishGuard
	Classifier Classifier
	Policy     *policy.Table
	Retry      retry.Policy
	Metrics    *metrics.PipelineMetrics
}

// Router is the Intent Router stage handler.
type Router struct {
	store      EventStore
	publisher  Publisher
	guard      PublishGuard
	classifier Classifier
	policy     *policy.Table
	retry      retry.Policy
	metrics    *metrics.PipelineMetrics
}

// New creates a Router. A nil policy table falls back to the compiled-in
// defaults.
func New(cfg Config) *Router {
	if cfg.Policy == nil {
		cfg.Policy = policy.Default()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy
	}
	return &Router{
		store:      cfg.Store,
		publisher:  cfg.Publisher,
		guard:      cfg.Guard,
		classifier: cfg.Classifier,
		policy:     cfg.Policy,
		retry:      cfg.Retry,
		metrics:    cfg.Metrics,
	}
}

// Handle processes one intent-topic message. It is safe under redelivery:
// an event whose status already advanced past PROCESSING is skipped, and the
// downstream publish is suppressed by the idempotency guard.
func (r *Router) Handle(ctx context.Context, msg queue.Message) error {
	event, err := r.store.Get(ctx, msg.EventID)
	if err != nil {
		return fmt.Errorf("load event %s: %w", msg.EventID, err)
	}

	// Redelivery after a crash between publish and ack: the event has
	// already moved on, nothing left to do but acknowledge.
	if event.Status != models.StatusPending && event.Status != models.StatusProcessing {
		slog.Info("event already routed, skipping",
			"event_id", event.ID,
			"status", event.Status,
		)
		return nil
	}

	if event.Status == models.StatusPending {
		event, err = r.store.UpdateWithRetry(ctx, event.ID, func(ev *models.EmailEvent) error {
			next, err := models.Transition(ev.Status, models.StatusProcessing)
			if err != nil {
				return err
			}
			ev.Status = next
			return nil
		})
		if err != nil {
			return fmt.Errorf("claim event %s: %w", msg.EventID, err)
		}
	}

	// Classify, falling back to the conservative path when the
	// collaborator stays down: an unclassified email is never dropped,
	// it goes to deep analysis as UNKNOWN.
	result := &classifier.Result{Intent: models.IntentUnknown}
	degraded := false
	err = retry.Do(ctx, r.retry, func(ctx context.Context) error {
		res, err := r.classifier.Classify(ctx, event)
		if err != nil {
			if r.metrics != nil {
				r.metrics.CollaboratorErrors.WithLabelValues("classifier").Inc()
			}
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		degraded = true
		slog.Warn("classification unavailable, routing to analysis",
			"event_id", event.ID,
			"error", err,
		)
	}

	decision := r.policy.Evaluate(result.Intent, result.Confidence, event)
	if degraded {
		decision.NeedsAnalysis = true
		decision.Reason = "classification engine unavailable; routed to deep analysis"
	}

	destTopic := config.ActionTopic
	if decision.NeedsAnalysis {
		destTopic = config.AnalysisTopic
	}

	// A redelivery after a crash between publish and store update may
	// classify differently; the guard pins the route to wherever the
	// original publish went.
	published, err := r.publishOnce(ctx, destTopic, event.ID)
	if err != nil {
		return err
	}
	if published != destTopic {
		slog.Info("following previously published route",
			"event_id", event.ID,
			"decided", destTopic,
			"published", published,
		)
		destTopic = published
	}
	nextStatus := models.StatusActionPending
	if destTopic == config.AnalysisTopic {
		nextStatus = models.StatusAnalyzing
	}

	_, err = r.store.UpdateWithRetry(ctx, event.ID, func(ev *models.EmailEvent) error {
		ev.Intent = result.Intent
		ev.DetectionReason = decision.Reason
		ev.RiskScore = max(ev.RiskScore, decision.Score)
		ev.RiskTier = models.MaxTier(ev.RiskTier, decision.Tier)
		if models.CanTransition(ev.Status, nextStatus) {
			ev.Status = nextStatus
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record routing for event %s: %w", event.ID, err)
	}

	if r.metrics != nil {
		r.metrics.EventsRouted.WithLabelValues(string(decision.Tier), destTopic).Inc()
	}
	slog.Info("event routed",
		"event_id", event.ID,
		"intent", result.Intent,
		"confidence", result.Confidence,
		"tier", decision.Tier,
		"destination", destTopic,
	)
	return nil
}

// publishOnce publishes the event reference at most once per stage,
// releasing the guard if the append itself fails so a retry can publish. It
// returns the topic the event actually went to, which on a suppressed
// duplicate is whatever the earlier publish recorded.
func (r *Router) publishOnce(ctx context.Context, topic, eventID string) (string, error) {
	first, recorded, err := r.guard.FirstPublish(ctx, config.IntentGroup, eventID, topic)
	if err != nil {
		return "", fmt.Errorf("publish guard for event %s: %w", eventID, err)
	}
	if !first {
		if recorded == "" {
			recorded = topic
		}
		if r.metrics != nil {
			r.metrics.PublishesSuppressed.WithLabelValues(recorded).Inc()
		}
		slog.Info("duplicate publish suppressed", "event_id", eventID, "topic", recorded)
		return recorded, nil
	}

	if _, err := r.publisher.Publish(ctx, topic, eventID); err != nil {
		if releaseErr := r.guard.Release(ctx, config.IntentGroup, eventID); releaseErr != nil {
			slog.Error("failed to release publish guard",
				"event_id", eventID,
				"topic", topic,
				"error", releaseErr,
			)
		}
		return "", fmt.Errorf("publish event %s to %s: %w", eventID, topic, err)
	}
	return topic, nil
}
