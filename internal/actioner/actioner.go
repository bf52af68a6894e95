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

// Package actioner implements the Action Worker stage: it maps the final
// risk tier to a mailbox label, invokes the enforcement collaborator, and
// marks the event terminal. Every event leaves this stage with a diagnosable
// status, COMPLETED, SPAM, or FAILED with the reason recorded.
package actioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bcem/triage/internal/config"
	"github.com/bcem/triage/internal/metrics"
	"github.com/bcem/triage/internal/models"
	"github.com/bcem/triage/internal/queue"
	"github.com/bcem/triage/internal/retry"
)

// errNotReady marks an event whose upstream stage has published its message
// but not yet committed the status change. The message redelivers after the
// visibility timeout, by which point the upstream store update has landed.
var errNotReady = errors.New("event not yet action-pending")

// EventStore is the store surface the actioner needs.
type EventStore interface {
	Get(ctx context.Context, id string) (*models.EmailEvent, error)
	UpdateWithRetry(ctx context.Context, id string, mutate func(*models.EmailEvent) error) (*models.EmailEvent, error)
}

// Enforcer is the label-enforcement collaborator. Calls are idempotent per
// event ID on the service side.
type Enforcer interface {
	Enforce(ctx context.Context, eventID, label string, quarantine bool) error
}

// Config wires an Actioner.
type Config struct {
	Store    EventStore
	Enforcer Enforcer
	Labels   config.LabelConfig
	Retry    retry.Policy
	Metrics  *metrics.PipelineMetrics
}

// Actioner is the Action Worker stage handler.
type Actioner struct {
	store    EventStore
	enforcer Enforcer
	labels   config.LabelConfig
	retry    retry.Policy
	metrics  *metrics.PipelineMetrics
}

// New creates an Actioner.
func New(cfg Config) *Actioner {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy
	}
	return &Actioner{
		store:    cfg.Store,
		enforcer: cfg.Enforcer,
		labels:   cfg.Labels,
		retry:    cfg.Retry,
		metrics:  cfg.Metrics,
	}
}

// labelFor maps the final risk tier to the enforcement label and quarantine
// flag. The quarantine move applies only to THREAT and only when enabled in
// configuration.
func (a *Actioner) labelFor(tier models.RiskTier) (label string, quarantine bool) {
	switch tier {
	case models.TierThreat:
		return a.labels.Threat, a.labels.Quarantine
	case models.TierCautious:
		return a.labels.Cautious, false
	default:
		return a.labels.Safe, false
	}
}

// Handle processes one action-topic message. A redelivered message whose
// event already completed is acknowledged without another enforcement call;
// the collaborator additionally treats the event ID as an idempotency key.
func (a *Actioner) Handle(ctx context.Context, msg queue.Message) error {
	event, err := a.store.Get(ctx, msg.EventID)
	if err != nil {
		return fmt.Errorf("load event %s: %w", msg.EventID, err)
	}

	if event.Status.Terminal() {
		slog.Info("event already terminal, skipping",
			"event_id", event.ID,
			"status", event.Status,
		)
		return nil
	}

	if event.Status != models.StatusActionPending {
		// The upstream publish landed before its store update; let the
		// visibility timeout reschedule this message.
		return fmt.Errorf("event %s in status %s: %w", event.ID, event.Status, errNotReady)
	}

	label, quarantine := a.labelFor(event.RiskTier)

	err = retry.Do(ctx, a.retry, func(ctx context.Context) error {
		if err := a.enforcer.Enforce(ctx, event.ID, label, quarantine); err != nil {
			if a.metrics != nil {
				a.metrics.CollaboratorErrors.WithLabelValues("enforcer").Inc()
			}
			return err
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Enforcement exhausted its retries: record the failure so the
		// event is diagnosable, then acknowledge. Operators redrive
		// FAILED events once the enforcement service recovers.
		reason := fmt.Sprintf("enforcement failed: %v", err)
		if _, markErr := a.store.UpdateWithRetry(ctx, event.ID, func(ev *models.EmailEvent) error {
			if ev.Status.Terminal() {
				return nil
			}
			ev.Status = models.StatusFailed
			ev.DetectionReason = appendReason(ev.DetectionReason, reason)
			return nil
		}); markErr != nil {
			return fmt.Errorf("mark event %s failed: %w", event.ID, markErr)
		}

		slog.Error("event marked FAILED after enforcement retries",
			"event_id", event.ID,
			"label", label,
			"error", err,
		)
		if a.metrics != nil {
			a.metrics.EventsRouted.WithLabelValues(string(event.RiskTier), "failed").Inc()
		}
		return nil
	}

	final := models.StatusCompleted
	if quarantine {
		final = models.StatusSpam
	}

	_, err = a.store.UpdateWithRetry(ctx, event.ID, func(ev *models.EmailEvent) error {
		if ev.Status.Terminal() {
			return nil
		}
		next, err := models.Transition(ev.Status, final)
		if err != nil {
			return err
		}
		ev.Status = next
		ev.AnalysisResult = withEnforcement(ev.AnalysisResult, label, quarantine)
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete event %s: %w", event.ID, err)
	}

	if a.metrics != nil {
		a.metrics.EventsRouted.WithLabelValues(string(event.RiskTier), string(final)).Inc()
	}
	slog.Info("event enforced",
		"event_id", event.ID,
		"tier", event.RiskTier,
		"label", label,
		"quarantine", quarantine,
		"status", final,
	)
	return nil
}

func withEnforcement(result map[string]any, label string, quarantine bool) map[string]any {
	if result == nil {
		result = map[string]any{}
	}
	result["enforcement"] = map[string]any{
		"label":      label,
		"quarantine": quarantine,
	}
	return result
}

func appendReason(existing, reason string) string {
	if existing == "" {
		return reason
	}
	return existing + "; " + reason
}
