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

// Package metrics exposes the pipeline's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PipelineMetrics holds all Prometheus metrics for one worker process.
type PipelineMetrics struct {
	MessagesClaimed     *prometheus.CounterVec
	MessagesAcked       *prometheus.CounterVec
	MessagesDeadLetter  *prometheus.CounterVec
	ProcessingDuration  *prometheus.HistogramVec
	EventsRouted        *prometheus.CounterVec
	CollaboratorErrors  *prometheus.CounterVec
	VersionConflicts    prometheus.Counter
	PublishesSuppressed *prometheus.CounterVec
}

// New initialises and registers the pipeline metrics for the named stage.
func New(stage string) *PipelineMetrics {
	labels := prometheus.Labels{"stage": stage}
	return &PipelineMetrics{
		MessagesClaimed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "triage",
			Subsystem:   "queue",
			Name:        "messages_claimed_total",
			Help:        "Messages claimed from the stage's topic, by delivery kind.",
			ConstLabels: labels,
		}, []string{"kind"}), // kind: fresh, redelivery
		MessagesAcked: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "triage",
			Subsystem:   "queue",
			Name:        "messages_acked_total",
			Help:        "Messages acknowledged after processing, by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		MessagesDeadLetter: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "triage",
			Subsystem:   "queue",
			Name:        "messages_dead_lettered_total",
			Help:        "Messages moved to the dead-letter stream.",
			ConstLabels: labels,
		}, []string{"topic"}),
		ProcessingDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "triage",
			Subsystem:   "pipeline",
			Name:        "processing_seconds",
			Help:        "Wall time spent processing one claimed message.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"outcome"}),
		EventsRouted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "triage",
			Subsystem:   "pipeline",
			Name:        "events_routed_total",
			Help:        "Events leaving the stage, by risk tier and destination.",
			ConstLabels: labels,
		}, []string{"tier", "destination"}),
		CollaboratorErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "triage",
			Subsystem:   "pipeline",
			Name:        "collaborator_errors_total",
			Help:        "Failed collaborator calls, including retried ones.",
			ConstLabels: labels,
		}, []string{"collaborator"}),
		VersionConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "triage",
			Subsystem:   "store",
			Name:        "version_conflicts_total",
			Help:        "Optimistic-concurrency conflicts observed on event updates.",
			ConstLabels: labels,
		}),
		PublishesSuppressed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "triage",
			Subsystem:   "pipeline",
			Name:        "publishes_suppressed_total",
			Help:        "Downstream publishes skipped by the idempotency guard.",
			ConstLabels: labels,
		}, []string{"topic"}),
	}
}
