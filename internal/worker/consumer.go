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

// Package worker runs the blocking claim/process/acknowledge loop shared by
// every pipeline stage. Stage logic plugs in as a Handler; the loop owns
// claiming, acknowledgment, poison-message dead-lettering, and backoff when
// the queue is unreachable.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/triage/internal/metrics"
	"github.com/bcem/triage/internal/queue"
)

// Source is the queue surface the consumer needs. Implemented by
// queue.Queue; faked in tests.
type Source interface {
	Claim(ctx context.Context, topic, group, consumer string, max int64, visibility, block time.Duration) ([]queue.Message, error)
	Ack(ctx context.Context, topic, group string, ids ...string) error
	DeadLetter(ctx context.Context, group string, msg queue.Message, reason string) error
}

// Handler processes one claimed message. A nil return acknowledges the
// message; an error leaves it pending so it redelivers after the visibility
// timeout. Handlers must be idempotent under redelivery.
type Handler func(ctx context.Context, msg queue.Message) error

// Config wires one stage's consumer.
type Config struct {
	Source            Source
	Topic             string
	Group             string
	ConsumerID        string // defaults to hostname plus a random suffix
	BatchSize         int64
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	MaxDeliveries     int64
	Metrics           *metrics.PipelineMetrics
	Handler           Handler
}

// Consumer is one stage's polling worker.
type Consumer struct {
	cfg Config
}

// New creates a consumer, filling in defaults for unset config fields.
func New(cfg Config) *Consumer {
	if cfg.ConsumerID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "consumer"
		}
		cfg.ConsumerID = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 60 * time.Second
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	return &Consumer{cfg: cfg}
}

// ConsumerID returns the consumer's identity within its group.
func (c *Consumer) ConsumerID() string {
	return c.cfg.ConsumerID
}

// Run executes the claim loop until the context is cancelled. Claim blocks
// up to the poll interval when the topic is idle, so the loop never spins.
func (c *Consumer) Run(ctx context.Context) {
	slog.Info("consumer starting",
		"topic", c.cfg.Topic,
		"group", c.cfg.Group,
		"consumer", c.cfg.ConsumerID,
	)

	for {
		if ctx.Err() != nil {
			slog.Info("consumer stopping", "topic", c.cfg.Topic, "consumer", c.cfg.ConsumerID)
			return
		}

		msgs, err := c.cfg.Source.Claim(ctx, c.cfg.Topic, c.cfg.Group, c.cfg.ConsumerID,
			c.cfg.BatchSize, c.cfg.VisibilityTimeout, c.cfg.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			slog.Error("claim failed", "topic", c.cfg.Topic, "error", err)
			if errors.Is(err, queue.ErrUnavailable) {
				select {
				case <-time.After(c.cfg.PollInterval):
				case <-ctx.Done():
				}
			}
			continue
		}

		for _, msg := range msgs {
			c.processOne(ctx, msg)
		}
	}
}

func (c *Consumer) processOne(ctx context.Context, msg queue.Message) {
	if c.cfg.Metrics != nil {
		kind := "fresh"
		if msg.DeliveryCount > 1 {
			kind = "redelivery"
		}
		c.cfg.Metrics.MessagesClaimed.WithLabelValues(kind).Inc()
	}

	// Poison message: past its delivery budget, park it for diagnosis
	// instead of redelivering again.
	if msg.DeliveryCount > c.cfg.MaxDeliveries {
		reason := fmt.Sprintf("exceeded %d delivery attempts", c.cfg.MaxDeliveries)
		if err := c.cfg.Source.DeadLetter(ctx, c.cfg.Group, msg, reason); err != nil {
			slog.Error("dead-letter failed, message stays pending",
				"topic", msg.Topic,
				"message_id", msg.ID,
				"error", err,
			)
			return
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.MessagesDeadLetter.WithLabelValues(msg.Topic).Inc()
		}
		return
	}

	start := time.Now()
	err := c.cfg.Handler(ctx, msg)
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ProcessingDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		// No ack: the message stays pending and redelivers after the
		// visibility timeout, possibly to another consumer.
		slog.Error("message processing failed, leaving for redelivery",
			"topic", msg.Topic,
			"message_id", msg.ID,
			"event_id", msg.EventID,
			"delivery_count", msg.DeliveryCount,
			"error", err,
		)
		return
	}

	if err := c.cfg.Source.Ack(ctx, msg.Topic, c.cfg.Group, msg.ID); err != nil {
		// The work is done but the ack was lost; the handler's
		// idempotency guards absorb the resulting redelivery.
		slog.Error("ack failed, message will redeliver",
			"topic", msg.Topic,
			"message_id", msg.ID,
			"error", err,
		)
		return
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.MessagesAcked.WithLabelValues(outcome).Inc()
	}
}
