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

// Package queue is the durable stream queue client for the triage pipeline,
// backed by Redis Streams and consumer groups.
//
// Delivery is at-least-once: a claimed message stays invisible to the rest of
// its group until the visibility timeout elapses, then any consumer may
// reclaim it. Messages that exhaust their delivery budget move to the
// dead-letter stream instead of circulating forever.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is one claimed queue entry. The payload carries only the event ID
// and enqueue time; the event store holds everything else.
type Message struct {
	Topic         string
	ID            string // stream entry ID, monotonic within the topic
	EventID       string
	EnqueuedAt    time.Time
	DeliveryCount int64
}

// PendingEntry describes a claimed-but-unacknowledged message, for
// crash-recovery sweeps and operator inspection.
type PendingEntry struct {
	ID            string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// DeadMessage is an entry in the dead-letter stream.
type DeadMessage struct {
	ID            string
	EventID       string
	Topic         string
	LastError     string
	DeliveryCount int64
	FailedAt      time.Time
}

// ErrUnavailable marks transient backend failures. Callers retry with
// backoff; the condition is never swallowed.
var ErrUnavailable = errors.New("queue backend unavailable")

// Queue is a Redis Streams client scoped to one dead-letter stream.
type Queue struct {
	rdb       *redis.Client
	dlqStream string
}

// New creates a queue client. dlqStream receives exhausted messages from
// every topic.
func New(rdb *redis.Client, dlqStream string) *Queue {
	return &Queue{rdb: rdb, dlqStream: dlqStream}
}

// Ping checks the Redis connection.
func (q *Queue) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return q.rdb.Ping(ctx).Err()
}

// EnsureGroup creates the consumer group for a topic, creating the stream if
// it does not exist yet. An already-existing group is not an error.
func (q *Queue) EnsureGroup(ctx context.Context, topic, group string) error {
	err := q.rdb.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return q.wrap(fmt.Errorf("create consumer group %s on %s: %w", group, topic, err))
	}
	return nil
}

// Publish appends an event reference to a topic and returns the log-assigned
// message ID.
func (q *Queue) Publish(ctx context.Context, topic, eventID string) (string, error) {
	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{
			"event_id":    eventID,
			"enqueued_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return "", q.wrap(fmt.Errorf("XADD to %s: %w", topic, err))
	}
	return id, nil
}

// Claim returns up to max messages for the consumer: first any entries whose
// claim expired (idle past the visibility timeout, reclaimed from whichever
// consumer crashed holding them), then fresh entries, blocking up to block
// when none are available. Messages are returned in log order per stream.
func (q *Queue) Claim(ctx context.Context, topic, group, consumer string, max int64, visibility, block time.Duration) ([]Message, error) {
	msgs, err := q.reclaimExpired(ctx, topic, group, consumer, max, visibility)
	if err != nil {
		return nil, err
	}
	if int64(len(msgs)) >= max {
		return msgs, nil
	}

	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{topic, ">"},
		Count:    max - int64(len(msgs)),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return msgs, nil
		}
		return nil, q.wrap(fmt.Errorf("XREADGROUP from %s: %w", topic, err))
	}

	for _, stream := range streams {
		for _, m := range stream.Messages {
			msgs = append(msgs, parseMessage(topic, m, 1))
		}
	}
	return msgs, nil
}

// reclaimExpired transfers ownership of pending entries idle past the
// visibility timeout. The retry counter accounts for the new delivery.
func (q *Queue) reclaimExpired(ctx context.Context, topic, group, consumer string, max int64, visibility time.Duration) ([]Message, error) {
	pending, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: topic,
		Group:  group,
		Idle:   visibility,
		Start:  "-",
		End:    "+",
		Count:  max,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, q.wrap(fmt.Errorf("XPENDING on %s: %w", topic, err))
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	retries := make(map[string]int64, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
		retries[p.ID] = p.RetryCount
	}

	claimed, err := q.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   topic,
		Group:    group,
		Consumer: consumer,
		MinIdle:  visibility,
		Messages: ids,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, q.wrap(fmt.Errorf("XCLAIM on %s: %w", topic, err))
	}

	msgs := make([]Message, 0, len(claimed))
	for _, m := range claimed {
		msg := parseMessage(topic, m, retries[m.ID]+1)
		slog.Info("reclaimed expired message",
			"topic", topic,
			"message_id", m.ID,
			"event_id", msg.EventID,
			"delivery_count", msg.DeliveryCount,
		)
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Ack acknowledges processed messages, removing them from the group's
// pending entries.
func (q *Queue) Ack(ctx context.Context, topic, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := q.rdb.XAck(ctx, topic, group, ids...).Err(); err != nil {
		return q.wrap(fmt.Errorf("XACK on %s: %w", topic, err))
	}
	return nil
}

// ListPending returns the group's claimed-but-unacknowledged entries.
func (q *Queue) ListPending(ctx context.Context, topic, group string) ([]PendingEntry, error) {
	pending, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: topic,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  1000,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, q.wrap(fmt.Errorf("XPENDING on %s: %w", topic, err))
	}

	entries := make([]PendingEntry, 0, len(pending))
	for _, p := range pending {
		entries = append(entries, PendingEntry{
			ID:            p.ID,
			Consumer:      p.Consumer,
			Idle:          p.Idle,
			DeliveryCount: p.RetryCount,
		})
	}
	return entries, nil
}

// DeadLetter moves a poison message to the dead-letter stream with its last
// failure reason, then acknowledges it so it never redelivers.
func (q *Queue) DeadLetter(ctx context.Context, group string, msg Message, reason string) error {
	pipe := q.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.dlqStream,
		Values: map[string]interface{}{
			"event_id":       msg.EventID,
			"topic":          msg.Topic,
			"last_error":     reason,
			"delivery_count": msg.DeliveryCount,
			"failed_at":      time.Now().UTC().Format(time.RFC3339),
		},
	})
	pipe.XAck(ctx, msg.Topic, group, msg.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return q.wrap(fmt.Errorf("dead-letter %s from %s: %w", msg.ID, msg.Topic, err))
	}

	slog.Warn("message dead-lettered",
		"topic", msg.Topic,
		"message_id", msg.ID,
		"event_id", msg.EventID,
		"delivery_count", msg.DeliveryCount,
		"reason", reason,
	)
	return nil
}

// ListDead returns up to count entries from the dead-letter stream, oldest
// first.
func (q *Queue) ListDead(ctx context.Context, count int64) ([]DeadMessage, error) {
	entries, err := q.rdb.XRangeN(ctx, q.dlqStream, "-", "+", count).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, q.wrap(fmt.Errorf("XRANGE on %s: %w", q.dlqStream, err))
	}

	dead := make([]DeadMessage, 0, len(entries))
	for _, e := range entries {
		d := DeadMessage{
			ID:            e.ID,
			EventID:       stringValue(e.Values, "event_id"),
			Topic:         stringValue(e.Values, "topic"),
			LastError:     stringValue(e.Values, "last_error"),
			DeliveryCount: intValue(e.Values, "delivery_count"),
		}
		if ts, err := time.Parse(time.RFC3339, stringValue(e.Values, "failed_at")); err == nil {
			d.FailedAt = ts
		}
		dead = append(dead, d)
	}
	return dead, nil
}

// RemoveDead deletes redriven entries from the dead-letter stream.
func (q *Queue) RemoveDead(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := q.rdb.XDel(ctx, q.dlqStream, ids...).Err(); err != nil {
		return q.wrap(fmt.Errorf("XDEL on %s: %w", q.dlqStream, err))
	}
	return nil
}

// parseMessage converts a raw stream entry into a Message.
func parseMessage(topic string, m redis.XMessage, deliveryCount int64) Message {
	msg := Message{
		Topic:         topic,
		ID:            m.ID,
		EventID:       stringValue(m.Values, "event_id"),
		DeliveryCount: deliveryCount,
	}
	if ts, err := time.Parse(time.RFC3339Nano, stringValue(m.Values, "enqueued_at")); err == nil {
		msg.EnqueuedAt = ts
	}
	return msg
}

func stringValue(values map[string]interface{}, key string) string {
	if s, ok := values[key].(string); ok {
		return s
	}
	return ""
}

func intValue(values map[string]interface{}, key string) int64 {
	switch v := values[key].(type) {
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	case int64:
		return v
	}
	return 0
}

// wrap tags network-level failures as ErrUnavailable so callers can
// distinguish a down broker from a bad request.
func (q *Queue) wrap(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func isBusyGroup(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}
