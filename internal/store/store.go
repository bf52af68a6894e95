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

// Package store provides the Postgres-backed email event store. It is the
// single source of truth for event status and derived fields; every mutation
// goes through a versioned read-check-write so concurrent workers never
// silently overwrite each other.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/triage/internal/models"
)

// ErrConflict is returned when an update's expected version no longer matches
// the stored row. The caller re-reads and retries the mutation.
var ErrConflict = errors.New("event version conflict")

// ErrNotFound is returned when no event exists for the given ID.
var ErrNotFound = errors.New("event not found")

// defaultUpdateRetries bounds the re-read-and-retry loop in UpdateWithRetry.
const defaultUpdateRetries = 3

// Store provides versioned CRUD for email events in Postgres.
type Store struct {
	pool *pgxpool.Pool

	// OnConflict, when set, is invoked once per observed version conflict.
	// The worker mains point it at a Prometheus counter.
	OnConflict func()
}

// New creates an event store backed by the given Postgres pool. It ensures
// the email_events table exists on creation.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure event schema: %w", err)
	}
	slog.Info("event store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS email_events (
			id               TEXT PRIMARY KEY,
			sender           TEXT NOT NULL,
			recipient        TEXT NOT NULL,
			subject          TEXT DEFAULT '',
			body_preview     TEXT DEFAULT '',
			received_at      TIMESTAMPTZ,
			spf_status       TEXT DEFAULT '',
			dkim_status      TEXT DEFAULT '',
			dmarc_status     TEXT DEFAULT '',
			sender_ip        TEXT DEFAULT '',
			attachment_info  JSONB NOT NULL DEFAULT '[]',
			intent           TEXT DEFAULT '',
			detection_reason TEXT DEFAULT '',
			risk_score       DOUBLE PRECISION NOT NULL DEFAULT 0,
			risk_tier        TEXT NOT NULL DEFAULT 'SAFE',
			analysis_result  JSONB NOT NULL DEFAULT '{}',
			status           TEXT NOT NULL DEFAULT 'PENDING',
			version          BIGINT NOT NULL DEFAULT 1,
			created_at       TIMESTAMPTZ DEFAULT NOW(),
			updated_at       TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_events_status ON email_events(status);
		CREATE INDEX IF NOT EXISTS idx_events_received ON email_events(received_at);
	`)
	return err
}

const eventColumns = `
	id, sender, recipient, subject, body_preview, received_at,
	spf_status, dkim_status, dmarc_status, sender_ip, attachment_info,
	intent, detection_reason, risk_score, risk_tier, analysis_result,
	status, version`

// Create inserts a new event and returns its ID. Ingestion normally assigns
// the ID; an empty one gets a fresh UUID. New events start at version 1 with
// status PENDING unless the caller set another legal initial state.
func (s *Store) Create(ctx context.Context, event *models.EmailEvent) (string, error) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Status == "" {
		event.Status = models.StatusPending
	}
	if event.RiskTier == "" {
		event.RiskTier = models.TierSafe
	}
	event.Version = 1

	attachments, analysis, err := marshalJSONFields(event)
	if err != nil {
		return "", err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO email_events
			(id, sender, recipient, subject, body_preview, received_at,
			 spf_status, dkim_status, dmarc_status, sender_ip, attachment_info,
			 intent, detection_reason, risk_score, risk_tier, analysis_result,
			 status, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, event.ID, event.Sender, event.Recipient, event.Subject, event.BodyPreview, event.ReceivedAt,
		event.SPFStatus, event.DKIMStatus, event.DMARCStatus, event.SenderIP, attachments,
		event.Intent, event.DetectionReason, event.RiskScore, event.RiskTier, analysis,
		event.Status, event.Version)
	if err != nil {
		return "", fmt.Errorf("insert event %s: %w", event.ID, err)
	}
	return event.ID, nil
}

// Get retrieves a single event by ID.
func (s *Store) Get(ctx context.Context, id string) (*models.EmailEvent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+eventColumns+`
		FROM email_events
		WHERE id = $1
	`, id)

	event, err := scanEvent(row)
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	return event, nil
}

// Update applies mutate to the stored event and persists it, guarded by the
// version the caller read. A concurrent writer that advanced the version
// causes ErrConflict and nothing is written.
func (s *Store) Update(ctx context.Context, id string, expectedVersion int64, mutate func(*models.EmailEvent) error) (*models.EmailEvent, error) {
	event, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if event.Version != expectedVersion {
		return nil, fmt.Errorf("event %s at version %d, expected %d: %w", id, event.Version, expectedVersion, ErrConflict)
	}

	if err := mutate(event); err != nil {
		return nil, fmt.Errorf("mutate event %s: %w", id, err)
	}

	attachments, analysis, err := marshalJSONFields(event)
	if err != nil {
		return nil, err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE email_events SET
			subject = $3, body_preview = $4, received_at = $5,
			spf_status = $6, dkim_status = $7, dmarc_status = $8, sender_ip = $9,
			attachment_info = $10, intent = $11, detection_reason = $12,
			risk_score = $13, risk_tier = $14, analysis_result = $15,
			status = $16, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
	`, id, expectedVersion,
		event.Subject, event.BodyPreview, event.ReceivedAt,
		event.SPFStatus, event.DKIMStatus, event.DMARCStatus, event.SenderIP,
		attachments, event.Intent, event.DetectionReason,
		event.RiskScore, event.RiskTier, analysis,
		event.Status)
	if err != nil {
		return nil, fmt.Errorf("update event %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("event %s changed underneath version %d: %w", id, expectedVersion, ErrConflict)
	}

	event.Version = expectedVersion + 1
	return event, nil
}

// UpdateWithRetry runs Update, re-reading the current version and reapplying
// the mutator on conflict, up to a bounded number of attempts. The mutator
// must be idempotent over re-reads: it receives a fresh copy every time.
func (s *Store) UpdateWithRetry(ctx context.Context, id string, mutate func(*models.EmailEvent) error) (*models.EmailEvent, error) {
	var lastErr error
	for attempt := 0; attempt < defaultUpdateRetries; attempt++ {
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		updated, err := s.Update(ctx, id, current.Version, mutate)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}

		lastErr = err
		if s.OnConflict != nil {
			s.OnConflict()
		}
		slog.Debug("version conflict, retrying update",
			"event_id", id,
			"attempt", attempt+1,
		)
	}
	return nil, fmt.Errorf("update event %s exhausted %d attempts: %w", id, defaultUpdateRetries, lastErr)
}

// ListByStatus returns events in the given status, oldest first. Used by
// operator tooling to find stuck or failed events.
func (s *Store) ListByStatus(ctx context.Context, status models.Status, limit int) ([]models.EmailEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM email_events
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list events by status %s: %w", status, err)
	}
	defer rows.Close()

	var events []models.EmailEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

// Ping checks the Postgres connection.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

func marshalJSONFields(event *models.EmailEvent) (attachments, analysis []byte, err error) {
	if event.Attachments == nil {
		event.Attachments = []models.Attachment{}
	}
	attachments, err = json.Marshal(event.Attachments)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal attachments: %w", err)
	}

	if event.AnalysisResult == nil {
		event.AnalysisResult = map[string]any{}
	}
	analysis, err = json.Marshal(event.AnalysisResult)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal analysis result: %w", err)
	}
	return attachments, analysis, nil
}

// scanEvent scans a single row into an EmailEvent.
func scanEvent(row pgx.Row) (*models.EmailEvent, error) {
	var (
		e           models.EmailEvent
		attachments []byte
		analysis    []byte
	)
	err := row.Scan(
		&e.ID, &e.Sender, &e.Recipient, &e.Subject, &e.BodyPreview, &e.ReceivedAt,
		&e.SPFStatus, &e.DKIMStatus, &e.DMARCStatus, &e.SenderIP, &attachments,
		&e.Intent, &e.DetectionReason, &e.RiskScore, &e.RiskTier, &analysis,
		&e.Status, &e.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(attachments, &e.Attachments); err != nil {
		return nil, fmt.Errorf("unmarshal attachments: %w", err)
	}
	if err := json.Unmarshal(analysis, &e.AnalysisResult); err != nil {
		return nil, fmt.Errorf("unmarshal analysis result: %w", err)
	}
	return &e, nil
}
