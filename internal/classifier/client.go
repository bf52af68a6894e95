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

// Package classifier is the HTTP client for the classification engine, the
// collaborator that assigns an intent label and confidence to email content.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bcem/triage/internal/models"
)

// Result is the classification verdict for one email.
type Result struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// Client calls the classification engine.
type Client struct {
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
}

// NewClient creates a classification client. httpClient may carry an OAuth2
// transport; a nil client falls back to http.DefaultClient.
func NewClient(httpClient *http.Client, baseURL string, timeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{httpClient: httpClient, baseURL: baseURL, timeout: timeout}
}

// classifyRequest is the wire shape of a classification request. Only the
// content fields the model consumes are sent.
type classifyRequest struct {
	EventID     string `json:"event_id"`
	Sender      string `json:"sender"`
	Recipient   string `json:"recipient"`
	Subject     string `json:"subject"`
	BodyPreview string `json:"body_preview,omitempty"`
	SPFStatus   string `json:"spf_status,omitempty"`
	DKIMStatus  string `json:"dkim_status,omitempty"`
	DMARCStatus string `json:"dmarc_status,omitempty"`
}

// Classify submits the event content and returns the intent verdict.
// Failures are transient from the pipeline's point of view; the router
// retries with backoff and falls back to the conservative path.
func (c *Client) Classify(ctx context.Context, event *models.EmailEvent) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(classifyRequest{
		EventID:     event.ID,
		Sender:      event.Sender,
		Recipient:   event.Recipient,
		Subject:     event.Subject,
		BodyPreview: event.BodyPreview,
		SPFStatus:   event.SPFStatus,
		DKIMStatus:  event.DKIMStatus,
		DMARCStatus: event.DMARCStatus,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal classify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/classify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classify call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("classification engine returned HTTP %d: %s", resp.StatusCode, msg)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode classify response: %w", err)
	}
	if result.Intent == "" {
		result.Intent = models.IntentUnknown
	}
	return &result, nil
}
