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

// Package sandbox is the HTTP client for the attachment/URL sandbox service,
// the collaborator that detonates content and returns a malware verdict.
package sandbox

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

// Verdict constants returned by the sandbox.
const (
	VerdictClean      = "clean"
	VerdictSuspicious = "suspicious"
	VerdictMalicious  = "malicious"
)

// Verdict is the sandbox's assessment of an event's attachments and links.
type Verdict struct {
	Verdict string         `json:"verdict"`
	Score   float64        `json:"score"`
	Details map[string]any `json:"details,omitempty"`
}

// Client calls the sandbox scanner.
type Client struct {
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
}

// NewClient creates a sandbox client. The timeout bounds the full scan call;
// sandbox detonation is the slowest collaborator in the pipeline.
func NewClient(httpClient *http.Client, baseURL string, timeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{httpClient: httpClient, baseURL: baseURL, timeout: timeout}
}

type scanRequest struct {
	EventID     string              `json:"event_id"`
	Attachments []models.Attachment `json:"attachments"`
	URLs        []string            `json:"urls"`
}

// Scan submits attachment metadata and extracted URLs for dynamic analysis.
// Timeouts surface to the caller, who degrades to static-only results after
// retries exhaust.
func (c *Client) Scan(ctx context.Context, eventID string, attachments []models.Attachment, urls []string) (*Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if attachments == nil {
		attachments = []models.Attachment{}
	}
	if urls == nil {
		urls = []string{}
	}

	body, err := json.Marshal(scanRequest{EventID: eventID, Attachments: attachments, URLs: urls})
	if err != nil {
		return nil, fmt.Errorf("marshal scan request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/scan", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build scan request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("sandbox returned HTTP %d: %s", resp.StatusCode, msg)
	}

	var verdict Verdict
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return nil, fmt.Errorf("decode scan response: %w", err)
	}
	return &verdict, nil
}
