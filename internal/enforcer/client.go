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

// Package enforcer is the HTTP client for the label-enforcement service, the
// collaborator that applies mailbox labels and quarantine moves.
package enforcer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client calls the enforcement service.
type Client struct {
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
}

// NewClient creates an enforcement client.
func NewClient(httpClient *http.Client, baseURL string, timeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{httpClient: httpClient, baseURL: baseURL, timeout: timeout}
}

type enforceRequest struct {
	EventID    string `json:"event_id"`
	Label      string `json:"label"`
	Quarantine bool   `json:"quarantine"`
}

// Enforce applies the label to the event's message and, when quarantine is
// set, moves it to the quarantine location. The event ID doubles as the
// idempotency key: the service suppresses duplicate mailbox side effects for
// a repeated call, so redelivered action messages are safe.
func (c *Client) Enforce(ctx context.Context, eventID, label string, quarantine bool) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(enforceRequest{EventID: eventID, Label: label, Quarantine: quarantine})
	if err != nil {
		return fmt.Errorf("marshal enforce request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/enforce", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build enforce request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", eventID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("enforce call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("enforcement service returned HTTP %d: %s", resp.StatusCode, msg)
	}
	return nil
}
