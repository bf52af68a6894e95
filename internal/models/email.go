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

// Package models defines the data structures shared across the triage pipeline.
package models

import "time"

// Attachment holds the metadata the static and sandboxed checks operate on.
// Content bytes never travel through the pipeline; the sandbox fetches them
// itself when it needs to detonate a file.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
}

// RiskTier is the coarse severity bucket assigned to an event.
type RiskTier string

const (
	TierSafe     RiskTier = "SAFE"
	TierCautious RiskTier = "CAUTIOUS"
	TierThreat   RiskTier = "THREAT"
)

// tierRank orders tiers by severity. Refinement may only move upward.
var tierRank = map[RiskTier]int{
	TierSafe:     0,
	TierCautious: 1,
	TierThreat:   2,
}

// Rank returns the severity rank of the tier (SAFE < CAUTIOUS < THREAT).
// Unknown tiers rank below SAFE so a corrupt value never masks a real one.
func (t RiskTier) Rank() int {
	if r, ok := tierRank[t]; ok {
		return r
	}
	return -1
}

// MaxTier returns the more severe of two tiers.
func MaxTier(a, b RiskTier) RiskTier {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Intent labels assigned by the classification engine.
const (
	IntentPhishing      = "PHISHING"
	IntentMalware       = "MALWARE"
	IntentScam          = "SCAM"
	IntentSuspicious    = "SUSPICIOUS"
	IntentNewsletter    = "NEWSLETTER"
	IntentTransactional = "TRANSACTIONAL"
	IntentPersonal      = "PERSONAL"
	IntentUnknown       = "UNKNOWN"
)

// EmailEvent is the shared persistent record of one email moving through the
// pipeline. The event store is the single source of truth for every field
// here; queue messages carry only the ID.
//
// Field ownership: identity and security metadata are written once at
// ingestion, the classification block by the Intent Router, the analysis
// block by the Analysis Worker. Status and version are maintained through the
// store's versioned updates only.
type EmailEvent struct {
	ID          string     `json:"id"`
	Sender      string     `json:"sender"`
	Recipient   string     `json:"recipient"`
	Subject     string     `json:"subject"`
	BodyPreview string     `json:"body_preview,omitempty"`
	ReceivedAt  *time.Time `json:"received_at,omitempty"`

	SPFStatus   string       `json:"spf_status,omitempty"`
	DKIMStatus  string       `json:"dkim_status,omitempty"`
	DMARCStatus string       `json:"dmarc_status,omitempty"`
	SenderIP    string       `json:"sender_ip,omitempty"`
	Attachments []Attachment `json:"attachment_info"`

	Intent          string `json:"intent,omitempty"`
	DetectionReason string `json:"detection_reason,omitempty"`

	RiskScore float64  `json:"risk_score"`
	RiskTier  RiskTier `json:"risk_tier"`

	AnalysisResult map[string]any `json:"analysis_result,omitempty"`

	Status  Status `json:"status"`
	Version int64  `json:"version"`
}

// AuthFailed reports whether the sender failed email authentication. A hard
// SPF or DKIM fail, or a DMARC fail, counts; "none"/"neutral" do not.
func (e *EmailEvent) AuthFailed() bool {
	return e.SPFStatus == "fail" || e.DKIMStatus == "fail" || e.DMARCStatus == "fail"
}
