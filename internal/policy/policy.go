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

// Package policy holds the versioned routing policy table the Intent Router
// evaluates to turn a classification into a risk tier and a routing decision.
// The table is data, not code: thresholds live in ordered rules that can be
// overridden from a YAML file without touching the router.
package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bcem/triage/internal/models"
)

// Rule maps an intent label at or above a confidence threshold to a tier.
// Rules are evaluated in order; the first match wins.
type Rule struct {
	Intent        string          `yaml:"intent"`
	MinConfidence float64         `yaml:"min_confidence"`
	Tier          models.RiskTier `yaml:"tier"`
}

// Table is the versioned routing policy.
type Table struct {
	Version int    `yaml:"version"`
	Rules   []Rule `yaml:"rules"`

	// DefaultTier applies when no rule matches (unrecognised intent or
	// confidence below every threshold). Unmatched events always need
	// deep analysis.
	DefaultTier models.RiskTier `yaml:"default_tier"`

	// AuthFailMinTier is the floor applied when the sender failed
	// SPF/DKIM/DMARC authentication.
	AuthFailMinTier models.RiskTier `yaml:"auth_fail_min_tier"`
}

// Decision is the router's verdict for one classified event.
type Decision struct {
	Tier          models.RiskTier
	Score         float64
	NeedsAnalysis bool
	Reason        string
}

// Default returns the compiled-in policy table (version 1).
func Default() *Table {
	return &Table{
		Version: 1,
		Rules: []Rule{
			{Intent: models.IntentPhishing, MinConfidence: 0.8, Tier: models.TierThreat},
			{Intent: models.IntentPhishing, MinConfidence: 0, Tier: models.TierCautious},
			{Intent: models.IntentMalware, MinConfidence: 0.7, Tier: models.TierThreat},
			{Intent: models.IntentMalware, MinConfidence: 0, Tier: models.TierCautious},
			{Intent: models.IntentScam, MinConfidence: 0.8, Tier: models.TierThreat},
			{Intent: models.IntentScam, MinConfidence: 0, Tier: models.TierCautious},
			{Intent: models.IntentSuspicious, MinConfidence: 0, Tier: models.TierCautious},
			{Intent: models.IntentNewsletter, MinConfidence: 0.6, Tier: models.TierSafe},
			{Intent: models.IntentTransactional, MinConfidence: 0.6, Tier: models.TierSafe},
			{Intent: models.IntentPersonal, MinConfidence: 0.6, Tier: models.TierSafe},
		},
		DefaultTier:     models.TierCautious,
		AuthFailMinTier: models.TierCautious,
	}
}

// Load reads a policy table from a YAML file and validates it.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file %s: %w", path, err)
	}

	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse policy YAML: %w", err)
	}

	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return &t, nil
}

// Validate checks the table is usable before it reaches the router.
func (t *Table) Validate() error {
	if t.Version <= 0 {
		return fmt.Errorf("version must be positive, got %d", t.Version)
	}
	if len(t.Rules) == 0 {
		return fmt.Errorf("at least one rule is required")
	}
	for i, r := range t.Rules {
		if r.Intent == "" {
			return fmt.Errorf("rule %d: intent is required", i)
		}
		if r.Tier.Rank() < 0 {
			return fmt.Errorf("rule %d: invalid tier %q", i, r.Tier)
		}
		if r.MinConfidence < 0 || r.MinConfidence > 1 {
			return fmt.Errorf("rule %d: min_confidence %f out of range", i, r.MinConfidence)
		}
	}
	if t.DefaultTier == "" {
		t.DefaultTier = models.TierCautious
	}
	if t.AuthFailMinTier == "" {
		t.AuthFailMinTier = models.TierCautious
	}
	return nil
}

// Evaluate computes the tier, score, and routing decision for a classified
// event. UNKNOWN intents and unmatched rules always route to deep analysis,
// as does anything above SAFE. An authentication failure raises the tier to
// at least AuthFailMinTier.
func (t *Table) Evaluate(intent string, confidence float64, event *models.EmailEvent) Decision {
	d := Decision{Tier: t.DefaultTier, NeedsAnalysis: true}

	matched := false
	if intent != models.IntentUnknown {
		for _, r := range t.Rules {
			if r.Intent == intent && confidence >= r.MinConfidence {
				d.Tier = r.Tier
				matched = true
				break
			}
		}
	}

	switch {
	case !matched:
		d.Reason = fmt.Sprintf("policy v%d: no rule for intent %s (confidence %.2f), defaulting to %s",
			t.Version, intent, confidence, d.Tier)
	default:
		d.Reason = fmt.Sprintf("policy v%d: intent %s (confidence %.2f) -> %s",
			t.Version, intent, confidence, d.Tier)
	}

	if d.Tier != models.TierSafe {
		d.Score = confidence
	}

	if event != nil && event.AuthFailed() {
		escalated := models.MaxTier(d.Tier, t.AuthFailMinTier)
		if escalated != d.Tier {
			d.Tier = escalated
			d.Reason += fmt.Sprintf("; escalated to %s on auth failure", escalated)
		} else {
			d.Reason += "; sender failed authentication"
		}
		if d.Score < confidence {
			d.Score = confidence
		}
	}

	d.NeedsAnalysis = !matched || intent == models.IntentUnknown || d.Tier != models.TierSafe
	return d
}
