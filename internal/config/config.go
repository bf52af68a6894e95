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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Topic names are fixed stream keys; only the Redis endpoint moves between
// environments.
const (
	IntentTopic     = "triage:intent"
	AnalysisTopic   = "triage:analysis"
	ActionTopic     = "triage:action"
	DeadLetterTopic = "triage:dead"
)

// Consumer group names, one per stage.
const (
	IntentGroup   = "intent-router"
	AnalysisGroup = "analysis-workers"
	ActionGroup   = "action-workers"
)

// CollaboratorConfig holds the HTTP endpoint and optional OAuth2 client
// credentials for one external collaborator service.
type CollaboratorConfig struct {
	URL          string        `yaml:"url"`
	Timeout      time.Duration `yaml:"timeout"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	TokenURL     string        `yaml:"token_url"`
}

// RetryConfig bounds the backoff loop used for collaborator and infra calls.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
}

// LabelConfig maps the final risk tier to enforcement label names.
type LabelConfig struct {
	Threat     string `yaml:"threat"`
	Cautious   string `yaml:"cautious"`
	Safe       string `yaml:"safe"`
	Quarantine bool   `yaml:"quarantine"`
}

// Config holds all configuration for the triage pipeline workers.
type Config struct {
	// Backing stores
	RedisURL    string
	DatabaseURL string

	// Queue consumption
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	ClaimBatch        int
	MaxDeliveries     int

	// Collaborator retry policy
	Retry RetryConfig

	// Collaborators
	Classifier CollaboratorConfig
	Sandbox    CollaboratorConfig
	Enforcer   CollaboratorConfig

	// Enforcement labels
	Labels LabelConfig

	// Optional routing policy override file (compiled-in defaults when empty)
	PolicyPath string

	// Health/metrics server
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Pipeline struct {
		PollInterval      time.Duration `yaml:"poll_interval"`
		VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
		ClaimBatch        int           `yaml:"claim_batch"`
		MaxDeliveries     int           `yaml:"max_deliveries"`
		Retry             RetryConfig   `yaml:"retry"`
		PolicyPath        string        `yaml:"policy_path"`
	} `yaml:"pipeline"`
	Collaborators struct {
		Classifier CollaboratorConfig `yaml:"classifier"`
		Sandbox    CollaboratorConfig `yaml:"sandbox"`
		Enforcer   CollaboratorConfig `yaml:"enforcer"`
	} `yaml:"collaborators"`
	Labels LabelConfig `yaml:"labels"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		RedisURL:          firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		DatabaseURL:       firstNonEmpty(raw.Postgres.URL, envOrDefault("DATABASE_URL", "")),
		PollInterval:      durationOrDefault(raw.Pipeline.PollInterval, envOrDefaultDuration("POLL_INTERVAL", 2*time.Second)),
		VisibilityTimeout: durationOrDefault(raw.Pipeline.VisibilityTimeout, envOrDefaultDuration("VISIBILITY_TIMEOUT", 60*time.Second)),
		ClaimBatch:        intOrDefault(raw.Pipeline.ClaimBatch, envOrDefaultInt("CLAIM_BATCH", 16)),
		MaxDeliveries:     intOrDefault(raw.Pipeline.MaxDeliveries, envOrDefaultInt("MAX_DELIVERIES", 5)),
		Retry:             raw.Pipeline.Retry,
		Classifier:        raw.Collaborators.Classifier,
		Sandbox:           raw.Collaborators.Sandbox,
		Enforcer:          raw.Collaborators.Enforcer,
		Labels:            raw.Labels,
		PolicyPath:        firstNonEmpty(raw.Pipeline.PolicyPath, os.Getenv("POLICY_PATH")),
		Port:              envOrDefaultInt("PORT", 8080),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("postgres URL is required — set postgres.url in config.yaml or DATABASE_URL")
	}

	// Retry defaults
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialBackoff <= 0 {
		cfg.Retry.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.Retry.MaxBackoff <= 0 {
		cfg.Retry.MaxBackoff = 10 * time.Second
	}
	if cfg.Retry.Multiplier <= 1 {
		cfg.Retry.Multiplier = 2
	}

	// Collaborator defaults
	applyCollabDefaults(&cfg.Classifier, 10*time.Second)
	applyCollabDefaults(&cfg.Sandbox, 30*time.Second)
	applyCollabDefaults(&cfg.Enforcer, 10*time.Second)

	// Label defaults
	if cfg.Labels.Threat == "" {
		cfg.Labels.Threat = "BlackChamber/Malicious"
	}
	if cfg.Labels.Cautious == "" {
		cfg.Labels.Cautious = "BlackChamber/Caution"
	}
	if cfg.Labels.Safe == "" {
		cfg.Labels.Safe = "BlackChamber/Safe"
	}

	return cfg, nil
}

func applyCollabDefaults(c *CollaboratorConfig, timeout time.Duration) {
	if c.Timeout <= 0 {
		c.Timeout = timeout
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func durationOrDefault(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

func intOrDefault(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
