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

package analyzer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/bcem/triage/internal/config"
	"github.com/bcem/triage/internal/models"
	"github.com/bcem/triage/internal/queue"
	"github.com/bcem/triage/internal/retry"
	"github.com/bcem/triage/internal/sandbox"
)

// --- Fakes ---

type memStore struct {
	mu     sync.Mutex
	events map[string]*models.EmailEvent
}

func newMemStore(events ...*models.EmailEvent) *memStore {
	m := &memStore{events: make(map[string]*models.EmailEvent)}
	for _, e := range events {
		copied := *e
		m.events[e.ID] = &copied
	}
	return m
}

func (m *memStore) Get(_ context.Context, id string) (*models.EmailEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil, fmt.Errorf("event %s missing", id)
	}
	copied := *e
	return &copied, nil
}

func (m *memStore) UpdateWithRetry(_ context.Context, id string, mutate func(*models.EmailEvent) error) (*models.EmailEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil, fmt.Errorf("event %s missing", id)
	}
	copied := *e
	if err := mutate(&copied); err != nil {
		return nil, err
	}
	copied.Version = e.Version + 1
	m.events[id] = &copied
	result := copied
	return &result, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []string
}

func (p *fakePublisher) Publish(_ context.Context, topic, eventID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, topic+"/"+eventID)
	return fmt.Sprintf("%d-0", len(p.published)), nil
}

type fakeGuard struct {
	mu   sync.Mutex
	seen map[string]string // stage/eventID -> destination topic
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{seen: make(map[string]string)}
}

func (g *fakeGuard) FirstPublish(_ context.Context, stage, eventID, destination string) (bool, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := stage + "/" + eventID
	if recorded, ok := g.seen[key]; ok {
		return false, recorded, nil
	}
	g.seen[key] = destination
	return true, destination, nil
}

func (g *fakeGuard) Release(_ context.Context, stage, eventID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, stage+"/"+eventID)
	return nil
}

type fakeScanner struct {
	verdict *sandbox.Verdict
	err     error
	calls   int
}

func (s *fakeScanner) Scan(_ context.Context, _ string, _ []models.Attachment, _ []string) (*sandbox.Verdict, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.verdict, nil
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 2, InitialBackoff: 1, MaxBackoff: 1, Multiplier: 2}
}

func analysisMessage(eventID string) queue.Message {
	return queue.Message{Topic: config.AnalysisTopic, ID: "1-0", EventID: eventID, DeliveryCount: 1}
}

// --- Tests ---

// TestHandle_MaliciousVerdictRefinesAssessment: the sandbox verdict raises
// the score and the event moves on to enforcement.
func TestHandle_MaliciousVerdictRefinesAssessment(t *testing.T) {
	store := newMemStore(&models.EmailEvent{
		ID: "evt-1", Status: models.StatusAnalyzing,
		RiskTier: models.TierCautious, RiskScore: 0.5, Version: 2,
	})
	pub := &fakePublisher{}
	a := New(Config{
		Store:     store,
		Publisher: pub,
		Guard:     newFakeGuard(),
		Scanner:   &fakeScanner{verdict: &sandbox.Verdict{Verdict: sandbox.VerdictMalicious, Score: 0.98}},
		Retry:     fastRetry(),
	})

	if err := a.Handle(context.Background(), analysisMessage("evt-1")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if len(pub.published) != 1 || pub.published[0] != config.ActionTopic+"/evt-1" {
		t.Errorf("published = %v, want one action-topic publish", pub.published)
	}

	event, _ := store.Get(context.Background(), "evt-1")
	if event.Status != models.StatusActionPending {
		t.Errorf("status = %s, want ACTION_PENDING", event.Status)
	}
	if event.RiskTier != models.TierThreat {
		t.Errorf("tier = %s, want THREAT", event.RiskTier)
	}
	if event.RiskScore != 0.98 {
		t.Errorf("score = %f, want 0.98", event.RiskScore)
	}
	if event.AnalysisResult == nil {
		t.Fatal("analysis result not recorded")
	}
	if _, ok := event.AnalysisResult["sandbox"]; !ok {
		t.Errorf("analysis result missing sandbox section: %v", event.AnalysisResult)
	}
}

// TestHandle_AnalysisNeverLowersSeverity: a clean sandbox verdict does not
// soften an already-threatening assessment.
func TestHandle_AnalysisNeverLowersSeverity(t *testing.T) {
	store := newMemStore(&models.EmailEvent{
		ID: "evt-2", Status: models.StatusAnalyzing,
		RiskTier: models.TierThreat, RiskScore: 0.9, Version: 2,
	})
	a := New(Config{
		Store:     store,
		Publisher: &fakePublisher{},
		Guard:     newFakeGuard(),
		Scanner:   &fakeScanner{verdict: &sandbox.Verdict{Verdict: sandbox.VerdictClean, Score: 0.05}},
		Retry:     fastRetry(),
	})

	if err := a.Handle(context.Background(), analysisMessage("evt-2")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	event, _ := store.Get(context.Background(), "evt-2")
	if event.RiskTier != models.TierThreat {
		t.Errorf("tier = %s, want THREAT retained", event.RiskTier)
	}
	if event.RiskScore != 0.9 {
		t.Errorf("score = %f, want 0.9 retained", event.RiskScore)
	}
}

// TestHandle_SandboxDownDegradesToStatic: the pipeline never blocks on the
// sandbox; static results carry the event forward with the degradation
// recorded.
func TestHandle_SandboxDownDegradesToStatic(t *testing.T) {
	store := newMemStore(&models.EmailEvent{
		ID: "evt-3", Status: models.StatusAnalyzing,
		RiskTier: models.TierCautious, RiskScore: 0.5, Version: 2,
		Attachments: []models.Attachment{
			{Name: "payload.exe", ContentType: "application/x-msdownload", Size: 2048},
		},
	})
	pub := &fakePublisher{}
	scanner := &fakeScanner{err: errors.New("sandbox timeout")}
	a := New(Config{
		Store:     store,
		Publisher: pub,
		Guard:     newFakeGuard(),
		Scanner:   scanner,
		Retry:     fastRetry(),
	})

	if err := a.Handle(context.Background(), analysisMessage("evt-3")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if scanner.calls != 2 {
		t.Errorf("scanner calls = %d, want 2 (bounded retries)", scanner.calls)
	}
	if len(pub.published) != 1 {
		t.Errorf("published = %v, want one publish despite degradation", pub.published)
	}

	event, _ := store.Get(context.Background(), "evt-3")
	if event.Status != models.StatusActionPending {
		t.Errorf("status = %s, want ACTION_PENDING", event.Status)
	}
	// Static checks alone flag the executable.
	if event.RiskTier != models.TierThreat {
		t.Errorf("tier = %s, want THREAT from static checks", event.RiskTier)
	}
	if !strings.Contains(event.DetectionReason, "sandbox unavailable") {
		t.Errorf("detection reason = %q, want degradation recorded", event.DetectionReason)
	}
	if _, ok := event.AnalysisResult["degraded"]; !ok {
		t.Errorf("analysis result missing degraded marker: %v", event.AnalysisResult)
	}
}

// TestHandle_RedeliveryPublishesOnce: reprocessing after a crash between
// publish and ack produces no second action message.
func TestHandle_RedeliveryPublishesOnce(t *testing.T) {
	store := newMemStore(&models.EmailEvent{
		ID: "evt-4", Status: models.StatusAnalyzing,
		RiskTier: models.TierCautious, RiskScore: 0.5, Version: 2,
	})
	pub := &fakePublisher{}
	a := New(Config{
		Store:     store,
		Publisher: pub,
		Guard:     newFakeGuard(),
		Scanner:   &fakeScanner{verdict: &sandbox.Verdict{Verdict: sandbox.VerdictSuspicious, Score: 0.6}},
		Retry:     fastRetry(),
	})

	if err := a.Handle(context.Background(), analysisMessage("evt-4")); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	if err := a.Handle(context.Background(), analysisMessage("evt-4")); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}

	if len(pub.published) != 1 {
		t.Errorf("published = %v, want exactly one publish across deliveries", pub.published)
	}
}

// TestHandle_SkipsCompletedEvent: a message for an event that already ran
// the full pipeline is acknowledged untouched.
func TestHandle_SkipsCompletedEvent(t *testing.T) {
	store := newMemStore(&models.EmailEvent{
		ID: "evt-5", Status: models.StatusCompleted,
		RiskTier: models.TierSafe, Version: 5,
	})
	pub := &fakePublisher{}
	scanner := &fakeScanner{verdict: &sandbox.Verdict{Verdict: sandbox.VerdictClean}}
	a := New(Config{
		Store:     store,
		Publisher: pub,
		Guard:     newFakeGuard(),
		Scanner:   scanner,
		Retry:     fastRetry(),
	})

	if err := a.Handle(context.Background(), analysisMessage("evt-5")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if scanner.calls != 0 {
		t.Errorf("scanner calls = %d, want 0 for completed event", scanner.calls)
	}
	if len(pub.published) != 0 {
		t.Errorf("published = %v, want none", pub.published)
	}
}

// TestHandle_ExtractedURLsReachScanner: links in the body preview are passed
// to the sandbox alongside the attachments.
func TestHandle_ExtractedURLsReachScanner(t *testing.T) {
	store := newMemStore(&models.EmailEvent{
		ID: "evt-6", Status: models.StatusAnalyzing,
		BodyPreview: "click https://evil.example/verify now", Version: 2,
	})
	var gotURLs []string
	scanner := &scannerFunc{fn: func(_ string, _ []models.Attachment, urls []string) (*sandbox.Verdict, error) {
		gotURLs = urls
		return &sandbox.Verdict{Verdict: sandbox.VerdictClean}, nil
	}}
	a := New(Config{
		Store:     store,
		Publisher: &fakePublisher{},
		Guard:     newFakeGuard(),
		Scanner:   scanner,
		Retry:     fastRetry(),
	})

	if err := a.Handle(context.Background(), analysisMessage("evt-6")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(gotURLs) != 1 || gotURLs[0] != "https://evil.example/verify" {
		t.Errorf("scanner URLs = %v, want the extracted link", gotURLs)
	}
}

type scannerFunc struct {
	fn func(eventID string, attachments []models.Attachment, urls []string) (*sandbox.Verdict, error)
}

func (s *scannerFunc) Scan(_ context.Context, eventID string, attachments []models.Attachment, urls []string) (*sandbox.Verdict, error) {
	return s.fn(eventID, attachments, urls)
}
