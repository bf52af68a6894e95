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

package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/bcem/triage/internal/classifier"
	"github.com/bcem/triage/internal/config"
	"github.com/bcem/triage/internal/models"
	"github.com/bcem/triage/internal/queue"
	"github.com/bcem/triage/internal/retry"
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
	published []string // "topic/eventID"
	fail      bool
}

func (p *fakePublisher) Publish(_ context.Context, topic, eventID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return "", errors.New("stream append failed")
	}
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

type fakeClassifier struct {
	result *classifier.Result
	err    error
	calls  int
}

func (c *fakeClassifier) Classify(_ context.Context, _ *models.EmailEvent) (*classifier.Result, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.result, nil
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 2, InitialBackoff: 1, MaxBackoff: 1, Multiplier: 2}
}

func intentMessage(eventID string) queue.Message {
	return queue.Message{Topic: config.IntentTopic, ID: "1-0", EventID: eventID, DeliveryCount: 1}
}

// --- Tests ---

// TestHandle_SafeIntentRoutesToAction: a known-safe classification skips
// analysis entirely.
func TestHandle_SafeIntentRoutesToAction(t *testing.T) {
	store := newMemStore(&models.EmailEvent{
		ID: "evt-1", Status: models.StatusPending, RiskTier: models.TierSafe, Version: 1,
	})
	pub := &fakePublisher{}
	r := New(Config{
		Store:      store,
		Publisher:  pub,
		Guard:      newFakeGuard(),
		Classifier: &fakeClassifier{result: &classifier.Result{Intent: models.IntentNewsletter, Confidence: 0.99}},
		Retry:      fastRetry(),
	})

	if err := r.Handle(context.Background(), intentMessage("evt-1")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if len(pub.published) != 1 || pub.published[0] != config.ActionTopic+"/evt-1" {
		t.Errorf("published = %v, want one action-topic publish", pub.published)
	}

	event, _ := store.Get(context.Background(), "evt-1")
	if event.Status != models.StatusActionPending {
		t.Errorf("status = %s, want ACTION_PENDING", event.Status)
	}
	if event.Intent != models.IntentNewsletter {
		t.Errorf("intent = %q", event.Intent)
	}
	if event.RiskTier != models.TierSafe {
		t.Errorf("tier = %s, want SAFE", event.RiskTier)
	}
}

// TestHandle_ThreatRoutesToAnalysis: high-confidence phishing with failed
// auth lands on the analysis topic as THREAT.
func TestHandle_ThreatRoutesToAnalysis(t *testing.T) {
	store := newMemStore(&models.EmailEvent{
		ID: "evt-2", Status: models.StatusPending, RiskTier: models.TierSafe, Version: 1,
		SPFStatus: "fail", DKIMStatus: "fail",
	})
	pub := &fakePublisher{}
	r := New(Config{
		Store:      store,
		Publisher:  pub,
		Guard:      newFakeGuard(),
		Classifier: &fakeClassifier{result: &classifier.Result{Intent: models.IntentPhishing, Confidence: 0.95}},
		Retry:      fastRetry(),
	})

	if err := r.Handle(context.Background(), intentMessage("evt-2")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if len(pub.published) != 1 || pub.published[0] != config.AnalysisTopic+"/evt-2" {
		t.Errorf("published = %v, want one analysis-topic publish", pub.published)
	}

	event, _ := store.Get(context.Background(), "evt-2")
	if event.Status != models.StatusAnalyzing {
		t.Errorf("status = %s, want ANALYZING", event.Status)
	}
	if event.RiskTier != models.TierThreat {
		t.Errorf("tier = %s, want THREAT", event.RiskTier)
	}
	if event.RiskScore != 0.95 {
		t.Errorf("score = %f, want 0.95", event.RiskScore)
	}
}

// TestHandle_UnknownIntentRoutesToAnalysis: UNKNOWN always takes the deep
// path regardless of confidence.
func TestHandle_UnknownIntentRoutesToAnalysis(t *testing.T) {
	store := newMemStore(&models.EmailEvent{
		ID: "evt-3", Status: models.StatusPending, RiskTier: models.TierSafe, Version: 1,
	})
	pub := &fakePublisher{}
	r := New(Config{
		Store:      store,
		Publisher:  pub,
		Guard:      newFakeGuard(),
		Classifier: &fakeClassifier{result: &classifier.Result{Intent: models.IntentUnknown, Confidence: 0.99}},
		Retry:      fastRetry(),
	})

	if err := r.Handle(context.Background(), intentMessage("evt-3")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if len(pub.published) != 1 || pub.published[0] != config.AnalysisTopic+"/evt-3" {
		t.Errorf("published = %v, want one analysis-topic publish", pub.published)
	}
}

// TestHandle_ClassifierDownRoutesConservatively: a dead classification
// engine routes to analysis instead of dropping the email.
func TestHandle_ClassifierDownRoutesConservatively(t *testing.T) {
	store := newMemStore(&models.EmailEvent{
		ID: "evt-4", Status: models.StatusPending, RiskTier: models.TierSafe, Version: 1,
	})
	pub := &fakePublisher{}
	cls := &fakeClassifier{err: errors.New("model unavailable")}
	r := New(Config{
		Store:      store,
		Publisher:  pub,
		Guard:      newFakeGuard(),
		Classifier: cls,
		Retry:      fastRetry(),
	})

	if err := r.Handle(context.Background(), intentMessage("evt-4")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if cls.calls != 2 {
		t.Errorf("classifier calls = %d, want 2 (bounded retries)", cls.calls)
	}
	if len(pub.published) != 1 || pub.published[0] != config.AnalysisTopic+"/evt-4" {
		t.Errorf("published = %v, want conservative analysis publish", pub.published)
	}

	event, _ := store.Get(context.Background(), "evt-4")
	if event.Status != models.StatusAnalyzing {
		t.Errorf("status = %s, want ANALYZING", event.Status)
	}
	if event.Intent != models.IntentUnknown {
		t.Errorf("intent = %q, want UNKNOWN", event.Intent)
	}
}

// TestHandle_RedeliverySkipsAdvancedEvent: an event already past PROCESSING
// is acknowledged without another publish.
func TestHandle_RedeliverySkipsAdvancedEvent(t *testing.T) {
	store := newMemStore(&models.EmailEvent{
		ID: "evt-5", Status: models.StatusAnalyzing, RiskTier: models.TierCautious, Version: 3,
	})
	pub := &fakePublisher{}
	r := New(Config{
		Store:      store,
		Publisher:  pub,
		Guard:      newFakeGuard(),
		Classifier: &fakeClassifier{result: &classifier.Result{Intent: models.IntentPhishing, Confidence: 0.9}},
		Retry:      fastRetry(),
	})

	if err := r.Handle(context.Background(), intentMessage("evt-5")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if len(pub.published) != 0 {
		t.Errorf("published = %v, want none for advanced event", pub.published)
	}
}

// TestHandle_RedeliveryPublishesOnce simulates a crash between publish and
// ack: the second delivery suppresses the duplicate downstream publish but
// still records the routing decision.
func TestHandle_RedeliveryPublishesOnce(t *testing.T) {
	store := newMemStore(&models.EmailEvent{
		ID: "evt-6", Status: models.StatusPending, RiskTier: models.TierSafe, Version: 1,
	})
	pub := &fakePublisher{}
	guard := newFakeGuard()
	r := New(Config{
		Store:      store,
		Publisher:  pub,
		Guard:      guard,
		Classifier: &fakeClassifier{result: &classifier.Result{Intent: models.IntentPhishing, Confidence: 0.95}},
		Retry:      fastRetry(),
	})

	if err := r.Handle(context.Background(), intentMessage("evt-6")); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	if err := r.Handle(context.Background(), intentMessage("evt-6")); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}

	if len(pub.published) != 1 {
		t.Errorf("published = %v, want exactly one publish across deliveries", pub.published)
	}

	event, _ := store.Get(context.Background(), "evt-6")
	if event.Status != models.StatusAnalyzing {
		t.Errorf("status = %s, want ANALYZING", event.Status)
	}
}

// TestHandle_ReclassifiedRedeliveryFollowsPublishedRoute: a crash between
// publish and store update followed by a redelivery that classifies to the
// other tier must not publish to a second topic; the routing decision
// follows wherever the first publish went.
func TestHandle_ReclassifiedRedeliveryFollowsPublishedRoute(t *testing.T) {
	store := newMemStore(&models.EmailEvent{
		ID: "evt-8", Status: models.StatusPending, RiskTier: models.TierSafe, Version: 1,
	})
	pub := &fakePublisher{}
	guard := newFakeGuard()
	cls := &fakeClassifier{result: &classifier.Result{Intent: models.IntentPhishing, Confidence: 0.95}}
	r := New(Config{
		Store:      store,
		Publisher:  pub,
		Guard:      guard,
		Classifier: cls,
		Retry:      fastRetry(),
	})

	if err := r.Handle(context.Background(), intentMessage("evt-8")); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}

	// Simulate the crash window: roll the event back to PROCESSING as if
	// the routing update never committed, then redeliver with a
	// classification that would route to the other topic.
	if _, err := store.UpdateWithRetry(context.Background(), "evt-8", func(ev *models.EmailEvent) error {
		ev.Status = models.StatusProcessing
		ev.Intent = ""
		ev.RiskTier = models.TierSafe
		ev.RiskScore = 0
		return nil
	}); err != nil {
		t.Fatalf("reset event: %v", err)
	}
	cls.result = &classifier.Result{Intent: models.IntentNewsletter, Confidence: 0.99}

	if err := r.Handle(context.Background(), intentMessage("evt-8")); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}

	if len(pub.published) != 1 || pub.published[0] != config.AnalysisTopic+"/evt-8" {
		t.Errorf("published = %v, want a single analysis-topic publish", pub.published)
	}

	event, _ := store.Get(context.Background(), "evt-8")
	if event.Status != models.StatusAnalyzing {
		t.Errorf("status = %s, want ANALYZING to match the published route", event.Status)
	}
}

// TestHandle_PublishFailureReleasesGuard: a failed stream append must not
// leave the idempotency key behind, or the retry would silently skip.
func TestHandle_PublishFailureReleasesGuard(t *testing.T) {
	store := newMemStore(&models.EmailEvent{
		ID: "evt-7", Status: models.StatusPending, RiskTier: models.TierSafe, Version: 1,
	})
	pub := &fakePublisher{fail: true}
	guard := newFakeGuard()
	r := New(Config{
		Store:      store,
		Publisher:  pub,
		Guard:      guard,
		Classifier: &fakeClassifier{result: &classifier.Result{Intent: models.IntentNewsletter, Confidence: 0.9}},
		Retry:      fastRetry(),
	})

	if err := r.Handle(context.Background(), intentMessage("evt-7")); err == nil {
		t.Fatal("expected error when publish fails")
	}

	// Recover the publisher and redeliver: the publish must go through.
	pub.fail = false
	if err := r.Handle(context.Background(), intentMessage("evt-7")); err != nil {
		t.Fatalf("redelivery after publish failure: %v", err)
	}
	if len(pub.published) != 1 {
		t.Errorf("published = %v, want one publish after recovery", pub.published)
	}
}
