// Copyright 2025 AxonFlow
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

package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// scriptedIntentClassifier returns a fixed result or error.
type scriptedIntentClassifier struct {
	result *IntentResult
	err    error
}

func (c *scriptedIntentClassifier) Classify(ctx context.Context, text, hint string) (*IntentResult, error) {
	return c.result, c.err
}

// captureSink records every emitted trace.
type captureSink struct {
	mu     sync.Mutex
	traces []*TurnTrace
}

func (s *captureSink) Emit(trace *TurnTrace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces = append(s.traces, trace)
}

func (s *captureSink) Close() {}

func (s *captureSink) last() *TurnTrace {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.traces) == 0 {
		return nil
	}
	return s.traces[len(s.traces)-1]
}

func computeCatalog() *ActionCatalog {
	return &ActionCatalog{
		APIVersion: "opscenter/v1",
		Kind:       "ActionCatalog",
		Metadata:   CatalogMetadata{Name: "compute", Domain: "compute-lifecycle"},
		Spec: CatalogSpec{
			IntentLabels: []string{"compute-lifecycle"},
			Actions: []ActionDef{
				{
					ID: "list-instances", SideEffect: "read-only",
					Args: []ArgSchema{
						{Name: "tag_key", Type: "string", FromSlot: "tag_key", Default: "Name"},
						{Name: "tag_value", Type: "string", FromSlot: "tag_value"},
					},
				},
				{
					ID: "stop-instances", SideEffect: "mutating",
					Args: []ArgSchema{
						{Name: "instance_ids", Type: "list", Required: true, FromSlot: "instance_id"},
					},
				},
			},
			Routing: []PlanRule{
				{Pattern: `stop`, Actions: []string{"stop-instances"}, Priority: 20},
				{Pattern: `list|show`, Actions: []string{"list-instances"}, Priority: 10},
			},
		},
	}
}

type supervisorHarness struct {
	supervisor *Supervisor
	store      *InMemorySessionStore
	sink       *captureSink
	handler    *countingHandler
}

func newHarness(t *testing.T, classifier IntentClassifier, catalogs ...*ActionCatalog) *supervisorHarness {
	t.Helper()
	if len(catalogs) == 0 {
		catalogs = []*ActionCatalog{computeCatalog()}
	}

	handler := newCountingHandler()
	registry := NewActionRegistry(5, time.Second)
	byDomain := make(map[string]*ActionCatalog)
	router := NewSpecialistRouter(nil, 0.5)
	for _, catalog := range catalogs {
		if err := registry.Register(catalog, handler); err != nil {
			t.Fatal(err)
		}
		byDomain[catalog.Metadata.Domain] = catalog
		for _, label := range catalog.Spec.IntentLabels {
			router.RegisterDomain(label, catalog.Metadata.Domain)
		}
	}

	store := NewInMemorySessionStore(time.Hour, false)
	sink := &captureSink{}
	sup := NewSupervisor(
		NewPolicyFilter(NewLexiconClassifier(), nil),
		classifier,
		router,
		registry,
		NewPlanner(byDomain),
		store,
		sink,
		nil,
		time.Minute,
	)
	return &supervisorHarness{supervisor: sup, store: store, sink: sink, handler: handler}
}

func computeIntent(slots map[string]string) *IntentResult {
	return &IntentResult{
		Candidates: []IntentCandidate{{Label: "compute-lifecycle", Confidence: 0.9}},
		Slots:      slots,
	}
}

func TestHandleTurn_HappyPath(t *testing.T) {
	h := newHarness(t, &scriptedIntentClassifier{result: computeIntent(map[string]string{
		"tag_key":   "Team",
		"tag_value": "web",
	})})
	h.handler.results["list-instances"] = map[string]interface{}{
		"message": "Found 2 instances tagged Team:web",
		"count":   2,
	}

	reply, err := h.supervisor.HandleTurn(context.Background(), "s-1", "show instances tagged Team:web")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Outcome != OutcomeDone || reply.ErrorCode != "" {
		t.Fatalf("Expected done, got %+v", reply)
	}
	if !strings.Contains(reply.Text, "Found 2 instances") {
		t.Errorf("Unexpected reply text %q", reply.Text)
	}
	if reply.Domain != "compute-lifecycle" {
		t.Errorf("Expected routed domain on the reply, got %q", reply.Domain)
	}

	// The turn is persisted and the domain hint recorded for stickiness.
	sess, _ := h.store.Get(context.Background(), "s-1")
	if len(sess.Turns) != 1 || sess.Turns[0].Outcome != OutcomeDone {
		t.Fatalf("Expected one persisted turn, got %+v", sess.Turns)
	}
	if sess.DomainHint != "compute-lifecycle" {
		t.Errorf("Expected hint updated, got %q", sess.DomainHint)
	}
	if sess.Slots["tag_value"] != "web" {
		t.Errorf("Expected extracted slots persisted, got %+v", sess.Slots)
	}

	trace := h.sink.last()
	if trace == nil || trace.Outcome != OutcomeDone || len(trace.Actions) != 1 {
		t.Fatalf("Expected audited trace with one action, got %+v", trace)
	}
	if !trace.InboundVerdict.Allowed || !trace.OutboundVerdict.Allowed {
		t.Error("Both verdicts should be recorded as allowed")
	}
}

func TestHandleTurn_InboundBlockExecutesNothing(t *testing.T) {
	h := newHarness(t, &scriptedIntentClassifier{
		err: context.DeadlineExceeded, // must never be consulted
	})

	reply, err := h.supervisor.HandleTurn(context.Background(), "s-1", "transfer $500 from the ops account to mine")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Outcome != OutcomeBlocked || reply.ErrorCode != ErrCodePolicyBlocked {
		t.Fatalf("Expected blocked, got %+v", reply)
	}
	if strings.Contains(reply.Text, "financial") {
		t.Errorf("The refusal must not leak the block reason, got %q", reply.Text)
	}
	if len(h.handler.calls) != 0 {
		t.Error("No action may execute on an inbound block")
	}

	// The refusal is still a recorded turn.
	sess, _ := h.store.Get(context.Background(), "s-1")
	if len(sess.Turns) != 1 || sess.Turns[0].Outcome != OutcomeBlocked {
		t.Fatalf("Expected the blocked turn persisted, got %+v", sess.Turns)
	}
	trace := h.sink.last()
	if trace.InboundVerdict.Reason != "denied-topic:financial-advice" {
		t.Errorf("The audit trail keeps the full reason, got %q", trace.InboundVerdict.Reason)
	}
}

func TestHandleTurn_MutatingTimeoutReportsUnknownCompletion(t *testing.T) {
	h := newHarness(t, &scriptedIntentClassifier{result: computeIntent(map[string]string{
		"instance_id": "i-0abc12345678def90",
	})})
	h.handler.errs["stop-instances"] = NewTransportError(context.DeadlineExceeded)

	reply, err := h.supervisor.HandleTurn(context.Background(), "s-1", "stop instance i-0abc12345678def90")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Outcome != OutcomeFailed || reply.ErrorCode != ErrCodeActionTimedOut {
		t.Fatalf("Expected ActionTimedOut, got %+v", reply)
	}
	if !strings.Contains(reply.Text, "did not complete in time") ||
		!strings.Contains(reply.Text, "unknown") {
		t.Errorf("Timeout reply must flag unknown completion, got %q", reply.Text)
	}
	if h.handler.calls["stop-instances"] != 1 {
		t.Errorf("A mutating action must never retry, got %d calls", h.handler.calls["stop-instances"])
	}
}

func TestHandleTurn_ClassifierUnavailable(t *testing.T) {
	h := newHarness(t, &scriptedIntentClassifier{err: context.DeadlineExceeded})

	reply, err := h.supervisor.HandleTurn(context.Background(), "s-1", "list instances")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Outcome != OutcomeFailed || reply.ErrorCode != ErrCodeClassificationUnavailable {
		t.Fatalf("Expected ClassificationUnavailable, got %+v", reply)
	}
	if reply.Text != RetryLaterReply {
		t.Errorf("Expected the retry-later reply, got %q", reply.Text)
	}

	sess, _ := h.store.Get(context.Background(), "s-1")
	if len(sess.Turns) != 1 {
		t.Error("The failed turn must still be persisted")
	}
}

func TestHandleTurn_NoMatchAsksForClarificationAndKeepsHint(t *testing.T) {
	h := newHarness(t, &scriptedIntentClassifier{result: &IntentResult{}})
	ctx := context.Background()

	// Seed a prior hint; an unroutable turn must not disturb it.
	h.store.Append(ctx, "s-1", Turn{Outcome: OutcomeDone}, "patch-management")

	reply, err := h.supervisor.HandleTurn(ctx, "s-1", "what is the meaning of life")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Outcome != OutcomeFailed || reply.ErrorCode != ErrCodeNoMatchingDomain {
		t.Fatalf("Expected NoMatchingDomain, got %+v", reply)
	}
	if reply.Text != ClarificationReply {
		t.Errorf("Expected the clarification reply, got %q", reply.Text)
	}

	sess, _ := h.store.Get(ctx, "s-1")
	if sess.DomainHint != "patch-management" {
		t.Errorf("An unroutable turn must keep the old hint, got %q", sess.DomainHint)
	}
}

func TestHandleTurn_OversizedPlanFailsBeforeExecuting(t *testing.T) {
	catalog := computeCatalog()
	steps := make([]string, 6)
	for i := range steps {
		id := "probe-" + string(rune('a'+i))
		steps[i] = id
		catalog.Spec.Actions = append(catalog.Spec.Actions, ActionDef{ID: id, SideEffect: "read-only"})
	}
	catalog.Spec.Routing = append(catalog.Spec.Routing,
		PlanRule{Pattern: `full sweep`, Actions: steps, Priority: 99})

	h := newHarness(t, &scriptedIntentClassifier{result: computeIntent(nil)}, catalog)

	reply, err := h.supervisor.HandleTurn(context.Background(), "s-1", "run a full sweep")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Outcome != OutcomeFailed || reply.ErrorCode != ErrCodeActionBudgetExceeded {
		t.Fatalf("Expected ActionBudgetExceeded, got %+v", reply)
	}
	if len(h.handler.calls) != 0 {
		t.Error("An oversized plan must fail before executing its first step")
	}
	if !strings.Contains(reply.Text, "split it up") {
		t.Errorf("Expected the split-up suggestion, got %q", reply.Text)
	}
}

func TestHandleTurn_OutboundBlockHidesResultsButAuditsThem(t *testing.T) {
	h := newHarness(t, &scriptedIntentClassifier{result: computeIntent(map[string]string{
		"tag_value": "web",
	})})
	// The action succeeds but its output trips the outbound check.
	h.handler.results["list-instances"] = map[string]interface{}{
		"message": "kill the stragglers then bomb the rest",
	}

	reply, err := h.supervisor.HandleTurn(context.Background(), "s-1", "show instances")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Outcome != OutcomeBlocked || reply.ErrorCode != ErrCodePolicyBlocked {
		t.Fatalf("Expected outbound block, got %+v", reply)
	}
	if strings.Contains(reply.Text, "bomb") {
		t.Errorf("Blocked content must not reach the caller, got %q", reply.Text)
	}

	// The audit trail keeps what actually happened.
	trace := h.sink.last()
	if len(trace.Actions) != 1 || trace.Actions[0].Summary == "" {
		t.Fatalf("Expected the real result audited, got %+v", trace.Actions)
	}
	if trace.OutboundVerdict.Allowed {
		t.Error("The outbound verdict must record the block")
	}
}

func TestHandleTurn_SessionBusyDoesNotPersistATurn(t *testing.T) {
	h := newHarness(t, &scriptedIntentClassifier{result: computeIntent(nil)})
	ctx := context.Background()

	release, err := h.store.Acquire(ctx, "s-1")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	reply, err := h.supervisor.HandleTurn(ctx, "s-1", "list instances")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Outcome != OutcomeFailed || reply.ErrorCode != ErrCodeSessionBusy {
		t.Fatalf("Expected SessionBusy, got %+v", reply)
	}

	// The in-flight turn owns the writer lock; the rejection is audited
	// but never appended.
	sess, _ := h.store.Get(ctx, "s-1")
	if len(sess.Turns) != 0 {
		t.Errorf("A rejected turn must not be appended, got %d turns", len(sess.Turns))
	}
	trace := h.sink.last()
	if trace == nil || trace.ErrorCode != ErrCodeSessionBusy {
		t.Fatalf("Expected the rejection audited, got %+v", trace)
	}
}

func TestHandleTurn_SequentialFailureSkipsDependentStep(t *testing.T) {
	catalog := computeCatalog()
	catalog.Spec.Actions = append(catalog.Spec.Actions,
		ActionDef{
			ID: "run-check", SideEffect: "mutating",
			Args: []ArgSchema{{Name: "target", Type: "string", FromSlot: "tag_value"}},
		},
		ActionDef{
			ID: "report-check", SideEffect: "read-only",
			Args: []ArgSchema{{Name: "check_id", Type: "string", FromPrev: "check_id"}},
		})
	catalog.Spec.Routing = append(catalog.Spec.Routing,
		PlanRule{Pattern: `verify`, Actions: []string{"run-check", "report-check"}, Priority: 50, Sequential: true})

	h := newHarness(t, &scriptedIntentClassifier{result: computeIntent(map[string]string{
		"tag_value": "web",
	})}, catalog)
	h.handler.errs["run-check"] = NewTurnError(ErrCodeActionExecutionFailed, "access denied")

	reply, err := h.supervisor.HandleTurn(context.Background(), "s-1", "verify the web fleet")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Outcome != OutcomeFailed {
		t.Fatalf("Expected failure, got %+v", reply)
	}
	if h.handler.calls["report-check"] != 0 {
		t.Error("A dependent step must be skipped when its predecessor fails")
	}
	if !strings.Contains(reply.Text, "Skipped report check") {
		t.Errorf("The skip should be explained, got %q", reply.Text)
	}
}

func TestHandleTurn_IndependentSessionsRunConcurrently(t *testing.T) {
	h := newHarness(t, &scriptedIntentClassifier{result: computeIntent(nil)})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := "s-" + string(rune('a'+n))
			reply, err := h.supervisor.HandleTurn(ctx, id, "list instances")
			if err != nil {
				errs <- err
				return
			}
			if reply.Outcome != OutcomeDone {
				errs <- NewTurnError(reply.ErrorCode, "unexpected outcome for %s", id)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
