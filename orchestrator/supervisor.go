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
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"axonflow/opscenter/shared/logger"
)

// Supervisor drives the per-turn state machine:
//
//	Received -> PolicyChecking(inbound) -> Classifying -> Routing ->
//	Executing(0..N) -> Composing -> PolicyChecking(outbound) ->
//	Persisting -> Done
//
// with Blocked and Failed as terminal states reachable from any step.
// Whatever the outcome, every turn is appended to the session and
// emitted to the audit sink.
type Supervisor struct {
	policy      *PolicyFilter
	classifier  IntentClassifier
	router      *SpecialistRouter
	registry    *ActionRegistry
	planner     *Planner
	sessions    SessionStore
	audit       AuditSink
	metrics     *Metrics
	logger      *logger.Logger
	turnTimeout time.Duration
}

// DefaultTurnTimeout bounds a whole turn end to end.
const DefaultTurnTimeout = 2 * time.Minute

// NewSupervisor wires the orchestration core. metrics may be nil.
func NewSupervisor(policy *PolicyFilter, classifier IntentClassifier, router *SpecialistRouter,
	registry *ActionRegistry, planner *Planner, sessions SessionStore, audit AuditSink,
	metrics *Metrics, turnTimeout time.Duration) *Supervisor {
	if audit == nil {
		audit = NoopAuditSink{}
	}
	if turnTimeout <= 0 {
		turnTimeout = DefaultTurnTimeout
	}
	return &Supervisor{
		policy:      policy,
		classifier:  classifier,
		router:      router,
		registry:    registry,
		planner:     planner,
		sessions:    sessions,
		audit:       audit,
		metrics:     metrics,
		logger:      logger.New("supervisor"),
		turnTimeout: turnTimeout,
	}
}

// turnState carries one turn's working context through the phases.
type turnState struct {
	sessionID string
	turnID    string
	request   string
	started   time.Time
	phaseMark time.Time

	trace   *TurnTrace
	session *Session

	domain  string
	intent  *IntentResult
	slots   map[string]string
	results []*ActionResult

	replyText string
	outcome   TurnOutcome
	errCode   ErrorCode
	newHint   string
}

func (t *turnState) markPhase(phase TurnPhase) {
	now := time.Now()
	t.trace.PhaseTimings[phase] = now.Sub(t.phaseMark).Milliseconds()
	t.phaseMark = now
}

// HandleTurn is the single synchronous entry point consumed by channel
// adapters. It serializes against other turns for the same session,
// runs the state machine, and always returns a Reply (SessionBusy is
// the one path that neither persists nor executes, since the session's
// writer lock is held by the turn already in flight).
func (s *Supervisor) HandleTurn(ctx context.Context, sessionID, rawText string) (*Reply, error) {
	turnID := uuid.New().String()

	release, err := s.sessions.Acquire(ctx, sessionID)
	if err != nil {
		terr := AsTurnError(err)
		s.logger.Warn(sessionID, turnID, "session busy", nil)
		s.audit.Emit(&TurnTrace{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			TurnID:    turnID,
			Timestamp: time.Now().UTC(),
			Request:   rawText,
			Outcome:   OutcomeFailed,
			ErrorCode: terr.Code,
			Reply:     "This session is already handling a request. Please wait for it to finish.",
		})
		return &Reply{
			SessionID: sessionID,
			TurnID:    turnID,
			Text:      "This session is already handling a request. Please wait for it to finish.",
			Outcome:   OutcomeFailed,
			ErrorCode: terr.Code,
		}, nil
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, s.turnTimeout)
	defer cancel()

	now := time.Now()
	t := &turnState{
		sessionID: sessionID,
		turnID:    turnID,
		request:   rawText,
		started:   now,
		phaseMark: now,
		outcome:   OutcomeDone,
		trace: &TurnTrace{
			ID:           uuid.New().String(),
			SessionID:    sessionID,
			TurnID:       turnID,
			Timestamp:    now.UTC(),
			Request:      rawText,
			PhaseTimings: make(map[TurnPhase]int64),
		},
	}

	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		// Lost or unreadable session state is recoverable: start fresh
		// and tell the caller the context reset.
		s.logger.Warn(sessionID, turnID, "session state unavailable, starting fresh",
			map[string]interface{}{"error": err.Error()})
		session = &Session{ID: sessionID, Slots: map[string]string{}, CreatedAt: now, LastActivity: now}
		t.replyText = ContextResetReply
	}
	t.session = session
	t.newHint = session.DomainHint

	s.runStateMachine(ctx, t)

	return s.finishTurn(ctx, t), nil
}

// runStateMachine executes every phase up to Composing/PolicyChecking
// (outbound). It sets replyText, outcome and errCode on the turn state;
// persistence and audit always happen afterwards in finishTurn.
func (s *Supervisor) runStateMachine(ctx context.Context, t *turnState) {
	contextResetNote := t.replyText
	t.markPhase(PhaseReceived)

	// PolicyChecking(inbound): a block short-circuits before the request
	// reaches the router. The refusal is still recorded as a turn.
	inbound := s.policy.Check(ctx, t.request)
	t.trace.InboundVerdict = inbound
	t.markPhase(PhasePolicyInbound)
	if !inbound.Allowed {
		s.recordPolicyBlock("inbound", inbound.Reason)
		t.outcome = OutcomeBlocked
		t.errCode = ErrCodePolicyBlocked
		t.replyText = RefusalMessage(inbound)
		return
	}

	// Classifying.
	intent, err := s.classifier.Classify(ctx, t.request, t.session.DomainHint)
	t.markPhase(PhaseClassifying)
	if err != nil {
		s.logger.ErrorWithCode(t.sessionID, t.turnID, "classification oracle unavailable",
			string(ErrCodeClassificationUnavailable), err, nil)
		t.outcome = OutcomeFailed
		t.errCode = ErrCodeClassificationUnavailable
		t.replyText = RetryLaterReply
		return
	}
	t.intent = intent
	t.trace.Intent = intent

	// Routing. NoMatch produces a clarification request; the domain
	// hint is left unchanged.
	domain, ok := s.router.Route(intent, t.session.DomainHint)
	t.markPhase(PhaseRouting)
	if !ok {
		t.outcome = OutcomeFailed
		t.errCode = ErrCodeNoMatchingDomain
		t.replyText = contextResetNote + ClarificationReply
		return
	}
	t.domain = domain
	t.trace.Domain = domain
	t.newHint = domain
	t.slots = MergeSlots(t.session.Slots, intent.Slots)

	catalog, ok := s.registry.Catalog(domain)
	if !ok {
		t.outcome = OutcomeFailed
		t.errCode = ErrCodeNoMatchingDomain
		t.replyText = contextResetNote + ClarificationReply
		return
	}

	plan := s.planner.BuildPlan(catalog, t.request, t.slots)
	if plan == nil {
		t.outcome = OutcomeFailed
		t.errCode = ErrCodeNoMatchingDomain
		t.replyText = contextResetNote + ClarificationReply
		return
	}

	// The budget is enforced before executing anything: a plan that
	// cannot fit in one turn fails outright instead of running a prefix
	// and failing late.
	if len(plan.Steps) > s.registry.Budget() {
		t.outcome = OutcomeFailed
		t.errCode = ErrCodeActionBudgetExceeded
		t.replyText = "That request needs more steps than I can run in a single turn. Please split it up."
		return
	}

	// Executing(0..N).
	cancelled := s.executePlan(ctx, t, plan)
	t.markPhase(PhaseExecuting)
	t.trace.Actions = t.results
	if cancelled {
		t.outcome = OutcomeFailed
		t.errCode = ErrCodeTurnCancelled
		t.replyText = "The request was cancelled before all steps completed."
		return
	}

	// Composing: deterministic merge in execution order.
	t.replyText = contextResetNote + ComposeReply(t.results)
	t.markPhase(PhaseComposing)

	for _, result := range t.results {
		if result.Err != nil {
			t.outcome = OutcomeFailed
			t.errCode = result.Err.Code
			break
		}
	}

	// PolicyChecking(outbound): a blocked reply is discarded and
	// replaced; the real results stay in the audit trail, never
	// surfaced to the caller.
	outbound := s.policy.Check(ctx, t.replyText)
	t.trace.OutboundVerdict = outbound
	t.markPhase(PhasePolicyOutbound)
	if !outbound.Allowed {
		s.recordPolicyBlock("outbound", outbound.Reason)
		t.outcome = OutcomeBlocked
		t.errCode = ErrCodePolicyBlocked
		t.replyText = RefusalMessage(outbound)
	}
}

// executePlan runs the plan's steps: runs of independent siblings run
// concurrently, a step with a declared data dependency waits for its
// predecessor and inherits its failure as a skip. Reports whether the
// turn deadline or the caller cancelled execution; in-flight actions
// finish and are recorded, no further steps are scheduled.
func (s *Supervisor) executePlan(ctx context.Context, t *turnState, plan *Plan) bool {
	scope := s.registry.NewScope()
	results := make([]*ActionResult, len(plan.Steps))

	i := 0
	for i < len(plan.Steps) {
		if ctx.Err() != nil {
			for ; i < len(plan.Steps); i++ {
				results[i] = &ActionResult{ActionID: plan.Steps[i].ActionID, Skipped: true}
			}
			t.results = compactResults(results)
			return true
		}

		if plan.Steps[i].DependsOnPrev {
			results[i] = s.executeStep(ctx, t, scope, plan.Steps[i], results[i-1])
			i++
			continue
		}

		// Collect the run of independent siblings starting here.
		j := i + 1
		for j < len(plan.Steps) && !plan.Steps[j].DependsOnPrev {
			j++
		}
		var wg sync.WaitGroup
		for k := i; k < j; k++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				results[idx] = s.executeStep(ctx, t, scope, plan.Steps[idx], nil)
			}(k)
		}
		wg.Wait()
		i = j
	}

	t.results = compactResults(results)
	return false
}

// executeStep resolves dependency-bound arguments, validates, and
// executes one plan step. A failed or skipped predecessor skips the
// step; the reply will surface the partial result.
func (s *Supervisor) executeStep(ctx context.Context, t *turnState, scope *ExecutionScope, step PlanStep, prev *ActionResult) *ActionResult {
	if step.DependsOnPrev && !prev.OK() {
		return &ActionResult{ActionID: step.ActionID, Skipped: true}
	}

	args := make(map[string]interface{}, len(step.Args)+len(step.ArgsFromPrev))
	for k, v := range step.Args {
		args[k] = v
	}
	for argName, field := range step.ArgsFromPrev {
		var value interface{}
		ok := false
		if prev != nil && prev.Data != nil {
			value, ok = prev.Data[field]
		}
		if !ok {
			terr := NewTurnError(ErrCodeInvalidArguments,
				"argument %q could not be derived from the previous step", argName)
			terr.Field = argName
			return &ActionResult{ActionID: step.ActionID, Err: terr}
		}
		args[argName] = value
	}

	req, terr := s.registry.BuildRequest(t.domain, step.ActionID, args)
	if terr != nil {
		s.logger.Warn(t.sessionID, t.turnID, "action rejected",
			map[string]interface{}{"action": step.ActionID, "error": terr.Error()})
		return &ActionResult{ActionID: step.ActionID, Err: terr}
	}

	result := scope.Execute(ctx, req)

	if s.metrics != nil {
		status := "ok"
		if result.Err != nil {
			status = string(result.Err.Code)
		}
		s.metrics.ActionsTotal.WithLabelValues(t.domain, step.ActionID, status).Inc()
		s.metrics.ActionDuration.WithLabelValues(t.domain, step.ActionID).
			Observe(float64(result.DurationMs) / 1000.0)
	}
	return result
}

// compactResults drops nil slots left by cancelled waves.
func compactResults(results []*ActionResult) []*ActionResult {
	out := make([]*ActionResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// finishTurn persists the turn (Persisting always runs, whatever the
// terminal state), updates slots and the domain hint, records metrics,
// and emits the audit trace.
func (s *Supervisor) finishTurn(ctx context.Context, t *turnState) *Reply {
	duration := time.Since(t.started)

	turn := Turn{
		ID:         t.turnID,
		Request:    t.request,
		Reply:      t.replyText,
		Outcome:    t.outcome,
		Domain:     t.domain,
		ErrorCode:  t.errCode,
		Timestamp:  t.started.UTC(),
		DurationMs: duration.Milliseconds(),
	}

	// Persist against a fresh context: the turn deadline must not stop
	// the refusal or failure from being recorded.
	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.sessions.Append(persistCtx, t.sessionID, turn, t.newHint); err != nil {
		s.logger.Error(t.sessionID, t.turnID, "failed to persist turn",
			map[string]interface{}{"error": err.Error()})
	}
	if len(t.slots) > 0 && t.outcome != OutcomeBlocked {
		if err := s.sessions.SetSlots(persistCtx, t.sessionID, t.slots); err != nil {
			s.logger.Error(t.sessionID, t.turnID, "failed to persist slots",
				map[string]interface{}{"error": err.Error()})
		}
	}
	t.markPhase(PhasePersisting)

	t.trace.Reply = t.replyText
	t.trace.Outcome = t.outcome
	t.trace.ErrorCode = t.errCode
	t.trace.DurationMs = duration.Milliseconds()
	s.audit.Emit(t.trace)

	if s.metrics != nil {
		domainLabel := t.domain
		if domainLabel == "" {
			domainLabel = "none"
		}
		s.metrics.TurnsTotal.WithLabelValues(string(t.outcome), domainLabel).Inc()
		s.metrics.TurnDuration.WithLabelValues(string(t.outcome)).Observe(duration.Seconds())
	}

	s.logger.InfoWithDuration(t.sessionID, t.turnID, "turn completed",
		float64(duration.Milliseconds()), map[string]interface{}{
			"outcome": t.outcome,
			"domain":  t.domain,
			"actions": len(t.results),
			"error":   string(t.errCode),
		})

	return &Reply{
		SessionID: t.sessionID,
		TurnID:    t.turnID,
		Text:      t.replyText,
		Outcome:   t.outcome,
		Domain:    t.domain,
		ErrorCode: t.errCode,
	}
}

func (s *Supervisor) recordPolicyBlock(direction, reason string) {
	if s.metrics != nil {
		s.metrics.PolicyBlocks.WithLabelValues(direction, reason).Inc()
	}
}

// String implements fmt.Stringer for debugging.
func (t *turnState) String() string {
	return fmt.Sprintf("turn %s session %s outcome %s", t.turnID, t.sessionID, t.outcome)
}
