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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// TurnOutcome is the terminal state of a turn's state machine.
type TurnOutcome string

const (
	OutcomeDone    TurnOutcome = "done"
	OutcomeBlocked TurnOutcome = "blocked"
	OutcomeFailed  TurnOutcome = "failed"
)

// TurnPhase names the steps of the per-turn state machine. Phases are
// recorded in the turn trace for audit.
type TurnPhase string

const (
	PhaseReceived       TurnPhase = "received"
	PhasePolicyInbound  TurnPhase = "policy_checking_inbound"
	PhaseClassifying    TurnPhase = "classifying"
	PhaseRouting        TurnPhase = "routing"
	PhaseExecuting      TurnPhase = "executing"
	PhaseComposing      TurnPhase = "composing"
	PhasePolicyOutbound TurnPhase = "policy_checking_outbound"
	PhasePersisting     TurnPhase = "persisting"
	PhaseDone           TurnPhase = "done"
)

// Turn is one completed request/response cycle within a session. Turns are
// append-only: once recorded they are never rewritten.
type Turn struct {
	ID         string      `json:"id"`
	Request    string      `json:"request"`
	Reply      string      `json:"reply"`
	Outcome    TurnOutcome `json:"outcome"`
	Domain     string      `json:"domain,omitempty"`
	ErrorCode  ErrorCode   `json:"error_code,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	DurationMs int64       `json:"duration_ms"`
}

// Session holds the conversation state for one session id. The store owns
// the canonical copy; the supervisor holds a transient reference during a
// turn.
type Session struct {
	ID           string            `json:"id"`
	Turns        []Turn            `json:"turns"`
	Slots        map[string]string `json:"slots"`
	DomainHint   string            `json:"domain_hint,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
}

// Clone returns a deep copy so callers can read session state without
// holding the store's lock.
func (s *Session) Clone() *Session {
	cp := &Session{
		ID:           s.ID,
		Turns:        make([]Turn, len(s.Turns)),
		Slots:        make(map[string]string, len(s.Slots)),
		DomainHint:   s.DomainHint,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
	}
	copy(cp.Turns, s.Turns)
	for k, v := range s.Slots {
		cp.Slots[k] = v
	}
	return cp
}

// IntentCandidate is one ranked label from the classification oracle.
type IntentCandidate struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// IntentResult is the transient output of one classification call. The
// candidate list is ranked highest-confidence first; ties keep their
// oracle order.
type IntentResult struct {
	Candidates []IntentCandidate `json:"candidates"`
	Slots      map[string]string `json:"slots,omitempty"`
}

// Top returns the highest confidence among candidates, or 0.
func (r *IntentResult) Top() float64 {
	if len(r.Candidates) == 0 {
		return 0
	}
	top := r.Candidates[0].Confidence
	for _, c := range r.Candidates[1:] {
		if c.Confidence > top {
			top = c.Confidence
		}
	}
	return top
}

// SideEffectClass declares whether an action is safe to retry.
type SideEffectClass string

const (
	SideEffectReadOnly SideEffectClass = "read-only"
	SideEffectMutating SideEffectClass = "mutating"
)

// ActionRequest is a single structured operation dispatched to a
// capability handler. Created by the supervisor per plan step, consumed
// exactly once by the registry.
type ActionRequest struct {
	Domain         string                 `json:"domain"`
	ActionID       string                 `json:"action_id"`
	Args           map[string]interface{} `json:"args"`
	IdempotencyKey string                 `json:"idempotency_key"`
	SideEffect     SideEffectClass        `json:"side_effect"`
}

// ActionResult is the immutable outcome of one action execution.
type ActionResult struct {
	ActionID       string                 `json:"action_id"`
	IdempotencyKey string                 `json:"idempotency_key"`
	Data           map[string]interface{} `json:"data,omitempty"`
	Summary        string                 `json:"summary,omitempty"`
	Resource       string                 `json:"resource,omitempty"`
	Err            *TurnError             `json:"error,omitempty"`
	Attempts       int                    `json:"attempts"`
	DurationMs     int64                  `json:"duration_ms"`
	Skipped        bool                   `json:"skipped,omitempty"`
}

// OK reports whether the action produced a success payload.
func (r *ActionResult) OK() bool {
	return r != nil && r.Err == nil && !r.Skipped
}

// Verdict is the outcome of a policy check: allow, or block with a
// reason. Verdicts are computed fresh for every inbound and outbound
// text and never cached across turns.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Allow is the allowing verdict.
func Allow() Verdict { return Verdict{Allowed: true} }

// Block returns a blocking verdict with the given reason.
func Block(reason string) Verdict { return Verdict{Allowed: false, Reason: reason} }

// Reply is the final output of a turn as returned to the channel adapter.
type Reply struct {
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Text      string      `json:"text"`
	Outcome   TurnOutcome `json:"outcome"`
	Domain    string      `json:"domain,omitempty"`
	ErrorCode ErrorCode   `json:"error_code,omitempty"`
}

// IntentClassifier is the opaque, possibly-unavailable oracle that maps
// raw text to ranked intent candidates plus extracted slots.
type IntentClassifier interface {
	Classify(ctx context.Context, text, sessionHint string) (*IntentResult, error)
}

// CapabilityHandler executes catalogued actions for one specialist domain.
// Handlers receive args already validated against the action's schema.
type CapabilityHandler interface {
	Invoke(ctx context.Context, actionID string, args map[string]interface{}) (map[string]interface{}, error)
}

// IdempotencyKey derives a stable key from the action identity and its
// canonicalized arguments. Replaying the same key against a read-only
// action within a turn yields the identical result.
func IdempotencyKey(domain, actionID string, args map[string]interface{}) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0})
	h.Write([]byte(actionID))
	h.Write([]byte{0})
	h.Write(canonicalArgs(args))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// canonicalArgs renders args with sorted keys so the key is stable across
// map iteration order.
func canonicalArgs(args map[string]interface{}) []byte {
	if len(args) == 0 {
		return nil
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, 64)
	for _, k := range keys {
		v, _ := json.Marshal(args[k])
		buf = append(buf, k...)
		buf = append(buf, '=')
		buf = append(buf, v...)
		buf = append(buf, ';')
	}
	return buf
}
