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
	"log"
	"sync"
	"time"
)

// ActionRegistry maps specialist domains to their catalogues and bound
// capability handlers. Stateless across turns; per-turn state (budget,
// idempotency cache) lives in the ExecutionScope.
type ActionRegistry struct {
	mu          sync.RWMutex
	catalogs    map[string]*ActionCatalog
	handlers    map[string]CapabilityHandler
	budget      int
	callTimeout time.Duration
}

// DefaultActionBudget is the per-turn action-count ceiling. Exceeding it
// fails the turn rather than continuing silently.
const DefaultActionBudget = 5

// DefaultCallTimeout bounds a single capability handler invocation.
const DefaultCallTimeout = 30 * time.Second

// NewActionRegistry creates an empty registry with the given per-turn
// budget and per-call timeout. Zero values select the defaults.
func NewActionRegistry(budget int, callTimeout time.Duration) *ActionRegistry {
	if budget <= 0 {
		budget = DefaultActionBudget
	}
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &ActionRegistry{
		catalogs:    make(map[string]*ActionCatalog),
		handlers:    make(map[string]CapabilityHandler),
		budget:      budget,
		callTimeout: callTimeout,
	}
}

// Register binds a domain's catalogue to its capability handler.
func (r *ActionRegistry) Register(catalog *ActionCatalog, handler CapabilityHandler) error {
	if err := catalog.Validate(); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("domain %s: nil handler", catalog.Metadata.Domain)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	domain := catalog.Metadata.Domain
	if _, exists := r.catalogs[domain]; exists {
		return fmt.Errorf("domain %s already registered", domain)
	}
	r.catalogs[domain] = catalog
	r.handlers[domain] = handler
	log.Printf("[Registry] Registered domain %s with %d actions", domain, len(catalog.Spec.Actions))
	return nil
}

// Catalog returns the catalogue for a domain.
func (r *ActionRegistry) Catalog(domain string) (*ActionCatalog, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.catalogs[domain]
	return c, ok
}

// Budget returns the per-turn action ceiling.
func (r *ActionRegistry) Budget() int { return r.budget }

// NewScope opens a per-turn execution scope. All actions of one turn must
// go through the same scope so the budget and the idempotency cache apply
// turn-wide.
func (r *ActionRegistry) NewScope() *ExecutionScope {
	return &ExecutionScope{
		registry: r,
		cache:    make(map[string]*ActionResult),
	}
}

// ExecutionScope tracks one turn's action executions: the count against
// the budget and the read-only idempotency cache.
type ExecutionScope struct {
	registry *ActionRegistry
	mu       sync.Mutex
	executed int
	cache    map[string]*ActionResult
}

// Executed returns the number of budget-charged executions so far.
func (s *ExecutionScope) Executed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executed
}

// BuildRequest validates an action id and raw arguments against the
// domain's catalogue and returns the validated ActionRequest. Unknown
// actions fail with UnknownAction; schema violations fail with
// InvalidArguments naming the offending field.
func (r *ActionRegistry) BuildRequest(domain, actionID string, args map[string]interface{}) (*ActionRequest, *TurnError) {
	catalog, ok := r.Catalog(domain)
	if !ok {
		return nil, NewTurnError(ErrCodeUnknownAction, "no catalogue for domain %q", domain)
	}
	def, ok := catalog.Action(actionID)
	if !ok {
		return nil, NewTurnError(ErrCodeUnknownAction, "action %q is not in the %s catalogue", actionID, domain)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	if terr := validateArgs(def, args); terr != nil {
		return nil, terr
	}
	return &ActionRequest{
		Domain:         domain,
		ActionID:       actionID,
		Args:           args,
		IdempotencyKey: IdempotencyKey(domain, actionID, args),
		SideEffect:     SideEffectClass(def.SideEffect),
	}, nil
}

// validateArgs checks required/type/enum constraints against the schema.
func validateArgs(def *ActionDef, args map[string]interface{}) *TurnError {
	declared := make(map[string]ArgSchema, len(def.Args))
	for _, schema := range def.Args {
		declared[schema.Name] = schema

		value, present := args[schema.Name]
		if !present {
			if schema.Required {
				terr := NewTurnError(ErrCodeInvalidArguments, "missing required argument %q", schema.Name)
				terr.Field = schema.Name
				return terr
			}
			continue
		}
		if !typeMatches(schema.Type, value) {
			terr := NewTurnError(ErrCodeInvalidArguments, "argument %q must be of type %s", schema.Name, schema.Type)
			terr.Field = schema.Name
			return terr
		}
		if len(schema.Enum) > 0 {
			str := fmt.Sprint(value)
			if !containsString(schema.Enum, str) {
				terr := NewTurnError(ErrCodeInvalidArguments, "argument %q must be one of %v", schema.Name, schema.Enum)
				terr.Field = schema.Name
				return terr
			}
		}
	}

	for name := range args {
		if _, ok := declared[name]; !ok {
			terr := NewTurnError(ErrCodeInvalidArguments, "unexpected argument %q", name)
			terr.Field = name
			return terr
		}
	}
	return nil
}

func typeMatches(declared string, value interface{}) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "int":
		switch value.(type) {
		case int, int32, int64:
			return true
		case float64:
			// JSON decoding yields float64 for all numbers.
			return value.(float64) == float64(int64(value.(float64)))
		}
		return false
	case "float":
		switch value.(type) {
		case float32, float64, int, int64:
			return true
		}
		return false
	case "bool":
		_, ok := value.(bool)
		return ok
	case "list":
		switch value.(type) {
		case []interface{}, []string:
			return true
		}
		return false
	case "map":
		_, ok := value.(map[string]interface{})
		return ok
	}
	return false
}

// Execute runs a validated ActionRequest through the domain's handler.
//
// Semantics enforced here:
//   - the per-turn budget: execution N+1 past the ceiling fails with
//     ActionBudgetExceeded before the handler is invoked
//   - read-only replay: a cached result is returned unchanged for the
//     same idempotency key, without charging the budget
//   - retry: read-only actions retry exactly once on a transport-level
//     failure; mutating actions never retry, and a mutating timeout
//     surfaces as ActionTimedOut
func (s *ExecutionScope) Execute(ctx context.Context, req *ActionRequest) *ActionResult {
	readOnly := req.SideEffect == SideEffectReadOnly

	if readOnly {
		s.mu.Lock()
		if cached, ok := s.cache[req.IdempotencyKey]; ok {
			s.mu.Unlock()
			return cached
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	if s.executed >= s.registry.budget {
		s.mu.Unlock()
		return &ActionResult{
			ActionID:       req.ActionID,
			IdempotencyKey: req.IdempotencyKey,
			Err: NewTurnError(ErrCodeActionBudgetExceeded,
				"action budget of %d exceeded", s.registry.budget),
		}
	}
	s.executed++
	s.mu.Unlock()

	s.registry.mu.RLock()
	handler := s.registry.handlers[req.Domain]
	timeout := s.registry.callTimeout
	s.registry.mu.RUnlock()

	result := invokeWithRetry(ctx, handler, req, timeout, readOnly)

	if readOnly && result.Err == nil {
		s.mu.Lock()
		s.cache[req.IdempotencyKey] = result
		s.mu.Unlock()
	}
	return result
}

// invokeWithRetry performs the bounded handler invocation.
func invokeWithRetry(ctx context.Context, handler CapabilityHandler, req *ActionRequest, timeout time.Duration, readOnly bool) *ActionResult {
	start := time.Now()
	result := &ActionResult{
		ActionID:       req.ActionID,
		IdempotencyKey: req.IdempotencyKey,
		Resource:       primaryResource(req.Args),
	}

	attempts := 1
	if readOnly {
		attempts = 2
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		data, err := handler.Invoke(callCtx, req.ActionID, req.Args)
		cancel()

		if err == nil {
			result.Data = data
			result.Attempts = attempt
			result.DurationMs = time.Since(start).Milliseconds()
			if summary, ok := data["message"].(string); ok {
				result.Summary = summary
			}
			return result
		}

		lastErr = err
		if !IsTransportError(err) {
			// Semantic failure from the handler: never retried,
			// regardless of side-effect class.
			result.Err = AsTurnError(err)
			result.Attempts = attempt
			result.DurationMs = time.Since(start).Milliseconds()
			return result
		}
		if !readOnly {
			break
		}
		log.Printf("[Registry] Transport failure on read-only action %s (attempt %d): %v",
			req.ActionID, attempt, err)
	}

	result.Attempts = attempts
	if !readOnly {
		result.Attempts = 1
	}
	result.DurationMs = time.Since(start).Milliseconds()
	result.Err = NewTurnError(ErrCodeActionTimedOut,
		"action %s did not complete: %v", req.ActionID, lastErr)
	return result
}

// primaryResource extracts the main resource identifier from well-known
// argument names so failure replies can name what was affected.
func primaryResource(args map[string]interface{}) string {
	for _, key := range []string{"instance_ids", "instance_id", "command_id", "baseline_id", "plan_id", "case_id", "document_name"} {
		value, ok := args[key]
		if !ok {
			continue
		}
		switch v := value.(type) {
		case string:
			return v
		case []interface{}:
			if len(v) == 1 {
				return fmt.Sprint(v[0])
			}
			if len(v) > 1 {
				return fmt.Sprintf("%d resources", len(v))
			}
		}
	}
	return ""
}
