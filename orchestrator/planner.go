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
	"log"
)

// PlanStep is one action in a turn's bounded execution sequence. Args
// holds values resolvable at planning time; ArgsFromPrev names arguments
// bound from the previous step's result fields, which makes the step a
// declared data dependency and forces sequential execution.
type PlanStep struct {
	ActionID      string
	Args          map[string]interface{}
	ArgsFromPrev  map[string]string
	DependsOnPrev bool
}

// Plan is the ordered action sequence derived from a classified intent
// and the session's slots.
type Plan struct {
	Domain string
	Steps  []PlanStep
}

// Planner derives plans from catalogue routing rules. Rules are matched
// against the raw request text in priority order; the first match wins.
type Planner struct {
	routing map[string][]CompiledPlanRule
}

// NewPlanner compiles routing rules for every registered catalogue.
func NewPlanner(catalogs map[string]*ActionCatalog) *Planner {
	routing := make(map[string][]CompiledPlanRule, len(catalogs))
	for domain, catalog := range catalogs {
		routing[domain] = catalog.CompileRouting()
	}
	return &Planner{routing: routing}
}

// BuildPlan derives the action sequence for a routed domain. Slot values
// come from the classification result merged over the session's stored
// slots (fresh extraction wins). A nil plan means no routing rule
// matched and the supervisor should ask for clarification.
func (p *Planner) BuildPlan(catalog *ActionCatalog, text string, slots map[string]string) *Plan {
	rules := p.routing[catalog.Metadata.Domain]

	var matched *CompiledPlanRule
	for i := range rules {
		if rules[i].Pattern.MatchString(text) {
			matched = &rules[i]
			break
		}
	}
	if matched == nil {
		log.Printf("[Planner] No routing rule matched for domain %s", catalog.Metadata.Domain)
		return nil
	}

	plan := &Plan{Domain: catalog.Metadata.Domain}
	for i, actionID := range matched.Actions {
		def, ok := catalog.Action(actionID)
		if !ok {
			// Validated at load time; guard anyway.
			continue
		}
		step := PlanStep{
			ActionID:      actionID,
			Args:          make(map[string]interface{}),
			DependsOnPrev: matched.Sequential && i > 0,
		}
		for _, schema := range def.Args {
			// A from_prev binding only applies when there is a previous
			// step; at position 0 the argument falls back to its slot.
			if schema.FromPrev != "" && i > 0 {
				if step.ArgsFromPrev == nil {
					step.ArgsFromPrev = make(map[string]string)
				}
				step.ArgsFromPrev[schema.Name] = schema.FromPrev
				step.DependsOnPrev = true
				continue
			}
			raw, ok := slots[schema.FromSlot]
			if !ok || schema.FromSlot == "" {
				if schema.Default == "" {
					continue
				}
				raw = schema.Default
			}
			value, err := coerceArg(schema, raw)
			if err != nil {
				log.Printf("[Planner] Dropping slot value for %s.%s: %v",
					actionID, schema.Name, err)
				continue
			}
			step.Args[schema.Name] = value
		}
		plan.Steps = append(plan.Steps, step)
	}

	if len(plan.Steps) == 0 {
		return nil
	}
	return plan
}

// MergeSlots overlays freshly extracted slots on the session's stored
// slots. Fresh values win; stored identity/authorization claims persist.
func MergeSlots(stored, fresh map[string]string) map[string]string {
	merged := make(map[string]string, len(stored)+len(fresh))
	for k, v := range stored {
		merged[k] = v
	}
	for k, v := range fresh {
		if v != "" {
			merged[k] = v
		}
	}
	return merged
}
