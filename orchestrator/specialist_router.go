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
	"sync"
)

// SpecialistRouter maps a classification result to exactly one specialist
// domain. The label->domain mapping and the confidence threshold are
// configuration; the tie-break rule is sticky routing on the session's
// last-used domain hint.
type SpecialistRouter struct {
	mu            sync.RWMutex
	labelToDomain map[string]string
	minConfidence float64
}

// NewSpecialistRouter creates a router over the given label->domain map.
func NewSpecialistRouter(labelToDomain map[string]string, minConfidence float64) *SpecialistRouter {
	m := make(map[string]string, len(labelToDomain))
	for k, v := range labelToDomain {
		m[k] = v
	}
	return &SpecialistRouter{labelToDomain: m, minConfidence: minConfidence}
}

// RegisterDomain binds an intent label to a specialist domain. New
// domains are added by registering a catalogue and a label binding; the
// supervisor's state machine is untouched.
func (r *SpecialistRouter) RegisterDomain(label, domain string) {
	r.mu.Lock()
	r.labelToDomain[label] = domain
	r.mu.Unlock()
}

// Domains returns the configured domain set (deduplicated, unordered).
func (r *SpecialistRouter) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool, len(r.labelToDomain))
	out := make([]string, 0, len(r.labelToDomain))
	for _, d := range r.labelToDomain {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

// Labels returns the configured intent labels.
func (r *SpecialistRouter) Labels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.labelToDomain))
	for l := range r.labelToDomain {
		out = append(out, l)
	}
	return out
}

// Route resolves the intent result to a single domain, or "" for NoMatch.
// Candidates below the confidence threshold and labels with no configured
// domain are ignored. When two domains tie at the top confidence, the
// session's domain hint wins; two tied foreign domains with no hint match
// stay ambiguous and the router reports NoMatch rather than guessing.
func (r *SpecialistRouter) Route(intent *IntentResult, domainHint string) (string, bool) {
	if intent == nil || len(intent.Candidates) == 0 {
		return "", false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	top := 0.0
	domains := make([]string, 0, 2)
	for _, cand := range intent.Candidates {
		if cand.Confidence < r.minConfidence {
			continue
		}
		domain, ok := r.labelToDomain[cand.Label]
		if !ok {
			continue
		}
		switch {
		case cand.Confidence > top:
			top = cand.Confidence
			domains = domains[:0]
			domains = append(domains, domain)
		case cand.Confidence == top && !containsString(domains, domain):
			domains = append(domains, domain)
		}
	}

	switch len(domains) {
	case 0:
		return "", false
	case 1:
		return domains[0], true
	}

	// Sticky routing: prefer the session's last-used domain to reduce
	// mid-conversation context switches.
	for _, d := range domains {
		if d == domainHint {
			return d, true
		}
	}

	log.Printf("[Router] Ambiguous routing between %v with no matching hint", domains)
	return "", false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
