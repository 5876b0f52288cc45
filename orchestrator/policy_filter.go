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
	"os"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ContentCategory is a harmful-content class scored by the content oracle.
type ContentCategory string

const (
	CategoryHate       ContentCategory = "hate"
	CategoryInsults    ContentCategory = "insults"
	CategorySexual     ContentCategory = "sexual"
	CategoryViolence   ContentCategory = "violence"
	CategoryMisconduct ContentCategory = "misconduct"
)

// Severity is the scored strength of a content category, ordered.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
)

// ParseSeverity converts a config string to a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return SeverityNone, nil
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	}
	return SeverityNone, fmt.Errorf("unknown severity: %q", s)
}

// ContentClassifier is the oracle the policy filter wraps. It scores text
// against the content categories. A failed call blocks the text (fail
// closed, never open).
type ContentClassifier interface {
	Score(ctx context.Context, text string) (map[ContentCategory]Severity, error)
}

// PolicyRules is the injectable rule configuration: per-category severity
// thresholds plus a denied-topic list. Loaded from YAML and reloadable
// without restart.
type PolicyRules struct {
	Categories   map[ContentCategory]Severity
	DeniedTopics []DeniedTopic
}

// DeniedTopic blocks text matching a topic pattern regardless of content
// category scores.
type DeniedTopic struct {
	Name    string
	Pattern *regexp.Regexp
}

// policyRulesFile is the YAML shape of a policy rules document.
type policyRulesFile struct {
	APIVersion string `yaml:"apiVersion"`
	Kind       string `yaml:"kind"`
	Spec       struct {
		Categories []struct {
			Category  string `yaml:"category"`
			Threshold string `yaml:"threshold"`
		} `yaml:"categories"`
		DeniedTopics []struct {
			Name    string `yaml:"name"`
			Pattern string `yaml:"pattern"`
		} `yaml:"denied_topics"`
	} `yaml:"spec"`
}

// LoadPolicyRules reads and compiles a policy rules YAML file.
func LoadPolicyRules(path string) (*PolicyRules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy rules %s: %w", path, err)
	}

	var file policyRulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse policy rules %s: %w", path, err)
	}

	if file.Kind != "" && file.Kind != "PolicyRules" {
		return nil, fmt.Errorf("unexpected kind %q in %s", file.Kind, path)
	}

	rules := &PolicyRules{Categories: make(map[ContentCategory]Severity)}
	for _, c := range file.Spec.Categories {
		threshold, err := ParseSeverity(c.Threshold)
		if err != nil {
			return nil, fmt.Errorf("category %s: %w", c.Category, err)
		}
		rules.Categories[ContentCategory(strings.ToLower(c.Category))] = threshold
	}
	for _, t := range file.Spec.DeniedTopics {
		re, err := regexp.Compile("(?i)" + t.Pattern)
		if err != nil {
			return nil, fmt.Errorf("denied topic %s: invalid pattern: %w", t.Name, err)
		}
		rules.DeniedTopics = append(rules.DeniedTopics, DeniedTopic{Name: t.Name, Pattern: re})
	}
	return rules, nil
}

// DefaultPolicyRules mirrors the guardrail the managed deployment ships
// with: hate/insults/sexual/violence at high strength, misconduct at
// medium, and financial advice as a denied topic.
func DefaultPolicyRules() *PolicyRules {
	return &PolicyRules{
		Categories: map[ContentCategory]Severity{
			CategoryHate:       SeverityHigh,
			CategoryInsults:    SeverityHigh,
			CategorySexual:     SeverityHigh,
			CategoryViolence:   SeverityHigh,
			CategoryMisconduct: SeverityMedium,
		},
		DeniedTopics: []DeniedTopic{
			{
				Name:    "financial-advice",
				Pattern: regexp.MustCompile(`(?i)\b(transfer|wire|invest|deposit|withdraw)\b.*\b(\$|money|dollars|funds|account|stock|crypto)|financial advice|\b(money|funds)\b.*\b(transfer|wire)\b`),
			},
		},
	}
}

const (
	// BlockReasonUnavailable is returned when the content oracle cannot
	// be reached. The filter fails closed.
	BlockReasonUnavailable = "policy-check-unavailable"
)

// PolicyFilter checks text against the configured rules. It is stateless
// apart from the reloadable rule set and is safe for concurrent use.
type PolicyFilter struct {
	classifier ContentClassifier
	mu         sync.RWMutex
	rules      *PolicyRules
}

// NewPolicyFilter creates a filter wrapping the given content oracle.
// A nil rules argument installs the default guardrail rules.
func NewPolicyFilter(classifier ContentClassifier, rules *PolicyRules) *PolicyFilter {
	if rules == nil {
		rules = DefaultPolicyRules()
	}
	return &PolicyFilter{classifier: classifier, rules: rules}
}

// UpdateRules swaps in a new rule set. Verdicts are never cached, so the
// new rules take effect on the next check.
func (f *PolicyFilter) UpdateRules(rules *PolicyRules) {
	if rules == nil {
		return
	}
	f.mu.Lock()
	f.rules = rules
	f.mu.Unlock()
	log.Printf("[PolicyFilter] Rules updated: %d categories, %d denied topics",
		len(rules.Categories), len(rules.DeniedTopics))
}

// Check evaluates text against the denied-topic list and the category
// thresholds. Pure over the text and the current rules: no verdict is
// cached across turns.
func (f *PolicyFilter) Check(ctx context.Context, text string) Verdict {
	f.mu.RLock()
	rules := f.rules
	f.mu.RUnlock()

	// Denied topics are local rules and take priority: a match blocks
	// without consulting the oracle.
	for _, topic := range rules.DeniedTopics {
		if topic.Pattern.MatchString(text) {
			return Block("denied-topic:" + topic.Name)
		}
	}

	if len(rules.Categories) == 0 {
		return Allow()
	}

	scores, err := f.classifier.Score(ctx, text)
	if err != nil {
		log.Printf("[PolicyFilter] Content oracle unavailable, failing closed: %v", err)
		return Block(BlockReasonUnavailable)
	}

	for category, threshold := range rules.Categories {
		if score, ok := scores[category]; ok && score >= threshold && score > SeverityNone {
			return Block(fmt.Sprintf("content-category:%s", category))
		}
	}
	return Allow()
}

// RefusalMessage is the safe reply surfaced to the caller when a verdict
// blocks. The real reason stays in the audit trail.
func RefusalMessage(v Verdict) string {
	if v.Reason == BlockReasonUnavailable {
		return "I can't process that request right now. Please try again shortly."
	}
	return "Your request contains content that is not allowed."
}
