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
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// KeywordClassifier maps raw text to intent labels with pre-compiled
// regex rules. Deterministic; used for dev/test deployments and as the
// classifier in unit tests. Rules follow the same pattern/priority shape
// as catalogue routing rules.
type KeywordClassifier struct {
	rules []keywordRule
	slots []slotExtractor
}

type keywordRule struct {
	pattern    *regexp.Regexp
	label      string
	confidence float64
}

type slotExtractor struct {
	name    string
	pattern *regexp.Regexp
}

// NewKeywordClassifier creates a classifier with the built-in AI Ops
// intent rules and slot extractors.
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{
		rules: []keywordRule{
			{regexp.MustCompile(`(?i)\b(ec2|instance|instances|server|servers|compute)\b`), "compute-lifecycle", 0.9},
			{regexp.MustCompile(`(?i)\b(patch|patching|baseline|ssm|document|compliance)\b`), "patch-management", 0.9},
			{regexp.MustCompile(`(?i)\b(backup|backups|restore|vault|recovery point)\b`), "backup", 0.9},
			{regexp.MustCompile(`(?i)\b(support|case|ticket|issue|incident)\b`), "support", 0.85},
		},
		slots: []slotExtractor{
			{"instance_id", regexp.MustCompile(`\b(i-[0-9a-f]{8,17})\b`)},
			{"command_id", regexp.MustCompile(`\b([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})\b`)},
			{"tag_pair", regexp.MustCompile(`(?i)\btagged\s+([A-Za-z0-9_.:/-]+)\b`)},
			{"state", regexp.MustCompile(`(?i)\b(running|stopped|pending|terminated)\b`)},
		},
	}
}

// Classify matches the text against every rule and returns all matching
// labels as ranked candidates. Multiple matches at the same confidence
// are legitimate ties the router resolves.
func (c *KeywordClassifier) Classify(ctx context.Context, text, sessionHint string) (*IntentResult, error) {
	result := &IntentResult{Slots: map[string]string{}}

	for _, rule := range c.rules {
		if rule.pattern.MatchString(text) {
			result.Candidates = append(result.Candidates, IntentCandidate{
				Label:      rule.label,
				Confidence: rule.confidence,
			})
		}
	}
	sort.SliceStable(result.Candidates, func(i, j int) bool {
		return result.Candidates[i].Confidence > result.Candidates[j].Confidence
	})

	for _, s := range c.slots {
		if m := s.pattern.FindStringSubmatch(text); m != nil {
			result.Slots[s.name] = m[1]
		}
	}

	// "tagged Team:web" carries both halves of the tag; a bare value
	// defaults the key to Name.
	if pair, ok := result.Slots["tag_pair"]; ok {
		delete(result.Slots, "tag_pair")
		key, value := "Name", pair
		if idx := strings.IndexAny(pair, ":="); idx > 0 {
			key, value = pair[:idx], pair[idx+1:]
		}
		result.Slots["tag_key"] = key
		result.Slots["tag_value"] = value
	}
	return result, nil
}

// BedrockClassifier asks a Bedrock model for intent candidates and slot
// values. The session's domain hint is passed to the model as context but
// the tie-break itself stays in the router.
type BedrockClassifier struct {
	client bedrockInvoker
	model  string
	labels []string
}

// NewBedrockClassifier creates a Bedrock-backed intent classifier scoped
// to the given label set.
func NewBedrockClassifier(client *bedrockruntime.Client, model string, labels []string) *BedrockClassifier {
	return &BedrockClassifier{client: client, model: model, labels: labels}
}

const intentPrompt = `You are an intent classifier for an IT operations assistant. Classify the request into the known intent labels and extract slot values.

Known labels: %v
Request: %q
Previous conversation domain (may be empty): %q

Return ONLY a JSON object with this structure:
{
  "candidates": [{"label": "<label>", "confidence": <0.0-1.0>}, ...],
  "slots": {"<slot_name>": "<value>", ...}
}

Include every plausible label with its confidence. Slot names to extract when present: instance_id, instance_ids, tag_key, tag_value, state, document_name, baseline_id, command_id, plan_id, case_id, subject, severity_code. No additional text.`

// Classify invokes the model and parses the ranked candidates.
func (c *BedrockClassifier) Classify(ctx context.Context, text, sessionHint string) (*IntentResult, error) {
	start := time.Now()

	body, err := json.Marshal(map[string]interface{}{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        400,
		"temperature":       0.0,
		"messages": []map[string]string{
			{"role": "user", "content": fmt.Sprintf(intentPrompt, c.labels, text, sessionHint)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	output, err := c.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(c.model),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock API error: %w", err)
	}

	content, err := extractAnthropicText(output.Body)
	if err != nil {
		return nil, err
	}

	raw, err := extractJSONObject(content)
	if err != nil {
		return nil, err
	}

	var result IntentResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("failed to parse classification: %w", err)
	}
	if result.Slots == nil {
		result.Slots = map[string]string{}
	}
	sort.SliceStable(result.Candidates, func(i, j int) bool {
		return result.Candidates[i].Confidence > result.Candidates[j].Confidence
	})

	log.Printf("[Classifier] Classified in %s: %d candidates", time.Since(start), len(result.Candidates))
	return &result, nil
}
