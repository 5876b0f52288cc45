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
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// LexiconClassifier scores content categories from a keyword lexicon.
// Deterministic and dependency-free; the default oracle for self-hosted
// deployments and tests. Each hit raises the category one severity step.
type LexiconClassifier struct {
	lexicon map[ContentCategory][]string
}

// NewLexiconClassifier creates a lexicon scorer with the built-in word
// lists.
func NewLexiconClassifier() *LexiconClassifier {
	return &LexiconClassifier{
		lexicon: map[ContentCategory][]string{
			CategoryHate:       {"hate", "racist", "bigot", "slur"},
			CategoryInsults:    {"idiot", "stupid", "moron", "worthless"},
			CategorySexual:     {"sexual", "explicit", "nsfw"},
			CategoryViolence:   {"kill", "murder", "attack", "bomb", "hurt"},
			CategoryMisconduct: {"steal", "fraud", "hack into", "bypass security", "exfiltrate"},
		},
	}
}

// Score counts lexicon hits per category. Zero hits scores none, one hit
// medium, two or more high.
func (c *LexiconClassifier) Score(ctx context.Context, text string) (map[ContentCategory]Severity, error) {
	lower := strings.ToLower(text)
	scores := make(map[ContentCategory]Severity, len(c.lexicon))

	for category, words := range c.lexicon {
		hits := 0
		for _, w := range words {
			if strings.Contains(lower, w) {
				hits++
			}
		}
		switch {
		case hits == 0:
			scores[category] = SeverityNone
		case hits == 1:
			scores[category] = SeverityMedium
		default:
			scores[category] = SeverityHigh
		}
	}
	return scores, nil
}

// bedrockInvoker is the slice of the Bedrock runtime client the scorers
// use, kept narrow so tests can stub it.
type bedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockContentClassifier scores content categories with a Bedrock
// model. Invocation failures propagate to the policy filter, which fails
// closed.
type BedrockContentClassifier struct {
	client bedrockInvoker
	model  string
}

// NewBedrockContentClassifier creates a Bedrock-backed content scorer.
func NewBedrockContentClassifier(client *bedrockruntime.Client, model string) *BedrockContentClassifier {
	return &BedrockContentClassifier{client: client, model: model}
}

const contentScorePrompt = `You are a content safety classifier. Rate the following text for each category: hate, insults, sexual, violence, misconduct.

Text: %q

Return ONLY a JSON object mapping each category to one of "none", "low", "medium", "high". No additional text.`

// Score invokes the model and parses the category ratings.
func (c *BedrockContentClassifier) Score(ctx context.Context, text string) (map[ContentCategory]Severity, error) {
	body, err := json.Marshal(map[string]interface{}{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        200,
		"temperature":       0.0,
		"messages": []map[string]string{
			{"role": "user", "content": fmt.Sprintf(contentScorePrompt, text)},
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

	var ratings map[string]string
	if err := json.Unmarshal([]byte(raw), &ratings); err != nil {
		return nil, fmt.Errorf("failed to parse ratings: %w", err)
	}

	scores := make(map[ContentCategory]Severity, len(ratings))
	for category, rating := range ratings {
		severity, err := ParseSeverity(rating)
		if err != nil {
			log.Printf("[ContentClassifier] Skipping unparseable rating %q for %s", rating, category)
			continue
		}
		scores[ContentCategory(strings.ToLower(category))] = severity
	}
	return scores, nil
}

// extractAnthropicText pulls the text content out of an Anthropic-family
// InvokeModel response body.
func extractAnthropicText(body []byte) (string, error) {
	var resp struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to parse model response: %w", err)
	}
	if len(resp.Content) == 0 {
		return "", fmt.Errorf("empty model response")
	}
	return resp.Content[0].Text, nil
}

// extractJSONObject finds the first JSON object in a model response that
// may carry extra prose around it.
func extractJSONObject(s string) (string, error) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return "", fmt.Errorf("no JSON found in response")
	}
	return s[start : end+1], nil
}
