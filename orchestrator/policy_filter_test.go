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
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// scriptedClassifier returns fixed scores or a fixed error.
type scriptedClassifier struct {
	scores map[ContentCategory]Severity
	err    error
}

func (c *scriptedClassifier) Score(ctx context.Context, text string) (map[ContentCategory]Severity, error) {
	return c.scores, c.err
}

func TestPolicyFilter_AllowsBenignText(t *testing.T) {
	filter := NewPolicyFilter(NewLexiconClassifier(), nil)

	verdict := filter.Check(context.Background(), "list all EC2 instances tagged Team:web")
	if !verdict.Allowed {
		t.Fatalf("Expected allow, got block with reason %q", verdict.Reason)
	}
}

func TestPolicyFilter_DeniedTopicBlocksWithoutOracle(t *testing.T) {
	oracle := &scriptedClassifier{err: errors.New("should not be called")}
	filter := NewPolicyFilter(oracle, nil)

	verdict := filter.Check(context.Background(), "transfer $500 from the ops account")
	if verdict.Allowed {
		t.Fatal("Expected denied-topic block")
	}
	if verdict.Reason != "denied-topic:financial-advice" {
		t.Errorf("Expected financial-advice reason, got %q", verdict.Reason)
	}
}

func TestPolicyFilter_CategoryThresholdBlocks(t *testing.T) {
	oracle := &scriptedClassifier{scores: map[ContentCategory]Severity{
		CategoryViolence: SeverityHigh,
	}}
	filter := NewPolicyFilter(oracle, nil)

	verdict := filter.Check(context.Background(), "some text")
	if verdict.Allowed {
		t.Fatal("Expected block at high violence severity")
	}
	if verdict.Reason != "content-category:violence" {
		t.Errorf("Unexpected reason %q", verdict.Reason)
	}
}

func TestPolicyFilter_BelowThresholdAllows(t *testing.T) {
	// Misconduct threshold is medium; low must pass.
	oracle := &scriptedClassifier{scores: map[ContentCategory]Severity{
		CategoryMisconduct: SeverityLow,
	}}
	filter := NewPolicyFilter(oracle, nil)

	if verdict := filter.Check(context.Background(), "some text"); !verdict.Allowed {
		t.Fatalf("Expected allow below threshold, got %q", verdict.Reason)
	}
}

func TestPolicyFilter_FailsClosedWhenOracleUnavailable(t *testing.T) {
	oracle := &scriptedClassifier{err: errors.New("connection refused")}
	filter := NewPolicyFilter(oracle, nil)

	verdict := filter.Check(context.Background(), "list all instances")
	if verdict.Allowed {
		t.Fatal("Expected fail-closed block when the oracle is unavailable")
	}
	if verdict.Reason != BlockReasonUnavailable {
		t.Errorf("Expected %q, got %q", BlockReasonUnavailable, verdict.Reason)
	}
}

func TestPolicyFilter_UpdateRulesTakesEffect(t *testing.T) {
	oracle := &scriptedClassifier{scores: map[ContentCategory]Severity{}}
	filter := NewPolicyFilter(oracle, &PolicyRules{Categories: map[ContentCategory]Severity{}})

	if verdict := filter.Check(context.Background(), "restart the demo fleet"); !verdict.Allowed {
		t.Fatalf("Expected allow before update, got %q", verdict.Reason)
	}

	filter.UpdateRules(DefaultPolicyRules())
	verdict := filter.Check(context.Background(), "I need financial advice")
	if verdict.Allowed {
		t.Fatal("Expected denied topic to apply after update")
	}
}

func TestLoadPolicyRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := `apiVersion: opscenter/v1
kind: PolicyRules
spec:
  categories:
    - category: hate
      threshold: high
    - category: misconduct
      threshold: medium
  denied_topics:
    - name: gambling
      pattern: 'poker|casino'
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	rules, err := LoadPolicyRules(path)
	if err != nil {
		t.Fatalf("LoadPolicyRules failed: %v", err)
	}
	if rules.Categories[CategoryHate] != SeverityHigh {
		t.Errorf("Expected hate threshold high, got %v", rules.Categories[CategoryHate])
	}
	if len(rules.DeniedTopics) != 1 || rules.DeniedTopics[0].Name != "gambling" {
		t.Errorf("Unexpected denied topics: %+v", rules.DeniedTopics)
	}
	if !rules.DeniedTopics[0].Pattern.MatchString("late night CASINO run") {
		t.Error("Expected case-insensitive denied topic match")
	}
}

func TestLoadPolicyRules_RejectsWrongKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("kind: ActionCatalog\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPolicyRules(path); err == nil || !strings.Contains(err.Error(), "unexpected kind") {
		t.Fatalf("Expected kind error, got %v", err)
	}
}

func TestRefusalMessage(t *testing.T) {
	if msg := RefusalMessage(Block(BlockReasonUnavailable)); !strings.Contains(msg, "right now") {
		t.Errorf("Unavailable refusal should suggest retrying, got %q", msg)
	}
	if msg := RefusalMessage(Block("content-category:hate")); strings.Contains(msg, "hate") {
		t.Errorf("Refusal must not leak the block reason, got %q", msg)
	}
}

func TestLexiconClassifier_Scoring(t *testing.T) {
	oracle := NewLexiconClassifier()

	scores, err := oracle.Score(context.Background(), "please kill the process")
	if err != nil {
		t.Fatal(err)
	}
	if scores[CategoryViolence] != SeverityMedium {
		t.Errorf("One hit should score medium, got %v", scores[CategoryViolence])
	}

	scores, _ = oracle.Score(context.Background(), "kill it then bomb the building")
	if scores[CategoryViolence] != SeverityHigh {
		t.Errorf("Two hits should score high, got %v", scores[CategoryViolence])
	}

	scores, _ = oracle.Score(context.Background(), "list instances")
	for category, severity := range scores {
		if severity != SeverityNone {
			t.Errorf("Expected none for %s, got %v", category, severity)
		}
	}
}
