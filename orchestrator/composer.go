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
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ComposeReply deterministically merges action results into a single
// reply. Presentation follows execution order; a failed action surfaces
// its safe failure reason next to whatever partial results preceded it.
// The composer never fabricates success: if anything failed the reply
// says so.
func ComposeReply(results []*ActionResult) string {
	var b strings.Builder
	failures := 0

	for _, result := range results {
		if result.Skipped {
			fmt.Fprintf(&b, "Skipped %s because an earlier step failed.\n", humanizeActionID(result.ActionID))
			continue
		}
		if result.Err != nil {
			failures++
			fmt.Fprintf(&b, "%s\n", failureLine(result))
			continue
		}
		if result.Summary != "" {
			fmt.Fprintf(&b, "%s\n", result.Summary)
		}
		if body := renderData(result.Data); body != "" {
			fmt.Fprintf(&b, "%s\n", body)
		}
	}

	text := strings.TrimSpace(b.String())
	if text == "" {
		if failures > 0 {
			return "The request could not be completed."
		}
		return "Done."
	}
	return text
}

// failureLine renders a non-technical failure description. The full
// error stays in the audit trail.
func failureLine(result *ActionResult) string {
	action := humanizeActionID(result.ActionID)
	subject := ""
	if result.Resource != "" {
		subject = " for " + result.Resource
	}
	switch result.Err.Code {
	case ErrCodeActionTimedOut:
		return fmt.Sprintf("The %s operation%s did not complete in time. Its completion status is unknown.",
			action, subject)
	case ErrCodeInvalidArguments:
		return fmt.Sprintf("I couldn't run %s: %s.", action, result.Err.Message)
	case ErrCodeActionBudgetExceeded:
		return "This request needs more steps than a single turn allows."
	default:
		return fmt.Sprintf("The %s operation%s failed.", action, subject)
	}
}

// renderData flattens a structured payload for presentation. Keys are
// sorted so the same payload always renders the same reply. The
// "message" key is skipped because it already surfaced as the summary.
func renderData(data map[string]interface{}) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		if k == "message" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		value := data[k]
		switch v := value.(type) {
		case string:
			fmt.Fprintf(&b, "%s: %s\n", k, v)
		case []interface{}:
			fmt.Fprintf(&b, "%s (%d):\n", k, len(v))
			for _, item := range v {
				fmt.Fprintf(&b, "  - %s\n", renderItem(item))
			}
		default:
			fmt.Fprintf(&b, "%s: %v\n", k, v)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderItem(item interface{}) string {
	m, ok := item.(map[string]interface{})
	if !ok {
		return fmt.Sprint(item)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := m[k]
		if _, nested := v.(map[string]interface{}); nested {
			compact, _ := json.Marshal(v)
			parts = append(parts, fmt.Sprintf("%s=%s", k, compact))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, " ")
}

// humanizeActionID turns kebab-case action ids into readable phrases.
func humanizeActionID(id string) string {
	return strings.NewReplacer("-", " ", "_", " ").Replace(id)
}

// Canned replies for non-executing terminal states.
const (
	ClarificationReply = "I couldn't determine which operations area that request belongs to. Could you rephrase it, for example \"list all EC2 instances\" or \"show backup plans\"?"
	RetryLaterReply    = "I couldn't understand the request right now. Please try again in a moment."
	ContextResetReply  = "Your previous conversation context has expired, so I'm starting fresh. "
)
