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
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleCatalogYAML = `apiVersion: opscenter/v1
kind: ActionCatalog
metadata:
  name: compute
  domain: compute-lifecycle
  description: EC2 instance lifecycle operations
spec:
  intent_labels:
    - compute-lifecycle
  actions:
    - id: list-instances
      side_effect: read-only
      args:
        - name: state
          type: string
          from_slot: state
          enum: [running, stopped, pending]
    - id: stop-instances
      side_effect: mutating
      args:
        - name: instance_ids
          type: list
          required: true
          from_slot: instance_id
  routing:
    - pattern: 'stop'
      actions: [stop-instances]
      priority: 20
    - pattern: 'list|show'
      actions: [list-instances]
      priority: 10
`

func writeCatalog(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadActionCatalog(t *testing.T) {
	path := writeCatalog(t, t.TempDir(), "compute.yaml", sampleCatalogYAML)

	catalog, err := LoadActionCatalog(path)
	if err != nil {
		t.Fatalf("LoadActionCatalog failed: %v", err)
	}
	if catalog.Metadata.Domain != "compute-lifecycle" {
		t.Errorf("Unexpected domain %q", catalog.Metadata.Domain)
	}
	if len(catalog.Spec.Actions) != 2 {
		t.Fatalf("Expected 2 actions, got %d", len(catalog.Spec.Actions))
	}

	def, ok := catalog.Action("stop-instances")
	if !ok || SideEffectClass(def.SideEffect) != SideEffectMutating {
		t.Errorf("Expected mutating stop-instances, got %+v", def)
	}
	if def.Args[0].Name != "instance_ids" || !def.Args[0].Required {
		t.Errorf("Argument schema did not parse: %+v", def.Args)
	}
}

func TestLoadCatalogDirectory_RejectsDuplicateDomain(t *testing.T) {
	dir := t.TempDir()
	writeCatalog(t, dir, "a.yaml", sampleCatalogYAML)
	writeCatalog(t, dir, "b.yaml", sampleCatalogYAML)

	if _, err := LoadCatalogDirectory(dir); err == nil || !strings.Contains(err.Error(), "duplicate domain") {
		t.Fatalf("Expected duplicate domain error, got %v", err)
	}
}

func TestLoadCatalogDirectory_IgnoresNonYAML(t *testing.T) {
	dir := t.TempDir()
	writeCatalog(t, dir, "compute.yaml", sampleCatalogYAML)
	writeCatalog(t, dir, "README.md", "# not a catalogue")

	catalogs, err := LoadCatalogDirectory(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(catalogs) != 1 {
		t.Fatalf("Expected 1 catalogue, got %d", len(catalogs))
	}
}

func TestCatalogValidate_Errors(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(c *ActionCatalog)
		wantErr string
	}{
		{
			name:    "missing domain",
			mutate:  func(c *ActionCatalog) { c.Metadata.Domain = "" },
			wantErr: "metadata.domain",
		},
		{
			name:    "no actions",
			mutate:  func(c *ActionCatalog) { c.Spec.Actions = nil },
			wantErr: "declares no actions",
		},
		{
			name: "duplicate action id",
			mutate: func(c *ActionCatalog) {
				c.Spec.Actions = append(c.Spec.Actions, c.Spec.Actions[0])
			},
			wantErr: "duplicate action id",
		},
		{
			name:    "bad side effect",
			mutate:  func(c *ActionCatalog) { c.Spec.Actions[0].SideEffect = "sometimes" },
			wantErr: "unknown side_effect",
		},
		{
			name:    "bad arg type",
			mutate:  func(c *ActionCatalog) { c.Spec.Actions[0].Args[0].Type = "uuid" },
			wantErr: "unknown type",
		},
		{
			name:    "routing to unknown action",
			mutate:  func(c *ActionCatalog) { c.Spec.Routing[0].Actions = []string{"reboot-universe"} },
			wantErr: "unknown action",
		},
		{
			name:    "bad routing pattern",
			mutate:  func(c *ActionCatalog) { c.Spec.Routing[0].Pattern = "(" },
			wantErr: "routing pattern",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			catalog := testCatalog()
			catalog.Spec.Routing = []PlanRule{{Pattern: "look", Actions: []string{"lookup"}}}
			tc.mutate(catalog)
			err := catalog.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Expected %q error, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestCompileRouting_PriorityOrder(t *testing.T) {
	path := writeCatalog(t, t.TempDir(), "compute.yaml", sampleCatalogYAML)
	catalog, err := LoadActionCatalog(path)
	if err != nil {
		t.Fatal(err)
	}

	rules := catalog.CompileRouting()
	if len(rules) != 2 || rules[0].Priority != 20 {
		t.Fatalf("Expected rules sorted by priority, got %+v", rules)
	}
	if !rules[1].Pattern.MatchString("SHOW me everything") {
		t.Error("Patterns must compile case-insensitive")
	}
}
