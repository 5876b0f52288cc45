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
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ActionCatalog is a complete catalogue configuration file for one
// specialist domain, following the apiVersion/kind pattern. The catalogue
// is configuration, not code: handlers declare their action set ahead of
// time and the registry enforces it.
type ActionCatalog struct {
	APIVersion string          `yaml:"apiVersion"`
	Kind       string          `yaml:"kind"`
	Metadata   CatalogMetadata `yaml:"metadata"`
	Spec       CatalogSpec     `yaml:"spec"`
}

// CatalogMetadata identifies the catalogue and its specialist domain.
type CatalogMetadata struct {
	Name        string `yaml:"name"`
	Domain      string `yaml:"domain"`
	Description string `yaml:"description"`
}

// CatalogSpec declares the domain's actions and plan routing rules.
type CatalogSpec struct {
	IntentLabels []string    `yaml:"intent_labels"`
	Actions      []ActionDef `yaml:"actions"`
	Routing      []PlanRule  `yaml:"routing"`
}

// ActionDef declares a single action: its argument schema and its
// side-effect class.
type ActionDef struct {
	ID          string      `yaml:"id"`
	Description string      `yaml:"description"`
	SideEffect  string      `yaml:"side_effect"` // read-only, mutating
	Args        []ArgSchema `yaml:"args"`
}

// ArgSchema declares one argument: type, whether it is required, and an
// optional enumeration of allowed values.
type ArgSchema struct {
	Name     string   `yaml:"name"`
	Type     string   `yaml:"type"` // string, int, float, bool, list, map
	Required bool     `yaml:"required"`
	Enum     []string `yaml:"enum,omitempty"`
	FromSlot string   `yaml:"from_slot,omitempty"` // slot name the planner binds from
	FromPrev string   `yaml:"from_prev,omitempty"` // field of the previous step's result
	Default  string   `yaml:"default,omitempty"`
}

// PlanRule maps a request pattern to an ordered action sequence. When
// Sequential is set each step depends on the previous one's result;
// otherwise the steps are independent siblings and may run concurrently.
type PlanRule struct {
	Pattern    string   `yaml:"pattern"`
	Actions    []string `yaml:"actions"`
	Priority   int      `yaml:"priority"`
	Sequential bool     `yaml:"sequential,omitempty"`
}

// CompiledPlanRule is a PlanRule with its pattern pre-compiled.
type CompiledPlanRule struct {
	Pattern    *regexp.Regexp
	Actions    []string
	Priority   int
	Sequential bool
}

// LoadActionCatalog reads and validates a single catalogue file.
func LoadActionCatalog(path string) (*ActionCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalogue %s: %w", path, err)
	}

	var catalog ActionCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse catalogue %s: %w", path, err)
	}

	if err := catalog.Validate(); err != nil {
		return nil, fmt.Errorf("invalid catalogue %s: %w", path, err)
	}
	return &catalog, nil
}

// LoadCatalogDirectory loads every *.yaml catalogue in a directory,
// keyed by domain. Duplicate domains are an error.
func LoadCatalogDirectory(dir string) (map[string]*ActionCatalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan catalogue directory %s: %w", dir, err)
	}

	catalogs := make(map[string]*ActionCatalog)
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	for _, file := range files {
		catalog, err := LoadActionCatalog(file)
		if err != nil {
			return nil, err
		}
		domain := catalog.Metadata.Domain
		if _, exists := catalogs[domain]; exists {
			return nil, fmt.Errorf("duplicate domain %q in %s", domain, file)
		}
		catalogs[domain] = catalog
	}
	return catalogs, nil
}

// Validate checks structural invariants: non-empty domain, unique action
// ids, legal side-effect classes and argument types, and routing rules
// that reference declared actions with compilable patterns.
func (c *ActionCatalog) Validate() error {
	if c.Metadata.Domain == "" {
		return fmt.Errorf("metadata.domain is required")
	}
	if len(c.Spec.Actions) == 0 {
		return fmt.Errorf("domain %s declares no actions", c.Metadata.Domain)
	}

	seen := make(map[string]bool, len(c.Spec.Actions))
	for _, action := range c.Spec.Actions {
		if action.ID == "" {
			return fmt.Errorf("action with empty id")
		}
		if seen[action.ID] {
			return fmt.Errorf("duplicate action id %q", action.ID)
		}
		seen[action.ID] = true

		switch SideEffectClass(action.SideEffect) {
		case SideEffectReadOnly, SideEffectMutating:
		default:
			return fmt.Errorf("action %s: unknown side_effect %q", action.ID, action.SideEffect)
		}

		for _, arg := range action.Args {
			switch arg.Type {
			case "string", "int", "float", "bool", "list", "map":
			default:
				return fmt.Errorf("action %s: arg %s has unknown type %q", action.ID, arg.Name, arg.Type)
			}
		}
	}

	for _, rule := range c.Spec.Routing {
		if _, err := regexp.Compile("(?i)" + rule.Pattern); err != nil {
			return fmt.Errorf("routing pattern %q: %w", rule.Pattern, err)
		}
		if len(rule.Actions) == 0 {
			return fmt.Errorf("routing pattern %q maps to no actions", rule.Pattern)
		}
		for _, id := range rule.Actions {
			if !seen[id] {
				return fmt.Errorf("routing pattern %q references unknown action %q", rule.Pattern, id)
			}
		}
	}
	return nil
}

// Action returns the declared definition for an action id.
func (c *ActionCatalog) Action(id string) (*ActionDef, bool) {
	for i := range c.Spec.Actions {
		if c.Spec.Actions[i].ID == id {
			return &c.Spec.Actions[i], true
		}
	}
	return nil, false
}

// CompileRouting returns the routing rules sorted by priority (highest
// first) with patterns compiled case-insensitive.
func (c *ActionCatalog) CompileRouting() []CompiledPlanRule {
	rules := make([]CompiledPlanRule, 0, len(c.Spec.Routing))
	for _, r := range c.Spec.Routing {
		rules = append(rules, CompiledPlanRule{
			Pattern:    regexp.MustCompile("(?i)" + r.Pattern),
			Actions:    r.Actions,
			Priority:   r.Priority,
			Sequential: r.Sequential,
		})
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })
	return rules
}

// coerceArg converts a raw string (slot or default value) to the declared
// argument type.
func coerceArg(schema ArgSchema, raw string) (interface{}, error) {
	switch schema.Type {
	case "string":
		return raw, nil
	case "int":
		var v int64
		if _, err := fmt.Sscan(raw, &v); err != nil {
			return nil, fmt.Errorf("not an integer: %q", raw)
		}
		return v, nil
	case "float":
		var v float64
		if _, err := fmt.Sscan(raw, &v); err != nil {
			return nil, fmt.Errorf("not a number: %q", raw)
		}
		return v, nil
	case "bool":
		switch strings.ToLower(raw) {
		case "true", "yes", "1":
			return true, nil
		case "false", "no", "0":
			return false, nil
		}
		return nil, fmt.Errorf("not a boolean: %q", raw)
	case "list":
		parts := strings.Split(raw, ",")
		out := make([]interface{}, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("cannot coerce into type %q", schema.Type)
}
