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

// Package orchestrator implements the OpsCenter supervisor: the control
// loop that accepts a natural-language operations request, routes it to a
// specialist domain (compute lifecycle, patch management, backup, support),
// executes a bounded sequence of catalogued actions against the domain's
// capability handler, and composes a single reply.
//
// Every turn passes through the policy filter on the way in and on the way
// out, is serialized against other turns for the same session, and is
// appended to the session history regardless of outcome. Full turn traces
// are emitted to the audit sink as fire-and-forget events.
//
// The components are wired in Run():
//
//   - PolicyFilter      - content category thresholds + denied topics
//   - IntentClassifier  - opaque classification oracle (Bedrock or keyword)
//   - SpecialistRouter  - intent label -> domain, sticky tie-break
//   - ActionRegistry    - catalogued actions, schema validation, budget
//   - SessionStore      - in-memory or Redis, single writer per session
//   - Supervisor        - the per-turn state machine
package orchestrator
