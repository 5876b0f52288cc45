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

// Package main is the entry point for the OpsCenter Orchestrator service.
//
// The Orchestrator turns natural-language operations requests into
// bounded, audited actions:
// - Filters inbound and outbound text through the policy filter
// - Classifies intent and routes to a specialist domain
// - Executes catalogued actions under a per-turn budget
// - Composes a single reply and records the turn in the session
//
// Usage:
//
//	./orchestrator
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8080)
//	CATALOG_DIR - action catalogue directory (default: configs/catalogs)
//	DATABASE_URL - PostgreSQL connection string for audit (optional)
//	REDIS_URL - Redis connection string for sessions (optional)
//	BEDROCK_MODEL_ID - Bedrock model for classification (optional)
//	BEDROCK_REGION - AWS region (default: us-east-1)
package main

import (
	"axonflow/opscenter/orchestrator"
)

func main() {
	orchestrator.Run()
}
