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
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the orchestrator.
type Metrics struct {
	TurnsTotal      *prometheus.CounterVec
	TurnDuration    *prometheus.HistogramVec
	ActionsTotal    *prometheus.CounterVec
	ActionDuration  *prometheus.HistogramVec
	PolicyBlocks    *prometheus.CounterVec
	SessionsEvicted prometheus.Counter
	AuditDropped    prometheus.Counter
}

// NewMetrics creates and registers the collectors on the given registry
// (nil registers on the default registry).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opscenter_turns_total",
			Help: "Completed turns by outcome and domain.",
		}, []string{"outcome", "domain"}),
		TurnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opscenter_turn_duration_seconds",
			Help:    "End-to-end turn latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opscenter_actions_total",
			Help: "Action executions by domain, action and result.",
		}, []string{"domain", "action", "result"}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opscenter_action_duration_seconds",
			Help:    "Capability handler invocation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"domain", "action"}),
		PolicyBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opscenter_policy_blocks_total",
			Help: "Policy filter blocks by direction and reason.",
		}, []string{"direction", "reason"}),
		SessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opscenter_sessions_evicted_total",
			Help: "Sessions dropped by idle TTL eviction.",
		}),
		AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opscenter_audit_dropped_total",
			Help: "Audit traces dropped due to a saturated queue.",
		}),
	}

	reg.MustRegister(
		m.TurnsTotal,
		m.TurnDuration,
		m.ActionsTotal,
		m.ActionDuration,
		m.PolicyBlocks,
		m.SessionsEvicted,
		m.AuditDropped,
	)
	return m
}
