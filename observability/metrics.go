// Copyright 2025 Kadir Pekel
//
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

package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes the runtime's Prometheus counters.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal      *prometheus.CounterVec
	ApprovalsTotal *prometheus.CounterVec
	HandoffsTotal  *prometheus.CounterVec
	CostUSDTotal   *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
}

// NewMetrics registers the runtime's collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "magsag_runs_total",
			Help: "Agent runs by agent and final status.",
		}, []string{"agent", "status"}),
		ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "magsag_approvals_total",
			Help: "Approval tickets by outcome.",
		}, []string{"outcome"}),
		HandoffsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "magsag_handoffs_total",
			Help: "Handoffs by platform and status.",
		}, []string{"platform", "status"}),
		CostUSDTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "magsag_cost_usd_total",
			Help: "Observed LLM spend in USD by model.",
		}, []string{"model"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "magsag_run_duration_seconds",
			Help:    "Agent run wall-clock duration.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"agent"}),
	}
	reg.MustRegister(m.RunsTotal, m.ApprovalsTotal, m.HandoffsTotal, m.CostUSDTotal, m.RunDuration)
	return m
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
