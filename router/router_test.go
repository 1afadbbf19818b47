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

package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magsag/magsag/config"
)

const testRoutingPolicy = `
name: default
description: test routing
routes:
  - task_type: "summarize.*"
    provider: openai
    model: gpt-4o-mini
    use_cache: true
    priority: 10
    metadata:
      team: nlp
      limits:
        rpm: 60
  - task_type: summarize.legal
    provider: anthropic
    model: claude-opus
    priority: 5
    moderation: true
  - task_type: "*"
    provider: openai
    model: gpt-4o-mini
    priority: 1
  - task_type: "extract.*"
    provider: local
    model: llama
    priority: 20
`

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	p, err := ParsePolicy([]byte(testRoutingPolicy))
	require.NoError(t, err)
	return New(p)
}

func TestRoutesSortedByDescendingPriority(t *testing.T) {
	p, err := ParsePolicy([]byte(testRoutingPolicy))
	require.NoError(t, err)
	require.Len(t, p.Routes, 4)
	assert.Equal(t, "extract.*", p.Routes[0].TaskType)
	assert.Equal(t, "summarize.*", p.Routes[1].TaskType)
}

func TestExactMatchBeatsGlob(t *testing.T) {
	r := newTestRouter(t)

	// summarize.* has higher priority, but summarize.legal is exact.
	plan := r.GetPlan("summarize.legal", nil)
	require.NotNil(t, plan)
	assert.Equal(t, "anthropic", plan.Provider)
	assert.Equal(t, "summarize.legal", plan.TaskType)
	assert.True(t, plan.Moderation)

	plan = r.GetPlan("summarize.news", nil)
	require.NotNil(t, plan)
	assert.Equal(t, "openai", plan.Provider)
	assert.Equal(t, "gpt-4o-mini", plan.Model)
}

func TestGlobPriorityOrder(t *testing.T) {
	r := newTestRouter(t)

	plan := r.GetPlan("extract.invoices", nil)
	require.NotNil(t, plan)
	assert.Equal(t, "local", plan.Provider)

	// Catch-all matches anything unmatched elsewhere.
	plan = r.GetPlan("translate.docs", nil)
	require.NotNil(t, plan)
	assert.Equal(t, 1, plan.Priority)
}

func TestNoMatchWithoutCatchAll(t *testing.T) {
	p, err := ParsePolicy([]byte(`
routes:
  - task_type: only.this
    provider: openai
    model: m
`))
	require.NoError(t, err)
	assert.Nil(t, New(p).GetPlan("something.else", nil))
}

func TestEnvAndCallerOverrides(t *testing.T) {
	r := newTestRouter(t)

	t.Setenv(config.EnvProvider, "azure")
	t.Setenv(config.EnvModel, "gpt-4o-azure")

	plan := r.GetPlan("summarize.news", nil)
	require.NotNil(t, plan)
	assert.Equal(t, "azure", plan.Provider)
	assert.Equal(t, "gpt-4o-azure", plan.Model)

	// Explicit overrides beat the environment.
	plan = r.GetPlan("summarize.news", &Overrides{Provider: "groq"})
	require.NotNil(t, plan)
	assert.Equal(t, "groq", plan.Provider)
	assert.Equal(t, "gpt-4o-azure", plan.Model)
}

func TestPlanMetadataIsNotAliased(t *testing.T) {
	r := newTestRouter(t)

	plan := r.GetPlan("summarize.news", nil)
	require.NotNil(t, plan)
	plan.Metadata["team"] = "changed"
	plan.Metadata["limits"].(map[string]any)["rpm"] = 1

	again := r.GetPlan("summarize.news", nil)
	assert.Equal(t, "nlp", again.Metadata["team"])
	assert.Equal(t, 60, again.Metadata["limits"].(map[string]any)["rpm"])
}

func TestPolicyExpandsEnvReferences(t *testing.T) {
	t.Setenv("ROUTER_PROVIDER", "anthropic")

	p, err := ParsePolicy([]byte(`
routes:
  - task_type: summarize.news
    provider: ${ROUTER_PROVIDER}
    model: ${ROUTER_MODEL:-claude-haiku}
`))
	require.NoError(t, err)
	require.Len(t, p.Routes, 1)
	assert.Equal(t, "anthropic", p.Routes[0].Provider)
	assert.Equal(t, "claude-haiku", p.Routes[0].Model)
}

func TestRouteRequiresTaskType(t *testing.T) {
	_, err := ParsePolicy([]byte(`
routes:
  - provider: openai
`))
	assert.Error(t, err)
}
