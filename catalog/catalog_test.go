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

package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mainAgentDoc = `
slug: research-mag
role: main
description: decomposes research briefs
entrypoint: agents/research:run
depends_on:
  sub_agents: [web-sag, summarize-sag]
  skills: [task-decomposition, result-aggregation]
contracts:
  input_schema: schemas/research_in.json
  output_schema: schemas/research_out.json
risk_class: low
budgets:
  max_cost_usd: 0.50
  max_latency_ms: 60000
  max_tokens: 100000
`

func TestLoadDirAndResolve(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "research.yaml"), []byte(mainAgentDoc), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web.yml"), []byte(`
slug: web-sag
role: sub
entrypoint: agents/web:run
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("nope"), 0o644))

	r := NewRegistry()
	require.NoError(t, r.LoadDir(dir))

	agent := r.Resolve("research-mag")
	require.NotNil(t, agent)
	assert.Equal(t, RoleMain, agent.Role)
	assert.Equal(t, []string{"web-sag", "summarize-sag"}, agent.DependsOn.SubAgents)
	assert.Equal(t, 0.50, agent.Budgets.MaxCostUSD)
	assert.Equal(t, "schemas/research_out.json", agent.Contracts.OutputSchema)

	assert.NotNil(t, r.Resolve("web-sag"))
	assert.Nil(t, r.Resolve("missing"))
	assert.Equal(t, []string{"research-mag", "web-sag"}, r.Slugs())
}

func TestEnvExpansionInDocuments(t *testing.T) {
	t.Setenv("SCHEMA_DIR", "/srv/schemas")
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(`
slug: env-agent
role: sub
entrypoint: agents/env:run
contracts:
  input_schema: ${SCHEMA_DIR}/in.json
`), 0o644))

	r := NewRegistry()
	require.NoError(t, r.LoadDir(dir))
	assert.Equal(t, "/srv/schemas/in.json", r.Resolve("env-agent").Contracts.InputSchema)
}

func TestValidationRejectsBadDocuments(t *testing.T) {
	r := NewRegistry()

	assert.Error(t, r.Register(&Agent{Role: RoleMain, Entrypoint: "x"}))
	assert.Error(t, r.Register(&Agent{Slug: "a", Role: "orchestrator", Entrypoint: "x"}))
	assert.Error(t, r.Register(&Agent{Slug: "a", Role: RoleSub}))

	require.NoError(t, r.Register(&Agent{Slug: "a", Role: RoleSub, Entrypoint: "x"}))
	assert.Error(t, r.Register(&Agent{Slug: "a", Role: RoleSub, Entrypoint: "y"}))
}
