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

package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPolicy = `
default_permission: REQUIRE_APPROVAL
tools:
  search.web:
    permission: ALWAYS
  system.shutdown:
    permission: NEVER
categories:
  readonly:
    tools: ["get_*", "list_*"]
    permission: ALWAYS
  mutations:
    tools: ["*_write", "update_*"]
    permission: REQUIRE_APPROVAL
context_rules:
  - name: big-spend
    condition:
      tool: payments.transfer
      args_match:
        amount:
          greater_than: 100
    permission: NEVER
  - name: staging-deploys
    condition:
      tool_pattern: "deploy.*"
      context_match:
        environment: staging
    permission: ALWAYS
dangerous_patterns: ["*.delete", "sudo*"]
environments:
  development:
    default_permission: ALWAYS
    tools:
      "prod_*": NEVER
  production:
    default_permission: REQUIRE_APPROVAL
`

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	p, err := ParsePolicy([]byte(testPolicy))
	require.NoError(t, err)
	return NewEvaluator(p)
}

func TestExactToolRuleWinsFirst(t *testing.T) {
	e := newTestEvaluator(t)
	assert.Equal(t, Always, e.Evaluate(Query{ToolName: "search.web"}))
	assert.Equal(t, Never, e.Evaluate(Query{ToolName: "system.shutdown"}))
}

func TestContextRuleNumericComparator(t *testing.T) {
	e := newTestEvaluator(t)

	assert.Equal(t, Never, e.Evaluate(Query{
		ToolName: "payments.transfer",
		Args:     map[string]any{"amount": 250.0},
	}))
	// Below the bound the rule does not match; falls through to default.
	assert.Equal(t, RequireApproval, e.Evaluate(Query{
		ToolName: "payments.transfer",
		Args:     map[string]any{"amount": 50},
	}))
	// Missing key never matches.
	assert.Equal(t, RequireApproval, e.Evaluate(Query{ToolName: "payments.transfer"}))
}

func TestContextRulePatternAndContextMatch(t *testing.T) {
	e := newTestEvaluator(t)

	assert.Equal(t, Always, e.Evaluate(Query{
		ToolName: "deploy.api",
		Context:  map[string]any{"environment": "staging"},
	}))
	// Context mismatch falls through to the dangerous/category/default chain.
	assert.Equal(t, RequireApproval, e.Evaluate(Query{
		ToolName: "deploy.api",
		Context:  map[string]any{"environment": "production"},
	}))
}

func TestDangerousPatternsGateBehindApproval(t *testing.T) {
	e := newTestEvaluator(t)
	assert.Equal(t, RequireApproval, e.Evaluate(Query{ToolName: "records.delete"}))
	assert.Equal(t, RequireApproval, e.Evaluate(Query{ToolName: "sudo_anything"}))
}

func TestCategoryGlobs(t *testing.T) {
	e := newTestEvaluator(t)
	assert.Equal(t, Always, e.Evaluate(Query{ToolName: "get_user"}))
	assert.Equal(t, Always, e.Evaluate(Query{ToolName: "list_runs"}))
	assert.Equal(t, RequireApproval, e.Evaluate(Query{ToolName: "config_write"}))
}

func TestEnvironmentOverride(t *testing.T) {
	e := newTestEvaluator(t)

	assert.Equal(t, Never, e.Evaluate(Query{ToolName: "prod_restart", Environment: "development"}))
	assert.Equal(t, Always, e.Evaluate(Query{ToolName: "anything_else", Environment: "development"}))
	assert.Equal(t, RequireApproval, e.Evaluate(Query{ToolName: "anything_else", Environment: "production"}))
}

func TestPolicyDefaultLast(t *testing.T) {
	e := newTestEvaluator(t)
	assert.Equal(t, RequireApproval, e.Evaluate(Query{ToolName: "unmatched.tool"}))
}

func TestMatchingIsCaseSensitive(t *testing.T) {
	e := newTestEvaluator(t)
	assert.Equal(t, RequireApproval, e.Evaluate(Query{ToolName: "GET_user"}))
}

func TestInvalidPermissionRejectedAtLoad(t *testing.T) {
	_, err := ParsePolicy([]byte("default_permission: MAYBE"))
	assert.Error(t, err)

	_, err = ParsePolicy([]byte(`
tools:
  x:
    permission: sometimes
`))
	assert.Error(t, err)

	_, err = ParsePolicy([]byte(`
environments:
  production:
    tools:
      "x": allow
`))
	assert.Error(t, err)
}

func TestCategoriesKeepDeclarationOrder(t *testing.T) {
	p, err := ParsePolicy([]byte(`
default_permission: NEVER
categories:
  zeta:
    tools: ["shared_*"]
    permission: ALWAYS
  alpha:
    tools: ["shared_*"]
    permission: NEVER
`))
	require.NoError(t, err)
	e := NewEvaluator(p)

	// zeta is declared first, so its permission wins the tie.
	assert.Equal(t, Always, e.Evaluate(Query{ToolName: "shared_tool"}))
	require.Len(t, p.Categories, 2)
	assert.Equal(t, "zeta", p.Categories[0].Name)
}

func TestGlobInArgsMatch(t *testing.T) {
	p, err := ParsePolicy([]byte(`
default_permission: ALWAYS
context_rules:
  - condition:
      tool: files.read
      args_match:
        path: "/etc/*"
    permission: NEVER
`))
	require.NoError(t, err)
	e := NewEvaluator(p)

	assert.Equal(t, Never, e.Evaluate(Query{
		ToolName: "files.read",
		Args:     map[string]any{"path": "/etc/passwd"},
	}))
	assert.Equal(t, Always, e.Evaluate(Query{
		ToolName: "files.read",
		Args:     map[string]any{"path": "/tmp/scratch"},
	}))
}
